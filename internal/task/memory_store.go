package task

import (
	"context"
	"database/sql"
	"sort"
	"time"
)

type memoryRecord struct {
	task    Task
	results sql.NullString
	seq     int64
}

// MemoryStore 以内存方式保存任务，主要用于测试与 memory 驱动。
// results 同样以 JSON 文本保存，使读写语义与 SQLiteStore 一致。
type MemoryStore struct {
	gate    *gate
	records map[string]*memoryRecord
	seq     int64
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithTimeout(0)
}

// NewMemoryStoreWithTimeout 创建带锁等待上限的 MemoryStore。
func NewMemoryStoreWithTimeout(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		gate:    newGate(lockTimeout),
		records: make(map[string]*memoryRecord),
		now:     time.Now,
	}
}

// Initialize 对内存存储无需操作。
func (m *MemoryStore) Initialize(ctx context.Context) error {
	release, err := m.gate.acquire(ctx)
	if err != nil {
		return err
	}
	release()
	return nil
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(ctx context.Context, formation string, task *Task) error {
	if err := validate(formation, task); err != nil {
		return err
	}
	results, err := encodeResults(task.Results)
	if err != nil {
		return err
	}

	release, err := m.gate.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	now := m.gate.stamp(m.now())
	record, ok := m.records[task.ID]
	if !ok {
		m.seq++
		record = &memoryRecord{seq: m.seq}
		record.task.CreatedAt = now
		m.records[task.ID] = record
	}
	record.task.ID = task.ID
	record.task.Formation = formation
	record.task.Description = task.Description
	record.task.AssignedTo = task.AssignedTo
	record.task.Status = task.Status
	record.task.UpdatedAt = now
	record.results = results
	return nil
}

// Load 返回 formation 下按创建顺序排列的任务。
func (m *MemoryStore) Load(ctx context.Context, formation string, opts ...LoadOption) ([]*Task, error) {
	options := buildLoadOptions(opts)

	release, err := m.gate.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	matched := make([]*memoryRecord, 0)
	for _, record := range m.records {
		if record.task.Formation == formation {
			matched = append(matched, record)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].task.CreatedAt.Equal(matched[j].task.CreatedAt) {
			return matched[i].seq < matched[j].seq
		}
		return matched[i].task.CreatedAt.Before(matched[j].task.CreatedAt)
	})

	tasks := make([]*Task, 0, len(matched))
	for _, record := range matched {
		task, err := record.materialize()
		if err != nil {
			return nil, err
		}
		if options.matches(task) {
			tasks = append(tasks, task)
		}
	}
	return options.page(tasks), nil
}

// Get 返回任务。
func (m *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	release, err := m.gate.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	record, ok := m.records[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return record.materialize()
}

// Stats 统计 formation 下各状态的任务数量。
func (m *MemoryStore) Stats(ctx context.Context, formation string) (FormationStats, error) {
	release, err := m.gate.acquire(ctx)
	if err != nil {
		return FormationStats{}, err
	}
	defer release()

	stats := newFormationStats(formation)
	for _, record := range m.records {
		if record.task.Formation == formation {
			stats.add(record.task.Status, 1)
		}
	}
	return stats, nil
}

// Formations 返回存在任务记录的 formation 名称。
func (m *MemoryStore) Formations(ctx context.Context) ([]string, error) {
	release, err := m.gate.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	seen := make(map[string]struct{})
	names := make([]string, 0)
	for _, record := range m.records {
		if _, ok := seen[record.task.Formation]; ok {
			continue
		}
		seen[record.task.Formation] = struct{}{}
		names = append(names, record.task.Formation)
	}
	sort.Strings(names)
	return names, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (r *memoryRecord) materialize() (*Task, error) {
	results, err := decodeResults(r.results)
	if err != nil {
		return nil, err
	}
	task := r.task
	task.Results = results
	return &task, nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)

package task

import (
	"context"
	"time"

	xerrors "FormationHub/internal/errors"
	"FormationHub/internal/observability/metrics"
)

// InstrumentedStore 为任意 Store 记录调用次数、错误码与耗时（含等锁时间）。
type InstrumentedStore struct {
	next    Store
	backend string
}

// NewInstrumentedStore 包装 next，backend 作为指标标签。
func NewInstrumentedStore(backend string, next Store) *InstrumentedStore {
	return &InstrumentedStore{next: next, backend: backend}
}

func (s *InstrumentedStore) observe(operation string, start time.Time, err error) {
	code := metrics.OutcomeOK
	if err != nil {
		code = string(xerrors.CodeOf(err))
	}
	metrics.ObserveStoreOperation(s.backend, operation, code, time.Since(start))
}

// Initialize 实现 Store。
func (s *InstrumentedStore) Initialize(ctx context.Context) error {
	start := time.Now()
	err := s.next.Initialize(ctx)
	s.observe("initialize", start, err)
	return err
}

// Save 实现 Store。
func (s *InstrumentedStore) Save(ctx context.Context, formation string, task *Task) error {
	start := time.Now()
	err := s.next.Save(ctx, formation, task)
	s.observe("save", start, err)
	return err
}

// Load 实现 Store。
func (s *InstrumentedStore) Load(ctx context.Context, formation string, opts ...LoadOption) ([]*Task, error) {
	start := time.Now()
	tasks, err := s.next.Load(ctx, formation, opts...)
	s.observe("load", start, err)
	return tasks, err
}

// Get 实现 Store。
func (s *InstrumentedStore) Get(ctx context.Context, id string) (*Task, error) {
	start := time.Now()
	task, err := s.next.Get(ctx, id)
	s.observe("get", start, err)
	return task, err
}

// Stats 实现 Store。
func (s *InstrumentedStore) Stats(ctx context.Context, formation string) (FormationStats, error) {
	start := time.Now()
	stats, err := s.next.Stats(ctx, formation)
	s.observe("stats", start, err)
	return stats, err
}

// Formations 实现 Store。
func (s *InstrumentedStore) Formations(ctx context.Context) ([]string, error) {
	start := time.Now()
	names, err := s.next.Formations(ctx)
	s.observe("formations", start, err)
	return names, err
}

// Close 实现 Store。
func (s *InstrumentedStore) Close() error {
	return s.next.Close()
}

var _ Store = (*InstrumentedStore)(nil)

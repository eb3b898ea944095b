// Package orchestrator 负责在单个 formation 内创建、分配与完成任务。
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	xerrors "FormationHub/internal/errors"
	"FormationHub/internal/formation"
	"FormationHub/internal/task"
	"FormationHub/pkg/logger"
)

// Orchestrator 管理一个 formation 的任务，可并发使用。
// 本地缓存记录最近一次读写的任务，存储始终是权威来源。
type Orchestrator struct {
	formation *formation.Formation
	router    *formation.Router
	service   *task.Service
	log       *slog.Logger
	newID     func() string

	mu    sync.Mutex
	tasks map[string]*task.Task
	order []string
}

// Option 定制 Orchestrator。
type Option func(*Orchestrator)

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithIDGenerator 替换任务 ID 生成函数，默认使用 UUID。
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// New 创建 Orchestrator 并从存储中恢复该 formation 已有的任务。
func New(ctx context.Context, f *formation.Formation, svc *task.Service, opts ...Option) (*Orchestrator, error) {
	if f == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "formation 不能为空")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	o := &Orchestrator{
		formation: f.Clone(),
		router:    formation.NewRouter(f),
		service:   svc,
		log:       logger.Named("orchestrator"),
		newID:     func() string { return uuid.NewString() },
		tasks:     make(map[string]*task.Task),
	}
	for _, opt := range opts {
		opt(o)
	}

	restored, err := svc.Load(ctx, f.Name)
	if err != nil {
		return nil, err
	}
	for _, t := range restored {
		o.remember(t)
	}
	o.log.Info("formation 已加载",
		slog.String("formation", f.Name),
		slog.Int("restored_tasks", len(restored)),
	)
	return o, nil
}

// Formation 返回编排使用的 formation 副本。
func (o *Orchestrator) Formation() *formation.Formation {
	return o.formation.Clone()
}

// AddTask 创建 pending 状态的任务并持久化。
func (o *Orchestrator) AddTask(ctx context.Context, description string) (*task.Task, error) {
	if strings.TrimSpace(description) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务描述不能为空")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	t := &task.Task{
		ID:          o.newID(),
		Formation:   o.formation.Name,
		Description: description,
		Status:      task.StatusPending,
		Results:     map[string]any{},
	}
	if err := o.persist(ctx, t); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Route 按 formation 的 routing 规则分配成员，持久化后投递到派发队列。
func (o *Orchestrator) Route(ctx context.Context, id string) (*task.Task, error) {
	o.mu.Lock()
	t, err := o.lookup(ctx, id)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	agent := o.router.Route(t.Description)
	t.AssignedTo = agent.ID
	t.Status = task.StatusAssigned
	err = o.persist(ctx, t)
	routed := t.Clone()
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	o.log.Info("任务已分配",
		slog.String("formation", o.formation.Name),
		slog.String("task_id", id),
		slog.String("agent", agent.ID),
		slog.String("role", agent.Role),
	)
	if err := o.service.Dispatch(ctx, o.formation.Name, id); err != nil {
		return routed, err
	}
	return routed, nil
}

// Complete 写入结果并把任务标记为 completed。
func (o *Orchestrator) Complete(ctx context.Context, id string, results map[string]any) (*task.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, err := o.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Status = task.StatusCompleted
	t.Results = results
	if t.Results == nil {
		t.Results = map[string]any{}
	}
	if err := o.persist(ctx, t); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Pending 从存储刷新缓存，返回按创建顺序排列的未完成任务。
func (o *Orchestrator) Pending(ctx context.Context) ([]*task.Task, error) {
	tasks, err := o.service.Load(ctx, o.formation.Name)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	pending := make([]*task.Task, 0)
	for _, t := range tasks {
		o.remember(t)
		if t.Status != task.StatusCompleted {
			pending = append(pending, t.Clone())
		}
	}
	return pending, nil
}

// Stats 返回 formation 的任务统计。
func (o *Orchestrator) Stats(ctx context.Context) (task.FormationStats, error) {
	return o.service.Stats(ctx, o.formation.Name)
}

// Tasks 返回本地缓存中按首次出现顺序排列的任务快照。
func (o *Orchestrator) Tasks() []*task.Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	snapshot := make([]*task.Task, 0, len(o.order))
	for _, id := range o.order {
		snapshot = append(snapshot, o.tasks[id].Clone())
	}
	return snapshot
}

// lookup 从存储读取最新记录，其他进程的 Processor 可能已经修改过它。
func (o *Orchestrator) lookup(ctx context.Context, id string) (*task.Task, error) {
	t, err := o.service.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Formation != o.formation.Name {
		return nil, xerrors.New(task.CodeTaskNotFound, fmt.Sprintf("任务 %s 不属于 formation %s", id, o.formation.Name),
			xerrors.WithMetadata("task_id", id),
			xerrors.WithMetadata("formation", o.formation.Name))
	}
	return t, nil
}

// persist 保存任务并更新缓存，调用方需持有 mu。
func (o *Orchestrator) persist(ctx context.Context, t *task.Task) error {
	if err := o.service.Save(ctx, o.formation.Name, t); err != nil {
		return err
	}
	o.remember(t)
	return nil
}

func (o *Orchestrator) remember(t *task.Task) {
	if _, ok := o.tasks[t.ID]; !ok {
		o.order = append(o.order, t.ID)
	}
	o.tasks[t.ID] = t.Clone()
}

package task

import (
	"context"
	"log/slog"
	"time"

	xerrors "FormationHub/internal/errors"
	"FormationHub/pkg/logger"
)

// Service 是任务存储与派发队列之上的门面。
type Service struct {
	store    Store
	producer Producer
}

// NewService 构造任务服务。producer 可以为 nil，此时 Dispatch 不可用。
func NewService(store Store, producer Producer) *Service {
	return &Service{store: store, producer: producer}
}

// Store 返回底层存储。
func (s *Service) Store() Store {
	return s.store
}

// Save 持久化任务并写入审计日志。
func (s *Service) Save(ctx context.Context, formation string, task *Task) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if err := s.store.Save(ctx, formation, task); err != nil {
		return err
	}
	logger.Audit().Info("任务已保存",
		slog.String("formation", formation),
		slog.String("task_id", task.ID),
		slog.String("status", string(task.Status)),
		slog.String("assigned_to", task.AssignedTo),
	)
	return nil
}

// Dispatch 将任务投递到派发队列，由 Processor 异步执行。
func (s *Service) Dispatch(ctx context.Context, formation, taskID string) error {
	if s.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务队列未初始化")
	}
	job := Job{Formation: formation, TaskID: taskID}
	if err := job.validate(); err != nil {
		return err
	}
	if err := s.producer.Publish(ctx, job); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		return xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败",
			xerrors.WithMetadata("formation", formation),
			xerrors.WithMetadata("task_id", taskID))
	}
	logger.Audit().Info("任务入队成功",
		slog.String("formation", formation),
		slog.String("task_id", taskID),
	)
	return nil
}

// Load 返回 formation 下按创建顺序排列的任务。
func (s *Service) Load(ctx context.Context, formation string, opts ...LoadOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Load(ctx, formation, opts...)
}

// Get 返回指定任务。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Stats 返回 formation 的任务统计信息。
func (s *Service) Stats(ctx context.Context, formation string) (FormationStats, error) {
	if s.store == nil {
		return FormationStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, formation)
}

// Formations 返回存在任务记录的 formation。
func (s *Service) Formations(ctx context.Context) ([]string, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Formations(ctx)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilDone 轮询任务直到进入 completed 或 failed。
func (s *Service) WaitUntilDone(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == StatusCompleted || task.Status == StatusFailed {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

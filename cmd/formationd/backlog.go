package main

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"FormationHub/internal/formation"
	"FormationHub/internal/orchestrator"
	"FormationHub/internal/task"
	"FormationHub/pkg/logger"
)

// routeBacklog 为存储中每个已注册的 formation 创建 Orchestrator，
// 并把尚未分配成员的 pending 任务路由到派发队列，返回路由的任务数。
// 单个任务路由失败只记录日志，存储错误会中止整个过程。
func routeBacklog(ctx context.Context, registry *formation.Registry, service *task.Service) (int, error) {
	lg := logger.Named("backlog")
	names, err := service.Formations(ctx)
	if err != nil {
		return 0, err
	}

	routed := 0
	for _, name := range names {
		f, err := registry.Get(name)
		if err != nil {
			lg.Warn("存储中的 formation 未注册，跳过", slog.String("formation", name))
			continue
		}
		orch, err := orchestrator.New(ctx, f, service, orchestrator.WithLogger(logger.Named("orchestrator")))
		if err != nil {
			return routed, err
		}
		pending, err := orch.Pending(ctx)
		if err != nil {
			return routed, err
		}
		for _, t := range pending {
			if t.Status != task.StatusPending || t.AssignedTo != "" {
				continue
			}
			if _, err := orch.Route(ctx, t.ID); err != nil {
				if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
					return routed, err
				}
				lg.Warn("路由任务失败",
					slog.Any("error", err),
					slog.String("formation", name),
					slog.String("task_id", t.ID),
				)
				continue
			}
			routed++
		}
	}
	return routed, nil
}

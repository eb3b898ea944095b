package main

import (
	"context"

	xerrors "FormationHub/internal/errors"
	"FormationHub/internal/formation"
	"FormationHub/internal/task"
)

// newEchoExecutor 返回内置执行器：不调用外部模型，只回显被分配成员的信息。
func newEchoExecutor(registry *formation.Registry) task.Executor {
	return task.ExecutorFunc(func(ctx context.Context, t *task.Task) (map[string]any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := registry.Get(t.Formation)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "formation 未注册",
				xerrors.WithRetryable(false),
				xerrors.WithMetadata("formation", t.Formation))
		}
		results := map[string]any{
			"formation": f.Name,
			"mission":   f.Mission,
			"echo":      t.Description,
		}
		if agent, ok := f.Agent(t.AssignedTo); ok {
			results["agent"] = agent.ID
			results["role"] = agent.Role
			results["model"] = agent.Model
			goals := make([]any, 0, len(agent.Goals))
			for _, goal := range agent.Goals {
				goals = append(goals, goal)
			}
			results["goals"] = goals
		}
		return results, nil
	})
}

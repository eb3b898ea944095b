package task

import "context"

// RecoveryHandler 定义了在任务执行出现不可重试失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 返回的结果将作为降级结果写入任务并标记为 completed；
	// 返回 nil 则继续按照失败流程处理。
	Recover(ctx context.Context, task *Task, cause error) (map[string]any, error)
}

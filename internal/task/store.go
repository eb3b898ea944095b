package task

import "context"

// Store 抽象了按 formation 分区的任务持久化接口。
// 实现必须用同一把存储级锁串行化全部操作。
type Store interface {
	// Initialize 幂等地准备存储与表结构。
	Initialize(ctx context.Context) error
	// Save 按 ID 插入或整体替换任务的可变字段，created_at 保持首次写入的值。
	Save(ctx context.Context, formation string, task *Task) error
	// Load 按创建时间升序返回 formation 下的任务；未知 formation 返回空切片。
	Load(ctx context.Context, formation string, opts ...LoadOption) ([]*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	Stats(ctx context.Context, formation string) (FormationStats, error)
	Formations(ctx context.Context) ([]string, error)
	Close() error
}

package task

import (
	"context"
	"log/slog"
	"sync"

	xerrors "FormationHub/internal/errors"
	"FormationHub/pkg/logger"
)

// MemoryQueue 是基于 channel 的单进程派发队列。
// 处理失败的消息会重新放回队列；队列已满时丢弃并记录日志。
type MemoryQueue struct {
	ch     chan Job
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列，size 不大于 0 时使用 64。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Job, size)}
}

// Publish 阻塞直到消息入队、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭",
			xerrors.WithMetadata("task_id", job.TaskID))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- job:
		return nil
	}
}

// Consume 以 workerCount 个协程处理消息，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, job); err != nil && ctx.Err() == nil {
						q.redeliver(job, err)
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) redeliver(job Job, cause error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- job:
	default:
		logger.L().Warn("内存队列已满，丢弃重投消息",
			slog.Any("error", cause),
			slog.String("formation", job.Formation),
			slog.String("task_id", job.TaskID),
		)
	}
}

// Len 返回尚未消费的消息数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Depth 实现 DepthReporter。
func (q *MemoryQueue) Depth(context.Context) (int, error) {
	return q.Len(), nil
}

// Close 关闭队列，正在等待的消费者会退出。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}

var _ DepthReporter = (*MemoryQueue)(nil)

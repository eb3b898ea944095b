package task

import (
	"context"
	"time"

	xerrors "FormationHub/internal/errors"
)

// gate 是存储级的互斥锁，获取时可以设置等待上限。
// 它同时维护单调的写入时间，持有锁时才能调用 stamp 与 advance。
type gate struct {
	slot    chan struct{}
	timeout time.Duration
	last    time.Time
}

func newGate(timeout time.Duration) *gate {
	if timeout < 0 {
		timeout = 0
	}
	return &gate{slot: make(chan struct{}, 1), timeout: timeout}
}

// acquire 阻塞直到拿到锁；timeout 为 0 时只受 ctx 约束。
func (g *gate) acquire(ctx context.Context) (func(), error) {
	release := func() { <-g.slot }

	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBusy, err, "等待存储锁时上下文结束")
	}
	select {
	case g.slot <- struct{}{}:
		return release, nil
	default:
	}

	var expired <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case g.slot <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeBusy, ctx.Err(), "等待存储锁时上下文结束")
	case <-expired:
		return nil, xerrors.New(xerrors.CodeBusy, "等待存储锁超时",
			xerrors.WithMetadata("lock_timeout", g.timeout.String()))
	}
}

// stamp 返回不早于上一次写入的时间，系统时钟回拨时沿用上一次的值，
// 相同时间的记录再按插入顺序排列。
func (g *gate) stamp(now time.Time) time.Time {
	now = now.UTC()
	if now.Before(g.last) {
		return g.last
	}
	g.last = now
	return now
}

// advance 用已持久化的最大时间推进时钟，使重启后的写入同样不会倒退。
func (g *gate) advance(t time.Time) {
	if t.After(g.last) {
		g.last = t.UTC()
	}
}

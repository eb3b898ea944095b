package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGateSerializesHolders(t *testing.T) {
	g := newGate(0)
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			release()
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("expected at most one holder, saw %d", peak.Load())
	}
}

func TestGateTimeoutAndRelease(t *testing.T) {
	g := newGate(10 * time.Millisecond)
	release, err := g.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	start := time.Now()
	if _, err := g.acquire(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("timeout returned too early")
	}

	release()
	again, err := g.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}

func TestGateWaitsForeverWithoutTimeout(t *testing.T) {
	g := newGate(0)
	release, err := g.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		next, err := g.acquire(context.Background())
		if err == nil {
			next()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("second acquire must wait while the gate is held")
	case <-time.After(30 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("waiter not woken after release")
	}
}

func TestGateRejectsCancelledContextWhenFree(t *testing.T) {
	g := newGate(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.acquire(ctx)
	if !errors.Is(err, ErrBusy) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected busy wrapping context.Canceled, got %v", err)
	}
	release, err := g.acquire(context.Background())
	if err != nil {
		t.Fatalf("gate must stay free after a cancelled acquire: %v", err)
	}
	release()
}

func TestGateStampNeverGoesBackwards(t *testing.T) {
	g := newGate(0)
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	first := g.stamp(base)
	second := g.stamp(base.Add(-time.Hour))
	third := g.stamp(base.Add(time.Second))
	if !second.Equal(first) || !third.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected stamps: %v %v %v", first, second, third)
	}

	g.advance(base.Add(time.Minute))
	if got := g.stamp(base); !got.Equal(base.Add(time.Minute)) {
		t.Fatalf("advance not applied: %v", got)
	}
}

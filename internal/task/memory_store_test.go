package task

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func newTestMemoryStore() *MemoryStore {
	store := NewMemoryStore()
	store.now = steppingClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return store
}

func TestMemoryStoreMatchesSQLiteSemantics(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := store.Save(ctx, "alpha", &Task{ID: "t1", Description: "scan node", AssignedTo: "agent-7", Status: "pending"}); err != nil {
		t.Fatalf("save t1: %v", err)
	}
	if err := store.Save(ctx, "beta", &Task{ID: "b1", Status: "pending"}); err != nil {
		t.Fatalf("save b1: %v", err)
	}
	if err := store.Save(ctx, "alpha", &Task{ID: "t2", Status: "done", Results: map[string]any{"lines": 42}}); err != nil {
		t.Fatalf("save t2: %v", err)
	}
	first, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get t1: %v", err)
	}
	if err := store.Save(ctx, "alpha", &Task{ID: "t1", Description: "scan node", Status: "running"}); err != nil {
		t.Fatalf("resave t1: %v", err)
	}

	tasks, err := store.Load(ctx, "alpha")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := taskIDs(tasks); !reflect.DeepEqual(got, []string{"t1", "t2"}) {
		t.Fatalf("unexpected order: %v", got)
	}
	if tasks[0].Status != "running" || tasks[0].AssignedTo != "" || !tasks[0].CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("replace semantics broken: %+v", tasks[0])
	}
	if tasks[0].Results == nil || len(tasks[0].Results) != 0 {
		t.Fatalf("expected empty results, got %#v", tasks[0].Results)
	}
	if !reflect.DeepEqual(tasks[1].Results, map[string]any{"lines": float64(42)}) {
		t.Fatalf("results not round-tripped through JSON: %#v", tasks[1].Results)
	}

	empty, err := store.Load(ctx, "nobody")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty slice for unknown formation, got %#v, %v", empty, err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	results := map[string]any{"k": "v"}
	if err := store.Save(ctx, "alpha", &Task{ID: "t1", Status: StatusPending, Results: results}); err != nil {
		t.Fatalf("save: %v", err)
	}
	results["k"] = "changed"

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Results["k"] = "mutated"

	again, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Results["k"] != "v" {
		t.Fatalf("stored results were aliased: %#v", again.Results)
	}
}

func TestMemoryStoreStatsAndFilters(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	for _, task := range []*Task{
		{ID: "t1", Status: StatusPending, AssignedTo: "a"},
		{ID: "t2", Status: StatusFailed, AssignedTo: "b"},
		{ID: "t3", Status: StatusPending, AssignedTo: "b"},
		{ID: "t4", Status: StatusCompleted, AssignedTo: "a"},
	} {
		if err := store.Save(ctx, "alpha", task); err != nil {
			t.Fatalf("save %s: %v", task.ID, err)
		}
	}

	stats, err := store.Stats(ctx, "alpha")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.ByStatus[StatusPending] != 2 || stats.ByStatus[StatusFailed] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	filtered, err := store.Load(ctx, "alpha", WithStatuses(StatusPending, StatusFailed, " "), WithAssignee("b"))
	if err != nil {
		t.Fatalf("filtered load: %v", err)
	}
	if got := taskIDs(filtered); !reflect.DeepEqual(got, []string{"t2", "t3"}) {
		t.Fatalf("unexpected filtered load: %v", got)
	}

	paged, err := store.Load(ctx, "alpha", WithLimit(2), WithOffset(1))
	if err != nil {
		t.Fatalf("paged load: %v", err)
	}
	if got := taskIDs(paged); !reflect.DeepEqual(got, []string{"t2", "t3"}) {
		t.Fatalf("unexpected page: %v", got)
	}

	beyond, err := store.Load(ctx, "alpha", WithOffset(10))
	if err != nil || len(beyond) != 0 {
		t.Fatalf("expected empty page, got %v, %v", taskIDs(beyond), err)
	}
}

func TestMemoryStoreRejectsInvalidInput(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	cases := []struct {
		name      string
		formation string
		task      *Task
		want      error
	}{
		{"nil task", "alpha", nil, ErrInvalidTask},
		{"empty id", "alpha", &Task{}, ErrInvalidTask},
		{"empty formation", " ", &Task{ID: "t1"}, ErrInvalidTask},
		{"bad results", "alpha", &Task{ID: "t1", Results: map[string]any{"f": func() {}}}, ErrSerialization},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := store.Save(ctx, tc.formation, tc.task); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if names, _ := store.Formations(ctx); len(names) != 0 {
		t.Fatalf("invalid saves must not write: %v", names)
	}
}

func TestMemoryStoreLockTimeout(t *testing.T) {
	store := NewMemoryStoreWithTimeout(20 * time.Millisecond)
	release, err := store.gate.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if _, err := store.Get(context.Background(), "t1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
}

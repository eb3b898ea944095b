package main

import (
	"context"
	"testing"

	"FormationHub/internal/formation"
	"FormationHub/internal/task"
)

func TestRouteBacklogRoutesUnassignedPendingTasks(t *testing.T) {
	ctx := context.Background()
	queue := task.NewMemoryQueue(16)
	service := task.NewService(task.NewMemoryStore(), queue)
	t.Cleanup(func() { _ = service.Close() })

	seed := []struct {
		formation string
		task      task.Task
	}{
		{"FullEngineeringSquad", task.Task{ID: "new-1", Description: "build api", Status: task.StatusPending}},
		{"FullEngineeringSquad", task.Task{ID: "new-2", Description: "write docs", Status: task.StatusPending}},
		{"FullEngineeringSquad", task.Task{ID: "retrying", Status: task.StatusPending, AssignedTo: "qa_agent"}},
		{"FullEngineeringSquad", task.Task{ID: "done", Status: task.StatusCompleted}},
		{"Unregistered", task.Task{ID: "orphan", Status: task.StatusPending}},
	}
	for _, s := range seed {
		tk := s.task
		if err := service.Save(ctx, s.formation, &tk); err != nil {
			t.Fatalf("save %s: %v", tk.ID, err)
		}
	}

	routed, err := routeBacklog(ctx, formation.NewRegistry(), service)
	if err != nil {
		t.Fatalf("route backlog: %v", err)
	}
	if routed != 2 || queue.Len() != 2 {
		t.Fatalf("expected 2 routed jobs, got routed=%d queued=%d", routed, queue.Len())
	}

	for id, agent := range map[string]string{"new-1": "lead_architect", "new-2": "backend_dev", "retrying": "qa_agent"} {
		stored, err := service.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if stored.AssignedTo != agent {
			t.Fatalf("%s: expected agent %s, got %s", id, agent, stored.AssignedTo)
		}
	}
	orphan, _ := service.Get(ctx, "orphan")
	if orphan.Status != task.StatusPending || orphan.AssignedTo != "" {
		t.Fatalf("unregistered formation must be left untouched: %+v", orphan)
	}
}

package formation

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	xerrors "FormationHub/internal/errors"
)

func TestRegistryBuiltins(t *testing.T) {
	registry := NewRegistry()

	want := []string{"DevSquad", "FullEngineeringSquad", "ResearchTriangle", "SoloDeveloper"}
	if got := registry.List(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected formations: %v", got)
	}

	squad, err := registry.Get("FullEngineeringSquad")
	if err != nil {
		t.Fatalf("get builtin: %v", err)
	}
	if squad.Routing != RoutingRoundRobin || len(squad.Agents) != 5 {
		t.Fatalf("unexpected squad: %+v", squad)
	}
	for _, agent := range squad.Agents {
		if agent.Model != "default" || len(agent.Goals) != 2 || len(agent.Tools) == 0 {
			t.Fatalf("agent %s not normalized: %+v", agent.ID, agent)
		}
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	registry := NewRegistry()

	first, err := registry.Get("SoloDeveloper")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Agents[0].ID = "mutated"

	second, _ := registry.Get("SoloDeveloper")
	if second.Agents[0].ID != "dev_core" {
		t.Fatalf("registry leaked internal state: %s", second.Agents[0].ID)
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	_, err := NewRegistry().Get("missing")
	if !errors.Is(err, xerrors.New(xerrors.CodeNotFound, "")) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	registry := NewRegistry()
	invalid := xerrors.New(xerrors.CodeInvalidArgument, "")

	cases := map[string]*Formation{
		"nil":       nil,
		"no name":   {Agents: []Agent{{ID: "a"}}},
		"no agents": {Name: "Empty"},
		"dup agent": {Name: "Dup", Agents: []Agent{{ID: "a"}, {ID: "a"}}},
		"blank id":  {Name: "Blank", Agents: []Agent{{ID: " "}}},
		"routing":   {Name: "Odd", Routing: "random", Agents: []Agent{{ID: "a"}}},
	}
	for name, f := range cases {
		if err := registry.Register(f); !errors.Is(err, invalid) {
			t.Fatalf("%s: expected invalid argument, got %v", name, err)
		}
	}

	if err := registry.Register(&Formation{Name: "Planner", Routing: "LLM_Planner", Agents: []Agent{{ID: "a"}}}); err != nil {
		t.Fatalf("register planner alias: %v", err)
	}
	planner, _ := registry.Get("Planner")
	if planner.Routing != RoutingPlanner {
		t.Fatalf("expected planner routing, got %s", planner.Routing)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "formations.yaml")
	content := `formations:
  - name: OpsPair
    mission: Keep production healthy
    routing: by_role
    agents:
      - id: oncall
        role: operator
        goals: [triage alerts]
      - id: scribe
        role: writer
        goals: [write timeline]
        model: small
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	registry := NewRegistry()
	names, err := registry.LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"OpsPair"}) {
		t.Fatalf("unexpected names: %v", names)
	}

	ops, err := registry.Get("OpsPair")
	if err != nil {
		t.Fatalf("get loaded: %v", err)
	}
	if ops.Routing != RoutingByRole || ops.Agents[0].Model != "default" || ops.Agents[1].Model != "small" {
		t.Fatalf("unexpected formation: %+v", ops)
	}
	if len(registry.List()) != 5 {
		t.Fatalf("expected builtins to remain, got %v", registry.List())
	}
}

func TestLoadFileRejectsInvalidFormation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "formations.yaml")
	content := `formations:
  - name: Good
    agents: [{id: a, role: developer}]
  - name: Bad
    agents: []
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	registry := NewRegistry()
	if _, err := registry.LoadFile(path); !errors.Is(err, xerrors.New(xerrors.CodeInvalidArgument, "")) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := registry.Get("Good"); err == nil {
		t.Fatalf("partial file must not be registered")
	}
	if _, err := registry.LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestRouterRoundRobin(t *testing.T) {
	squad, _ := NewRegistry().Get("FullEngineeringSquad")
	router := NewRouter(squad)

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, router.Route("anything").ID)
	}
	want := []string{"lead_architect", "backend_dev", "frontend_dev", "qa_agent", "doc_agent", "lead_architect"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected rotation: %v", got)
	}
}

func TestRouterRoundRobinConcurrent(t *testing.T) {
	squad, _ := NewRegistry().Get("FullEngineeringSquad")
	router := NewRouter(squad)

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
		wg     sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := router.Route("").ID
			mu.Lock()
			counts[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, agent := range squad.Agents {
		if counts[agent.ID] != 10 {
			t.Fatalf("uneven distribution: %v", counts)
		}
	}
}

func TestRouterByRole(t *testing.T) {
	squad, _ := NewRegistry().Get("DevSquad")
	router := NewRouter(squad)

	cases := map[string]string{
		"Fix the Backend timeout":   "squad_backend",
		"polish frontend spacing":   "squad_frontend",
		"add quality gates":         "squad_qa",
		"update documentation site": "squad_docs",
		"something unrelated":       "squad_lead",
	}
	for description, want := range cases {
		if got := router.Route(description).ID; got != want {
			t.Fatalf("%q: expected %s, got %s", description, want, got)
		}
	}
}

func TestRouterPlannerFallsBackToRoundRobin(t *testing.T) {
	router := NewRouter(&Formation{
		Name:    "Plan",
		Routing: RoutingPlanner,
		Agents:  []Agent{{ID: "a"}, {ID: "b"}},
	})
	if router.Route("x").ID != "a" || router.Route("x").ID != "b" || router.Route("x").ID != "a" {
		t.Fatalf("planner routing should rotate")
	}
}

package compiler

import (
	"context"
	"testing"

	"github.com/conduitrun/conduit/internal/engine/steps"
	"github.com/conduitrun/conduit/internal/runtimestate"
)

func setStep(outputField string, value any) map[string]any {
	return map[string]any{
		"type": "transform",
		"config": map[string]any{
			"operation":   "set",
			"outputField": outputField,
			"value":       value,
		},
	}
}

func TestCompile_RejectsEmptyGraph(t *testing.T) {
	_, _, err := Compile(GraphConfig{GraphID: "g1"})
	if err == nil {
		t.Fatal("expected error for empty graph")
	}
}

func TestCompile_RejectsUnresolvedEdgeTarget(t *testing.T) {
	_, _, err := Compile(GraphConfig{
		GraphID: "g1",
		Nodes:   []NodeSpec{{ID: "a", Type: "universal"}},
		Edges: []EdgeSpec{
			{From: StartNode, To: "a"},
			{From: "a", To: "missing"},
		},
	})
	if err == nil {
		t.Fatal("expected error for unresolved edge target")
	}
}

func TestCompile_RejectsUnknownNodeType(t *testing.T) {
	_, _, err := Compile(GraphConfig{
		GraphID: "g1",
		Nodes:   []NodeSpec{{ID: "a", Type: "bogus"}},
		Edges: []EdgeSpec{
			{From: StartNode, To: "a"},
			{From: "a", To: EndNode},
		},
	})
	if err == nil {
		t.Fatal("expected error for unrecognized node type")
	}
}

func TestCompile_RejectsDuplicateNodeID(t *testing.T) {
	_, _, err := Compile(GraphConfig{
		GraphID: "g1",
		Nodes: []NodeSpec{
			{ID: "a", Type: "universal"},
			{ID: "a", Type: "universal"},
		},
		Edges: []EdgeSpec{
			{From: StartNode, To: "a"},
			{From: "a", To: EndNode},
		},
	})
	if err == nil {
		t.Fatal("expected error for duplicate node id")
	}
}

func TestCompile_RejectsTierOutOfRange(t *testing.T) {
	_, _, err := Compile(GraphConfig{
		GraphID: "g1",
		Tier:    7,
		Nodes:   []NodeSpec{{ID: "a", Type: "universal"}},
		Edges: []EdgeSpec{
			{From: StartNode, To: "a"},
			{From: "a", To: EndNode},
		},
	})
	if err == nil {
		t.Fatal("expected error for out-of-range tier")
	}
}

func TestCompile_WarnsOnOrphanNode(t *testing.T) {
	_, warnings, err := Compile(GraphConfig{
		GraphID: "g1",
		Nodes: []NodeSpec{
			{ID: "a", Type: "universal"},
			{ID: "orphan", Type: "universal"},
		},
		Edges: []EdgeSpec{
			{From: StartNode, To: "a"},
			{From: "a", To: EndNode},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) == 0 {
		t.Error("expected an orphan-node warning")
	}
}

func TestCompile_ConditionalEdgeRequiresTargets(t *testing.T) {
	_, _, err := Compile(GraphConfig{
		GraphID: "g1",
		Nodes:   []NodeSpec{{ID: "a", Type: "router"}},
		Edges: []EdgeSpec{
			{From: StartNode, To: "a"},
			{From: "a", Condition: "state.data.ok === true"},
		},
	})
	if err == nil {
		t.Fatal("expected error for conditional edge with no targets")
	}
}

func TestExecute_LinearGraphReachesEnd(t *testing.T) {
	compiled, _, err := Compile(GraphConfig{
		GraphID: "linear",
		Nodes: []NodeSpec{
			{ID: "step1", Type: "universal", Config: setStep("data.a", "'1'")},
			{ID: "step2", Type: "universal", Config: setStep("data.b", "'2'")},
		},
		Edges: []EdgeSpec{
			{From: StartNode, To: "step1"},
			{From: "step1", To: "step2"},
			{From: "step2", To: EndNode},
		},
	})
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}

	state := runtimestate.New()
	final, err := compiled.Execute(context.Background(), nil, steps.CallMeta{}, state)
	if err != nil {
		t.Fatalf("execute error: %v", err)
	}
	if final.Data["a"] != "1" || final.Data["b"] != "2" {
		t.Errorf("got %v", final.Data)
	}
}

func TestExecute_ConditionalEdgeRoutesByTargetKey(t *testing.T) {
	compiled, _, err := Compile(GraphConfig{
		GraphID: "branch",
		Nodes: []NodeSpec{
			{ID: "check", Type: "router", Config: setStep("data.touchedCheck", "'yes'")},
			{ID: "onTrue", Type: "universal", Config: setStep("data.branch", "'true-branch'")},
			{ID: "onFalse", Type: "universal", Config: setStep("data.branch", "'false-branch'")},
		},
		Edges: []EdgeSpec{
			{From: StartNode, To: "check"},
			{
				From:      "check",
				Condition: "state.query === 'go'",
				Targets:   map[string]string{"true": "onTrue", "false": "onFalse"},
			},
			{From: "onTrue", To: EndNode},
			{From: "onFalse", To: EndNode},
		},
	})
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}

	state := runtimestate.New()
	state.Query = "go"
	final, err := compiled.Execute(context.Background(), nil, steps.CallMeta{}, state)
	if err != nil {
		t.Fatalf("execute error: %v", err)
	}
	if final.Data["branch"] != "true-branch" {
		t.Errorf("got %v", final.Data["branch"])
	}
}

func TestExecute_ConditionalFallbackRoutesDirectly(t *testing.T) {
	compiled, _, err := Compile(GraphConfig{
		GraphID: "fallback",
		Nodes: []NodeSpec{
			{ID: "check", Type: "router"},
			{ID: "onMatch", Type: "universal", Config: setStep("data.branch", "'matched'")},
		},
		Edges: []EdgeSpec{
			{From: StartNode, To: "check"},
			{
				From:      "check",
				Condition: "state.query === 'nope'",
				Targets:   map[string]string{"true": "onMatch"},
				Fallback:  EndNode,
			},
		},
	})
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}

	state := runtimestate.New()
	state.Query = "anything-else"
	final, err := compiled.Execute(context.Background(), nil, steps.CallMeta{}, state)
	if err != nil {
		t.Fatalf("execute error: %v", err)
	}
	if _, ok := final.Data["branch"]; ok {
		t.Errorf("expected fallback to skip onMatch, got %v", final.Data)
	}
}

func TestExecute_MissingEdgeErrors(t *testing.T) {
	compiled, _, err := Compile(GraphConfig{
		GraphID: "deadend",
		Nodes: []NodeSpec{
			{ID: "a", Type: "universal"},
			{ID: "b", Type: "universal"},
		},
		Edges: []EdgeSpec{
			{From: StartNode, To: "a"},
			{From: "a", To: "b"},
			{From: "b", To: EndNode},
		},
	})
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	// Force traversal into a node with no outgoing edge by rewriting the
	// table directly, simulating a config that slipped past validation.
	delete(compiled.edges, "b")

	state := runtimestate.New()
	if _, err := compiled.Execute(context.Background(), nil, steps.CallMeta{}, state); err == nil {
		t.Fatal("expected error for missing outgoing edge")
	}
}

package steps

import (
	"context"
	"testing"

	"github.com/conduitrun/conduit/internal/runtimestate"
)

func newStepState() (*runtimestate.State, Context) {
	s := runtimestate.New()
	s.Data = map[string]any{
		"items": []any{"a", "b", "c"},
		"nums":  []any{1, 2, 3},
	}
	return s, Context{Ctx: context.Background(), State: s}
}

func TestTransformSet_Literal(t *testing.T) {
	_, stepCtx := newStepState()
	delta, err := TransformExecutor{}.Execute(stepCtx, map[string]any{
		"operation":   "set",
		"outputField": "data.greeting",
		"value":       "hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta.Data["greeting"] != "hello" {
		t.Errorf("got %v", delta.Data)
	}
}

func TestTransformSet_Template(t *testing.T) {
	s, stepCtx := newStepState()
	s.Query = "hi"
	delta, err := TransformExecutor{}.Execute(stepCtx, map[string]any{
		"operation":   "set",
		"outputField": "data.echoed",
		"value":       "{{state.query}}",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta.Data["echoed"] != "hi" {
		t.Errorf("got %v", delta.Data)
	}
}

func TestTransformSelect_FromArray(t *testing.T) {
	s, stepCtx := newStepState()
	s.Data["records"] = []any{
		map[string]any{"name": "alpha"},
		map[string]any{"name": "beta"},
	}
	delta, err := TransformExecutor{}.Execute(stepCtx, map[string]any{
		"operation":   "select",
		"inputField":  "data.records",
		"path":        "name",
		"outputField": "data.names",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names := delta.Data["names"].([]any)
	if names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("got %v", names)
	}
}

func TestTransformFilter_KeepsMatching(t *testing.T) {
	s, stepCtx := newStepState()
	s.Data["nums"] = []any{1.0, 2.0, 3.0, 4.0}
	delta, err := TransformExecutor{}.Execute(stepCtx, map[string]any{
		"operation":       "filter",
		"inputField":      "data.nums",
		"filterCondition": "state.data.item > 2",
		"outputField":     "data.big",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	big := delta.Data["big"].([]any)
	if len(big) != 2 {
		t.Errorf("got %v", big)
	}
}

func TestTransformParseJSON_DirectAndExtracted(t *testing.T) {
	s, stepCtx := newStepState()
	s.Data["raw"] = `here you go: {"ok": true} thanks`
	delta, err := TransformExecutor{}.Execute(stepCtx, map[string]any{
		"operation":   "parse-json",
		"inputField":  "data.raw",
		"outputField": "data.parsed",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed := delta.Data["parsed"].(map[string]any)
	if parsed["ok"] != true {
		t.Errorf("got %v", parsed)
	}
}

func TestTransformAppend_RespectsCondition(t *testing.T) {
	s, stepCtx := newStepState()
	s.AccountTier = 0
	delta, err := TransformExecutor{}.Execute(stepCtx, map[string]any{
		"operation":   "append",
		"outputField": "data.items",
		"value":       "d",
		"condition":   "state.accountTier === 0",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := delta.Data["items"].([]any)
	if len(out) != 4 || out[3] != "d" {
		t.Errorf("got %v", out)
	}
}

func TestTransformConcat_WithFallback(t *testing.T) {
	_, stepCtx := newStepState()
	delta, err := TransformExecutor{}.Execute(stepCtx, map[string]any{
		"operation":   "concat",
		"inputField":  "data.items",
		"secondField": "data.missing",
		"secondFallback": []any{"z"},
		"outputField": "data.combined",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	combined := delta.Data["combined"].([]any)
	if len(combined) != 4 {
		t.Errorf("got %v", combined)
	}
}

func TestTransformBuildMessages_FromTemplates(t *testing.T) {
	s, stepCtx := newStepState()
	s.Query = "what's up"
	delta, err := TransformExecutor{}.Execute(stepCtx, map[string]any{
		"operation":   "build-messages",
		"outputField": "data.messages",
		"messages": []any{
			map[string]any{"role": "system", "content": "be terse"},
			map[string]any{"role": "user", "content": "{{state.query}}"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := delta.Data["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("got %v", msgs)
	}
	second := msgs[1].(map[string]any)
	if second["content"] != "what's up" {
		t.Errorf("got %v", second)
	}
}

func TestConditionalExecutor_SetsTrueOrFalse(t *testing.T) {
	s, stepCtx := newStepState()
	s.AccountTier = 1

	delta, err := ConditionalExecutor{}.Execute(stepCtx, map[string]any{
		"condition":  "state.accountTier === 1",
		"setField":   "data.route",
		"trueValue":  "fast",
		"falseValue": "slow",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta.Data["route"] != "fast" {
		t.Errorf("got %v", delta.Data)
	}
}

func TestLoopExecutor_AccumulatesAndExits(t *testing.T) {
	_, stepCtx := newStepState()

	delta, err := LoopExecutor{}.Execute(stepCtx, map[string]any{
		"maxIterations":    5,
		"exitCondition":    "state.data.loopIteration === 3",
		"accumulatorField": "data.loopIteration",
		"steps":            []any{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta.Data["loopIterations"] != 3 {
		t.Errorf("got %v", delta.Data["loopIterations"])
	}
	if delta.Data["loopExitConditionMet"] != true {
		t.Errorf("got %v", delta.Data["loopExitConditionMet"])
	}
}

package expr

import (
	"testing"

	"github.com/conduitrun/conduit/internal/runtimestate"
)

func newTestState() *runtimestate.State {
	s := runtimestate.New()
	s.AccountTier = 2
	s.Data = map[string]any{
		"score":  7,
		"label":  "gold",
		"active": true,
	}
	return s
}

func TestEvaluate_Comparisons(t *testing.T) {
	s := newTestState()

	cases := []struct {
		expr string
		want any
	}{
		{"state.data.score > 5", true},
		{"state.data.score > 10", false},
		{"state.data.score === 7", true},
		{"state.data.label == 'gold'", true},
		{"state.data.label != 'silver'", true},
		{"data.score >= 7", true},
		{"state.data.score < 7 || state.data.active == true", true},
		{"state.data.score < 7 && state.data.active == true", false},
	}

	for _, tc := range cases {
		got, err := Evaluate(tc.expr, s)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.expr, err)
		}
		if got != tc.want {
			t.Errorf("%q: got %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvaluate_ForbiddenTokenErrors(t *testing.T) {
	s := newTestState()
	_, err := Evaluate("eval('1')", s)
	if err == nil {
		t.Fatal("expected error for forbidden token")
	}
}

func TestEvaluate_UnresolvedPathIsNull(t *testing.T) {
	s := newTestState()
	got, err := Evaluate("state.data.missing == null", s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != true {
		t.Errorf("got %v, want true", got)
	}
}

func TestEvaluateAsBool_MalformedIsFalse(t *testing.T) {
	s := newTestState()
	if EvaluateAsBool("state.data.score >", s) {
		t.Error("expected malformed condition to coerce to false")
	}
}

func TestEvaluateEdge_MatchesTargetKey(t *testing.T) {
	s := newTestState()
	targets := map[string]string{"high": "high", "low": "low"}
	got := EvaluateEdge("state.data.label", s, targets, "default")
	if got != "__fallback__" {
		t.Errorf("got %q, want __fallback__ for unmatched value", got)
	}
}

func TestEvaluateEdge_MatchesTargetValue(t *testing.T) {
	s := newTestState()
	targets := map[string]string{"goldTier": "gold"}
	got := EvaluateEdge("state.data.label", s, targets, "default")
	if got != "goldTier" {
		t.Errorf("got %q, want goldTier", got)
	}
}

func TestEvaluateEdge_FallsBackOnForbiddenToken(t *testing.T) {
	s := newTestState()
	targets := map[string]string{"a": "a"}
	got := EvaluateEdge("eval('x')", s, targets, "")
	if got != FallbackTarget {
		t.Errorf("got %q, want %q", got, FallbackTarget)
	}
}

func TestEvaluateEdge_BooleanResultStringified(t *testing.T) {
	s := newTestState()
	targets := map[string]string{"yes": "true", "no": "false"}
	got := EvaluateEdge("state.data.active === true", s, targets, "")
	if got != "yes" {
		t.Errorf("got %q, want yes", got)
	}
}

// Package expr evaluates the restricted boolean/comparison grammar used by
// conditional edges and step-level condition guards, without ever invoking a
// dynamic evaluator — the grammar is closed and there is no escape hatch to
// arbitrary code.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/conduitrun/conduit/internal/runtimestate"
)

// FallbackTarget is returned by EvaluateEdge when the evaluated value
// matches neither a target key nor a target value, and whenever the
// expression is malformed or contains a forbidden token.
const FallbackTarget = "__fallback__"

// EndTarget is the well-known terminal edge target.
const EndTarget = "__end__"

// forbiddenTokens denylists anything that could reach a dynamic evaluator,
// the prototype chain, or a constructor — these never appear in the closed
// grammar below, so their presence in source means someone is trying to
// smuggle in something this evaluator does not support.
var forbiddenTokens = []string{
	"eval", "Function", "constructor", "__proto__", "prototype",
	"require", "import", "process", "global", "globalThis",
}

// Evaluate parses and evaluates expr against state, returning the resulting
// value (bool, float64, string, or nil). A forbidden token or a malformed
// expression returns an error; callers that need edge-routing semantics
// should use EvaluateEdge instead, which never errors.
func Evaluate(expression string, state *runtimestate.State) (any, error) {
	for _, tok := range forbiddenTokens {
		if strings.Contains(expression, tok) {
			return nil, fmt.Errorf("expr: forbidden token %q", tok)
		}
	}

	p := &parser{tokens: tokenize(expression)}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("expr: unexpected trailing input at %q", p.remainder())
	}
	return node.eval(state)
}

// EvaluateAsBool evaluates expression and coerces the result to a boolean
// the way step-level `condition` guards do: a malformed condition or
// forbidden token is treated as false (the step is skipped), never as an
// error that aborts the node.
func EvaluateAsBool(expression string, state *runtimestate.State) bool {
	value, err := Evaluate(expression, state)
	if err != nil {
		return false
	}
	return truthy(value)
}

// EvaluateEdge evaluates expression and maps the result onto targets: an
// exact key match wins, then a value match (returning its key), else
// FallbackTarget. Evaluation errors and forbidden tokens also
// resolve to FallbackTarget — a conditional edge never panics the graph.
func EvaluateEdge(expression string, state *runtimestate.State, targets map[string]string, fallback string) string {
	value, err := Evaluate(expression, state)
	if err != nil {
		return resolveFallback(fallback)
	}

	stringified := stringifyResult(value)

	if _, ok := targets[stringified]; ok {
		return stringified
	}
	for key, val := range targets {
		if val == stringified {
			return key
		}
	}
	return resolveFallback(fallback)
}

func resolveFallback(fallback string) string {
	if fallback == "" {
		return FallbackTarget
	}
	return fallback
}

func stringifyResult(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	default:
		return true
	}
}

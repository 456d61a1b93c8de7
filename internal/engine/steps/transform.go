package steps

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/conduitrun/conduit/internal/engine/errs"
	"github.com/conduitrun/conduit/internal/expr"
	"github.com/conduitrun/conduit/internal/render"
	"github.com/conduitrun/conduit/internal/runtimestate"
)

// TransformConfig is the decoded shape of a transform step's raw config
//; fields only some operations use are left at their zero
// value otherwise.
type TransformConfig struct {
	Operation       string         `mapstructure:"operation"`
	InputField      string         `mapstructure:"inputField"`
	OutputField     string         `mapstructure:"outputField"`
	Transform       string         `mapstructure:"transform"`
	FilterCondition string         `mapstructure:"filterCondition"`
	Path            string         `mapstructure:"path"`
	Value           any            `mapstructure:"value"`
	Condition       string         `mapstructure:"condition"`
	UseExistingField string        `mapstructure:"useExistingField"`
	Messages        []MessageTmpl  `mapstructure:"messages"`
	Fallback        any            `mapstructure:"fallback"`
	SecondField     string         `mapstructure:"secondField"`
	SecondFallback  any            `mapstructure:"secondFallback"`
	ErrorHandling   ErrorHandling  `mapstructure:"errorHandling"`
}

// MessageTmpl is one templated {role, content} pair used by build-messages.
type MessageTmpl struct {
	Role    string `mapstructure:"role"`
	Content string `mapstructure:"content"`
}

// TransformExecutor dispatches to one of the eight transform operations.
type TransformExecutor struct{}

func (TransformExecutor) Execute(stepCtx Context, rawConfig map[string]any) (runtimestate.Delta, error) {
	var cfg TransformConfig
	if err := Decode(rawConfig, &cfg); err != nil {
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "invalid transform step config", err)
	}

	return withRetryPolicy(stepCtx, cfg.ErrorHandling, cfg.OutputField, func() (runtimestate.Delta, error) {
		return runTransform(stepCtx, cfg)
	})
}

func runTransform(stepCtx Context, cfg TransformConfig) (runtimestate.Delta, error) {
	switch cfg.Operation {
	case "map":
		return transformMap(stepCtx, cfg)
	case "filter":
		return transformFilter(stepCtx, cfg)
	case "select":
		return transformSelect(stepCtx, cfg)
	case "set":
		return transformSet(stepCtx, cfg)
	case "parse-json":
		return transformParseJSON(stepCtx, cfg)
	case "append":
		return transformAppend(stepCtx, cfg)
	case "concat":
		return transformConcat(stepCtx, cfg)
	case "build-messages":
		return transformBuildMessages(stepCtx, cfg)
	default:
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "unknown transform operation: "+cfg.Operation, nil)
	}
}

func inputArray(stepCtx Context, field string) ([]any, bool) {
	raw, ok := stepCtx.State.Resolve(strings.TrimPrefix(field, "state."))
	if !ok {
		return nil, false
	}
	arr, ok := raw.([]any)
	return arr, ok
}

func transformMap(stepCtx Context, cfg TransformConfig) (runtimestate.Delta, error) {
	items, ok := inputArray(stepCtx, cfg.InputField)
	if !ok {
		items = nil
	}

	out := make([]any, 0, len(items))
	for i, item := range items {
		scoped := scopedState(stepCtx.State, item, i)
		rendered, err := render.Render(cfg.Transform, scoped)
		if err != nil {
			return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "map: failed to render transform", err)
		}
		out = append(out, rendered)
	}

	return outputDelta(cfg.OutputField, out), nil
}

func transformFilter(stepCtx Context, cfg TransformConfig) (runtimestate.Delta, error) {
	items, ok := inputArray(stepCtx, cfg.InputField)
	if !ok {
		items = nil
	}

	out := make([]any, 0, len(items))
	for i, item := range items {
		scoped := scopedState(stepCtx.State, item, i)
		if expr.EvaluateAsBool(cfg.FilterCondition, scoped) {
			out = append(out, item)
		}
	}

	return outputDelta(cfg.OutputField, out), nil
}

// scopedState clones state and injects `item`/`index` bindings into Data so
// map/filter's per-element expressions and templates can reference them.
func scopedState(state *runtimestate.State, item any, index int) *runtimestate.State {
	snap := state.Snapshot()
	snap.Data["item"] = item
	snap.Data["index"] = index
	return snap
}

func transformSelect(stepCtx Context, cfg TransformConfig) (runtimestate.Delta, error) {
	raw, ok := stepCtx.State.Resolve(strings.TrimPrefix(cfg.InputField, "state."))
	if !ok {
		return outputDelta(cfg.OutputField, nil), nil
	}

	if arr, ok := raw.([]any); ok {
		out := make([]any, len(arr))
		for i, item := range arr {
			out[i] = selectPath(item, cfg.Path)
		}
		return outputDelta(cfg.OutputField, out), nil
	}

	return outputDelta(cfg.OutputField, selectPath(raw, cfg.Path)), nil
}

func selectPath(item any, path string) any {
	m, ok := item.(map[string]any)
	if !ok {
		return nil
	}
	value, _ := runtimestate.GetPath(m, path)
	return value
}

func transformSet(stepCtx Context, cfg TransformConfig) (runtimestate.Delta, error) {
	str, ok := cfg.Value.(string)
	if !ok {
		return outputDelta(cfg.OutputField, cfg.Value), nil
	}

	if looksLikeTemplate(str) {
		rendered, err := render.Render(str, stepCtx.State)
		if err != nil {
			return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "set: failed to render value", err)
		}
		return outputDelta(cfg.OutputField, rendered), nil
	}

	if !looksLikeExpression(str) {
		return outputDelta(cfg.OutputField, str), nil
	}

	value, err := expr.Evaluate(str, stepCtx.State)
	if err != nil {
		return outputDelta(cfg.OutputField, str), nil
	}
	return outputDelta(cfg.OutputField, value), nil
}

func looksLikeTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// looksLikeExpression reports whether s is plausibly a boolean/comparison
// expression rather than a literal string the author meant verbatim — a
// quoted literal, a number, a boolean/null keyword, a bare state path, or
// anything using a comparison/boolean operator.
func looksLikeExpression(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return false
	}
	if trimmed[0] == '\'' || trimmed[0] == '"' {
		return true
	}
	switch trimmed {
	case "true", "false", "null", "undefined":
		return true
	}
	if strings.HasPrefix(trimmed, "state.") {
		return true
	}
	for _, op := range []string{"===", "!==", "==", "!=", ">=", "<=", ">", "<", "&&", "||"} {
		if strings.Contains(trimmed, op) {
			return true
		}
	}
	if _, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return true
	}
	return false
}

func transformParseJSON(stepCtx Context, cfg TransformConfig) (runtimestate.Delta, error) {
	raw, ok := stepCtx.State.Resolve(strings.TrimPrefix(cfg.InputField, "state."))
	if !ok {
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "parse-json: inputField not found", nil)
	}
	str, ok := raw.(string)
	if !ok {
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "parse-json: inputField is not a string", nil)
	}

	var parsed any
	if err := json.Unmarshal([]byte(str), &parsed); err == nil {
		return outputDelta(cfg.OutputField, parsed), nil
	}

	extracted, ok := extractJSONSubstring(str)
	if !ok {
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "parse-json: no JSON object or array found", nil)
	}
	if err := json.Unmarshal([]byte(extracted), &parsed); err != nil {
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "parse-json: extracted substring is not valid JSON", err)
	}
	return outputDelta(cfg.OutputField, parsed), nil
}

// extractJSONSubstring locates the first balanced {...} or [...] span in s
// by bracket scanning, the robust fallback for LM output that wraps JSON in
// prose or code fences.
func extractJSONSubstring(s string) (string, bool) {
	openers := map[byte]byte{'{': '}', '[': ']'}
	for i := 0; i < len(s); i++ {
		closer, ok := openers[s[i]]
		if !ok {
			continue
		}
		depth := 0
		for j := i; j < len(s); j++ {
			switch s[j] {
			case s[i]:
				depth++
			case closer:
				depth--
				if depth == 0 {
					return s[i : j+1], true
				}
			}
		}
	}
	return "", false
}

func transformAppend(stepCtx Context, cfg TransformConfig) (runtimestate.Delta, error) {
	if cfg.Condition != "" && !expr.EvaluateAsBool(cfg.Condition, stepCtx.State) {
		return runtimestate.Delta{}, nil
	}

	existing, _ := inputArray(stepCtx, cfg.OutputField)
	out := append(append([]any{}, existing...), cfg.Value)
	return outputDelta(cfg.OutputField, out), nil
}

func transformConcat(stepCtx Context, cfg TransformConfig) (runtimestate.Delta, error) {
	first, ok := inputArray(stepCtx, cfg.InputField)
	if !ok {
		if cfg.Fallback != nil {
			first, _ = cfg.Fallback.([]any)
		}
	}
	second, ok := inputArray(stepCtx, cfg.SecondField)
	if !ok {
		if cfg.SecondFallback != nil {
			second, _ = cfg.SecondFallback.([]any)
		}
	}

	out := append(append([]any{}, first...), second...)
	return outputDelta(cfg.OutputField, out), nil
}

func transformBuildMessages(stepCtx Context, cfg TransformConfig) (runtimestate.Delta, error) {
	if cfg.UseExistingField != "" {
		if existing, ok := inputArray(stepCtx, cfg.UseExistingField); ok {
			return outputDelta(cfg.OutputField, existing), nil
		}
	}

	out := make([]any, 0, len(cfg.Messages))
	for _, msgTmpl := range cfg.Messages {
		content, err := render.Render(msgTmpl.Content, stepCtx.State)
		if err != nil {
			return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "build-messages: failed to render content", err)
		}
		out = append(out, map[string]any{"role": msgTmpl.Role, "content": content})
	}
	return outputDelta(cfg.OutputField, out), nil
}

// outputDelta wraps a value as a Delta keyed by outputField. If outputField
// is empty and value is itself an object, the object becomes the delta
// directly.
//
// outputField is a full state path (e.g. "data.plan.summary"); since
// Delta.Data is merged straight into state.Data by the reducer, the leading
// "data." is stripped before building the flat dot-path key the universal
// node later expands.
func outputDelta(outputField string, value any) runtimestate.Delta {
	if outputField == "" {
		if asMap, ok := value.(map[string]any); ok {
			return runtimestate.Delta{Data: runtimestate.ExpandDotPaths(asMap)}
		}
		return runtimestate.Delta{}
	}
	return runtimestate.Delta{Data: runtimestate.ExpandDotPaths(map[string]any{
		dataFieldPath(outputField): value,
	})}
}

// dataFieldPath strips a leading "data." from a full state path so the
// remainder addresses a key within Delta.Data / state.Data directly.
func dataFieldPath(statePath string) string {
	return strings.TrimPrefix(statePath, "data.")
}

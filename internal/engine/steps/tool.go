package steps

import (
	"encoding/json"
	"time"

	"github.com/conduitrun/conduit/internal/engine/errs"
	"github.com/conduitrun/conduit/internal/render"
	"github.com/conduitrun/conduit/internal/runtimestate"
)

// ToolConfig is the decoded shape of a tool step's raw config.
// RetryOnError/MaxRetries are the legacy fields kept alongside ErrorHandling
// for graphs authored before the unified policy existed.
type ToolConfig struct {
	ToolName      string         `mapstructure:"toolName"`
	Parameters    map[string]any `mapstructure:"parameters"`
	OutputField   string         `mapstructure:"outputField"`
	ErrorHandling ErrorHandling  `mapstructure:"errorHandling"`
	RetryOnError  bool           `mapstructure:"retryOnError"`
	MaxRetries    int            `mapstructure:"maxRetries"`
}

// ToolExecutor runs tool steps: render parameters, route the call through
// the tool process pool, unwrap the result onto outputField.
type ToolExecutor struct{}

func (ToolExecutor) Execute(stepCtx Context, rawConfig map[string]any) (runtimestate.Delta, error) {
	var cfg ToolConfig
	if err := Decode(rawConfig, &cfg); err != nil {
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "invalid tool step config", err)
	}
	if cfg.ToolName == "" || cfg.OutputField == "" {
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "tool step requires toolName and outputField", nil)
	}

	retries, baseDelay := toolRetryPolicy(cfg)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		delta, err := callTool(stepCtx, cfg)
		if err == nil {
			return delta, nil
		}
		lastErr = err

		if attempt < retries {
			delay := time.Duration(attempt+1) * baseDelay
			select {
			case <-stepCtx.Ctx.Done():
				return runtimestate.Delta{}, stepCtx.Ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	switch cfg.ErrorHandling.onErrorOrDefault() {
	case OnErrorFallback:
		return outputDelta(cfg.OutputField, cfg.ErrorHandling.FallbackValue), nil
	case OnErrorSkip:
		return runtimestate.Delta{}, nil
	default:
		return runtimestate.Delta{}, lastErr
	}
}

func toolRetryPolicy(cfg ToolConfig) (retries int, baseDelay time.Duration) {
	if cfg.ErrorHandling.Retry > 0 {
		baseDelay = cfg.ErrorHandling.RetryDelay
		if baseDelay <= 0 {
			baseDelay = time.Second
		}
		return cfg.ErrorHandling.Retry, baseDelay
	}
	if cfg.RetryOnError && cfg.MaxRetries > 0 {
		return cfg.MaxRetries, time.Second
	}
	return 0, time.Second
}

func callTool(stepCtx Context, cfg ToolConfig) (runtimestate.Delta, error) {
	rendered, err := render.RenderParams(cfg.Parameters, stepCtx.State)
	if err != nil {
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "failed to render tool parameters", err)
	}
	args, _ := rendered.(map[string]any)

	meta := map[string]any{
		"conversationId": stepCtx.Meta.ConversationID,
		"generationId":   stepCtx.Meta.GenerationID,
		"messageId":      stepCtx.Meta.MessageID,
		"stepId":         stepCtx.Meta.StepID,
		"nodeId":         stepCtx.Meta.NodeID,
	}

	result, err := stepCtx.State.Handles.ToolClient.CallTool(stepCtx.Ctx, cfg.ToolName, args, meta)
	if err != nil {
		return runtimestate.Delta{}, errAsEngine(errs.KindToolRouting, "tool call failed", err)
	}

	unwrapped := unwrapToolResult(result)

	return outputDelta(cfg.OutputField, unwrapped), nil
}

// unwrapToolResult unwraps a tool call's raw MCP-style result: a
// single text content item that parses as JSON becomes the parsed value;
// otherwise the text string; otherwise the raw structured result. The
// result is round-tripped through JSON to strip non-serializable
// references; if that fails, only primitive-leaf fields survive.
func unwrapToolResult(result any) any {
	if items, ok := asSingleTextContentItem(result); ok {
		var parsed any
		if err := json.Unmarshal([]byte(items), &parsed); err == nil {
			return jsonRoundTrip(parsed)
		}
		return items
	}
	return jsonRoundTrip(result)
}

func asSingleTextContentItem(result any) (string, bool) {
	m, ok := result.(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := m["content"].([]any)
	if !ok || len(content) != 1 {
		return "", false
	}
	item, ok := content[0].(map[string]any)
	if !ok {
		return "", false
	}
	if kind, _ := item["type"].(string); kind != "text" && kind != "" {
		return "", false
	}
	text, ok := item["text"].(string)
	return text, ok
}

func jsonRoundTrip(value any) any {
	encoded, err := json.Marshal(value)
	if err != nil {
		return primitiveLeavesOnly(value)
	}
	var out any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return primitiveLeavesOnly(value)
	}
	return out
}

// primitiveLeavesOnly is the fallback when a value contains something the
// JSON encoder rejects (channels, funcs): keep only fields whose value is
// already a JSON-safe primitive.
func primitiveLeavesOnly(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := map[string]any{}
		for k, val := range v {
			if isPrimitive(val) {
				out[k] = val
			}
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, val := range v {
			if isPrimitive(val) {
				out = append(out, val)
			}
		}
		return out
	default:
		if isPrimitive(value) {
			return value
		}
		return nil
	}
}

func isPrimitive(value any) bool {
	switch value.(type) {
	case nil, bool, string, int, int64, float64:
		return true
	default:
		return false
	}
}

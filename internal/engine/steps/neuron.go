package steps

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conduitrun/conduit/internal/engine/errs"
	"github.com/conduitrun/conduit/internal/llm"
	"github.com/conduitrun/conduit/internal/render"
	"github.com/conduitrun/conduit/internal/runtimestate"
)

// NeuronConfig is the decoded shape of a neuron step's raw config.
type NeuronConfig struct {
	NeuronID         string            `mapstructure:"neuronId"`
	SystemPrompt     string            `mapstructure:"systemPrompt"`
	UserPrompt       string            `mapstructure:"userPrompt"`
	Temperature      float64           `mapstructure:"temperature"`
	MaxTokens        int               `mapstructure:"maxTokens"`
	OutputField      string            `mapstructure:"outputField"`
	Stream           bool              `mapstructure:"stream"`
	StructuredOutput *StructuredOutput `mapstructure:"structuredOutput"`
	ErrorHandling    ErrorHandling     `mapstructure:"errorHandling"`
}

// StructuredOutput requests a single non-streamed response validated
// against a JSON Schema before it is accepted.
type StructuredOutput struct {
	Schema map[string]any `mapstructure:"schema"`
	Method string          `mapstructure:"method"`
}

// NeuronExecutor runs neuron steps: a templated prompt sent to the LM
// resolved for (neuronId, userId), streamed or structured per config.
type NeuronExecutor struct{}

func (NeuronExecutor) Execute(stepCtx Context, rawConfig map[string]any) (runtimestate.Delta, error) {
	var cfg NeuronConfig
	if err := Decode(rawConfig, &cfg); err != nil {
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "invalid neuron step config", err)
	}
	if cfg.UserPrompt == "" || cfg.OutputField == "" {
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "neuron step requires userPrompt and outputField", nil)
	}

	return withRetryPolicy(stepCtx, cfg.ErrorHandling, cfg.OutputField, func() (runtimestate.Delta, error) {
		return runNeuron(stepCtx, cfg)
	})
}

func runNeuron(stepCtx Context, cfg NeuronConfig) (runtimestate.Delta, error) {
	handle, err := resolveHandle(stepCtx, cfg.NeuronID)
	if err != nil {
		return runtimestate.Delta{}, err
	}

	messages, system, err := buildMessages(stepCtx, cfg)
	if err != nil {
		return runtimestate.Delta{}, err
	}

	req := &llm.CompletionRequest{
		Model:       handle.Config.Model,
		System:      system,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}

	spanCtx := stepCtx.Ctx
	var end func(error)
	if stepCtx.State.Handles.Tracer != nil {
		spanCtx, end = stepCtx.State.Handles.Tracer.Span(spanCtx, "neuron.complete")
	}
	stepCtx.Ctx = spanCtx

	var delta runtimestate.Delta
	if cfg.StructuredOutput != nil {
		req.StructuredOutputSchema = cfg.StructuredOutput.Schema
		req.Stream = false
		delta, err = runStructured(stepCtx, handle, req, cfg)
	} else {
		req.Stream = true
		delta, err = runStreaming(stepCtx, handle, req, cfg)
	}
	if end != nil {
		end(err)
	}
	return delta, err
}

func resolveHandle(stepCtx Context, neuronID string) (*llm.Handle, error) {
	resolved, err := stepCtx.State.Handles.LLMRegistry.Resolve(neuronID, stepCtx.State.UserID)
	if err != nil {
		return nil, errAsEngine(errs.KindNotFound, fmt.Sprintf("neuron %q not resolvable", neuronID), err)
	}
	handle, ok := resolved.(*llm.Handle)
	if !ok {
		return nil, errAsEngine(errs.KindProviderError, "llm registry returned unexpected handle type", nil)
	}
	return handle, nil
}

// buildMessages renders systemPrompt/userPrompt against state. If userPrompt
// is exactly "{{state.<field>}}" and that field resolves to an array, it is
// taken as a pre-built message list; systemPrompt then replaces the leading
// system message or is prepended.
func buildMessages(stepCtx Context, cfg NeuronConfig) ([]llm.Message, string, error) {
	if path, ok := soleStatePlaceholder(cfg.UserPrompt); ok {
		if raw, found := stepCtx.State.Resolve(strings.TrimPrefix(path, "state.")); found {
			if arr, ok := raw.([]any); ok {
				return arrayToMessages(arr, cfg, stepCtx)
			}
		}
	}

	userPrompt, err := render.Render(cfg.UserPrompt, stepCtx.State)
	if err != nil {
		return nil, "", errAsEngine(errs.KindValidation, "failed to render userPrompt", err)
	}

	system, err := render.Render(cfg.SystemPrompt, stepCtx.State)
	if err != nil {
		return nil, "", errAsEngine(errs.KindValidation, "failed to render systemPrompt", err)
	}

	return []llm.Message{{Role: "user", Content: userPrompt}}, system, nil
}

func arrayToMessages(arr []any, cfg NeuronConfig, stepCtx Context) ([]llm.Message, string, error) {
	messages := make([]llm.Message, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		messages = append(messages, llm.Message{Role: role, Content: content})
	}

	system, err := render.Render(cfg.SystemPrompt, stepCtx.State)
	if err != nil {
		return nil, "", errAsEngine(errs.KindValidation, "failed to render systemPrompt", err)
	}
	if system == "" {
		return messages, "", nil
	}

	if len(messages) > 0 && messages[0].Role == "system" {
		messages[0].Content = system
		return messages, "", nil
	}
	return append([]llm.Message{{Role: "system", Content: system}}, messages...), "", nil
}

// soleStatePlaceholder reports whether s is exactly one "{{state.path}}"
// placeholder with no surrounding text.
func soleStatePlaceholder(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
	if strings.Contains(inner, "{{") {
		return "", false
	}
	return inner, true
}

func runStructured(stepCtx Context, handle *llm.Handle, req *llm.CompletionRequest, cfg NeuronConfig) (runtimestate.Delta, error) {
	chunks, err := handle.Complete(stepCtx.Ctx, req)
	if err != nil {
		return runtimestate.Delta{}, errAsEngine(errs.KindProviderError, "neuron call failed", err)
	}

	var builder strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return runtimestate.Delta{}, errAsEngine(errs.KindProviderError, "neuron stream error", chunk.Err)
		}
		builder.WriteString(chunk.Content)
	}

	raw := builder.String()
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return runtimestate.Delta{}, errAsEngine(errs.KindProviderError, "structured output is not valid JSON", err)
	}

	if req.StructuredOutputSchema != nil {
		if err := validateAgainstSchema(req.StructuredOutputSchema, parsed); err != nil {
			return runtimestate.Delta{}, errAsEngine(errs.KindProviderError, "structured output failed schema validation", err)
		}
	}

	return outputDelta(cfg.OutputField, parsed), nil
}

func validateAgainstSchema(schema map[string]any, value any) error {
	encoded, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("neuron-structured-output.json", strings.NewReader(string(encoded))); err != nil {
		return err
	}
	compiled, err := compiler.Compile("neuron-structured-output.json")
	if err != nil {
		return err
	}
	return compiled.Validate(value)
}

func runStreaming(stepCtx Context, handle *llm.Handle, req *llm.CompletionRequest, cfg NeuronConfig) (runtimestate.Delta, error) {
	chunks, err := handle.Complete(stepCtx.Ctx, req)
	if err != nil {
		return runtimestate.Delta{}, errAsEngine(errs.KindProviderError, "neuron call failed", err)
	}

	var builder strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return runtimestate.Delta{}, errAsEngine(errs.KindProviderError, "neuron stream error", chunk.Err)
		}
		builder.WriteString(chunk.Content)

		if cfg.Stream && stepCtx.State.Handles.Cache != nil {
			stepCtx.State.Handles.Cache.AppendContent(stepCtx.Meta.MessageID, chunk.Content)
		}
	}

	return outputDelta(cfg.OutputField, builder.String()), nil
}

package steps

import (
	"context"
	"testing"

	"github.com/conduitrun/conduit/internal/llm"
	"github.com/conduitrun/conduit/internal/runtimestate"
)

type fakeProvider struct {
	chunks []string
}

func (f *fakeProvider) Name() string         { return "fake" }
func (f *fakeProvider) Models() []llm.Model  { return nil }
func (f *fakeProvider) SupportsTools() bool  { return false }
func (f *fakeProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan llm.Chunk, error) {
	out := make(chan llm.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		out <- llm.Chunk{Content: c}
	}
	close(out)
	return out, nil
}

type fakeResolver struct {
	handle *llm.Handle
	err    error
}

func (f *fakeResolver) Resolve(neuronID, userID string) (any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.handle, nil
}

type fakeCache struct {
	appended []string
}

func (f *fakeCache) AppendContent(messageID, chunk string) { f.appended = append(f.appended, chunk) }
func (f *fakeCache) PublishStatus(messageID, action, description string) {}

func TestNeuronExecutor_StreamingConcatenatesChunks(t *testing.T) {
	s := runtimestate.New()
	cache := &fakeCache{}
	s.Handles.LLMRegistry = &fakeResolver{handle: &llm.Handle{
		Config:   llm.NeuronConfig{Model: "test-model"},
		Provider: &fakeProvider{chunks: []string{"hel", "lo"}},
	}}
	s.Handles.Cache = cache
	s.MessageID = "msg-1"

	stepCtx := Context{Ctx: context.Background(), State: s, Meta: CallMeta{MessageID: "msg-1"}}

	delta, err := NeuronExecutor{}.Execute(stepCtx, map[string]any{
		"userPrompt":  "say hi",
		"outputField": "data.greeting",
		"stream":      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta.Data["greeting"] != "hello" {
		t.Errorf("got %v", delta.Data)
	}
	if len(cache.appended) != 2 {
		t.Errorf("expected chunks forwarded to cache, got %v", cache.appended)
	}
}

func TestNeuronExecutor_MissingRequiredFields(t *testing.T) {
	s := runtimestate.New()
	stepCtx := Context{Ctx: context.Background(), State: s}
	_, err := NeuronExecutor{}.Execute(stepCtx, map[string]any{
		"userPrompt": "hi",
	})
	if err == nil {
		t.Fatal("expected error for missing outputField")
	}
}

func TestNeuronExecutor_StructuredOutputValidated(t *testing.T) {
	s := runtimestate.New()
	s.Handles.LLMRegistry = &fakeResolver{handle: &llm.Handle{
		Provider: &fakeProvider{chunks: []string{`{"answer": 42}`}},
	}}

	stepCtx := Context{Ctx: context.Background(), State: s}
	delta, err := NeuronExecutor{}.Execute(stepCtx, map[string]any{
		"userPrompt":  "compute",
		"outputField": "data.result",
		"structuredOutput": map[string]any{
			"schema": map[string]any{
				"type":     "object",
				"required": []any{"answer"},
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := delta.Data["result"].(map[string]any)
	if result["answer"] != float64(42) {
		t.Errorf("got %v", result)
	}
}

package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/conduitrun/conduit/internal/runtimestate"
)

type fakeToolClient struct {
	result    any
	err       error
	failCount int
	calls     int
}

func (f *fakeToolClient) CallTool(ctx any, name string, args map[string]any, meta map[string]any) (any, error) {
	f.calls++
	if f.calls <= f.failCount {
		return nil, errors.New("transient failure")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestToolExecutor_UnwrapsSingleTextJSONContent(t *testing.T) {
	s := runtimestate.New()
	client := &fakeToolClient{result: map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": `{"ok": true}`},
		},
	}}
	s.Handles.ToolClient = client

	stepCtx := Context{Ctx: context.Background(), State: s}
	delta, err := ToolExecutor{}.Execute(stepCtx, map[string]any{
		"toolName":    "search",
		"outputField": "data.result",
		"parameters":  map[string]any{"query": "{{state.query}}"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := delta.Data["result"].(map[string]any)
	if result["ok"] != true {
		t.Errorf("got %v", result)
	}
}

func TestToolExecutor_PlainTextFallback(t *testing.T) {
	s := runtimestate.New()
	client := &fakeToolClient{result: map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": "not json"},
		},
	}}
	s.Handles.ToolClient = client

	stepCtx := Context{Ctx: context.Background(), State: s}
	delta, err := ToolExecutor{}.Execute(stepCtx, map[string]any{
		"toolName":    "search",
		"outputField": "data.result",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta.Data["result"] != "not json" {
		t.Errorf("got %v", delta.Data["result"])
	}
}

func TestToolExecutor_RetriesThenSucceeds(t *testing.T) {
	s := runtimestate.New()
	client := &fakeToolClient{result: map[string]any{"ok": true}, failCount: 2}
	s.Handles.ToolClient = client

	stepCtx := Context{Ctx: context.Background(), State: s}
	delta, err := ToolExecutor{}.Execute(stepCtx, map[string]any{
		"toolName":    "flaky",
		"outputField": "data.result",
		"errorHandling": map[string]any{
			"retry":      3,
			"retryDelay": "1ms",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 3 {
		t.Errorf("expected 3 calls, got %d", client.calls)
	}
	result := delta.Data["result"].(map[string]any)
	if result["ok"] != true {
		t.Errorf("got %v", result)
	}
}

func TestToolExecutor_FallbackOnExhaustedRetries(t *testing.T) {
	s := runtimestate.New()
	client := &fakeToolClient{failCount: 10}
	s.Handles.ToolClient = client

	stepCtx := Context{Ctx: context.Background(), State: s}
	delta, err := ToolExecutor{}.Execute(stepCtx, map[string]any{
		"toolName":    "flaky",
		"outputField": "data.result",
		"errorHandling": map[string]any{
			"retry":         1,
			"retryDelay":    "1ms",
			"onError":       "fallback",
			"fallbackValue": "unavailable",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta.Data["result"] != "unavailable" {
		t.Errorf("got %v", delta.Data["result"])
	}
}

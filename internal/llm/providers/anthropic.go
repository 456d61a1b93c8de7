package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/conduitrun/conduit/internal/llm"
)

// anthropicProvider implements llm.Provider against Claude's Messages API.
// Text-only: neurons never attach tools to a completion request (tool
// invocation runs through the separate tool step), so there is no
// tool_use accumulation to do here, unlike a full agent-loop adapter.
type anthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

func NewAnthropic(apiKey, baseURL string) llm.Provider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &anthropicProvider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   3,
		retryDelay:   time.Second,
		defaultModel: "claude-sonnet-4-20250514",
	}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Models() []llm.Model {
	return []llm.Model{
		{ID: "claude-sonnet-4-20250514", ContextWindow: 200000, SupportsTools: true},
		{ID: "claude-opus-4-20250514", ContextWindow: 200000, SupportsTools: true},
		{ID: "claude-3-5-sonnet-20241022", ContextWindow: 200000, SupportsTools: true},
		{ID: "claude-3-haiku-20240307", ContextWindow: 200000, SupportsTools: true},
	}
}

func (p *anthropicProvider) SupportsTools() bool { return true }

func (p *anthropicProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan llm.Chunk, error) {
	out := make(chan llm.Chunk)

	go func() {
		defer close(out)

		params := p.buildParams(req)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream = p.client.Messages.NewStreaming(ctx, params)
			err = stream.Err()
			if err == nil {
				break
			}
			if !isRetryableAnthropicErr(err) {
				out <- llm.Chunk{Err: fmt.Errorf("anthropic: %w", err), Done: true}
				return
			}
			if attempt < p.maxRetries {
				backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					out <- llm.Chunk{Err: ctx.Err(), Done: true}
					return
				case <-time.After(backoff):
				}
			}
		}
		if err != nil {
			out <- llm.Chunk{Err: fmt.Errorf("anthropic: max retries exceeded: %w", err), Done: true}
			return
		}

		for stream.Next() {
			event := stream.Current()
			if event.Type == "content_block_delta" {
				delta := event.AsContentBlockDelta().Delta
				if delta.Type == "text_delta" && delta.Text != "" {
					out <- llm.Chunk{Content: delta.Text}
				}
			}
			if event.Type == "message_stop" {
				out <- llm.Chunk{Done: true}
				return
			}
		}
		if err := stream.Err(); err != nil {
			out <- llm.Chunk{Err: fmt.Errorf("anthropic: stream error: %w", err), Done: true}
			return
		}
		out <- llm.Chunk{Done: true}
	}()

	return out, nil
}

func (p *anthropicProvider) buildParams(req *llm.CompletionRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	return params
}

func isRetryableAnthropicErr(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate_limit", "429", "timeout", "deadline exceeded", "connection reset", "connection refused"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

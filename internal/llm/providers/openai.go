package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/conduitrun/conduit/internal/llm"
)

const (
	maxRetries = 3
	retryDelay = time.Second
)

// openAICompatible backs every family that speaks the OpenAI chat
// completions wire format: OpenAI itself, a local OpenAI-compatible
// endpoint, Azure OpenAI, OpenRouter, and a Copilot proxy — each just a
// different base URL/header set over the same client (teacher's
// openai.go/azure.go/openrouter.go/copilot_proxy.go are all thin variants
// of this one shape).
type openAICompatible struct {
	client        *openai.Client
	name          string
	models        []llm.Model
	supportsTools bool
}

func newOpenAICompatible(name, apiKey, baseURL string, headers map[string]string, models []llm.Model) *openAICompatible {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if len(headers) > 0 {
		cfg.HTTPClient = newHeaderInjectingClient(headers)
	}
	return &openAICompatible{
		client:        openai.NewClientWithConfig(cfg),
		name:          name,
		models:        models,
		supportsTools: true,
	}
}

// NewOpenAI builds the "openai-compatible" adapter against the real OpenAI
// API, or any other server speaking its wire format when baseURL is set.
func NewOpenAI(apiKey, baseURL string) llm.Provider {
	return newOpenAICompatible("openai", apiKey, baseURL, nil, []llm.Model{
		{ID: "gpt-4o", ContextWindow: 128000, SupportsTools: true},
		{ID: "gpt-4o-mini", ContextWindow: 128000, SupportsTools: true},
		{ID: "gpt-4-turbo", ContextWindow: 128000, SupportsTools: true},
	})
}

// NewLocal builds the "local" adapter against a locally hosted
// OpenAI-compatible endpoint (teacher's ollama.go pattern — no API key
// required, model catalog is whatever the operator configured).
func NewLocal(baseURL string, models []llm.Model) llm.Provider {
	return newOpenAICompatible("local", "local", baseURL, nil, models)
}

// NewAzure builds the "custom/azure" adapter: OpenAI wire format behind an
// Azure deployment URL, authenticated via the api-key header instead of a
// bearer token (teacher's azure.go).
func NewAzure(apiKey, baseURL, deployment string) llm.Provider {
	p := newOpenAICompatible("azure", apiKey, baseURL, map[string]string{"api-key": apiKey}, []llm.Model{
		{ID: deployment, ContextWindow: 128000, SupportsTools: true},
	})
	return p
}

// NewOpenRouter builds the "custom/openrouter" adapter: OpenAI wire format
// against openrouter.ai, which multiplexes many underlying model families
// (teacher's openrouter.go).
func NewOpenRouter(apiKey string) llm.Provider {
	return newOpenAICompatible("openrouter", apiKey, "https://openrouter.ai/api/v1", map[string]string{
		"HTTP-Referer": "https://conduit.run",
	}, []llm.Model{
		{ID: "anthropic/claude-3.5-sonnet", ContextWindow: 200000, SupportsTools: true},
		{ID: "openai/gpt-4o", ContextWindow: 128000, SupportsTools: true},
	})
}

// NewCopilotProxy builds the "custom/copilot-proxy" adapter against a
// GitHub Copilot chat-completions proxy speaking the OpenAI format
// (teacher's copilot_proxy.go).
func NewCopilotProxy(apiKey, baseURL string) llm.Provider {
	return newOpenAICompatible("copilot-proxy", apiKey, baseURL, map[string]string{
		"Copilot-Integration-Id": "vscode-chat",
	}, []llm.Model{
		{ID: "gpt-4o", ContextWindow: 128000, SupportsTools: true},
	})
}

func (p *openAICompatible) Name() string        { return p.name }
func (p *openAICompatible) Models() []llm.Model { return p.models }
func (p *openAICompatible) SupportsTools() bool { return p.supportsTools }

func (p *openAICompatible) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if p.client == nil {
		return nil, errors.New("openai-compatible provider not configured")
	}

	messages := toOpenAIMessages(req)
	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Stream:      req.Stream,
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	if !req.Stream {
		return p.completeNonStreaming(ctx, chatReq)
	}
	return p.completeStreaming(ctx, chatReq)
}

func toOpenAIMessages(req *llm.CompletionRequest) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (p *openAICompatible) completeNonStreaming(ctx context.Context, chatReq openai.ChatCompletionRequest) (<-chan llm.Chunk, error) {
	resp, err := p.callWithRetry(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	out := make(chan llm.Chunk, 1)
	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	out <- llm.Chunk{Content: text, Done: true}
	close(out)
	return out, nil
}

func (p *openAICompatible) callWithRetry(ctx context.Context, chatReq openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			return &resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, fmt.Errorf("non-retryable error: %w", err)
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (p *openAICompatible) completeStreaming(ctx context.Context, chatReq openai.ChatCompletionRequest) (<-chan llm.Chunk, error) {
	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryable(lastErr) {
			return nil, fmt.Errorf("non-retryable error: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
	}

	out := make(chan llm.Chunk)
	go streamChunks(ctx, stream, out)
	return out, nil
}

func streamChunks(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- llm.Chunk) {
	defer close(out)
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			out <- llm.Chunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				out <- llm.Chunk{Done: true}
				return
			}
			out <- llm.Chunk{Err: err, Done: true}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if content := resp.Choices[0].Delta.Content; content != "" {
			out <- llm.Chunk{Content: content}
		}
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if containsFold(msg, marker) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

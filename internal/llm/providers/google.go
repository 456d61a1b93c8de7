package providers

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/conduitrun/conduit/internal/llm"
)

// googleProvider backs the "google-compatible" family against the Gemini
// API's GenerateContentStream.
type googleProvider struct {
	client       *genai.Client
	defaultModel string
}

func NewGoogle(apiKey string) (llm.Provider, error) {
	if apiKey == "" {
		return nil, errors.New("google: API key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &googleProvider{client: client, defaultModel: "gemini-2.0-flash"}, nil
}

func (p *googleProvider) Name() string { return "google" }

func (p *googleProvider) Models() []llm.Model {
	return []llm.Model{
		{ID: "gemini-2.0-flash", ContextWindow: 1000000, SupportsTools: true},
		{ID: "gemini-1.5-pro", ContextWindow: 2000000, SupportsTools: true},
	}
}

func (p *googleProvider) SupportsTools() bool { return true }

func (p *googleProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan llm.Chunk, error) {
	out := make(chan llm.Chunk)

	go func() {
		defer close(out)

		model := req.Model
		if model == "" {
			model = p.defaultModel
		}
		contents := toGeminiContents(req.Messages)
		config := &genai.GenerateContentConfig{}
		if req.System != "" {
			config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
		}
		if req.Temperature > 0 {
			temp := float32(req.Temperature)
			config.Temperature = &temp
		}

		streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, config)
		for resp, err := range streamIter {
			select {
			case <-ctx.Done():
				out <- llm.Chunk{Err: ctx.Err(), Done: true}
				return
			default:
			}
			if err != nil {
				out <- llm.Chunk{Err: fmt.Errorf("google: %w", err), Done: true}
				return
			}
			if resp == nil {
				continue
			}
			for _, candidate := range resp.Candidates {
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part.Text != "" {
						out <- llm.Chunk{Content: part.Text}
					}
				}
			}
		}
		out <- llm.Chunk{Done: true}
	}()

	return out, nil
}

func toGeminiContents(messages []llm.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	return out
}

package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/conduitrun/conduit/internal/llm"
)

// bedrockProvider backs the "custom/bedrock" family: Claude and other
// foundation models fronted by AWS Bedrock's Converse API, authenticated
// via the standard AWS credential chain rather than a bearer API key.
type bedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
}

type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

func NewBedrock(cfg BedrockConfig) (llm.Provider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &bedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *bedrockProvider) Name() string { return "bedrock" }

func (p *bedrockProvider) Models() []llm.Model {
	return []llm.Model{
		{ID: "anthropic.claude-3-sonnet-20240229-v1:0", ContextWindow: 200000, SupportsTools: true},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", ContextWindow: 200000, SupportsTools: true},
		{ID: "amazon.titan-text-express-v1", ContextWindow: 8000, SupportsTools: false},
	}
}

func (p *bedrockProvider) SupportsTools() bool { return true }

func (p *bedrockProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if p.client == nil {
		return nil, errors.New("bedrock: client not initialized")
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	converseReq := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: toBedrockMessages(req.Messages),
	}
	if req.System != "" {
		converseReq.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > 1<<20 {
			maxTokens = 1 << 20
		}
		converseReq.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	}

	stream, err := p.client.ConverseStream(ctx, converseReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	out := make(chan llm.Chunk)
	go streamBedrockChunks(ctx, stream, out)
	return out, nil
}

func toBedrockMessages(messages []llm.Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}
	return out
}

func streamBedrockChunks(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, out chan<- llm.Chunk) {
	defer close(out)
	eventStream := stream.GetStream()
	defer eventStream.Close()

	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			out <- llm.Chunk{Err: ctx.Err(), Done: true}
			return
		case event, ok := <-events:
			if !ok {
				if err := eventStream.Err(); err != nil {
					out <- llm.Chunk{Err: fmt.Errorf("bedrock: %w", err), Done: true}
				} else {
					out <- llm.Chunk{Done: true}
				}
				return
			}
			if delta, ok := event.(*types.ConverseStreamOutputMemberContentBlockDelta); ok {
				if text, ok := delta.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && text.Value != "" {
					out <- llm.Chunk{Content: text.Value}
				}
			}
		}
	}
}

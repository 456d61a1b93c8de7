// Package registry resolves a neuron id into a live llm.Handle: cache
// lookup, persistent-store fallback, tier-based access control,
// decrypt-on-read, and dispatch-by-provider-string to a fresh provider
// instance per call.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/conduitrun/conduit/internal/cache"
	"github.com/conduitrun/conduit/internal/engine/errs"
	"github.com/conduitrun/conduit/internal/llm"
	"github.com/conduitrun/conduit/internal/llm/providers"
	"github.com/conduitrun/conduit/internal/secrets"
	"github.com/conduitrun/conduit/internal/storage"
)

const (
	configCacheCapacity = 100
	defaultUserTier     = 4
	// DefaultConfigTTL is the cache lifetime used for the neuron config
	// cache.
	DefaultConfigTTL = 5 * time.Minute
)

// Registry resolves and caches neuron configs and dispatches to family
// adapters, resolving a caller's configured provider before each turn,
// with an explicit LRU+TTL cache and owner/tier access control in front
// of the store lookup.
type Registry struct {
	neurons storage.NeuronStore
	users   storage.UserStore
	box     *secrets.Box

	configCache *cache.TTLCache[llm.NeuronConfig]
}

// New builds a Registry. box may be nil if no neuron stores an encrypted
// key; decrypting an encrypted key with a nil box fails loudly rather than
// silently passing ciphertext to a provider. ttl <= 0 defaults to
// DefaultConfigTTL.
func New(neurons storage.NeuronStore, users storage.UserStore, box *secrets.Box, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultConfigTTL
	}
	return &Registry{
		neurons:     neurons,
		users:       users,
		box:         box,
		configCache: cache.NewTTLCache[llm.NeuronConfig](ttl, configCacheCapacity),
	}
}

// GetConfig resolves and caches the decrypted NeuronConfig for
// (neuronID, userID), enforcing owner/tier access control on a cache miss.
func (r *Registry) GetConfig(ctx context.Context, neuronID, userID string) (llm.NeuronConfig, error) {
	key := userID + ":" + neuronID
	if cfg, ok := r.configCache.Get(key); ok {
		return cfg, nil
	}

	record, err := r.neurons.Get(ctx, neuronID)
	if err != nil {
		if err == storage.ErrNotFound {
			return llm.NeuronConfig{}, errs.NotFound(fmt.Sprintf("neuron %q not found", neuronID)).
				WithContext(map[string]any{"neuronId": neuronID})
		}
		return llm.NeuronConfig{}, errs.ProviderError("look up neuron", err)
	}

	if err := r.checkAccess(ctx, record, userID); err != nil {
		return llm.NeuronConfig{}, err
	}

	cfg, err := r.toRuntimeConfig(record)
	if err != nil {
		return llm.NeuronConfig{}, err
	}

	r.configCache.Set(key, cfg)
	return cfg, nil
}

// checkAccess enforces tier-gated access: owner-owned neurons are
// always accessible to their owner; system neurons require userTier <=
// neuron tier (lower number is higher privilege); any other owner's neuron
// is never accessible.
func (r *Registry) checkAccess(ctx context.Context, record *storage.NeuronRecord, userID string) error {
	if record.OwnerID == userID {
		return nil
	}
	if record.OwnerID != "system" {
		return errs.AccessDenied(fmt.Sprintf("neuron %q is not accessible to this user", record.NeuronID))
	}

	userTier := r.resolveUserTier(ctx, userID)
	if userTier > record.Tier {
		return errs.AccessDenied(fmt.Sprintf("neuron %q requires tier <= %d, user is tier %d", record.NeuronID, record.Tier, userTier))
	}
	return nil
}

func (r *Registry) resolveUserTier(ctx context.Context, userID string) int {
	if r.users == nil {
		return defaultUserTier
	}
	user, err := r.users.Get(ctx, userID)
	if err != nil {
		return defaultUserTier
	}
	return user.Tier
}

func (r *Registry) toRuntimeConfig(record *storage.NeuronRecord) (llm.NeuronConfig, error) {
	apiKey := record.APIKey
	if record.APIKeyEncrypted {
		if r.box == nil {
			return llm.NeuronConfig{}, errs.ProviderError("decrypt neuron api key", fmt.Errorf("no decryption key configured"))
		}
		plain, err := r.box.Decrypt(apiKey)
		if err != nil {
			return llm.NeuronConfig{}, errs.ProviderError("decrypt neuron api key", err)
		}
		apiKey = plain
	}

	return llm.NeuronConfig{
		NeuronID:    record.NeuronID,
		OwnerID:     record.OwnerID,
		Provider:    record.Provider,
		Model:       record.Model,
		APIKey:      apiKey,
		BaseURL:     record.Endpoint,
		Temperature: record.Temperature,
		MaxTokens:   record.MaxOutputTokens,
		Tier:        record.Tier,
	}, nil
}

// GetModel resolves a neuron to a live Handle, dispatching by provider to a
// fresh adapter instance per call — adapters are deliberately never pooled,
// so a rotated key takes effect on the next call.
func (r *Registry) GetModel(ctx context.Context, neuronID, userID string) (*llm.Handle, error) {
	cfg, err := r.GetConfig(ctx, neuronID, userID)
	if err != nil {
		return nil, err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	return &llm.Handle{Config: cfg, Provider: provider}, nil
}

// Resolve satisfies runtimestate.LLMResolver, boxing the Handle behind `any`
// for the neuron step to type-assert.
func (r *Registry) Resolve(neuronID, userID string) (any, error) {
	return r.GetModel(context.Background(), neuronID, userID)
}

// ClearCache drops every cached config for userID, or the entire cache when
// userID is empty.
func (r *Registry) ClearCache(userID string) {
	if userID == "" {
		r.configCache.Clear()
		return
	}
	r.configCache.DeletePrefix(userID + ":")
}

func buildProvider(cfg llm.NeuronConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return providers.NewOpenAI(cfg.APIKey, cfg.BaseURL), nil
	case "local":
		return providers.NewLocal(cfg.BaseURL, []llm.Model{{ID: cfg.Model, ContextWindow: 8192, SupportsTools: false}}), nil
	case "azure":
		return providers.NewAzure(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "openrouter":
		return providers.NewOpenRouter(cfg.APIKey), nil
	case "copilot-proxy":
		return providers.NewCopilotProxy(cfg.APIKey, cfg.BaseURL), nil
	case "anthropic":
		return providers.NewAnthropic(cfg.APIKey, cfg.BaseURL), nil
	case "bedrock":
		return providers.NewBedrock(providers.BedrockConfig{DefaultModel: cfg.Model})
	case "google":
		return providers.NewGoogle(cfg.APIKey)
	default:
		return nil, errs.Validation(fmt.Sprintf("unknown provider %q", cfg.Provider))
	}
}

// Package registry resolves a graph id into a compiled, executable graph
//: cache lookup, persistent-store fallback, owner/tier access
// control, compile-on-miss via the graph compiler, and asynchronous usage
// counters that never block the caller.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/conduitrun/conduit/internal/cache"
	"github.com/conduitrun/conduit/internal/engine/compiler"
	"github.com/conduitrun/conduit/internal/engine/errs"
	"github.com/conduitrun/conduit/internal/storage"
)

const (
	compiledCacheCapacity = 50
	configCacheCapacity   = 100
	defaultUserTier       = 4

	// DefaultTTL is the cache lifetime used for both the compiled-graph
	// and config caches.
	DefaultTTL = 5 * time.Minute
)

// Registry resolves graph ids to compiled graphs, mirroring the LM provider
// registry's cache-then-store-then-access-control flow but compiling
// instead of constructing a provider on a miss.
type Registry struct {
	graphs storage.GraphStore
	users  storage.UserStore

	compiledCache *cache.TTLCache[*compiler.CompiledGraph]
	configCache   *cache.TTLCache[compiler.GraphConfig]

	usageMu       sync.Mutex
	usageCounters map[string]*atomic.Int64
}

// New builds a Registry. ttl <= 0 defaults to DefaultTTL.
func New(graphs storage.GraphStore, users storage.UserStore, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		graphs:        graphs,
		users:         users,
		compiledCache: cache.NewTTLCache[*compiler.CompiledGraph](ttl, compiledCacheCapacity),
		configCache:   cache.NewTTLCache[compiler.GraphConfig](ttl, configCacheCapacity),
		usageCounters: make(map[string]*atomic.Int64),
	}
}

// GetConfig resolves and caches the GraphConfig for (graphID, userID),
// enforcing owner/tier access control on a cache miss.
func (r *Registry) GetConfig(ctx context.Context, graphID, userID string) (compiler.GraphConfig, error) {
	key := userID + ":" + graphID
	if cfg, ok := r.configCache.Get(key); ok {
		return cfg, nil
	}

	record, err := r.graphs.Get(ctx, graphID)
	if err != nil {
		if err == storage.ErrNotFound {
			return compiler.GraphConfig{}, errs.NotFound(fmt.Sprintf("graph %q not found", graphID)).
				WithContext(map[string]any{"graphId": graphID})
		}
		return compiler.GraphConfig{}, errs.ProviderError("look up graph", err)
	}

	if err := r.checkAccess(ctx, record, userID); err != nil {
		return compiler.GraphConfig{}, err
	}

	cfg, err := decodeGraphConfig(record)
	if err != nil {
		return compiler.GraphConfig{}, errs.Validation(fmt.Sprintf("graph %q has malformed stored config: %v", graphID, err))
	}

	r.configCache.Set(key, cfg)
	return cfg, nil
}

func (r *Registry) checkAccess(ctx context.Context, record *storage.GraphRecord, userID string) error {
	if record.OwnerID == userID {
		return nil
	}
	if record.OwnerID != "system" {
		return errs.AccessDenied(fmt.Sprintf("graph %q is not accessible to this user", record.GraphID))
	}

	userTier := r.resolveUserTier(ctx, userID)
	if userTier > record.Tier {
		return errs.AccessDenied(fmt.Sprintf("graph %q requires tier <= %d, user is tier %d", record.GraphID, record.Tier, userTier))
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

// GetGraph resolves a graph id to a compiled, executable graph, compiling on
// a cache miss and wrapping any compile failure with the graph id.
func (r *Registry) GetGraph(ctx context.Context, graphID, userID string) (*compiler.CompiledGraph, error) {
	key := userID + ":" + graphID
	if compiled, ok := r.compiledCache.Get(key); ok {
		r.bumpUsage(graphID)
		return compiled, nil
	}

	cfg, err := r.GetConfig(ctx, graphID, userID)
	if err != nil {
		return nil, err
	}

	compiled, _, err := compiler.Compile(cfg)
	if err != nil {
		return nil, errs.CompilationFailed(fmt.Sprintf("graph %q failed to compile", graphID), err).
			WithContext(map[string]any{"graphId": graphID})
	}

	r.compiledCache.Set(key, compiled)
	r.bumpUsage(graphID)
	return compiled, nil
}

// bumpUsage increments a usage counter on its own goroutine so a slow or
// contended counter update never adds latency to graph resolution.
func (r *Registry) bumpUsage(graphID string) {
	go func() {
		r.usageMu.Lock()
		counter, ok := r.usageCounters[graphID]
		if !ok {
			counter = &atomic.Int64{}
			r.usageCounters[graphID] = counter
		}
		r.usageMu.Unlock()
		counter.Add(1)
	}()
}

// UsageCount returns the number of times graphID has been resolved since
// process start, for diagnostics.
func (r *Registry) UsageCount(graphID string) int64 {
	r.usageMu.Lock()
	counter, ok := r.usageCounters[graphID]
	r.usageMu.Unlock()
	if !ok {
		return 0
	}
	return counter.Load()
}

// GetUserGraphs lists the graphs accessible to userID: the user's own plus
// every system graph.
func (r *Registry) GetUserGraphs(ctx context.Context, userID string) ([]*storage.GraphRecord, error) {
	return r.graphs.ListByOwner(ctx, userID)
}

// ClearCache drops every cached compiled graph and config for userID, or the
// entire cache when userID is empty.
func (r *Registry) ClearCache(userID string) {
	if userID == "" {
		r.compiledCache.Clear()
		r.configCache.Clear()
		return
	}
	r.compiledCache.DeletePrefix(userID + ":")
	r.configCache.DeletePrefix(userID + ":")
}

// decodeGraphConfig JSON-decodes the stored nodes/edges/globalConfig blobs
// into generic maps, then mapstructure-decodes those into GraphConfig — the
// same two-step decode the universal node handler uses for per-node raw
// config, so a graph's stored shape round-trips through the same path as a
// node's.
func decodeGraphConfig(record *storage.GraphRecord) (compiler.GraphConfig, error) {
	var rawNodes []map[string]any
	if len(record.NodesJSON) > 0 {
		if err := json.Unmarshal(record.NodesJSON, &rawNodes); err != nil {
			return compiler.GraphConfig{}, fmt.Errorf("decode nodes: %w", err)
		}
	}
	var nodes []compiler.NodeSpec
	if err := mapstructure.Decode(rawNodes, &nodes); err != nil {
		return compiler.GraphConfig{}, fmt.Errorf("decode nodes: %w", err)
	}

	var rawEdges []map[string]any
	if len(record.EdgesJSON) > 0 {
		if err := json.Unmarshal(record.EdgesJSON, &rawEdges); err != nil {
			return compiler.GraphConfig{}, fmt.Errorf("decode edges: %w", err)
		}
	}
	var edges []compiler.EdgeSpec
	if err := mapstructure.Decode(rawEdges, &edges); err != nil {
		return compiler.GraphConfig{}, fmt.Errorf("decode edges: %w", err)
	}

	var global compiler.GlobalConfig
	if len(record.GlobalConfig) > 0 {
		var rawGlobal map[string]any
		if err := json.Unmarshal(record.GlobalConfig, &rawGlobal); err != nil {
			return compiler.GraphConfig{}, fmt.Errorf("decode globalConfig: %w", err)
		}
		if err := mapstructure.Decode(rawGlobal, &global); err != nil {
			return compiler.GraphConfig{}, fmt.Errorf("decode globalConfig: %w", err)
		}
	}

	return compiler.GraphConfig{
		GraphID:      record.GraphID,
		OwnerID:      record.OwnerID,
		Tier:         record.Tier,
		IsDefault:    record.IsDefault,
		Name:         record.Name,
		Description:  record.Description,
		Nodes:        nodes,
		Edges:        edges,
		GlobalConfig: global,
	}, nil
}

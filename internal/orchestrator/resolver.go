package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/conduitrun/conduit/internal/engine/errs"
	"github.com/conduitrun/conduit/internal/storage"
)

// nodeResolver satisfies node.ConfigResolver against the universal node
// store, so a graph node can reference a reusable config by id instead of
// inlining its steps.
type nodeResolver struct {
	nodes storage.UniversalNodeStore
}

func (r *nodeResolver) ResolveNodeConfig(nodeID string) (map[string]any, error) {
	record, err := r.nodes.Get(context.Background(), nodeID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errs.NotFound("universal node not found").WithContext(map[string]any{"nodeId": nodeID})
		}
		return nil, errs.ProviderError("look up universal node", err)
	}

	var cfg map[string]any
	if err := json.Unmarshal(record.ConfigRaw, &cfg); err != nil {
		return nil, errs.Validation("universal node has malformed stored config").WithContext(map[string]any{"nodeId": nodeID})
	}
	return cfg, nil
}

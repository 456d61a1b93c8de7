package compiler

import (
	"context"
	"fmt"

	"github.com/conduitrun/conduit/internal/engine/errs"
	"github.com/conduitrun/conduit/internal/engine/node"
	"github.com/conduitrun/conduit/internal/engine/steps"
	"github.com/conduitrun/conduit/internal/expr"
	"github.com/conduitrun/conduit/internal/runtimestate"
)

// maxGraphSteps bounds traversal so a misconfigured cycle (no fallback ever
// resolving to __end__) fails loudly instead of spinning forever.
const maxGraphSteps = 256

// CompiledGraph is the executable form of a validated GraphConfig: a node
// lookup table plus a from-node-keyed edge table, walked starting from
// StartNode until an edge resolves to EndNode.
type CompiledGraph struct {
	GraphID string
	Tier    int
	Global  GlobalConfig

	nodes map[string]NodeSpec
	edges map[string]EdgeSpec
}

func assemble(config GraphConfig) *CompiledGraph {
	nodes := make(map[string]NodeSpec, len(config.Nodes))
	for _, n := range config.Nodes {
		nodes[n.ID] = n
	}
	edges := make(map[string]EdgeSpec, len(config.Edges))
	for _, e := range config.Edges {
		edges[e.From] = e
	}
	return &CompiledGraph{
		GraphID: config.GraphID,
		Tier:    config.Tier,
		Global:  config.GlobalConfig,
		nodes:   nodes,
		edges:   edges,
	}
}

// Execute walks the compiled graph from __start__, running each visited
// node through the universal node handler and reducing its delta into state
// in place, until an edge resolves to __end__. The final state (with
// state.FinalResponse set by whichever node reached it) is returned.
func (g *CompiledGraph) Execute(ctx context.Context, resolver node.ConfigResolver, callMeta steps.CallMeta, state *runtimestate.State) (*runtimestate.State, error) {
	current := StartNode
	nodeCounter := 0

	for step := 0; step < maxGraphSteps; step++ {
		edge, ok := g.edges[current]
		if !ok {
			return state, &errs.Error{
				Kind:    errs.KindNotFound,
				Message: fmt.Sprintf("graph %q has no outgoing edge from %q", g.GraphID, current),
				Context: map[string]any{"graphId": g.GraphID, "nodeId": current},
			}
		}

		next := g.resolveTarget(edge, state)
		if next == EndNode {
			return state, nil
		}

		spec, ok := g.nodes[next]
		if !ok {
			return state, &errs.Error{
				Kind:    errs.KindNotFound,
				Message: fmt.Sprintf("graph %q routed to unknown node %q", g.GraphID, next),
				Context: map[string]any{"graphId": g.GraphID, "nodeId": next},
			}
		}

		delta := node.Run(ctx, resolver, callMeta, nodeRawConfig(spec), state, &nodeCounter)
		runtimestate.Reduce(state, delta)

		current = next
	}

	return state, &errs.Error{
		Kind:    errs.KindValidation,
		Message: fmt.Sprintf("graph %q exceeded %d steps without reaching __end__", g.GraphID, maxGraphSteps),
		Context: map[string]any{"graphId": g.GraphID},
	}
}

// resolveTarget follows a simple or conditional edge to the next node id.
// For a conditional edge, expr.EvaluateEdge returns either a matched
// targets key (looked up below for the actual destination) or an
// already-resolved fallback id — the lookup is a harmless no-op in the
// fallback case since fallback ids are not keys of Targets.
func (g *CompiledGraph) resolveTarget(edge EdgeSpec, state *runtimestate.State) string {
	if !edge.isConditional() {
		return edge.To
	}

	result := expr.EvaluateEdge(edge.Condition, state, edge.Targets, edge.Fallback)
	if destination, ok := edge.Targets[result]; ok {
		return destination
	}
	return result
}

func nodeRawConfig(spec NodeSpec) map[string]any {
	if spec.Config != nil {
		return spec.Config
	}
	return map[string]any{}
}

// Package compiler validates a stored GraphConfig and assembles it into an
// executable CompiledGraph: nodes wired to the universal node handler
// (internal/engine/node), edges wired to simple or expression-evaluated
// conditional routing.
package compiler

import (
	"fmt"
	"strings"

	"github.com/conduitrun/conduit/internal/engine/errs"
)

// Reserved pseudo-node ids every graph's edges route through.
const (
	StartNode = "__start__"
	EndNode   = "__end__"
)

// recognizedNodeTypes are the role labels a node may carry; every
// one dispatches to the same universal node handler — the label is metadata
// for humans/tooling, not a different execution path (redesign flag: no
// per-type dynamic dispatch registry).
var recognizedNodeTypes = map[string]bool{
	"precheck": true, "fastpath": true, "context": true, "classifier": true,
	"router": true, "planner": true, "executor": true, "responder": true,
	"search": true, "scrape": true, "command": true, "universal": true,
}

// NodeSpec is one entry in GraphConfig.nodes.
type NodeSpec struct {
	ID     string         `mapstructure:"id"`
	Type   string         `mapstructure:"type"`
	Config map[string]any `mapstructure:"config"`
}

// EdgeSpec is one entry in GraphConfig.edges. A simple edge sets To; a
// conditional edge sets Condition+Targets and optionally Fallback.
type EdgeSpec struct {
	From      string            `mapstructure:"from"`
	To        string            `mapstructure:"to"`
	Condition string            `mapstructure:"condition"`
	Targets   map[string]string `mapstructure:"targets"`
	Fallback  string            `mapstructure:"fallback"`
}

func (e EdgeSpec) isConditional() bool { return e.Condition != "" }

// GlobalConfig carries graph-wide execution knobs.
type GlobalConfig struct {
	MaxReplans          int  `mapstructure:"maxReplans"`
	MaxSearchIterations int  `mapstructure:"maxSearchIterations"`
	TimeoutSeconds      int  `mapstructure:"timeout"`
	EnableFastpath      bool `mapstructure:"enableFastpath"`
}

// GraphConfig is the persisted workflow definition.
type GraphConfig struct {
	GraphID      string       `mapstructure:"graphId"`
	OwnerID      string       `mapstructure:"ownerId"`
	Tier         int          `mapstructure:"tier"`
	IsDefault    bool         `mapstructure:"isDefault"`
	Name         string       `mapstructure:"name"`
	Description  string       `mapstructure:"description"`
	Nodes        []NodeSpec   `mapstructure:"nodes"`
	Edges        []EdgeSpec   `mapstructure:"edges"`
	GlobalConfig GlobalConfig `mapstructure:"globalConfig"`
}

// orphanWarningThreshold and largeGraphWarningThreshold are non-fatal
// warning thresholds.
const largeGraphWarningThreshold = 50

// Compile validates config and assembles it into a CompiledGraph. All
// validation errors are collected and returned together, aggregated under
// config.GraphID; warnings are returned alongside a successful result and
// never block compilation.
func Compile(config GraphConfig) (*CompiledGraph, []string, error) {
	var failures []string

	if len(config.Nodes) == 0 {
		failures = append(failures, "graph has no nodes")
	}
	if len(config.Edges) == 0 {
		failures = append(failures, "graph has no edges")
	}
	if config.Tier < 0 || config.Tier > 4 {
		failures = append(failures, fmt.Sprintf("tier %d out of range [0,4]", config.Tier))
	}

	nodeIDs := map[string]bool{}
	for _, n := range config.Nodes {
		if n.ID == "" {
			failures = append(failures, "node has empty id")
			continue
		}
		if nodeIDs[n.ID] {
			failures = append(failures, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodeIDs[n.ID] = true
		if !recognizedNodeTypes[n.Type] {
			failures = append(failures, fmt.Sprintf("node %q has unrecognized type %q", n.ID, n.Type))
		}
	}

	resolvable := func(id string) bool {
		return id == StartNode || id == EndNode || nodeIDs[id]
	}

	for i, e := range config.Edges {
		if !resolvable(e.From) {
			failures = append(failures, fmt.Sprintf("edge[%d]: from %q does not resolve", i, e.From))
		}
		if e.isConditional() {
			if len(e.Targets) == 0 {
				failures = append(failures, fmt.Sprintf("edge[%d]: conditional edge has no targets", i))
			}
			for key, target := range e.Targets {
				if !resolvable(target) {
					failures = append(failures, fmt.Sprintf("edge[%d]: target %q (%q) does not resolve", i, key, target))
				}
			}
			if e.Fallback != "" && !resolvable(e.Fallback) {
				failures = append(failures, fmt.Sprintf("edge[%d]: fallback %q does not resolve", i, e.Fallback))
			}
		} else if !resolvable(e.To) {
			failures = append(failures, fmt.Sprintf("edge[%d]: to %q does not resolve", i, e.To))
		}
	}

	if len(failures) > 0 {
		return nil, nil, &errs.Error{
			Kind:    errs.KindValidation,
			Message: fmt.Sprintf("graph %q failed validation: %s", config.GraphID, strings.Join(failures, "; ")),
			Context: map[string]any{"graphId": config.GraphID},
		}
	}

	warnings := collectWarnings(config, nodeIDs)

	return assemble(config), warnings, nil
}

func collectWarnings(config GraphConfig, nodeIDs map[string]bool) []string {
	var warnings []string

	if len(config.Nodes) > largeGraphWarningThreshold {
		warnings = append(warnings, fmt.Sprintf("graph %q has %d nodes, exceeding the recommended size", config.GraphID, len(config.Nodes)))
	}

	hasIncoming := map[string]bool{}
	for _, e := range config.Edges {
		if e.isConditional() {
			for _, target := range e.Targets {
				hasIncoming[target] = true
			}
			if e.Fallback != "" {
				hasIncoming[e.Fallback] = true
			}
		} else {
			hasIncoming[e.To] = true
		}
	}
	for id := range nodeIDs {
		if !hasIncoming[id] {
			warnings = append(warnings, fmt.Sprintf("node %q has no incoming edge", id))
		}
	}

	return warnings
}

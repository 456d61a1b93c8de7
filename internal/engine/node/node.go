// Package node implements the universal node: the single micro-pipeline
// every compiled graph node delegates to, regardless of which step types it
// runs. A node's behavior is entirely data-driven by the config injected
// into state at compile time (internal/engine/compiler).
package node

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/conduitrun/conduit/internal/engine/errs"
	"github.com/conduitrun/conduit/internal/engine/steps"
	"github.com/conduitrun/conduit/internal/expr"
	"github.com/conduitrun/conduit/internal/runtimestate"
)

// ConfigResolver looks up a reusable node config by id — the
// universal_nodes persistent-store collection.
type ConfigResolver interface {
	ResolveNodeConfig(nodeID string) (map[string]any, error)
}

// Config is the compile-time config injected into state for one graph node:
// either a reference to a reusable config, inline steps, or a single
// shorthand step.
type Config struct {
	NodeID string           `mapstructure:"nodeId"`
	Steps  []steps.StepSpec `mapstructure:"steps"`
	// Shorthand single-step fields, used when Steps is empty.
	Type      string         `mapstructure:"type"`
	Condition string         `mapstructure:"condition"`
	StepConfig map[string]any `mapstructure:"config"`
}

// Run executes the universal node algorithm against rawConfig —
// the per-node config the compiler's node wrapper injects before delegating
// here — returning the delta the engine reduces back into state. Run never
// returns an error: step failures are captured as a `data.error` +
// `nextRoute: "error_handler"` delta instead.
func Run(ctx context.Context, resolver ConfigResolver, callMeta steps.CallMeta, rawConfig map[string]any, state *runtimestate.State, nodeCounter *int) runtimestate.Delta {
	cfg, err := resolveConfig(resolver, rawConfig)
	if err != nil {
		return errorDelta(err)
	}

	stepList := normalizeSteps(cfg)

	*nodeCounter++
	systemPrefix := fmt.Sprintf("[node #%d]", *nodeCounter)

	working := state.Snapshot()
	working.Data["nodeCounter"] = *nodeCounter
	working.Data["systemPrefix"] = systemPrefix
	originalMessageCount := len(working.Messages)

	for _, spec := range stepList {
		if spec.Condition != "" && !expr.EvaluateAsBool(spec.Condition, working) {
			continue
		}

		executor, ok := steps.Dispatch(spec.Type)
		if !ok {
			return errorDelta(fmt.Errorf("unknown step type %q", spec.Type))
		}

		delta, err := executor.Execute(steps.Context{
			Ctx:   ctx,
			State: working,
			Meta:  callMeta,
		}, spec.Config)
		if err != nil {
			return errorDelta(err)
		}

		runtimestate.Reduce(working, delta)
	}

	// working.Data is the full accumulated workspace (a superset of the
	// parent's, deep-merge safe to reduce back in whole); Messages must be
	// trimmed to only what this node appended, since the reducer always
	// concatenates rather than replacing.
	return runtimestate.Delta{
		Data:          working.Data,
		Messages:      working.Messages[originalMessageCount:],
		Response:      working.Response,
		NextRoute:     working.NextRoute,
		FinalResponse: working.FinalResponse,
		Counters:      &working.Counters,
	}
}

// resolveConfig reads the compile-time node config: a reference (nodeId) is
// resolved through resolver, otherwise rawConfig is used inline.
func resolveConfig(resolver ConfigResolver, rawConfig map[string]any) (Config, error) {
	var cfg Config
	if err := mapstructure.Decode(rawConfig, &cfg); err != nil {
		return Config{}, &errs.Error{Kind: errs.KindValidation, Message: "invalid node config", Cause: err}
	}

	if cfg.NodeID != "" && len(cfg.Steps) == 0 && cfg.Type == "" {
		if resolver == nil {
			return Config{}, &errs.Error{Kind: errs.KindNotFound, Message: "node config references nodeId but no resolver configured"}
		}
		resolved, err := resolver.ResolveNodeConfig(cfg.NodeID)
		if err != nil {
			return Config{}, &errs.Error{Kind: errs.KindNotFound, Message: "node config not found: " + cfg.NodeID, Cause: err}
		}
		var resolvedCfg Config
		if err := mapstructure.Decode(resolved, &resolvedCfg); err != nil {
			return Config{}, &errs.Error{Kind: errs.KindValidation, Message: "invalid resolved node config", Cause: err}
		}
		return resolvedCfg, nil
	}

	return cfg, nil
}

// normalizeSteps returns the config's step list, treating a singleton
// shorthand (type/condition/config at the top level) as a one-element list.
func normalizeSteps(cfg Config) []steps.StepSpec {
	if len(cfg.Steps) > 0 {
		return cfg.Steps
	}
	if cfg.Type != "" {
		return []steps.StepSpec{{Type: cfg.Type, Condition: cfg.Condition, Config: cfg.StepConfig}}
	}
	return nil
}

func errorDelta(err error) runtimestate.Delta {
	return runtimestate.Delta{
		Data:      map[string]any{"error": err.Error()},
		NextRoute: "error_handler",
	}
}

package steps

import (
	"strings"

	"github.com/conduitrun/conduit/internal/engine/errs"
	"github.com/conduitrun/conduit/internal/expr"
	"github.com/conduitrun/conduit/internal/render"
	"github.com/conduitrun/conduit/internal/runtimestate"
)

// ConditionalConfig is the decoded shape of a conditional step's raw config.
type ConditionalConfig struct {
	Condition     string        `mapstructure:"condition"`
	SetField      string        `mapstructure:"setField"`
	TrueValue     any           `mapstructure:"trueValue"`
	FalseValue    any           `mapstructure:"falseValue"`
	ErrorHandling ErrorHandling `mapstructure:"errorHandling"`
}

// ConditionalExecutor evaluates a condition and writes one of two values to
// setField, each itself either an expression (when wrapped "{{…}}") or a
// rendered template.
type ConditionalExecutor struct{}

func (ConditionalExecutor) Execute(stepCtx Context, rawConfig map[string]any) (runtimestate.Delta, error) {
	var cfg ConditionalConfig
	if err := Decode(rawConfig, &cfg); err != nil {
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "invalid conditional step config", err)
	}
	if cfg.SetField == "" {
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "conditional step requires setField", nil)
	}

	return withRetryPolicy(stepCtx, cfg.ErrorHandling, cfg.SetField, func() (runtimestate.Delta, error) {
		chosen := cfg.FalseValue
		if expr.EvaluateAsBool(cfg.Condition, stepCtx.State) {
			chosen = cfg.TrueValue
		}

		resolved, err := resolveChosenValue(stepCtx, chosen)
		if err != nil {
			return runtimestate.Delta{}, err
		}
		return outputDelta(cfg.SetField, resolved), nil
	})
}

// resolveChosenValue evaluates chosen as an expression if it is wrapped in
// "{{…}}", else renders it as a template; any other type passes through.
func resolveChosenValue(stepCtx Context, chosen any) (any, error) {
	str, ok := chosen.(string)
	if !ok {
		return chosen, nil
	}

	if path, ok := soleStatePlaceholder(str); ok {
		value, err := expr.Evaluate("state."+strings.TrimPrefix(path, "state."), stepCtx.State)
		if err != nil {
			return nil, errAsEngine(errs.KindValidation, "conditional: failed to evaluate value expression", err)
		}
		return value, nil
	}

	rendered, err := render.Render(str, stepCtx.State)
	if err != nil {
		return nil, errAsEngine(errs.KindValidation, "conditional: failed to render value", err)
	}
	return rendered, nil
}

package steps

import (
	"github.com/conduitrun/conduit/internal/engine/errs"
	"github.com/conduitrun/conduit/internal/expr"
	"github.com/conduitrun/conduit/internal/runtimestate"
)

// LoopOnMaxIterations selects what happens when a loop exhausts
// maxIterations without its exitCondition becoming true.
type LoopOnMaxIterations string

const (
	LoopContinue LoopOnMaxIterations = "continue"
	LoopThrow    LoopOnMaxIterations = "throw"
)

// LoopConfig is the decoded shape of a loop step's raw config.
type LoopConfig struct {
	MaxIterations     int                  `mapstructure:"maxIterations"`
	ExitCondition     string               `mapstructure:"exitCondition"`
	Steps             []StepSpec           `mapstructure:"steps"`
	AccumulatorField  string               `mapstructure:"accumulatorField"`
	OnMaxIterations   LoopOnMaxIterations  `mapstructure:"onMaxIterations"`
	ErrorHandling     ErrorHandling        `mapstructure:"errorHandling"`
}

func (c LoopConfig) onMaxIterationsOrDefault() LoopOnMaxIterations {
	if c.OnMaxIterations == "" {
		return LoopContinue
	}
	return c.OnMaxIterations
}

// LoopExecutor repeatedly runs a nested step list against a cloned working
// state until exitCondition is true or maxIterations is reached.
type LoopExecutor struct{}

func (LoopExecutor) Execute(stepCtx Context, rawConfig map[string]any) (runtimestate.Delta, error) {
	var cfg LoopConfig
	if err := Decode(rawConfig, &cfg); err != nil {
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "invalid loop step config", err)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 1
	}

	return withRetryPolicy(stepCtx, cfg.ErrorHandling, "", func() (runtimestate.Delta, error) {
		return runLoop(stepCtx, cfg)
	})
}

func runLoop(stepCtx Context, cfg LoopConfig) (runtimestate.Delta, error) {
	working := stepCtx.State.Snapshot()

	var accumulator []any
	exitMet := false
	iterations := 0

	for iteration := 1; iteration <= cfg.MaxIterations; iteration++ {
		iterations = iteration
		working.Data["loopIteration"] = iteration
		working.Data["loopAccumulator"] = accumulator

		for _, spec := range cfg.Steps {
			if spec.Condition != "" && !expr.EvaluateAsBool(spec.Condition, working) {
				continue
			}
			executor, ok := Dispatch(spec.Type)
			if !ok {
				return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "loop: unknown step type "+spec.Type, nil)
			}

			delta, err := executor.Execute(Context{Ctx: stepCtx.Ctx, State: working, Meta: stepCtx.Meta}, spec.Config)
			if err != nil {
				return runtimestate.Delta{}, err
			}
			runtimestate.Reduce(working, delta)
		}

		if cfg.AccumulatorField != "" {
			if value, ok := working.Resolve(cfg.AccumulatorField); ok {
				accumulator = append(accumulator, value)
			}
		}

		if expr.EvaluateAsBool(cfg.ExitCondition, working) {
			exitMet = true
			break
		}
	}

	if !exitMet && iterations >= cfg.MaxIterations && cfg.onMaxIterationsOrDefault() == LoopThrow {
		return runtimestate.Delta{}, errAsEngine(errs.KindValidation, "loop: max iterations exceeded without meeting exit condition", nil)
	}

	return loopResultDelta(working, cfg, iterations, exitMet, accumulator), nil
}

// loopResultDelta returns the working state's user-visible workspace fields
// (Data, excluding the loop's own bookkeeping keys) plus the loop-specific
// result fields (iterations, exitConditionMet, accumulator).
func loopResultDelta(working *runtimestate.State, cfg LoopConfig, iterations int, exitMet bool, accumulator []any) runtimestate.Delta {
	data := map[string]any{}
	for k, v := range working.Data {
		if k == "loopIteration" || k == "loopAccumulator" {
			continue
		}
		data[k] = v
	}

	data["loopIterations"] = iterations
	data["loopExitConditionMet"] = exitMet

	if cfg.AccumulatorField != "" {
		field := dataFieldPath(cfg.AccumulatorField)
		data[field+"Array"] = accumulator
		data[field+"Count"] = len(accumulator)
	}

	return runtimestate.Delta{Data: runtimestate.ExpandDotPaths(data)}
}

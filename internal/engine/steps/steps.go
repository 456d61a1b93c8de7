// Package steps implements the five step primitives a compiled graph node
// can run — neuron, tool, transform, conditional, loop — each accepting the
// current working state and a step config, and returning a partial delta
// the universal node (internal/engine/node) merges back.
package steps

import (
	"context"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/conduitrun/conduit/internal/engine/errs"
	"github.com/conduitrun/conduit/internal/runtimestate"
)

// OnError selects what happens once a step's retries are exhausted.
type OnError string

const (
	OnErrorThrow    OnError = "throw"
	OnErrorFallback OnError = "fallback"
	OnErrorSkip     OnError = "skip"
)

// ErrorHandling is the shared retry/recovery policy every executor accepts.
type ErrorHandling struct {
	Retry         int           `mapstructure:"retry"`
	RetryDelay    time.Duration `mapstructure:"retryDelay"`
	FallbackValue any           `mapstructure:"fallbackValue"`
	OnError       OnError       `mapstructure:"onError"`
}

func (h ErrorHandling) onErrorOrDefault() OnError {
	if h.OnError == "" {
		return OnErrorThrow
	}
	return h.OnError
}

// CallMeta is the call-scoped metadata attached to tool invocations and
// neuron calls so downstream event taxonomies can attribute them.
type CallMeta struct {
	ConversationID string
	GenerationID   string
	MessageID      string
	StepID         string
	NodeID         string
}

// Context bundles what every executor needs beyond its own config: the
// request's cancellation context, the current working state (original
// state deep-merged with the node's accumulated delta so far), and call
// metadata for the step currently running.
type Context struct {
	Ctx   context.Context
	State *runtimestate.State
	Meta  CallMeta
}

// Executor is the uniform shape every step primitive implements.
type Executor interface {
	Execute(stepCtx Context, config map[string]any) (runtimestate.Delta, error)
}

// Decode remarshals a step's raw config map into a typed struct using
// "mapstructure" tags — the idiom used throughout this package's
// graph node/transition configs for loosely-typed YAML/JSON step
// definitions. Duration fields accept either a nanosecond integer or
// a Go duration string ("5s") via the stock StringToTimeDurationHookFunc.
func Decode(config map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(config)
}

// withRetryPolicy runs attempt up to handling.Retry+1 times with a fixed
// handling.RetryDelay between attempts, then applies the exhaustion policy.
// outputField is where FallbackValue lands when OnError is "fallback".
func withRetryPolicy(stepCtx Context, handling ErrorHandling, outputField string, attempt func() (runtimestate.Delta, error)) (runtimestate.Delta, error) {
	var lastErr error

	totalAttempts := handling.Retry + 1
	if totalAttempts < 1 {
		totalAttempts = 1
	}

	for i := 0; i < totalAttempts; i++ {
		delta, err := attempt()
		if err == nil {
			return delta, nil
		}
		lastErr = err

		if i < totalAttempts-1 && handling.RetryDelay > 0 {
			select {
			case <-stepCtx.Ctx.Done():
				return runtimestate.Delta{}, stepCtx.Ctx.Err()
			case <-time.After(handling.RetryDelay):
			}
		}
	}

	switch handling.onErrorOrDefault() {
	case OnErrorFallback:
		if outputField == "" {
			return runtimestate.Delta{}, nil
		}
		return outputDelta(outputField, handling.FallbackValue), nil
	case OnErrorSkip:
		return runtimestate.Delta{}, nil
	default:
		return runtimestate.Delta{}, lastErr
	}
}

// errAsEngine normalizes an arbitrary error into the shared taxonomy so the
// universal node can distinguish kinds when deciding how to report failure.
func errAsEngine(kind errs.Kind, message string, cause error) error {
	return &errs.Error{Kind: kind, Message: message, Cause: cause}
}

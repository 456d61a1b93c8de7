// Package errs defines the error taxonomy shared across the workflow engine,
// the registries, and the streaming pipeline: a typed Kind plus a message
// and optional context map, so callers can branch on recovery policy
// without string-matching error text.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for recovery-policy dispatch.
type Kind string

const (
	KindNotFound          Kind = "NotFound"
	KindAccessDenied      Kind = "AccessDenied"
	KindCompilationFailed Kind = "CompilationFailed"
	KindValidation        Kind = "Validation"
	KindToolRouting       Kind = "ToolRouting"
	KindToolTimeout       Kind = "ToolTimeout"
	KindToolChildExit     Kind = "ToolChildExit"
	KindProviderError     Kind = "ProviderError"
	KindAlreadyInProgress Kind = "AlreadyInProgress"
	KindStreamTimeout     Kind = "StreamTimeout"
	KindCancelled         Kind = "Cancelled"
	KindExpressionUnsafe  Kind = "ExpressionUnsafe"
)

// Error is the common shape every raised error in the engine/registries/
// streaming pipeline carries: a Kind for recovery dispatch, a human message,
// optional structured Context, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target shares this error's Kind, so callers can write
// `errors.Is(err, errs.NotFound(""))` to check the category without caring
// about the specific message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

func new_(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NotFound(message string) *Error          { return new_(KindNotFound, message, nil) }
func AccessDenied(message string) *Error      { return new_(KindAccessDenied, message, nil) }
func CompilationFailed(message string, cause error) *Error {
	return new_(KindCompilationFailed, message, cause)
}
func Validation(message string) *Error    { return new_(KindValidation, message, nil) }
func ToolRouting(message string) *Error   { return new_(KindToolRouting, message, nil) }
func ToolTimeout(message string) *Error   { return new_(KindToolTimeout, message, nil) }
func ToolChildExit(message string) *Error { return new_(KindToolChildExit, message, nil) }
func ProviderError(message string, cause error) *Error {
	return new_(KindProviderError, message, cause)
}
func AlreadyInProgress(message string) *Error { return new_(KindAlreadyInProgress, message, nil) }
func StreamTimeout(message string) *Error     { return new_(KindStreamTimeout, message, nil) }
func Cancelled(message string) *Error         { return new_(KindCancelled, message, nil) }
func ExpressionUnsafe(message string) *Error  { return new_(KindExpressionUnsafe, message, nil) }

// WithContext returns a copy of e with the given context keys merged in —
// used to attach graphId/neuronId/stepId without losing the original Kind.
func (e *Error) WithContext(kv map[string]any) *Error {
	merged := make(map[string]any, len(e.Context)+len(kv))
	for k, v := range e.Context {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	return &Error{Kind: e.Kind, Message: e.Message, Cause: e.Cause, Context: merged}
}

// KindOf extracts the Kind of err, or "" if err is not (or does not wrap) an
// *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Package runtimestate defines the per-request state tree that flows through
// a compiled graph: the node/step micro-pipeline reads and writes it, and the
// engine reduces per-step deltas back into it between steps.
package runtimestate

import (
	"context"
	"sync"
)

// Handles groups the component dependencies a running graph needs but that
// are never part of a state delta: they are wired once at request entry and
// carried by reference for the lifetime of the request.
type Handles struct {
	LLMRegistry LLMResolver
	ToolClient  ToolCaller
	Cache       CacheHandle
	Logger      Logger
	Memory      MemoryReader
	Tracer      Tracer
}

// LLMResolver is the narrow surface the engine needs from the LM provider
// registry; it avoids an import cycle between runtimestate and llm.
type LLMResolver interface {
	Resolve(neuronID, userID string) (any, error)
}

// ToolCaller is the narrow surface the engine needs from the tool process
// pool.
type ToolCaller interface {
	CallTool(ctx any, name string, args map[string]any, meta map[string]any) (any, error)
}

// CacheHandle is the narrow surface the engine needs from the streaming
// shared cache to publish step-scoped content/status/thinking events.
type CacheHandle interface {
	AppendContent(messageID, chunk string)
	PublishStatus(messageID, action, description string)
}

// Logger is the minimal structured-logging surface used inside the engine.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MemoryReader is the narrow surface the engine needs from the conversation
// memory/history interface; out of scope beyond this shape.
type MemoryReader interface {
	ContextSummary(conversationID string) (string, error)
}

// Tracer is the narrow surface the engine needs from the tracing subsystem;
// it avoids an import cycle between runtimestate and observability. Span
// opens a span named name and returns ctx carrying it plus a closing func
// that records the error (if any) and ends the span.
type Tracer interface {
	Span(ctx context.Context, name string) (context.Context, func(error))
}

// ContextMessage is one turn of prior conversation history injected into the
// initial state by the orchestrator.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatMessage is an accumulated message produced while running a graph —
// the `messages` field of the universal workspace. The `messages`
// reducer always concatenates, never replaces.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Counters tracks the per-request bookkeeping values the universal node and
// loop step mutate as the graph executes.
type Counters struct {
	NodeCounter      int
	CurrentStepIndex int
	SearchIterations int
}

// Options carries the caller-supplied per-request knobs, distinct from the resolved account/graph settings.
type Options struct {
	ConversationID string
	MessageID      string
	UserMessageID  string
	GraphID        string
	Stream         bool
	Source         string
}

// State is the working state threaded through a graph run: input,
// component handles, conversation context, the universal workspace, and
// streaming plumbing.
//
// State is created once by the orchestrator at request entry, mutated only
// through Reduce, and discarded at generation completion; its durable
// projection lives in the shared cache under MessageID (see internal/stream).
type State struct {
	mu sync.RWMutex

	// Input.
	Query       string
	Options     Options
	UserID      string
	AccountTier int

	// Component handles — never part of a delta, never deep-copied.
	Handles Handles

	// Conversation context.
	ContextMessages []ContextMessage
	ContextSummary  string

	// Universal workspace.
	Data         map[string]any
	Messages     []ChatMessage
	Response     *ChatMessage
	NextRoute    string
	FinalResponse string
	Counters     Counters

	// Streaming plumbing.
	MessageID      string
	GenerationID   string
	ConversationID string
	StepVisible    bool
}

// New creates an empty State with initialized maps/slices.
func New() *State {
	return &State{
		Data:            map[string]any{},
		Messages:        nil,
		ContextMessages: nil,
	}
}

// Snapshot returns a deep-enough copy of the mutable workspace fields for a
// step executor to read without racing the next Reduce call. Handles and
// scalars are copied by value/reference as appropriate; Data and Messages
// are deep-copied.
func (s *State) Snapshot() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &State{
		Query:           s.Query,
		Options:         s.Options,
		UserID:          s.UserID,
		AccountTier:     s.AccountTier,
		Handles:         s.Handles,
		ContextMessages: append([]ContextMessage(nil), s.ContextMessages...),
		ContextSummary:  s.ContextSummary,
		Data:            deepCopyMap(s.Data),
		Messages:        append([]ChatMessage(nil), s.Messages...),
		Response:        s.Response,
		NextRoute:       s.NextRoute,
		FinalResponse:   s.FinalResponse,
		Counters:        s.Counters,
		MessageID:       s.MessageID,
		GenerationID:    s.GenerationID,
		ConversationID:  s.ConversationID,
		StepVisible:     s.StepVisible,
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// Package orchestrator implements the front door a caller actually talks
// to: resolve the caller's settings and graph, assign request
// ids, start a generation, persist the user turn, assemble the initial
// RuntimeState, and dispatch to the compiled graph — streaming or not —
// then settle the generation and enqueue the follow-on background work.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/conduitrun/conduit/internal/background"
	"github.com/conduitrun/conduit/internal/engine/compiler"
	"github.com/conduitrun/conduit/internal/engine/errs"
	"github.com/conduitrun/conduit/internal/engine/node"
	"github.com/conduitrun/conduit/internal/engine/steps"
	"github.com/conduitrun/conduit/internal/observability"
	"github.com/conduitrun/conduit/internal/retry"
	"github.com/conduitrun/conduit/internal/runtimestate"
	"github.com/conduitrun/conduit/internal/storage"
	"github.com/conduitrun/conduit/internal/stream"
)

// backgroundRetryConfig is the retry policy for enqueued summarization/
// title-generation jobs: a handful of attempts with a short initial delay,
// since these jobs run detached from any caller waiting on them.
func backgroundRetryConfig() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Factor: 2, Jitter: true}
}

// defaultUserTier matches the registries' fallback tier for an unknown user.
const defaultUserTier = 4

// defaultSystemPrompt is injected into state.Data["systemPrompt"] when no
// CONDUIT_SYSTEM_PROMPT environment override is set.
const defaultSystemPrompt = "You are a careful, direct assistant. Use the tools available to you rather than guessing, and say so plainly when you are not sure."

// systemPromptEnvVar overrides the process-wide system prompt.
const systemPromptEnvVar = "CONDUIT_SYSTEM_PROMPT"

// Query is the caller's input turn.
type Query struct {
	Message string
}

// Options carries the caller-supplied per-request knobs.
type Options struct {
	ConversationID string
	MessageID      string
	UserMessageID  string
	UserID         string
	GraphID        string
	Stream         bool
	Source         string
}

// Result is what Respond hands back. Events is non-nil only when the
// request asked for Stream; otherwise FinalResponse carries the completed
// assistant message synchronously.
type Result struct {
	ConversationID string
	GenerationID   string
	MessageID      string

	Events        <-chan stream.Event
	FinalResponse string
}

// LLMResolver is the narrow surface the orchestrator needs from the LM
// provider registry.
type LLMResolver interface {
	Resolve(neuronID, userID string) (any, error)
}

// GraphResolver is the narrow surface the orchestrator needs from the
// workflow registry.
type GraphResolver interface {
	GetGraph(ctx context.Context, graphID, userID string) (*compiler.CompiledGraph, error)
}

// Orchestrator wires every other subsystem together behind the single
// Respond entry point.
type Orchestrator struct {
	stores      storage.StoreSet
	llmRegistry LLMResolver
	graphs      GraphResolver
	toolClient  runtimestate.ToolCaller
	hub         *stream.Hub
	cancels     *stream.CancelRegistry
	background  *background.Runner
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	events      *observability.EventRecorder
	eventStore  observability.EventStore

	systemDefaultGraphID string
}

// Config is the dependency set New wires into an Orchestrator.
type Config struct {
	Stores               storage.StoreSet
	LLMRegistry          LLMResolver
	GraphRegistry        GraphResolver
	ToolClient           runtimestate.ToolCaller
	Hub                  *stream.Hub
	Logger               *observability.Logger
	Metrics              *observability.Metrics
	Tracer               *observability.Tracer
	EventStore           observability.EventStore
	SystemDefaultGraphID string
}

// New builds an Orchestrator. SystemDefaultGraphID falls back to "default"
// when empty.
func New(cfg Config) *Orchestrator {
	systemDefault := cfg.SystemDefaultGraphID
	if systemDefault == "" {
		systemDefault = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	eventStore := cfg.EventStore
	if eventStore == nil {
		eventStore = observability.NewMemoryEventStore(0)
	}
	return &Orchestrator{
		stores:               cfg.Stores,
		llmRegistry:          cfg.LLMRegistry,
		graphs:               cfg.GraphRegistry,
		toolClient:           cfg.ToolClient,
		hub:                  cfg.Hub,
		cancels:              stream.NewCancelRegistry(),
		background:           background.New(slog.Default(), backgroundRetryConfig()),
		logger:               logger,
		metrics:              metrics,
		tracer:               tracer,
		events:               observability.NewEventRecorder(eventStore, logger),
		eventStore:           eventStore,
		systemDefaultGraphID: systemDefault,
	}
}

// Timeline returns the recorded event timeline for a generation, suitable
// for surfacing on a debug endpoint. Returns an empty timeline when no
// events were recorded (generationID unknown or events store disabled).
func (o *Orchestrator) Timeline(generationID string) *observability.Timeline {
	events, _ := o.eventStore.GetByGenerationID(generationID)
	return observability.BuildTimeline(events)
}

// userSettings is the resolved per-user defaults Respond derives before
// resolving a graph.
type userSettings struct {
	accountTier           int
	defaultNeuronID       string
	defaultWorkerNeuronID string
	defaultGraphID        string
}

// Respond runs the full front-door algorithm. In streaming
// mode the graph runs on its own goroutine and Result.Events is the
// resubscribed event channel; the caller must drain it to completion or
// error, or cancel ctx. In non-streaming mode Respond blocks until the
// graph finishes and Result.FinalResponse is populated.
func (o *Orchestrator) Respond(ctx context.Context, query Query, opts Options) (*Result, error) {
	if opts.UserID == "" {
		return nil, errs.Validation("userId is required")
	}

	settings := o.loadUserSettings(ctx, opts.UserID)

	graphID := opts.GraphID
	if graphID == "" {
		graphID = settings.defaultGraphID
	}
	compiled, err := o.resolveGraph(ctx, graphID, opts.UserID)
	if err != nil {
		return nil, err
	}

	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = deriveConversationID(opts.UserID, query.Message)
	}
	generationID := uuid.NewString()
	userMessageID := opts.UserMessageID
	if userMessageID == "" {
		userMessageID = uuid.NewString()
	}
	assistantMessageID := opts.MessageID
	if assistantMessageID == "" {
		assistantMessageID = uuid.NewString()
	}

	if err := o.hub.StartGeneration(ctx, conversationID, assistantMessageID); err != nil {
		return nil, err
	}

	if err := o.persistUserMessage(ctx, conversationID, userMessageID, query.Message); err != nil {
		o.hub.FailGeneration(ctx, conversationID, assistantMessageID, err)
		return nil, err
	}

	state := o.assembleState(query, opts, settings, conversationID, generationID, assistantMessageID)

	runCtx, release := o.cancels.Arm(ctx, generationID)

	callMeta := steps.CallMeta{
		ConversationID: conversationID,
		GenerationID:   generationID,
		MessageID:      assistantMessageID,
	}
	resolver := &nodeResolver{nodes: o.stores.Nodes}

	o.metrics.GenerationStarted(compiled.GraphID)

	eventCtx := observability.AddGenerationID(ctx, generationID)
	eventCtx = observability.AddSessionID(eventCtx, conversationID)
	eventCtx = observability.AddGraphID(eventCtx, compiled.GraphID)
	o.events.RecordGenerationStart(eventCtx, generationID, map[string]interface{}{
		"graph_id": compiled.GraphID,
		"stream":   opts.Stream,
	})

	if opts.Stream {
		return o.respondStreaming(ctx, runCtx, release, compiled, resolver, callMeta, state, conversationID, generationID, assistantMessageID), nil
	}
	return o.respondSync(runCtx, release, compiled, resolver, callMeta, state, conversationID, generationID, assistantMessageID)
}

func (o *Orchestrator) loadUserSettings(ctx context.Context, userID string) userSettings {
	settings := userSettings{
		accountTier:           defaultUserTier,
		defaultNeuronID:       "default",
		defaultWorkerNeuronID: "default-worker",
		defaultGraphID:        o.systemDefaultGraphID,
	}
	if o.stores.Users == nil {
		return settings
	}
	record, err := o.stores.Users.Get(ctx, userID)
	if err != nil {
		return settings
	}
	settings.accountTier = record.Tier
	if record.DefaultNeuronID != "" {
		settings.defaultNeuronID = record.DefaultNeuronID
	}
	if record.DefaultWorkerNeuronID != "" {
		settings.defaultWorkerNeuronID = record.DefaultWorkerNeuronID
	}
	if record.DefaultGraphID != "" {
		settings.defaultGraphID = record.DefaultGraphID
	}
	return settings
}

// resolveGraph resolves graphID for userID, falling back to the system
// default graph on NotFound or AccessDenied.
func (o *Orchestrator) resolveGraph(ctx context.Context, graphID, userID string) (*compiler.CompiledGraph, error) {
	compiled, err := o.graphs.GetGraph(ctx, graphID, userID)
	if err == nil {
		return compiled, nil
	}
	switch errs.KindOf(err) {
	case errs.KindNotFound, errs.KindAccessDenied:
		if graphID == o.systemDefaultGraphID {
			return nil, err
		}
		return o.graphs.GetGraph(ctx, o.systemDefaultGraphID, userID)
	default:
		return nil, err
	}
}

// deriveConversationID derives a stable id from the first message seed so a
// client that omits conversationId on its very first turn reconnects to the
// same conversation if it retries the identical request.
func deriveConversationID(userID, seed string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + seed))
	return "conv-" + hex.EncodeToString(sum[:16])
}

func (o *Orchestrator) persistUserMessage(ctx context.Context, conversationID, messageID, content string) error {
	_, err := o.toolClient.CallTool(ctx, "history", map[string]any{
		"action":         "append",
		"conversationId": conversationID,
		"messageId":      messageID,
		"role":           "user",
		"content":        content,
		"toolExecutions": []any{},
	}, map[string]any{"conversationId": conversationID})
	return err
}

func (o *Orchestrator) assembleState(query Query, opts Options, settings userSettings, conversationID, generationID, messageID string) *runtimestate.State {
	state := runtimestate.New()
	state.Query = query.Message
	state.Options = runtimestate.Options{
		ConversationID: conversationID,
		MessageID:      opts.MessageID,
		UserMessageID:  opts.UserMessageID,
		GraphID:        opts.GraphID,
		Stream:         opts.Stream,
		Source:         opts.Source,
	}
	state.UserID = opts.UserID
	state.AccountTier = settings.accountTier
	state.Handles = runtimestate.Handles{
		LLMRegistry: o.llmRegistry,
		ToolClient:  o.toolClient,
		Cache:       o.hub,
		Logger:      &contextLogger{inner: o.logger, ctx: context.Background()},
		Tracer:      o.tracer,
	}
	state.Data["systemPrompt"] = systemPrompt()
	state.Data["currentDate"] = time.Now().UTC().Format("2006-01-02")
	state.Data["defaultNeuronId"] = settings.defaultNeuronID
	state.Data["defaultWorkerNeuronId"] = settings.defaultWorkerNeuronID
	state.ConversationID = conversationID
	state.GenerationID = generationID
	state.MessageID = messageID
	state.StepVisible = opts.Stream
	return state
}

func systemPrompt() string {
	if v := os.Getenv(systemPromptEnvVar); v != "" {
		return v
	}
	return defaultSystemPrompt
}

// respondStreaming runs the graph on its own goroutine under runCtx (armed
// with the per-generation timeout), and subscribes for the event fan-out
// under the caller's original subscribeCtx instead — subscribeCtx must
// outlive runCtx's cancellation so the final complete/error event, published
// right before release() fires, is never dropped in a race with it. Returns
// a channel whose first item is the metadata event naming the resolved
// generation and conversation ids.
func (o *Orchestrator) respondStreaming(subscribeCtx, runCtx context.Context, release func(), compiled *compiler.CompiledGraph, resolver node.ConfigResolver, callMeta steps.CallMeta, state *runtimestate.State, conversationID, generationID, messageID string) *Result {
	sub, err := o.hub.Subscribe(subscribeCtx, messageID)
	startedAt := time.Now()

	go func() {
		defer release()
		spanCtx, end := o.tracer.TraceGenerationSpan(runCtx, compiled.GraphID, conversationID)
		_, runErr := compiled.Execute(spanCtx, resolver, callMeta, state)
		end(runErr)
		o.settleGeneration(context.Background(), compiled.GraphID, conversationID, generationID, messageID, state, runErr, startedAt)
	}()

	out := make(chan stream.Event, 32)
	go func() {
		defer close(out)
		out <- stream.Event{Type: stream.EventMetadata, Metadata: map[string]any{
			"conversationId": conversationID,
			"generationId":   generationID,
		}}
		if err != nil {
			out <- stream.Event{Type: stream.EventError, Error: err.Error()}
			return
		}
		for event := range sub {
			out <- event
		}
	}()

	return &Result{ConversationID: conversationID, GenerationID: generationID, MessageID: messageID, Events: out}
}

// respondSync runs the graph to completion on the calling goroutine.
func (o *Orchestrator) respondSync(ctx context.Context, release func(), compiled *compiler.CompiledGraph, resolver node.ConfigResolver, callMeta steps.CallMeta, state *runtimestate.State, conversationID, generationID, messageID string) (*Result, error) {
	defer release()

	startedAt := time.Now()
	spanCtx, end := o.tracer.TraceGenerationSpan(ctx, compiled.GraphID, conversationID)
	_, runErr := compiled.Execute(spanCtx, resolver, callMeta, state)
	end(runErr)
	o.settleGeneration(ctx, compiled.GraphID, conversationID, generationID, messageID, state, runErr, startedAt)
	if runErr != nil {
		return nil, runErr
	}

	return &Result{
		ConversationID: conversationID,
		GenerationID:   generationID,
		MessageID:      messageID,
		FinalResponse:  state.FinalResponse,
	}, nil
}

// settleGeneration finalizes a generation: on success, reconstruct
// the tool-execution history, persist the assistant message, mark the
// generation complete, and enqueue background follow-up work; on failure,
// mark the generation failed.
func (o *Orchestrator) settleGeneration(ctx context.Context, graphID, conversationID, generationID, messageID string, state *runtimestate.State, runErr error, startedAt time.Time) {
	o.metrics.GenerationEnded(graphID)
	duration := time.Since(startedAt)

	eventCtx := observability.AddGenerationID(ctx, generationID)
	eventCtx = observability.AddSessionID(eventCtx, conversationID)
	eventCtx = observability.AddGraphID(eventCtx, graphID)
	o.events.RecordGenerationEnd(eventCtx, duration, runErr)

	if runErr != nil {
		o.metrics.RecordGeneration(graphID, "error", duration.Seconds())
		o.metrics.RecordError("orchestrator", string(errs.KindOf(runErr)))
		o.hub.FailGeneration(ctx, conversationID, messageID, runErr)
		return
	}
	o.metrics.RecordGeneration(graphID, "completed", duration.Seconds())

	toolHistory := o.reconstructToolHistory(ctx, messageID)

	_, persistErr := o.toolClient.CallTool(ctx, "history", map[string]any{
		"action":         "append",
		"conversationId": conversationID,
		"messageId":      messageID,
		"role":           "assistant",
		"content":        state.FinalResponse,
		"toolExecutions": toolHistory,
	}, map[string]any{"conversationId": conversationID})
	if persistErr != nil {
		o.logger.Warn(ctx, "failed to persist assistant message", "error", persistErr, "conversation_id", conversationID)
	}

	if err := o.hub.CompleteGeneration(ctx, conversationID, messageID, map[string]any{
		"conversationId": conversationID,
		"generationId":   generationID,
	}); err != nil {
		o.logger.Warn(ctx, "failed to mark generation complete", "error", err, "conversation_id", conversationID)
	}

	o.enqueueBackgroundWork(conversationID, messageID)
}

// reconstructToolHistory groups the generation's recorded tool events by
// toolId, preserving first-seen order, so each group reads start -> progress*
// -> complete|error.
func (o *Orchestrator) reconstructToolHistory(ctx context.Context, messageID string) []map[string]any {
	events, err := o.hub.ToolEvents(ctx, messageID)
	if err != nil {
		return nil
	}
	return groupToolEvents(events)
}

func groupToolEvents(events []stream.ToolEventEntry) []map[string]any {
	order := make([]string, 0)
	grouped := make(map[string][]stream.ToolEventEntry)
	for _, e := range events {
		if e.ToolID == "" {
			continue
		}
		if _, seen := grouped[e.ToolID]; !seen {
			order = append(order, e.ToolID)
		}
		grouped[e.ToolID] = append(grouped[e.ToolID], e)
	}

	out := make([]map[string]any, 0, len(order))
	for _, id := range order {
		entries := grouped[id]
		entryMaps := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			entryMaps = append(entryMaps, map[string]any{"status": e.Status, "name": e.Name, "data": e.Data})
		}
		out = append(out, map[string]any{"toolId": id, "name": entries[0].Name, "events": entryMaps})
	}
	return out
}

func (o *Orchestrator) enqueueBackgroundWork(conversationID, messageID string) {
	o.background.Enqueue("summarization", o.backgroundJob("summarization", "summarize", conversationID))
	o.background.Enqueue("executive-summary", o.backgroundJob("executive-summary", "executive_summary", conversationID))
	o.background.Enqueue("title-generation", o.backgroundJob("title-generation", "title", conversationID))
}

// backgroundJob wraps a history-tool background call so its outcome is
// always recorded in BackgroundJobCounter regardless of how the retry
// wrapper around it eventually resolves.
func (o *Orchestrator) backgroundJob(jobName, action, conversationID string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := o.toolClient.CallTool(ctx, "history", map[string]any{"action": action, "conversationId": conversationID}, nil)
		if err != nil {
			o.metrics.RecordBackgroundJob(jobName, "failed")
			return err
		}
		o.metrics.RecordBackgroundJob(jobName, "succeeded")
		return nil
	}
}

// contextLogger adapts observability.Logger's ctx-first methods to the
// engine's narrower runtimestate.Logger surface.
type contextLogger struct {
	inner *observability.Logger
	ctx   context.Context
}

func (l *contextLogger) Debug(msg string, args ...any) { l.inner.Debug(l.ctx, msg, args...) }
func (l *contextLogger) Warn(msg string, args ...any)  { l.inner.Warn(l.ctx, msg, args...) }
func (l *contextLogger) Error(msg string, args ...any) { l.inner.Error(l.ctx, msg, args...) }

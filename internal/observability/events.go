// Package observability provides logging, tracing, and event timeline capabilities.
// This file implements the event timeline for debugging and replaying generations.
package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Additional context keys for correlation IDs.
const (
	// GenerationIDKey is the context key for generation IDs (a single graph run).
	GenerationIDKey ContextKey = "generation_id"

	// ToolCallIDKey is the context key for tool call IDs.
	ToolCallIDKey ContextKey = "tool_call_id"

	// ToolServerIDKey is the context key for tool server IDs.
	ToolServerIDKey ContextKey = "tool_server_id"

	// GraphIDKey is the context key for compiled graph IDs.
	GraphIDKey ContextKey = "graph_id"

	// MessageIDKey is the context key for message IDs.
	MessageIDKey ContextKey = "message_id"
)

// AddGenerationID adds a generation ID to the context.
func AddGenerationID(ctx context.Context, generationID string) context.Context {
	return context.WithValue(ctx, GenerationIDKey, generationID)
}

// GetGenerationID retrieves the generation ID from the context.
func GetGenerationID(ctx context.Context) string {
	if id, ok := ctx.Value(GenerationIDKey).(string); ok {
		return id
	}
	return ""
}

// AddToolCallID adds a tool call ID to the context.
func AddToolCallID(ctx context.Context, toolCallID string) context.Context {
	return context.WithValue(ctx, ToolCallIDKey, toolCallID)
}

// GetToolCallID retrieves the tool call ID from the context.
func GetToolCallID(ctx context.Context) string {
	if id, ok := ctx.Value(ToolCallIDKey).(string); ok {
		return id
	}
	return ""
}

// AddToolServerID adds a tool server ID to the context.
func AddToolServerID(ctx context.Context, serverID string) context.Context {
	return context.WithValue(ctx, ToolServerIDKey, serverID)
}

// GetToolServerID retrieves the tool server ID from the context.
func GetToolServerID(ctx context.Context) string {
	if id, ok := ctx.Value(ToolServerIDKey).(string); ok {
		return id
	}
	return ""
}

// AddGraphID adds a compiled graph ID to the context.
func AddGraphID(ctx context.Context, graphID string) context.Context {
	return context.WithValue(ctx, GraphIDKey, graphID)
}

// GetGraphID retrieves the compiled graph ID from the context.
func GetGraphID(ctx context.Context) string {
	if id, ok := ctx.Value(GraphIDKey).(string); ok {
		return id
	}
	return ""
}

// AddMessageID adds a message ID to the context.
func AddMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

// GetMessageID retrieves the message ID from the context.
func GetMessageID(ctx context.Context) string {
	if id, ok := ctx.Value(MessageIDKey).(string); ok {
		return id
	}
	return ""
}

// EventType categorizes events for filtering and display.
type EventType string

const (
	EventTypeGenerationStart EventType = "generation.start"
	EventTypeGenerationEnd   EventType = "generation.end"
	EventTypeGenerationError EventType = "generation.error"
	EventTypeToolStart       EventType = "tool.start"
	EventTypeToolEnd         EventType = "tool.end"
	EventTypeToolError       EventType = "tool.error"
	EventTypeToolProgress    EventType = "tool.progress"
	EventTypeServerConnect   EventType = "tool_server.connect"
	EventTypeServerDisconnect EventType = "tool_server.disconnect"
	EventTypeLLMRequest      EventType = "llm.request"
	EventTypeLLMResponse     EventType = "llm.response"
	EventTypeLLMError        EventType = "llm.error"
	EventTypeStepTransition  EventType = "step.transition"
	EventTypeCustom          EventType = "custom"
)

// Event represents a single entry in a generation's event timeline.
type Event struct {
	ID             string                 `json:"id"`
	Type           EventType              `json:"type"`
	Timestamp      time.Time              `json:"timestamp"`
	GenerationID   string                 `json:"generation_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	ToolCallID     string                 `json:"tool_call_id,omitempty"`
	ToolServerID   string                 `json:"tool_server_id,omitempty"`
	GraphID        string                 `json:"graph_id,omitempty"`
	MessageID      string                 `json:"message_id,omitempty"`
	Name           string                 `json:"name,omitempty"`
	Description    string                 `json:"description,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Duration       time.Duration          `json:"duration_ns,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ParentID       string                 `json:"parent_id,omitempty"`
	TraceID        string                 `json:"trace_id,omitempty"`
	SpanID         string                 `json:"span_id,omitempty"`
}

// EventStore stores and retrieves events for debugging a running or
// completed graph.
type EventStore interface {
	// Record stores an event.
	Record(event *Event) error

	// GetByGenerationID returns all events for a generation, sorted by timestamp.
	GetByGenerationID(generationID string) ([]*Event, error)

	// GetByConversationID returns all events for a conversation, sorted by timestamp.
	GetByConversationID(conversationID string) ([]*Event, error)

	// GetByTimeRange returns events within a time range.
	GetByTimeRange(start, end time.Time) ([]*Event, error)

	// GetByType returns events of a specific type.
	GetByType(eventType EventType, limit int) ([]*Event, error)

	// Get returns a single event by ID.
	Get(id string) (*Event, error)

	// Delete removes events older than the given duration.
	Delete(olderThan time.Duration) (int, error)
}

// MemoryEventStore is an in-memory implementation of EventStore, bounded to
// maxSize events with oldest-first eviction.
type MemoryEventStore struct {
	mu           sync.RWMutex
	events       map[string]*Event
	byGeneration map[string][]string // generationID -> eventIDs
	byConvo      map[string][]string // conversationID -> eventIDs
	maxSize      int
}

// NewMemoryEventStore creates a new in-memory event store.
func NewMemoryEventStore(maxSize int) *MemoryEventStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryEventStore{
		events:       make(map[string]*Event),
		byGeneration: make(map[string][]string),
		byConvo:      make(map[string][]string),
		maxSize:      maxSize,
	}
}

func (s *MemoryEventStore) Record(event *Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) >= s.maxSize {
		s.evictOldest()
	}

	s.events[event.ID] = event

	if event.GenerationID != "" {
		s.byGeneration[event.GenerationID] = append(s.byGeneration[event.GenerationID], event.ID)
	}
	if event.ConversationID != "" {
		s.byConvo[event.ConversationID] = append(s.byConvo[event.ConversationID], event.ID)
	}

	return nil
}

func (s *MemoryEventStore) GetByGenerationID(generationID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byGeneration[generationID]
	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.events[id]; ok {
			events = append(events, e)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	return events, nil
}

func (s *MemoryEventStore) GetByConversationID(conversationID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byConvo[conversationID]
	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.events[id]; ok {
			events = append(events, e)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	return events, nil
}

func (s *MemoryEventStore) GetByTimeRange(start, end time.Time) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*Event
	for _, e := range s.events {
		if (e.Timestamp.Equal(start) || e.Timestamp.After(start)) &&
			(e.Timestamp.Equal(end) || e.Timestamp.Before(end)) {
			events = append(events, e)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	return events, nil
}

func (s *MemoryEventStore) GetByType(eventType EventType, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*Event
	for _, e := range s.events {
		if e.Type == eventType {
			events = append(events, e)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp) // most recent first
	})

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	return events, nil
}

func (s *MemoryEventStore) Get(id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event not found: %s", id)
	}
	return e, nil
}

func (s *MemoryEventStore) Delete(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	deleted := 0

	for id, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			delete(s.events, id)
			deleted++
		}
	}

	for generationID, ids := range s.byGeneration {
		var remaining []string
		for _, id := range ids {
			if _, ok := s.events[id]; ok {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			delete(s.byGeneration, generationID)
		} else {
			s.byGeneration[generationID] = remaining
		}
	}

	for conversationID, ids := range s.byConvo {
		var remaining []string
		for _, id := range ids {
			if _, ok := s.events[id]; ok {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			delete(s.byConvo, conversationID)
		} else {
			s.byConvo[conversationID] = remaining
		}
	}

	return deleted, nil
}

func (s *MemoryEventStore) evictOldest() {
	toRemove := s.maxSize / 10
	if toRemove < 1 {
		toRemove = 1
	}

	var events []*Event
	for _, e := range s.events {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	for i := 0; i < toRemove && i < len(events); i++ {
		delete(s.events, events[i].ID)
	}
}

// EventRecorder provides a convenient API for recording events, used by the
// orchestrator and tool pool to build a per-generation debug timeline.
type EventRecorder struct {
	store  EventStore
	logger *Logger
}

// NewEventRecorder creates a new event recorder.
func NewEventRecorder(store EventStore, logger *Logger) *EventRecorder {
	return &EventRecorder{
		store:  store,
		logger: logger,
	}
}

// Record records an event, extracting correlation IDs from context.
func (r *EventRecorder) Record(ctx context.Context, eventType EventType, name string, data map[string]interface{}) error {
	event := &Event{
		ID:             generateEventID(),
		Type:           eventType,
		Timestamp:      time.Now(),
		GenerationID:   GetGenerationID(ctx),
		ConversationID: GetSessionID(ctx),
		ToolCallID:     GetToolCallID(ctx),
		ToolServerID:   GetToolServerID(ctx),
		GraphID:        GetGraphID(ctx),
		MessageID:      GetMessageID(ctx),
		Name:           name,
		Data:           data,
		TraceID:        GetTraceID(ctx),
		SpanID:         GetSpanID(ctx),
	}

	if r.logger != nil {
		r.logger.Debug(ctx, "event recorded",
			"event_type", string(eventType),
			"event_name", name,
			"event_id", event.ID,
		)
	}

	return r.store.Record(event)
}

// RecordError records an error event.
func (r *EventRecorder) RecordError(ctx context.Context, eventType EventType, name string, err error, data map[string]interface{}) error {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["error"] = err.Error()

	event := &Event{
		ID:             generateEventID(),
		Type:           eventType,
		Timestamp:      time.Now(),
		GenerationID:   GetGenerationID(ctx),
		ConversationID: GetSessionID(ctx),
		ToolCallID:     GetToolCallID(ctx),
		ToolServerID:   GetToolServerID(ctx),
		GraphID:        GetGraphID(ctx),
		MessageID:      GetMessageID(ctx),
		Name:           name,
		Data:           data,
		Error:          err.Error(),
		TraceID:        GetTraceID(ctx),
		SpanID:         GetSpanID(ctx),
	}

	if r.logger != nil {
		r.logger.Error(ctx, "error event recorded",
			"event_type", string(eventType),
			"event_name", name,
			"event_id", event.ID,
			"error", err,
		)
	}

	return r.store.Record(event)
}

// RecordToolStart records a tool execution start event.
func (r *EventRecorder) RecordToolStart(ctx context.Context, toolName string, input interface{}) error {
	data := map[string]interface{}{
		"tool_name": toolName,
	}
	if input != nil {
		if b, err := json.Marshal(input); err == nil {
			data["input"] = string(b)
		}
	}
	return r.Record(ctx, EventTypeToolStart, toolName, data)
}

// RecordToolEnd records a tool execution end event.
func (r *EventRecorder) RecordToolEnd(ctx context.Context, toolName string, duration time.Duration, output interface{}, err error) error {
	data := map[string]interface{}{
		"tool_name":   toolName,
		"duration_ms": duration.Milliseconds(),
	}
	if output != nil {
		if b, err := json.Marshal(output); err == nil {
			data["output"] = string(b)
		}
	}

	if err != nil {
		data["error"] = err.Error()
		return r.RecordError(ctx, EventTypeToolError, toolName, err, data)
	}

	return r.Record(ctx, EventTypeToolEnd, toolName, data)
}

// RecordGenerationStart records a generation start event.
func (r *EventRecorder) RecordGenerationStart(ctx context.Context, generationID string, data map[string]interface{}) error {
	ctx = AddGenerationID(ctx, generationID)
	return r.Record(ctx, EventTypeGenerationStart, "generation_start", data)
}

// RecordGenerationEnd records a generation end event.
func (r *EventRecorder) RecordGenerationEnd(ctx context.Context, duration time.Duration, err error) error {
	data := map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		return r.RecordError(ctx, EventTypeGenerationError, "generation_error", err, data)
	}
	return r.Record(ctx, EventTypeGenerationEnd, "generation_end", data)
}

// RecordToolServerEvent records a tool server connection lifecycle event.
func (r *EventRecorder) RecordToolServerEvent(ctx context.Context, eventType EventType, serverID string, data map[string]interface{}) error {
	ctx = AddToolServerID(ctx, serverID)
	if data == nil {
		data = make(map[string]interface{})
	}
	data["tool_server_id"] = serverID
	return r.Record(ctx, eventType, string(eventType), data)
}

// Timeline represents a generation's event sequence for display.
type Timeline struct {
	GenerationID   string           `json:"generation_id"`
	ConversationID string           `json:"conversation_id"`
	StartTime      time.Time        `json:"start_time"`
	EndTime        time.Time        `json:"end_time"`
	Duration       time.Duration    `json:"duration"`
	Events         []*Event         `json:"events"`
	Summary        *TimelineSummary `json:"summary"`
}

// TimelineSummary provides aggregate statistics for a timeline.
type TimelineSummary struct {
	TotalEvents      int           `json:"total_events"`
	ErrorCount       int           `json:"error_count"`
	ToolCalls        int           `json:"tool_calls"`
	LLMCalls         int           `json:"llm_calls"`
	ToolServerEvents int           `json:"tool_server_events"`
	TotalDuration    time.Duration `json:"total_duration"`
}

// BuildTimeline creates a timeline from a generation's recorded events.
func BuildTimeline(events []*Event) *Timeline {
	if len(events) == 0 {
		return &Timeline{Summary: &TimelineSummary{}}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	timeline := &Timeline{
		Events:    events,
		StartTime: events[0].Timestamp,
		EndTime:   events[len(events)-1].Timestamp,
		Duration:  events[len(events)-1].Timestamp.Sub(events[0].Timestamp),
		Summary:   &TimelineSummary{TotalEvents: len(events)},
	}

	for _, e := range events {
		if e.GenerationID != "" && timeline.GenerationID == "" {
			timeline.GenerationID = e.GenerationID
		}
		if e.ConversationID != "" && timeline.ConversationID == "" {
			timeline.ConversationID = e.ConversationID
		}
		if timeline.GenerationID != "" && timeline.ConversationID != "" {
			break
		}
	}

	for _, e := range events {
		if e.Error != "" {
			timeline.Summary.ErrorCount++
		}
		switch e.Type {
		case EventTypeToolStart, EventTypeToolEnd, EventTypeToolError:
			if e.Type == EventTypeToolStart {
				timeline.Summary.ToolCalls++
			}
		case EventTypeLLMRequest, EventTypeLLMResponse, EventTypeLLMError:
			if e.Type == EventTypeLLMRequest {
				timeline.Summary.LLMCalls++
			}
		case EventTypeServerConnect, EventTypeServerDisconnect:
			timeline.Summary.ToolServerEvents++
		}
		timeline.Summary.TotalDuration += e.Duration
	}

	return timeline
}

// FormatTimeline formats a timeline for display.
func FormatTimeline(timeline *Timeline) string {
	if timeline == nil || len(timeline.Events) == 0 {
		return "No events found"
	}

	var result string
	result += fmt.Sprintf("=== Timeline for Generation: %s ===\n", timeline.GenerationID)
	result += fmt.Sprintf("Conversation: %s\n", timeline.ConversationID)
	result += fmt.Sprintf("Duration: %v\n", timeline.Duration)
	result += fmt.Sprintf("Events: %d (Errors: %d)\n", timeline.Summary.TotalEvents, timeline.Summary.ErrorCount)
	result += fmt.Sprintf("Tool calls: %d, LLM calls: %d, Tool server events: %d\n\n",
		timeline.Summary.ToolCalls, timeline.Summary.LLMCalls, timeline.Summary.ToolServerEvents)

	for i, e := range timeline.Events {
		prefix := "├─"
		if i == len(timeline.Events)-1 {
			prefix = "└─"
		}

		timestamp := e.Timestamp.Format("15:04:05.000")
		errorMark := ""
		if e.Error != "" {
			errorMark = " ❌"
		}

		result += fmt.Sprintf("%s [%s] %s: %s%s\n", prefix, timestamp, e.Type, e.Name, errorMark)

		if e.Duration > 0 {
			result += fmt.Sprintf("   Duration: %v\n", e.Duration)
		}
		if e.ToolServerID != "" {
			result += fmt.Sprintf("   Tool server: %s\n", e.ToolServerID)
		}
		if e.Error != "" {
			result += fmt.Sprintf("   Error: %s\n", e.Error)
		}
	}

	return result
}

var eventIDCounter int64
var eventIDMu sync.Mutex

func generateEventID() string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	eventIDCounter++
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), eventIDCounter)
}

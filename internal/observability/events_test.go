package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	t.Run("generation_id", func(t *testing.T) {
		ctx = AddGenerationID(ctx, "gen-123")
		if got := GetGenerationID(ctx); got != "gen-123" {
			t.Errorf("expected 'gen-123', got %s", got)
		}
	})

	t.Run("tool_call_id", func(t *testing.T) {
		ctx = AddToolCallID(ctx, "tool-456")
		if got := GetToolCallID(ctx); got != "tool-456" {
			t.Errorf("expected 'tool-456', got %s", got)
		}
	})

	t.Run("tool_server_id", func(t *testing.T) {
		ctx = AddToolServerID(ctx, "server-789")
		if got := GetToolServerID(ctx); got != "server-789" {
			t.Errorf("expected 'server-789', got %s", got)
		}
	})

	t.Run("graph_id", func(t *testing.T) {
		ctx = AddGraphID(ctx, "graph-abc")
		if got := GetGraphID(ctx); got != "graph-abc" {
			t.Errorf("expected 'graph-abc', got %s", got)
		}
	})

	t.Run("message_id", func(t *testing.T) {
		ctx = AddMessageID(ctx, "msg-def")
		if got := GetMessageID(ctx); got != "msg-def" {
			t.Errorf("expected 'msg-def', got %s", got)
		}
	})

	t.Run("empty context returns empty string", func(t *testing.T) {
		emptyCtx := context.Background()
		if got := GetGenerationID(emptyCtx); got != "" {
			t.Errorf("expected empty string, got %s", got)
		}
	})
}

func TestMemoryEventStore(t *testing.T) {
	store := NewMemoryEventStore(100)

	t.Run("record and get", func(t *testing.T) {
		event := &Event{
			Type:           EventTypeGenerationStart,
			GenerationID:   "gen-1",
			ConversationID: "convo-1",
			Name:           "test_event",
		}

		err := store.Record(event)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if event.ID == "" {
			t.Error("expected ID to be generated")
		}
		if event.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}

		got, err := store.Get(event.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Name != "test_event" {
			t.Errorf("expected 'test_event', got %s", got.Name)
		}
	})

	t.Run("get by generation ID", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			store.Record(&Event{
				Type:         EventTypeToolStart,
				GenerationID: "gen-query-test",
				Name:         "event",
			})
		}

		events, err := store.GetByGenerationID("gen-query-test")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 5 {
			t.Errorf("expected 5 events, got %d", len(events))
		}
	})

	t.Run("get by conversation ID", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			store.Record(&Event{
				Type:           EventTypeStepTransition,
				ConversationID: "convo-query-test",
				Name:           "step",
			})
		}

		events, err := store.GetByConversationID("convo-query-test")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 3 {
			t.Errorf("expected 3 events, got %d", len(events))
		}
	})

	t.Run("get by type", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			store.Record(&Event{
				Type: EventTypeLLMRequest,
				Name: "llm",
			})
		}

		events, err := store.GetByType(EventTypeLLMRequest, 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("expected 2 events (limited), got %d", len(events))
		}
	})

	t.Run("get by time range", func(t *testing.T) {
		start := time.Now()
		time.Sleep(10 * time.Millisecond)

		store.Record(&Event{
			Type: EventTypeCustom,
			Name: "in_range",
		})

		time.Sleep(10 * time.Millisecond)
		end := time.Now()

		events, err := store.GetByTimeRange(start, end)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		found := false
		for _, e := range events {
			if e.Name == "in_range" {
				found = true
				break
			}
		}
		if !found {
			t.Error("expected to find 'in_range' event")
		}
	})

	t.Run("delete old events", func(t *testing.T) {
		deleteStore := NewMemoryEventStore(100)

		oldEvent := &Event{
			Type:      EventTypeGenerationEnd,
			Timestamp: time.Now().Add(-2 * time.Hour),
			Name:      "old_event",
		}
		deleteStore.Record(oldEvent)

		newEvent := &Event{
			Type: EventTypeGenerationStart,
			Name: "new_event",
		}
		deleteStore.Record(newEvent)

		deleted, err := deleteStore.Delete(time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if deleted != 1 {
			t.Errorf("expected 1 deleted, got %d", deleted)
		}

		_, err = deleteStore.Get(oldEvent.ID)
		if err == nil {
			t.Error("expected old event to be deleted")
		}

		_, err = deleteStore.Get(newEvent.ID)
		if err != nil {
			t.Error("expected new event to still exist")
		}
	})

	t.Run("max size eviction", func(t *testing.T) {
		smallStore := NewMemoryEventStore(10)

		for i := 0; i < 15; i++ {
			smallStore.Record(&Event{
				Type: EventTypeCustom,
				Name: "overflow",
			})
		}

		if len(smallStore.events) > 10 {
			t.Errorf("expected max 10 events, got %d", len(smallStore.events))
		}
	})

	t.Run("nil event error", func(t *testing.T) {
		err := store.Record(nil)
		if err == nil {
			t.Error("expected error for nil event")
		}
	})

	t.Run("not found error", func(t *testing.T) {
		_, err := store.Get("nonexistent")
		if err == nil {
			t.Error("expected error for nonexistent event")
		}
	})
}

func TestEventRecorder(t *testing.T) {
	store := NewMemoryEventStore(100)
	recorder := NewEventRecorder(store, nil)

	t.Run("record with context", func(t *testing.T) {
		ctx := context.Background()
		ctx = AddGenerationID(ctx, "gen-recorder")
		ctx = AddSessionID(ctx, "convo-recorder")
		ctx = AddToolServerID(ctx, "server-recorder")

		err := recorder.Record(ctx, EventTypeCustom, "test_event", map[string]interface{}{
			"key": "value",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events, _ := store.GetByGenerationID("gen-recorder")
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}

		e := events[0]
		if e.GenerationID != "gen-recorder" {
			t.Errorf("expected generation ID 'gen-recorder', got %s", e.GenerationID)
		}
		if e.ConversationID != "convo-recorder" {
			t.Errorf("expected conversation ID 'convo-recorder', got %s", e.ConversationID)
		}
		if e.ToolServerID != "server-recorder" {
			t.Errorf("expected tool server ID 'server-recorder', got %s", e.ToolServerID)
		}
	})

	t.Run("record error", func(t *testing.T) {
		ctx := AddGenerationID(context.Background(), "gen-error")
		testErr := errors.New("something went wrong")

		err := recorder.RecordError(ctx, EventTypeGenerationError, "error_event", testErr, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events, _ := store.GetByGenerationID("gen-error")
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}

		e := events[0]
		if e.Error != "something went wrong" {
			t.Errorf("expected error message, got %s", e.Error)
		}
	})

	t.Run("record tool start", func(t *testing.T) {
		ctx := AddGenerationID(context.Background(), "gen-tool")

		err := recorder.RecordToolStart(ctx, "web_search", map[string]string{"query": "test"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events, _ := store.GetByGenerationID("gen-tool")
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}

		e := events[0]
		if e.Type != EventTypeToolStart {
			t.Errorf("expected tool.start type, got %s", e.Type)
		}
		if e.Name != "web_search" {
			t.Errorf("expected name 'web_search', got %s", e.Name)
		}
	})

	t.Run("record tool end success", func(t *testing.T) {
		ctx := AddGenerationID(context.Background(), "gen-tool-end")

		err := recorder.RecordToolEnd(ctx, "web_search", 100*time.Millisecond, "result", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events, _ := store.GetByGenerationID("gen-tool-end")
		e := events[0]
		if e.Type != EventTypeToolEnd {
			t.Errorf("expected tool.end type, got %s", e.Type)
		}
	})

	t.Run("record tool end error", func(t *testing.T) {
		ctx := AddGenerationID(context.Background(), "gen-tool-error")
		testErr := errors.New("tool failed")

		err := recorder.RecordToolEnd(ctx, "web_search", 50*time.Millisecond, nil, testErr)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events, _ := store.GetByGenerationID("gen-tool-error")
		e := events[0]
		if e.Type != EventTypeToolError {
			t.Errorf("expected tool.error type, got %s", e.Type)
		}
		if e.Error != "tool failed" {
			t.Errorf("expected error 'tool failed', got %s", e.Error)
		}
	})

	t.Run("record generation start/end", func(t *testing.T) {
		ctx := context.Background()

		err := recorder.RecordGenerationStart(ctx, "gen-lifecycle", map[string]interface{}{
			"input": "test message",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ctx = AddGenerationID(ctx, "gen-lifecycle")
		err = recorder.RecordGenerationEnd(ctx, 500*time.Millisecond, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events, _ := store.GetByGenerationID("gen-lifecycle")
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
	})

	t.Run("record tool server event", func(t *testing.T) {
		ctx := AddGenerationID(context.Background(), "gen-server")

		err := recorder.RecordToolServerEvent(ctx, EventTypeServerConnect, "my-macbook", map[string]interface{}{
			"ip": "192.168.1.100",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events, _ := store.GetByGenerationID("gen-server")
		e := events[0]
		if e.ToolServerID != "my-macbook" {
			t.Errorf("expected tool server ID 'my-macbook', got %s", e.ToolServerID)
		}
	})
}

func TestTimeline(t *testing.T) {
	t.Run("build timeline", func(t *testing.T) {
		events := []*Event{
			{
				ID:             "1",
				Type:           EventTypeGenerationStart,
				Timestamp:      time.Now().Add(-100 * time.Millisecond),
				GenerationID:   "gen-timeline",
				ConversationID: "convo-timeline",
			},
			{
				ID:           "2",
				Type:         EventTypeToolStart,
				Timestamp:    time.Now().Add(-80 * time.Millisecond),
				GenerationID: "gen-timeline",
			},
			{
				ID:           "3",
				Type:         EventTypeToolEnd,
				Timestamp:    time.Now().Add(-60 * time.Millisecond),
				GenerationID: "gen-timeline",
				Duration:     20 * time.Millisecond,
			},
			{
				ID:           "4",
				Type:         EventTypeLLMRequest,
				Timestamp:    time.Now().Add(-50 * time.Millisecond),
				GenerationID: "gen-timeline",
			},
			{
				ID:           "5",
				Type:         EventTypeLLMError,
				Timestamp:    time.Now().Add(-30 * time.Millisecond),
				GenerationID: "gen-timeline",
				Error:        "rate limited",
			},
			{
				ID:           "6",
				Type:         EventTypeGenerationEnd,
				Timestamp:    time.Now(),
				GenerationID: "gen-timeline",
			},
		}

		timeline := BuildTimeline(events)

		if timeline.GenerationID != "gen-timeline" {
			t.Errorf("expected generation ID 'gen-timeline', got %s", timeline.GenerationID)
		}
		if timeline.ConversationID != "convo-timeline" {
			t.Errorf("expected conversation ID 'convo-timeline', got %s", timeline.ConversationID)
		}
		if timeline.Summary.TotalEvents != 6 {
			t.Errorf("expected 6 total events, got %d", timeline.Summary.TotalEvents)
		}
		if timeline.Summary.ErrorCount != 1 {
			t.Errorf("expected 1 error, got %d", timeline.Summary.ErrorCount)
		}
		if timeline.Summary.ToolCalls != 1 {
			t.Errorf("expected 1 tool call, got %d", timeline.Summary.ToolCalls)
		}
		if timeline.Summary.LLMCalls != 1 {
			t.Errorf("expected 1 LLM call, got %d", timeline.Summary.LLMCalls)
		}
	})

	t.Run("empty timeline", func(t *testing.T) {
		timeline := BuildTimeline([]*Event{})
		if timeline.Summary == nil {
			t.Error("expected summary to be non-nil")
		}
		if timeline.Summary.TotalEvents != 0 {
			t.Errorf("expected 0 events, got %d", timeline.Summary.TotalEvents)
		}
	})

	t.Run("format timeline", func(t *testing.T) {
		events := []*Event{
			{
				ID:           "1",
				Type:         EventTypeGenerationStart,
				Timestamp:    time.Now().Add(-100 * time.Millisecond),
				GenerationID: "gen-format",
				Name:         "generation_start",
			},
			{
				ID:           "2",
				Type:         EventTypeToolStart,
				Timestamp:    time.Now().Add(-50 * time.Millisecond),
				GenerationID: "gen-format",
				Name:         "web_search",
				ToolServerID: "my-mac",
			},
			{
				ID:           "3",
				Type:         EventTypeToolError,
				Timestamp:    time.Now(),
				GenerationID: "gen-format",
				Name:         "web_search",
				Error:        "timeout",
				Duration:     50 * time.Millisecond,
			},
		}

		timeline := BuildTimeline(events)
		output := FormatTimeline(timeline)

		if !strings.Contains(output, "gen-format") {
			t.Error("expected output to contain generation ID")
		}
		if !strings.Contains(output, "web_search") {
			t.Error("expected output to contain tool name")
		}
		if !strings.Contains(output, "my-mac") {
			t.Error("expected output to contain tool server ID")
		}
		if !strings.Contains(output, "timeout") {
			t.Error("expected output to contain error")
		}
		if !strings.Contains(output, "❌") {
			t.Error("expected output to contain error marker")
		}
	})

	t.Run("format nil timeline", func(t *testing.T) {
		output := FormatTimeline(nil)
		if output != "No events found" {
			t.Errorf("expected 'No events found', got %s", output)
		}
	})
}

func TestEventTypes(t *testing.T) {
	types := []EventType{
		EventTypeGenerationStart,
		EventTypeGenerationEnd,
		EventTypeGenerationError,
		EventTypeToolStart,
		EventTypeToolEnd,
		EventTypeToolError,
		EventTypeToolProgress,
		EventTypeServerConnect,
		EventTypeServerDisconnect,
		EventTypeLLMRequest,
		EventTypeLLMResponse,
		EventTypeLLMError,
		EventTypeStepTransition,
		EventTypeCustom,
	}

	for _, et := range types {
		if string(et) == "" {
			t.Errorf("event type %v has empty string value", et)
		}
	}
}

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/conduitrun/conduit/internal/engine/errs"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestStartGenerationRejectsSecondAttempt(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	if err := h.StartGeneration(ctx, "conv-1", "msg-1"); err != nil {
		t.Fatalf("StartGeneration() error = %v", err)
	}
	if err := h.StartGeneration(ctx, "conv-1", "msg-2"); errs.KindOf(err) != errs.KindAlreadyInProgress {
		t.Fatalf("expected AlreadyInProgress, got %v", err)
	}
}

func TestAppendContentAccumulates(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	h.StartGeneration(ctx, "conv-1", "msg-1")

	h.AppendContent("msg-1", "hello ")
	h.AppendContent("msg-1", "world")

	state, err := h.load(ctx, "msg-1")
	if err != nil || state.Content != "hello world" {
		t.Fatalf("load() = %+v, %v", state, err)
	}
}

func TestCompleteGenerationReleasesSlot(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	h.StartGeneration(ctx, "conv-1", "msg-1")

	if err := h.CompleteGeneration(ctx, "conv-1", "msg-1", map[string]any{"ok": true}); err != nil {
		t.Fatalf("CompleteGeneration() error = %v", err)
	}

	if err := h.StartGeneration(ctx, "conv-1", "msg-2"); err != nil {
		t.Fatalf("expected slot free after completion, got %v", err)
	}
}

func TestFailGenerationReleasesSlotAndRecordsError(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	h.StartGeneration(ctx, "conv-1", "msg-1")

	if err := h.FailGeneration(ctx, "conv-1", "msg-1", errs.ProviderError("boom", nil)); err != nil {
		t.Fatalf("FailGeneration() error = %v", err)
	}

	state, err := h.load(ctx, "msg-1")
	if err != nil || state.Status != StatusError || state.Error == "" {
		t.Fatalf("load() = %+v, %v", state, err)
	}

	if err := h.StartGeneration(ctx, "conv-1", "msg-2"); err != nil {
		t.Fatalf("expected slot free after failure, got %v", err)
	}
}

func TestSubscribeReplaysContentThenLiveEvents(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h.StartGeneration(ctx, "conv-1", "msg-1")
	h.AppendContent("msg-1", "partial")

	events, err := h.Subscribe(ctx, "msg-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	init := <-events
	if init.Type != EventInit || init.ExistingContent != "partial" {
		t.Fatalf("expected init with existing content, got %+v", init)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.CompleteGeneration(context.Background(), "conv-1", "msg-1", nil)
	}()

	for e := range events {
		if e.Type == EventComplete {
			return
		}
	}
	t.Fatalf("subscription closed without a complete event")
}

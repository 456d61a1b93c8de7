// Package stream implements the generation & streaming pipeline: a
// Redis-backed shared cache for in-flight generation state, plus pub/sub
// fan-out so a client that disconnects and reconnects replays accumulated
// content via an `init` event before rejoining the live stream.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conduitrun/conduit/internal/engine/errs"
)

const (
	// EntryTTL is how long a generation's state and active-lock keys survive
	// in Redis.
	EntryTTL = time.Hour

	stateKeyPrefix  = "conduit:generation:"
	activeKeyPrefix = "conduit:active-generation:"
	channelPrefix   = "conduit:generation-events:"
)

// Hub is the Redis-backed generation cache and pub/sub fan-out, satisfying
// runtimestate.CacheHandle for the engine's narrow AppendContent/
// PublishStatus needs, plus the fuller C9 surface the orchestrator uses
// directly.
type Hub struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Hub {
	return &Hub{client: client}
}

func stateKey(messageID string) string  { return stateKeyPrefix + messageID }
func activeKey(conversationID string) string { return activeKeyPrefix + conversationID }
func channelKey(messageID string) string { return channelPrefix + messageID }

// StartGeneration sets the initial generating state for messageID and
// claims the single in-flight slot for conversationID, failing with
// AlreadyInProgress if another generation is already active there.
func (h *Hub) StartGeneration(ctx context.Context, conversationID, messageID string) error {
	claimed, err := h.client.SetNX(ctx, activeKey(conversationID), messageID, EntryTTL).Result()
	if err != nil {
		return errs.ProviderError("claim active generation slot", err)
	}
	if !claimed {
		return errs.AlreadyInProgress(fmt.Sprintf("conversation %q already has a generation in progress", conversationID))
	}

	state := GenerationState{
		ConversationID: conversationID,
		MessageID:      messageID,
		Status:         StatusGenerating,
		ToolEvents:     []ToolEventEntry{},
		StartedAt:      time.Now().Unix(),
	}
	if err := h.save(ctx, messageID, &state); err != nil {
		h.client.Del(ctx, activeKey(conversationID))
		return err
	}
	return nil
}

// AppendContent atomically concatenates chunk to the generation's
// accumulated content and publishes a chunk event.
func (h *Hub) AppendContent(messageID, chunk string) {
	ctx := context.Background()
	state, err := h.load(ctx, messageID)
	if err != nil {
		return
	}
	state.Content += chunk
	h.save(ctx, messageID, state)
	h.publish(ctx, messageID, Event{Type: EventChunk, Content: chunk})
}

// PublishStatus publishes a status event; it does not accumulate into any
// field — content/thinking deltas accumulate, status/tool events are
// ephemeral.
func (h *Hub) PublishStatus(messageID, action, description string) {
	h.publish(context.Background(), messageID, Event{Type: EventStatus, Action: action, Description: description})
}

// PublishToolEvent appends a structured tool event and publishes it.
func (h *Hub) PublishToolEvent(messageID string, event map[string]any) {
	ctx := context.Background()
	state, err := h.load(ctx, messageID)
	if err == nil {
		toolID, _ := event["toolId"].(string)
		name, _ := event["name"].(string)
		status, _ := event["status"].(string)
		state.ToolEvents = append(state.ToolEvents, ToolEventEntry{ToolID: toolID, Name: name, Status: status, Data: event})
		h.save(ctx, messageID, state)
	}
	h.publish(ctx, messageID, Event{Type: EventToolEvent, ToolEvent: event})
}

// PublishToolStatus publishes a tool_status event without altering state.
func (h *Hub) PublishToolStatus(messageID, status, action string) {
	h.publish(context.Background(), messageID, Event{Type: EventToolStatus, Status: status, Action: action})
}

// PublishThinkingChunk appends chunk to the generation's thinking buffer and
// publishes a thinking_chunk event.
func (h *Hub) PublishThinkingChunk(messageID, chunk string) {
	ctx := context.Background()
	state, err := h.load(ctx, messageID)
	if err != nil {
		return
	}
	state.Thinking += chunk
	h.save(ctx, messageID, state)
	h.publish(ctx, messageID, Event{Type: EventThinkingChunk, Content: chunk})
}

// CompleteGeneration transitions the generation to completed, releases the
// conversation's active-generation lock, and publishes a complete event.
func (h *Hub) CompleteGeneration(ctx context.Context, conversationID, messageID string, metadata map[string]any) error {
	state, err := h.load(ctx, messageID)
	if err != nil {
		return err
	}
	state.Status = StatusCompleted
	state.Metadata = metadata
	if err := h.save(ctx, messageID, state); err != nil {
		return err
	}
	h.client.Del(ctx, activeKey(conversationID))
	h.publish(ctx, messageID, Event{Type: EventComplete, Metadata: metadata})
	return nil
}

// FailGeneration transitions the generation to error, releases the
// conversation's active-generation lock, and publishes an error event.
func (h *Hub) FailGeneration(ctx context.Context, conversationID, messageID string, cause error) error {
	state, err := h.load(ctx, messageID)
	if err != nil {
		state = &GenerationState{ConversationID: conversationID, MessageID: messageID}
	}
	state.Status = StatusError
	if cause != nil {
		state.Error = cause.Error()
	}
	if err := h.save(ctx, messageID, state); err != nil {
		return err
	}
	h.client.Del(ctx, activeKey(conversationID))

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	h.publish(ctx, messageID, Event{Type: EventError, Error: errMsg})
	return nil
}

// Subscribe yields an `init` event carrying any already-accumulated content,
// then the live event stream until `complete` or `error`, or ctx is
// cancelled. The returned channel is closed when the subscription ends.
func (h *Hub) Subscribe(ctx context.Context, messageID string) (<-chan Event, error) {
	state, err := h.load(ctx, messageID)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 32)
	sub := h.client.Subscribe(ctx, channelKey(messageID))

	go func() {
		defer close(out)
		defer sub.Close()

		select {
		case out <- Event{Type: EventInit, ExistingContent: state.Content}:
		case <-ctx.Done():
			return
		}

		if state.Status == StatusCompleted {
			out <- Event{Type: EventComplete, Metadata: state.Metadata}
			return
		}
		if state.Status == StatusError {
			out <- Event{Type: EventError, Error: state.Error}
			return
		}

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
				if event.Type == EventComplete || event.Type == EventError {
					return
				}
			}
		}
	}()

	return out, nil
}

// ToolEvents returns the tool events recorded so far for messageID, for
// reconstructing grouped tool-execution history once a generation completes.
func (h *Hub) ToolEvents(ctx context.Context, messageID string) ([]ToolEventEntry, error) {
	state, err := h.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return state.ToolEvents, nil
}

func (h *Hub) load(ctx context.Context, messageID string) (*GenerationState, error) {
	raw, err := h.client.Get(ctx, stateKey(messageID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, errs.NotFound(fmt.Sprintf("generation %q not found", messageID))
		}
		return nil, errs.ProviderError("load generation state", err)
	}
	var state GenerationState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, errs.ProviderError("decode generation state", err)
	}
	return &state, nil
}

func (h *Hub) save(ctx context.Context, messageID string, state *GenerationState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errs.ProviderError("encode generation state", err)
	}
	if err := h.client.Set(ctx, stateKey(messageID), raw, EntryTTL).Err(); err != nil {
		return errs.ProviderError("save generation state", err)
	}
	return nil
}

func (h *Hub) publish(ctx context.Context, messageID string, event Event) {
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.client.Publish(ctx, channelKey(messageID), raw)
}

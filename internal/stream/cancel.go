package stream

import (
	"context"
	"sync"
	"time"
)

// StreamTimeout is the per-stream wall-clock timeout armed on entry;
// expiry raises an error that transitions the generation to error.
const StreamTimeout = 60 * time.Second

// CancelRegistry tracks one cancel handle per in-flight generation so
// AbortStream can reach a specific stream's context without the caller
// threading a cancel func through every layer.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewCancelRegistry builds an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

// Arm derives a child context from parent with both StreamTimeout and a
// cancel handle registered under generationID. Release must be called when
// the generation finishes, successfully or not — the release func undoes
// both the context derivation and the registry entry, standing in for the
// finally-equivalent guard every caller must run.
func (r *CancelRegistry) Arm(parent context.Context, generationID string) (ctx context.Context, release func()) {
	ctx, cancel := context.WithTimeout(parent, StreamTimeout)

	r.mu.Lock()
	r.cancels[generationID] = cancel
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		delete(r.cancels, generationID)
		r.mu.Unlock()
		cancel()
	}
}

// AbortStream cancels the in-flight LM/tool operations registered under
// generationID, if any. Returns false if no such generation is armed.
func (r *CancelRegistry) AbortStream(generationID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[generationID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

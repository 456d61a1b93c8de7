package toolpool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/conduitrun/conduit/internal/backoff"
	"github.com/conduitrun/conduit/internal/engine/errs"
	"github.com/conduitrun/conduit/internal/observability"
)

// connectRetries bounds how many times Connect retries a failed handshake
// before giving up, backing off between attempts per reconnectPolicy.
const connectRetries = 3

// Pool supervises every configured tool server and routes calls by tool
// name. It satisfies runtimestate.ToolCaller so a Pool can be
// wired directly into a request's Handles.
type Pool struct {
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	events  *observability.EventRecorder

	mu      sync.RWMutex
	clients map[string]*client
}

// New creates a Pool from config; call Start to actually spawn servers.
func New(cfg Config, logger *slog.Logger) *Pool {
	return NewWithMetrics(cfg, logger, nil)
}

// NewWithMetrics is New with an explicit Metrics instance, letting callers
// share one Metrics across the pool and the rest of the process instead of
// each component registering its own against the default registry.
func NewWithMetrics(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Pool {
	return NewWithObservability(cfg, logger, metrics, nil, nil)
}

// NewWithObservability is NewWithMetrics with an explicit Tracer and
// EventStore. A nil eventStore means tool start/end events are recorded
// into a pool-local store that nothing else can query; pass the same store
// the orchestrator uses so a generation's timeline includes its tool calls.
func NewWithObservability(cfg Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer, eventStore observability.EventStore) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	structLogger := observability.NewLogger(observability.LogConfig{})
	if eventStore == nil {
		eventStore = observability.NewMemoryEventStore(0)
	}
	return &Pool{
		config:  cfg,
		logger:  logger.With("component", "toolpool"),
		metrics: metrics,
		tracer:  tracer,
		events:  observability.NewEventRecorder(eventStore, structLogger),
		clients: make(map[string]*client),
	}
}

// Start spawns every enabled, auto-start server concurrently. A server that
// fails to initialize logs a warning; the pool remains usable with whatever
// servers did connect.
func (p *Pool) Start(ctx context.Context) error {
	if !p.config.Enabled {
		p.logger.Debug("tool pool disabled")
		return nil
	}

	var wg sync.WaitGroup
	for _, serverCfg := range p.config.Servers {
		if !serverCfg.AutoStart {
			continue
		}
		serverCfg := serverCfg
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Connect(ctx, serverCfg.ID); err != nil {
				p.logger.Warn("failed to start tool server", "server", serverCfg.ID, "error", err)
			}
		}()
	}
	wg.Wait()

	return nil
}

// Stop terminates every connected server. Idempotent.
func (p *Pool) Stop() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*client)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for id, c := range clients {
		wg.Add(1)
		go func(id string, c *client) {
			defer wg.Done()
			if err := c.close(); err != nil {
				p.logger.Warn("failed to stop tool server", "server", id, "error", err)
			}
		}(id, c)
	}
	wg.Wait()
	return nil
}

// Connect starts a single configured server by id.
func (p *Pool) Connect(ctx context.Context, serverID string) error {
	var serverCfg *ServerConfig
	for i := range p.config.Servers {
		if p.config.Servers[i].ID == serverID {
			serverCfg = &p.config.Servers[i]
			break
		}
	}
	if serverCfg == nil {
		return errs.NotFound(fmt.Sprintf("tool server %q not configured", serverID))
	}

	p.mu.RLock()
	_, exists := p.clients[serverID]
	p.mu.RUnlock()
	if exists {
		return nil
	}

	c := newClient(*serverCfg, p.logger)
	policy := reconnectPolicy(*serverCfg)
	var err error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		if err = c.connect(ctx); err == nil {
			break
		}
		if attempt < connectRetries {
			delay := backoff.ComputeBackoff(policy, attempt)
			p.logger.Warn("tool server connect attempt failed, retrying", "server", serverID, "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.clients[serverID] = c
	p.mu.Unlock()

	p.logger.Info("connected to tool server", "server", serverID, "name", c.ServerInfo().Name)
	return nil
}

// reconnectPolicy derives a backoff.BackoffPolicy from a server's own
// configured request timeout: a server declared with a longer timeout is
// assumed slower to come back up after a failed handshake, so its
// reconnect backoff is allowed to grow further before capping.
func reconnectPolicy(cfg ServerConfig) backoff.BackoffPolicy {
	policy := backoff.DefaultPolicy()
	if capMs := float64(cfg.requestTimeout().Milliseconds()) * 10; capMs > policy.MaxMs {
		policy.MaxMs = capMs
	}
	return policy
}

// FindTool returns the server id that exposes name, in a deterministic
// (sorted by id) search order, and whether one was found.
func (p *Pool) FindTool(name string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.clients))
	for id := range p.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if p.clients[id].hasTool(name) {
			return id, true
		}
	}
	return "", false
}

// CallTool routes name to the first server whose cached tools list contains
// it, satisfying runtimestate.ToolCaller. ctx is accepted as `any` to match
// the engine's transport-agnostic surface; a context.Context is used
// directly, anything else falls back to context.Background().
func (p *Pool) CallTool(ctx any, name string, args map[string]any, meta map[string]any) (any, error) {
	goCtx, ok := ctx.(context.Context)
	if !ok {
		goCtx = context.Background()
	}

	serverID, found := p.FindTool(name)
	if !found {
		p.metrics.RecordToolExecution(name, "not_found", 0)
		return nil, errs.ToolRouting(fmt.Sprintf("no tool server exposes %q", name))
	}

	p.mu.RLock()
	c := p.clients[serverID]
	p.mu.RUnlock()

	eventCtx := p.eventContext(goCtx, meta, serverID)
	p.events.RecordToolStart(eventCtx, name, args)

	spanCtx, span := p.tracer.TraceToolExecution(goCtx, name)
	defer span.End()

	startedAt := time.Now()
	result, err := c.callTool(spanCtx, name, args, meta)
	duration := time.Since(startedAt)
	p.tracer.RecordError(span, err)
	p.events.RecordToolEnd(eventCtx, name, duration, result, err)
	if err != nil {
		p.metrics.RecordToolExecution(name, "error", duration.Seconds())
		return nil, err
	}
	p.metrics.RecordToolExecution(name, "success", duration.Seconds())
	return result, nil
}

// eventContext carries the generation/conversation correlation ids a tool
// call's meta map supplies through to the event timeline, tagged with the
// server that will execute the call.
func (p *Pool) eventContext(ctx context.Context, meta map[string]any, serverID string) context.Context {
	ctx = observability.AddToolServerID(ctx, serverID)
	if generationID, ok := meta["generationId"].(string); ok && generationID != "" {
		ctx = observability.AddGenerationID(ctx, generationID)
	}
	if conversationID, ok := meta["conversationId"].(string); ok && conversationID != "" {
		ctx = observability.AddSessionID(ctx, conversationID)
	}
	return ctx
}

// Status reports the connection state of every configured server.
type Status struct {
	ID        string
	Connected bool
	Tools     int
}

func (p *Pool) StatusAll() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	statuses := make([]Status, 0, len(p.config.Servers))
	for _, cfg := range p.config.Servers {
		s := Status{ID: cfg.ID}
		if c, ok := p.clients[cfg.ID]; ok {
			s.Connected = c.Connected()
			s.Tools = len(c.Tools())
		}
		statuses = append(statuses, s)
	}
	return statuses
}

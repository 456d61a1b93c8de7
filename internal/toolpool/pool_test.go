package toolpool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/conduitrun/conduit/internal/engine/errs"
	"github.com/conduitrun/conduit/internal/observability"
)

// newTestMetrics gives each test its own Metrics bound to a private
// registry, since NewMetrics() registers against Prometheus's shared
// default registry and would otherwise panic on the second call in the
// same test binary.
func newTestMetrics() *observability.Metrics {
	return observability.NewMetricsWith(prometheus.NewRegistry())
}

// fakeTransport implements Transport entirely in-memory, standing in for a
// stdio/websocket child so pool/client tests run without spawning anything.
type fakeTransport struct {
	connected bool
	events    chan *Notification

	tools       []ToolInfo
	toolResults map[string]CallToolResult
	toolErr     map[string]error

	failInitialize bool
}

func newFakeTransport(cfg ServerConfig) Transport { return fakeTransportsByID[cfg.ID] }

var fakeTransportsByID = map[string]*fakeTransport{}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.connected = false
	return nil
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	switch method {
	case "initialize":
		if f.failInitialize {
			return nil, errs.ToolTimeout("handshake timed out")
		}
		return json.Marshal(InitializeResult{ProtocolVersion: "2024-11-05", ServerInfo: ServerInfo{Name: "fake"}})
	case "tools/list":
		return json.Marshal(ListToolsResult{Tools: f.tools})
	case "tools/call":
		raw, _ := json.Marshal(params)
		var p CallToolParams
		json.Unmarshal(raw, &p)
		if err, ok := f.toolErr[p.Name]; ok {
			return nil, err
		}
		if result, ok := f.toolResults[p.Name]; ok {
			return json.Marshal(result)
		}
		return json.Marshal(CallToolResult{})
	default:
		return json.Marshal(map[string]any{})
	}
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error { return nil }

func (f *fakeTransport) Events() <-chan *Notification { return f.events }

func (f *fakeTransport) Connected() bool { return f.connected }

func withFakeTransports(t *testing.T, fakes map[string]*fakeTransport) {
	t.Helper()
	prevFactory := transportFactory
	prevFakes := fakeTransportsByID
	fakeTransportsByID = fakes
	transportFactory = newFakeTransport
	t.Cleanup(func() {
		transportFactory = prevFactory
		fakeTransportsByID = prevFakes
	})
}

func TestPool_ConnectPopulatesToolsFromHandshake(t *testing.T) {
	withFakeTransports(t, map[string]*fakeTransport{
		"search-server": {
			events: make(chan *Notification, 1),
			tools:  []ToolInfo{{Name: "search"}, {Name: "fetch"}},
		},
	})

	pool := NewWithMetrics(Config{
		Enabled: true,
		Servers: []ServerConfig{{ID: "search-server", Transport: TransportStdio, Command: "irrelevant-under-fake", AutoStart: true}},
	}, nil, newTestMetrics())

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	serverID, found := pool.FindTool("search")
	if !found || serverID != "search-server" {
		t.Fatalf("expected search-server to expose search, got %q found=%v", serverID, found)
	}
}

func TestPool_CallToolRoutesToOwningServer(t *testing.T) {
	withFakeTransports(t, map[string]*fakeTransport{
		"calc": {
			events:      make(chan *Notification, 1),
			tools:       []ToolInfo{{Name: "add"}},
			toolResults: map[string]CallToolResult{"add": {Content: []ContentItem{{Type: "text", Text: "3"}}}},
		},
	})

	pool := NewWithMetrics(Config{
		Enabled: true,
		Servers: []ServerConfig{{ID: "calc", Transport: TransportStdio, Command: "irrelevant", AutoStart: true}},
	}, nil, newTestMetrics())
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := pool.CallTool(context.Background(), "add", map[string]any{"a": 1, "b": 2}, nil)
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	out := result.(*CallToolResult)
	if out.Content[0].Text != "3" {
		t.Errorf("got %v", out)
	}
}

func TestPool_CallToolUnknownNameErrorsAsToolRouting(t *testing.T) {
	withFakeTransports(t, map[string]*fakeTransport{
		"calc": {events: make(chan *Notification, 1), tools: []ToolInfo{{Name: "add"}}},
	})

	pool := NewWithMetrics(Config{
		Enabled: true,
		Servers: []ServerConfig{{ID: "calc", Transport: TransportStdio, Command: "irrelevant", AutoStart: true}},
	}, nil, newTestMetrics())
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := pool.CallTool(context.Background(), "missing", nil, nil)
	if errs.KindOf(err) != errs.KindToolRouting {
		t.Errorf("expected ToolRouting error, got %v", err)
	}
}

func TestPool_StartContinuesWhenOneServerFailsHandshake(t *testing.T) {
	withFakeTransports(t, map[string]*fakeTransport{
		"broken": {events: make(chan *Notification, 1), failInitialize: true},
		"good":   {events: make(chan *Notification, 1), tools: []ToolInfo{{Name: "ok"}}},
	})

	pool := NewWithMetrics(Config{
		Enabled: true,
		Servers: []ServerConfig{
			{ID: "broken", Transport: TransportStdio, Command: "x", AutoStart: true},
			{ID: "good", Transport: TransportStdio, Command: "x", AutoStart: true},
		},
	}, nil, newTestMetrics())

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, found := pool.FindTool("ok"); !found {
		t.Error("expected good server to still be usable")
	}
	statuses := pool.StatusAll()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestPool_StopIsIdempotent(t *testing.T) {
	withFakeTransports(t, map[string]*fakeTransport{
		"calc": {events: make(chan *Notification, 1), tools: []ToolInfo{{Name: "add"}}},
	})

	pool := NewWithMetrics(Config{
		Enabled: true,
		Servers: []ServerConfig{{ID: "calc", Transport: TransportStdio, Command: "x", AutoStart: true}},
	}, nil, newTestMetrics())
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := pool.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

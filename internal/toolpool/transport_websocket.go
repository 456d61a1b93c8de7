package toolpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conduitrun/conduit/internal/engine/errs"
)

// webSocketTransport speaks the same duplex JSON-RPC 2.0 framing as
// stdioTransport, one JSON document per websocket text message, against a
// long-lived tool server reached over the network rather than spawned as a
// child process — a remote-process counterpart to stdio for servers that
// live outside this host.
type webSocketTransport struct {
	config ServerConfig
	logger *slog.Logger

	conn   *websocket.Conn
	writeMu sync.Mutex

	pending   map[int64]chan *Response
	pendingMu sync.Mutex
	events    chan *Notification
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func newWebSocketTransport(cfg ServerConfig) *webSocketTransport {
	return &webSocketTransport{
		config:   cfg,
		logger:   slog.Default().With("tool_server", cfg.ID, "transport", "websocket"),
		pending:  make(map[int64]chan *Response),
		events:   make(chan *Notification, 100),
		stopChan: make(chan struct{}),
	}
}

func (t *webSocketTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return errs.Validation("websocket tool server requires a url")
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.config.URL, err)
	}
	t.conn = conn
	t.connected.Store(true)
	t.logger.Info("connected to tool server", "url", t.config.URL)

	t.wg.Add(1)
	go t.readLoop()

	return nil
}

func (t *webSocketTransport) Close() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	close(t.stopChan)

	t.writeMu.Lock()
	t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	closed := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(shutdownGrace):
	}

	t.conn.Close()
	t.rejectAllPending(errs.ToolChildExit("tool server connection closed"))
	return nil
}

func (t *webSocketTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, errs.ToolChildExit("tool server not connected")
	}

	id := t.nextID.Add(1)
	req := Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeJSON(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.requestTimeout()
	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("tool server error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, errs.ToolTimeout(fmt.Sprintf("request %q timed out after %v", method, timeout))
	case <-t.stopChan:
		return nil, errs.ToolChildExit("tool server closed during call")
	}
}

func (t *webSocketTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return errs.ToolChildExit("tool server not connected")
	}
	notif := Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	return t.writeJSON(notif)
}

func (t *webSocketTransport) writeJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *webSocketTransport) Events() <-chan *Notification { return t.events }

func (t *webSocketTransport) Connected() bool { return t.connected.Load() }

func (t *webSocketTransport) readLoop() {
	defer t.wg.Done()
	defer func() {
		t.connected.Store(false)
		t.rejectAllPending(errs.ToolChildExit("tool server connection closed"))
	}()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		t.processMessage(data)
	}
}

func (t *webSocketTransport) processMessage(data []byte) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err == nil && resp.ID != nil {
		t.pendingMu.Lock()
		if ch, ok := t.pending[*resp.ID]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(t.pending, *resp.ID)
		}
		t.pendingMu.Unlock()
		return
	}

	var notif Notification
	if err := json.Unmarshal(data, &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping")
		}
	}
}

func (t *webSocketTransport) rejectAllPending(err *errs.Error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		select {
		case ch <- &Response{Error: &RPCError{Code: -32000, Message: err.Error()}}:
		default:
		}
		delete(t.pending, id)
	}
}

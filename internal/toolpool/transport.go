package toolpool

import (
	"context"
	"encoding/json"
)

// Transport is the duplex JSON-RPC 2.0 contract both wire implementations
// satisfy: request/response with per-call framing, fire-and-
// forget notifications, and an inbound notification stream for anything the
// server pushes unsolicited.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Events() <-chan *Notification
	Connected() bool
}

// transportFactory picks the wire implementation named by cfg.Transport,
// defaulting to stdio when unset. Tests substitute a fake factory to avoid
// spawning real processes or sockets.
var transportFactory = func(cfg ServerConfig) Transport {
	switch cfg.Transport {
	case TransportWebSocket:
		return newWebSocketTransport(cfg)
	default:
		return newStdioTransport(cfg)
	}
}

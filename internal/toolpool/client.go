package toolpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/conduitrun/conduit/internal/engine/errs"
)

const clientName = "conduit"
const clientVersion = "1.0.0"

// client owns one tool server's transport and its cached tools/list.
type client struct {
	config    ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []ToolInfo
	serverInfo ServerInfo
}

func newClient(cfg ServerConfig, logger *slog.Logger) *client {
	return &client{
		config:    cfg,
		transport: transportFactory(cfg),
		logger:    logger.With("tool_server", cfg.ID),
	}
}

// connect performs transport connect followed by the initialize handshake
//: an initialize request and an initialized notification,
// bounded to 5 s total.
func (c *client) connect(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, defaultHandshakeTimeout)
	defer cancel()

	if err := c.transport.Connect(hctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(hctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.serverInfo = initResult.ServerInfo

	if err := c.transport.Notify(hctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.refreshTools(ctx); err != nil {
		c.logger.Warn("failed to list tools", "error", err)
	}

	return nil
}

func (c *client) refreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var parsed ListToolsResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return err
	}
	c.mu.Lock()
	c.tools = parsed.Tools
	c.mu.Unlock()
	return nil
}

func (c *client) hasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (c *client) Tools() []ToolInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ToolInfo(nil), c.tools...)
}

func (c *client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

func (c *client) Connected() bool { return c.transport.Connected() }

func (c *client) close() error { return c.transport.Close() }

// callTool issues a tools/call against this server and unwraps the result.
func (c *client) callTool(ctx context.Context, name string, args map[string]any, meta map[string]any) (*CallToolResult, error) {
	raw, err := c.transport.Call(ctx, "tools/call", CallToolParams{Name: name, Arguments: args, Meta: meta})
	if err != nil {
		return nil, err
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errs.Validation("tool server returned malformed result").WithContext(map[string]any{"tool": name})
	}
	return &result, nil
}

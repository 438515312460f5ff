package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// protocolVersion is the discovery protocol revision announced during the
// handshake.
const protocolVersion = "2024-11-05"

// Client wraps a Transport with the capability handshake and typed calls.
type Client struct {
	config    *Config
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []ToolSpec
	serverInfo ServerInfo
}

// NewClient creates a client for the given provider config. A nil transport
// gets the default stdio transport.
func NewClient(cfg *Config, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if transport == nil {
		transport = NewStdioTransport(cfg, logger)
	}
	return &Client{
		config:    cfg,
		transport: transport,
		logger:    logger.With("provider", cfg.ID),
	}
}

// Connect starts the transport and performs the capability handshake:
// initialize, the initialized notification, then tools/list. Handshake
// failure closes the transport.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    "switchboard",
			"version": "1.0.0",
		},
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

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		c.transport.Close()
		return fmt.Errorf("tools/list: %w", err)
	}

	c.logger.Info("provider handshake complete",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"tools", len(c.Tools()))
	return nil
}

// Close shuts down the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Connected reports whether the underlying transport is alive.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// ServerInfo returns the provider's self-reported identity.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// RefreshTools re-requests the provider's tool list.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}

	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	return nil
}

// Tools returns the cached tool list from the last handshake or refresh.
func (c *Client) Tools() []ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolSpec, len(c.tools))
	copy(out, c.tools)
	return out
}

// Ping probes liveness. Providers that do not implement ping are probed
// with tools/list instead.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.transport.Call(ctx, "ping", nil)
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == ErrCodeMethodNotFound {
		_, err = c.transport.Call(ctx, "tools/list", nil)
	}
	return err
}

// CallTool invokes one remote tool and returns its raw result.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	result, err := c.transport.Call(ctx, "tools/call", CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	var callResult CallToolResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &callResult, nil
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const callTimeout = 30 * time.Second

// Client is a JSON-RPC client for a single MCP server. It matches
// responses to pending calls by request ID and runs the initialize
// handshake before any other method.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger

	nextID       atomic.Int64
	mu           sync.RWMutex
	pendingCalls map[any]chan *Response
	initialized  bool
	serverInfo   ServerInfo
	capabilities map[string]any

	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewClient wraps a transport. Call Initialize before using the client.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	return &Client{
		name:         name,
		transport:    transport,
		logger:       logger,
		pendingCalls: make(map[any]chan *Response),
		closeCh:      make(chan struct{}),
	}
}

// Initialize performs the MCP handshake and starts the receive loop.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	go c.receiveLoop()

	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: ClientInfo{
			Name:    "auralis",
			Version: "1.0.0",
		},
	}

	resp, err := c.call(ctx, MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("failed to parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = result.ServerInfo
	c.capabilities = result.Capabilities
	c.mu.Unlock()

	if err := c.transport.Send(ctx, NewNotification(MethodInitialized, nil)); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.logger.Info("mcp: server initialized",
		"server", c.name,
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version)
	return nil
}

// ServerInfo returns the identity reported during the handshake.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ListTools fetches all tools, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""

	for {
		resp, err := c.call(ctx, MethodToolsList, ToolsListParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("tools/list failed: %w", err)
		}

		var result ToolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to parse tools/list result: %w", err)
		}

		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
}

// CallTool invokes a tool by name.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolsCallResult, error) {
	resp, err := c.call(ctx, MethodToolsCall, ToolsCallParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s failed: %w", name, err)
	}

	var result ToolsCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/call result: %w", err)
	}
	return &result, nil
}

// Ping checks server liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, MethodPing, nil)
	return err
}

// Close stops the client and fails all pending calls.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)

		// Pending calls unblock via closeCh; dropping the channels here
		// avoids a send on a closed channel from a late response.
		c.mu.Lock()
		c.pendingCalls = make(map[any]chan *Response)
		c.mu.Unlock()
	})
	return c.transport.Close()
}

func (c *Client) call(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pendingCalls[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pendingCalls, id)
		c.mu.Unlock()
	}()

	if err := c.transport.Send(ctx, NewRequest(id, method, params)); err != nil {
		return nil, fmt.Errorf("send failed: %w", err)
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s timed out after %s", method, callTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, fmt.Errorf("client closed")
	}
}

func (c *Client) receiveLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		case msg, ok := <-c.transport.Receive():
			if !ok {
				return
			}
			if msg.Error != nil {
				c.logger.Warn("mcp: transport error", "server", c.name, "error", msg.Error)
				continue
			}
			c.handleMessage(msg.Data)
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("mcp: failed to parse message", "server", c.name, "error", err)
		return
	}

	// Notifications from the server have no ID.
	if resp.ID == nil {
		var note Notification
		if err := json.Unmarshal(data, &note); err == nil && note.Method != "" {
			c.logger.Debug("mcp: server notification", "server", c.name, "method", note.Method)
		}
		return
	}

	// JSON numbers decode as float64; pending calls are keyed by int64.
	id := resp.ID
	if f, ok := id.(float64); ok {
		id = int64(f)
	}

	c.mu.RLock()
	ch, exists := c.pendingCalls[id]
	c.mu.RUnlock()

	if !exists {
		c.logger.Debug("mcp: response for unknown request", "server", c.name, "id", id)
		return
	}

	select {
	case ch <- &resp:
	default:
	}
}

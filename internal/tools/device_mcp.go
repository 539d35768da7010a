package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/auralis-io/auralis/internal/mcp"
)

// sessionTransport adapts the device session socket to the MCP transport
// interface. Outbound frames are handed to the session's send function,
// which wraps them in the mcp message envelope; inbound payloads are fed in
// by the session's message router.
type sessionTransport struct {
	send      func(payload json.RawMessage) error
	receiveCh chan mcp.Message

	mu        sync.Mutex
	connected bool
	closeOnce sync.Once
}

func newSessionTransport(send func(payload json.RawMessage) error) *sessionTransport {
	return &sessionTransport{
		send:      send,
		receiveCh: make(chan mcp.Message, 16),
		connected: true,
	}
}

func (t *sessionTransport) Send(ctx context.Context, msg any) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()

	if !connected {
		return fmt.Errorf("transport closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return t.send(data)
}

func (t *sessionTransport) Receive() <-chan mcp.Message { return t.receiveCh }

func (t *sessionTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *sessionTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		close(t.receiveCh)
	})
	return nil
}

func (t *sessionTransport) deliver(payload json.RawMessage) {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	select {
	case t.receiveCh <- mcp.Message{Data: data}:
	default:
	}
}

// DeviceMCPBackend exposes the tools the connected edge device itself
// advertises over the session socket. The handshake runs asynchronously
// once the device announces MCP support; onReady fires after the tool list
// lands so the manager's merged index can be invalidated.
type DeviceMCPBackend struct {
	client    *mcp.Client
	transport *sessionTransport
	logger    *slog.Logger
	onReady   func()

	mu    sync.RWMutex
	tools map[string]Definition
	ready bool
}

// NewDeviceMCPBackend builds the backend over the session's send function.
func NewDeviceMCPBackend(send func(payload json.RawMessage) error, onReady func(), logger *slog.Logger) *DeviceMCPBackend {
	transport := newSessionTransport(send)
	return &DeviceMCPBackend{
		client:    mcp.NewClient("device", transport, logger),
		transport: transport,
		logger:    logger,
		onReady:   onReady,
		tools:     make(map[string]Definition),
	}
}

// Start runs the handshake and tool fetch in the background. Safe to call
// once, right after the device's hello advertises MCP support.
func (b *DeviceMCPBackend) Start(ctx context.Context) {
	go func() {
		if err := b.client.Initialize(ctx); err != nil {
			b.logger.Warn("tools: device mcp handshake failed", "error", err)
			return
		}

		deviceTools, err := b.client.ListTools(ctx)
		if err != nil {
			b.logger.Warn("tools: device mcp tool list failed", "error", err)
			return
		}

		tools := make(map[string]Definition, len(deviceTools))
		for _, tool := range deviceTools {
			tools[tool.Name] = Definition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToParameters(tool.InputSchema),
				Type:        ToolTypeDeviceMCP,
			}
		}

		b.mu.Lock()
		b.tools = tools
		b.ready = true
		b.mu.Unlock()

		b.logger.Info("tools: device mcp ready", "tools", len(tools))
		if b.onReady != nil {
			b.onReady()
		}
	}()
}

// HandlePayload routes one inbound JSON-RPC payload from the device.
func (b *DeviceMCPBackend) HandlePayload(payload json.RawMessage) {
	b.transport.deliver(payload)
}

// Ready reports whether the handshake and tool fetch completed.
func (b *DeviceMCPBackend) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

func (b *DeviceMCPBackend) Tools() map[string]Definition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]Definition, len(b.tools))
	for name, def := range b.tools {
		out[name] = def
	}
	return out
}

func (b *DeviceMCPBackend) HasTool(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.tools[name]
	return ok
}

func (b *DeviceMCPBackend) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	if !b.Ready() {
		return Result{}, fmt.Errorf("device mcp not ready")
	}

	result, err := b.client.CallTool(ctx, name, args)
	if err != nil {
		return Result{}, err
	}
	if result.IsError {
		return Result{}, fmt.Errorf("tool reported error: %s", result.Text())
	}
	return Result{Action: ActionRequestLLM, Result: result.Text()}, nil
}

// Close shuts the backend down.
func (b *DeviceMCPBackend) Close() error {
	return b.client.Close()
}

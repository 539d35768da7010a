package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/auralis-io/auralis/internal/mcp"
)

// EndpointMCPBackend talks to one remote MCP endpoint over its own
// WebSocket connection, separate from the device session socket.
type EndpointMCPBackend struct {
	client *mcp.Client
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]Definition
}

// NewEndpointMCPBackend dials the endpoint, runs the handshake and fetches
// the tool list.
func NewEndpointMCPBackend(ctx context.Context, url, token string, logger *slog.Logger) (*EndpointMCPBackend, error) {
	transport, err := mcp.NewWebSocketTransport(ctx, url, token, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect mcp endpoint: %w", err)
	}

	client := mcp.NewClient("endpoint", transport, logger)
	if err := client.Initialize(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize mcp endpoint: %w", err)
	}

	b := &EndpointMCPBackend{
		client: client,
		logger: logger,
		tools:  make(map[string]Definition),
	}
	if err := b.Reload(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return b, nil
}

// Reload re-fetches the endpoint's tool list.
func (b *EndpointMCPBackend) Reload(ctx context.Context) error {
	endpointTools, err := b.client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list endpoint tools: %w", err)
	}

	tools := make(map[string]Definition, len(endpointTools))
	for _, tool := range endpointTools {
		tools[tool.Name] = Definition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToParameters(tool.InputSchema),
			Type:        ToolTypeEndpointMCP,
		}
	}

	b.mu.Lock()
	b.tools = tools
	b.mu.Unlock()
	return nil
}

func (b *EndpointMCPBackend) Tools() map[string]Definition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]Definition, len(b.tools))
	for name, def := range b.tools {
		out[name] = def
	}
	return out
}

func (b *EndpointMCPBackend) HasTool(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.tools[name]
	return ok
}

func (b *EndpointMCPBackend) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	result, err := b.client.CallTool(ctx, name, args)
	if err != nil {
		return Result{}, err
	}
	if result.IsError {
		return Result{}, fmt.Errorf("tool reported error: %s", result.Text())
	}
	return Result{Action: ActionRequestLLM, Result: result.Text()}, nil
}

// Close shuts the endpoint connection.
func (b *EndpointMCPBackend) Close() error {
	return b.client.Close()
}

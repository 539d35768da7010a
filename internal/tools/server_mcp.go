package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/auralis-io/auralis/internal/mcp"
)

// ServerMCPBackend exposes the tools of all server-side MCP servers. Tool
// names are prefixed with the server name ("search.web_search") so two
// servers can advertise the same tool without clashing in the merged index.
type ServerMCPBackend struct {
	manager *mcp.Manager
	logger  *slog.Logger

	mu    sync.RWMutex
	tools map[string]Definition
}

// NewServerMCPBackend wraps an MCP manager. Reload fetches the initial tool
// sets; the caller hooks the manager's connection callback to Reload again
// when a server (re)connects.
func NewServerMCPBackend(ctx context.Context, manager *mcp.Manager, logger *slog.Logger) *ServerMCPBackend {
	b := &ServerMCPBackend{
		manager: manager,
		logger:  logger,
		tools:   make(map[string]Definition),
	}
	b.Reload(ctx)
	return b
}

// Reload re-fetches the tool lists from every connected server.
func (b *ServerMCPBackend) Reload(ctx context.Context) {
	tools := make(map[string]Definition)

	for _, server := range b.manager.ListServers() {
		client, err := b.manager.GetClient(server)
		if err != nil {
			continue
		}

		serverTools, err := client.ListTools(ctx)
		if err != nil {
			b.logger.Warn("tools: failed to list mcp tools", "server", server, "error", err)
			continue
		}

		for _, tool := range serverTools {
			name := server + "." + tool.Name
			tools[name] = Definition{
				Name:        name,
				Description: tool.Description,
				Parameters:  schemaToParameters(tool.InputSchema),
				Type:        ToolTypeServerMCP,
			}
		}
	}

	b.mu.Lock()
	b.tools = tools
	b.mu.Unlock()
}

func (b *ServerMCPBackend) Tools() map[string]Definition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]Definition, len(b.tools))
	for name, def := range b.tools {
		out[name] = def
	}
	return out
}

func (b *ServerMCPBackend) HasTool(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.tools[name]
	return ok
}

func (b *ServerMCPBackend) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	server, tool, ok := strings.Cut(name, ".")
	if !ok {
		return Result{}, fmt.Errorf("malformed mcp tool name: %s", name)
	}

	client, err := b.manager.GetClient(server)
	if err != nil {
		return Result{}, fmt.Errorf("mcp server unavailable: %w", err)
	}

	result, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return Result{}, err
	}
	if result.IsError {
		return Result{}, fmt.Errorf("tool reported error: %s", result.Text())
	}

	return Result{Action: ActionRequestLLM, Result: result.Text()}, nil
}

// schemaToParameters converts a raw JSON schema into the map shape the
// function-description list carries.
func schemaToParameters(schema json.RawMessage) map[string]any {
	if len(schema) == 0 {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(schema, &params); err != nil {
		return nil
	}
	return params
}

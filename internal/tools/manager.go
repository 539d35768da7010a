package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/auralis-io/auralis/internal/adapters/metrics"
	"github.com/auralis-io/auralis/internal/providers"
)

type indexEntry struct {
	def     Definition
	backend ToolType
}

// Manager merges all registered backends into one name-indexed dispatch
// table. The merged index and the flattened function-description list are
// memoized and rebuilt lazily after RefreshTools.
type Manager struct {
	mu        sync.RWMutex
	executors map[ToolType]Executor
	index     map[string]indexEntry
	functions []providers.FunctionDefinition
	logger    *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		executors: make(map[ToolType]Executor),
		logger:    logger,
	}
}

// RegisterExecutor installs or replaces the backend for a tool type and
// invalidates the merged index.
func (m *Manager) RegisterExecutor(t ToolType, e Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[t] = e
	m.index = nil
	m.functions = nil
}

// RefreshTools invalidates the memoized index. Call it whenever a backend's
// tool set can have changed, such as a device MCP handshake finishing after
// the session already started.
func (m *Manager) RefreshTools() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = nil
	m.functions = nil
}

// FunctionDescriptions returns the flattened OpenAI-style function list for
// all tools across all backends.
func (m *Manager) FunctionDescriptions() []providers.FunctionDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buildLocked()
	return m.functions
}

// HasTool reports whether any backend owns name.
func (m *Manager) HasTool(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buildLocked()
	_, ok := m.index[name]
	return ok
}

// ExecuteTool dispatches a call to the backend owning name. Unknown names
// and backend failures come back as tagged results, never errors.
func (m *Manager) ExecuteTool(ctx context.Context, name string, args map[string]any) Result {
	m.mu.Lock()
	m.buildLocked()
	entry, ok := m.index[name]
	var executor Executor
	if ok {
		executor = m.executors[entry.backend]
	}
	m.mu.Unlock()

	if !ok || executor == nil {
		m.logger.Warn("tools: unknown tool requested", "tool", name)
		metrics.ToolCallsTotal.WithLabelValues("none", "not_found").Inc()
		return Result{
			Action:   ActionNotFound,
			Response: fmt.Sprintf("I don't know how to %s yet.", name),
		}
	}

	result, err := m.safeExecute(ctx, executor, name, args)
	if err != nil {
		m.logger.Error("tools: execution failed",
			"tool", name, "backend", entry.backend.String(), "error", err)
		metrics.ToolCallsTotal.WithLabelValues(entry.backend.String(), "error").Inc()
		return Result{
			Action:   ActionError,
			Response: fmt.Sprintf("Something went wrong running %s.", name),
		}
	}

	metrics.ToolCallsTotal.WithLabelValues(entry.backend.String(), "ok").Inc()
	return result
}

// safeExecute shields the LLM loop from panicking backends.
func (m *Manager) safeExecute(ctx context.Context, e Executor, name string, args map[string]any) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, r)
		}
	}()
	return e.Execute(ctx, name, args)
}

// buildLocked rebuilds the merged index if it was invalidated. Callers must
// hold the write lock.
func (m *Manager) buildLocked() {
	if m.index != nil {
		return
	}

	index := make(map[string]indexEntry)

	// Deterministic merge order so collisions resolve the same way on
	// every rebuild: later backend types win.
	types := make([]ToolType, 0, len(m.executors))
	for t := range m.executors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		for name, def := range m.executors[t].Tools() {
			if prev, exists := index[name]; exists {
				m.logger.Warn("tools: name collision, last registration wins",
					"tool", name,
					"previous", prev.backend.String(),
					"replacement", t.String())
			}
			index[name] = indexEntry{def: def, backend: t}
		}
	}

	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}
	sort.Strings(names)

	functions := make([]providers.FunctionDefinition, 0, len(names))
	for _, name := range names {
		functions = append(functions, index[name].def.Function())
	}

	m.index = index
	m.functions = functions
}

package tools

import (
	"context"
	"fmt"
	"sync"
)

// Plugin is one server-local tool function.
type Plugin interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// PluginRegistry is the server-plugin backend: a static registry of
// in-process tool functions keyed by name.
type PluginRegistry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewPluginRegistry creates a registry with the built-in plugins.
func NewPluginRegistry() *PluginRegistry {
	r := &PluginRegistry{plugins: make(map[string]Plugin)}
	r.Register(NewTimePlugin())
	r.Register(NewWebReadPlugin())
	return r
}

// Register adds a plugin, replacing any previous plugin with the same name.
func (r *PluginRegistry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Name()] = p
}

func (r *PluginRegistry) Tools() map[string]Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make(map[string]Definition, len(r.plugins))
	for name, p := range r.plugins {
		defs[name] = Definition{
			Name:        name,
			Description: p.Description(),
			Parameters:  p.Parameters(),
			Type:        ToolTypeServerPlugin,
		}
	}
	return defs
}

func (r *PluginRegistry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[name]
	return ok
}

func (r *PluginRegistry) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	r.mu.RLock()
	p, ok := r.plugins[name]
	r.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("plugin %s not registered", name)
	}
	return p.Execute(ctx, args)
}

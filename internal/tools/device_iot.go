package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/auralis-io/auralis/internal/protocol"
)

// IoTDescriptor is one controllable thing the device registers after the
// hello handshake.
type IoTDescriptor struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Methods     map[string]IoTMethod `json:"methods"`
}

// IoTMethod is one invocable method of a thing.
type IoTMethod struct {
	Description string                  `json:"description"`
	Parameters  map[string]IoTParameter `json:"parameters"`
}

// IoTParameter describes one method argument.
type IoTParameter struct {
	Description string `json:"description"`
	Type        string `json:"type"`
}

type iotTarget struct {
	thing  string
	method string
}

// DeviceIoTBackend exposes the connected device's IoT things as tools.
// Executing a tool sends an iot command back down the session socket; the
// spoken confirmation does not wait for the device to report new state.
type DeviceIoTBackend struct {
	send   func(msg any) error
	logger *slog.Logger

	mu      sync.RWMutex
	tools   map[string]Definition
	targets map[string]iotTarget
	states  map[string]json.RawMessage
}

// NewDeviceIoTBackend creates an empty backend bound to the session's send
// function.
func NewDeviceIoTBackend(send func(msg any) error, logger *slog.Logger) *DeviceIoTBackend {
	return &DeviceIoTBackend{
		send:    send,
		logger:  logger,
		tools:   make(map[string]Definition),
		targets: make(map[string]iotTarget),
		states:  make(map[string]json.RawMessage),
	}
}

// RegisterDescriptors adds tools for every method of every descriptor in
// the device's iot registration message. Returns the number of tools added.
func (b *DeviceIoTBackend) RegisterDescriptors(raw json.RawMessage) (int, error) {
	var descriptors []IoTDescriptor
	if err := json.Unmarshal(raw, &descriptors); err != nil {
		return 0, fmt.Errorf("failed to parse iot descriptors: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	added := 0
	for _, desc := range descriptors {
		for method, spec := range desc.Methods {
			name := iotToolName(desc.Name, method)
			b.tools[name] = Definition{
				Name:        name,
				Description: desc.Description + ": " + spec.Description,
				Parameters:  iotParameters(spec.Parameters),
				Type:        ToolTypeDeviceIoT,
			}
			b.targets[name] = iotTarget{thing: desc.Name, method: method}
			added++
		}
	}

	b.logger.Info("tools: iot descriptors registered",
		"things", len(descriptors), "tools", added)
	return added, nil
}

// UpdateStates records the device's latest thing states.
func (b *DeviceIoTBackend) UpdateStates(raw json.RawMessage) error {
	var states map[string]json.RawMessage
	if err := json.Unmarshal(raw, &states); err != nil {
		return fmt.Errorf("failed to parse iot states: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for thing, state := range states {
		b.states[thing] = state
	}
	return nil
}

// ThingState returns the last reported state of a thing.
func (b *DeviceIoTBackend) ThingState(thing string) (json.RawMessage, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, ok := b.states[thing]
	return state, ok
}

func (b *DeviceIoTBackend) Tools() map[string]Definition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]Definition, len(b.tools))
	for name, def := range b.tools {
		out[name] = def
	}
	return out
}

func (b *DeviceIoTBackend) HasTool(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.tools[name]
	return ok
}

func (b *DeviceIoTBackend) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	b.mu.RLock()
	target, ok := b.targets[name]
	b.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("iot tool %s not registered", name)
	}

	msg := &protocol.IoTCommandMessage{
		Type: protocol.TypeIoT,
		Commands: []protocol.IoTCommand{{
			Name:       target.thing,
			Method:     target.method,
			Parameters: args,
		}},
	}
	if err := b.send(msg); err != nil {
		return Result{}, fmt.Errorf("failed to send iot command: %w", err)
	}

	return Result{Action: ActionResponse, Response: "Done."}, nil
}

func iotToolName(thing, method string) string {
	return strings.ToLower(thing) + "_" + strings.ToLower(method)
}

func iotParameters(params map[string]IoTParameter) map[string]any {
	properties := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for name, p := range params {
		properties[name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		required = append(required, name)
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

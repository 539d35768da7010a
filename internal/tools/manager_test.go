package tools

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auralis-io/auralis/internal/protocol"
)

type fakeExecutor struct {
	tools   map[string]Definition
	execute func(ctx context.Context, name string, args map[string]any) (Result, error)
}

func newFakeExecutor(t ToolType, names ...string) *fakeExecutor {
	tools := make(map[string]Definition)
	for _, name := range names {
		tools[name] = Definition{Name: name, Description: "fake " + name, Type: t}
	}
	return &fakeExecutor{tools: tools}
}

func (f *fakeExecutor) Tools() map[string]Definition { return f.tools }

func (f *fakeExecutor) HasTool(name string) bool {
	_, ok := f.tools[name]
	return ok
}

func (f *fakeExecutor) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	if f.execute != nil {
		return f.execute(ctx, name, args)
	}
	return Result{Action: ActionResponse, Response: "ok from " + name}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestManagerDispatch(t *testing.T) {
	m := NewManager(testLogger())
	m.RegisterExecutor(ToolTypeServerPlugin, newFakeExecutor(ToolTypeServerPlugin, "get_weather"))

	result := m.ExecuteTool(context.Background(), "get_weather", nil)
	assert.Equal(t, ActionResponse, result.Action)
	assert.Equal(t, "ok from get_weather", result.Response)
}

func TestManagerUnknownToolIsNotFound(t *testing.T) {
	m := NewManager(testLogger())
	m.RegisterExecutor(ToolTypeServerPlugin, newFakeExecutor(ToolTypeServerPlugin, "get_weather"))

	result := m.ExecuteTool(context.Background(), "launch_rocket", nil)
	assert.Equal(t, ActionNotFound, result.Action)
	assert.NotEmpty(t, result.Response)
}

func TestManagerExecutionErrorIsTagged(t *testing.T) {
	exec := newFakeExecutor(ToolTypeServerPlugin, "flaky")
	exec.execute = func(ctx context.Context, name string, args map[string]any) (Result, error) {
		return Result{}, fmt.Errorf("backend exploded")
	}

	m := NewManager(testLogger())
	m.RegisterExecutor(ToolTypeServerPlugin, exec)

	result := m.ExecuteTool(context.Background(), "flaky", nil)
	assert.Equal(t, ActionError, result.Action)
	assert.NotEmpty(t, result.Response)
}

func TestManagerRecoversPanic(t *testing.T) {
	exec := newFakeExecutor(ToolTypeServerPlugin, "bomb")
	exec.execute = func(ctx context.Context, name string, args map[string]any) (Result, error) {
		panic("boom")
	}

	m := NewManager(testLogger())
	m.RegisterExecutor(ToolTypeServerPlugin, exec)

	result := m.ExecuteTool(context.Background(), "bomb", nil)
	assert.Equal(t, ActionError, result.Action)
}

func TestManagerCollisionLastWins(t *testing.T) {
	first := newFakeExecutor(ToolTypeServerPlugin, "shared")
	first.execute = func(ctx context.Context, name string, args map[string]any) (Result, error) {
		return Result{Action: ActionResponse, Response: "from plugin"}, nil
	}
	second := newFakeExecutor(ToolTypeDeviceIoT, "shared")
	second.execute = func(ctx context.Context, name string, args map[string]any) (Result, error) {
		return Result{Action: ActionResponse, Response: "from iot"}, nil
	}

	m := NewManager(testLogger())
	m.RegisterExecutor(ToolTypeServerPlugin, first)
	m.RegisterExecutor(ToolTypeDeviceIoT, second)

	result := m.ExecuteTool(context.Background(), "shared", nil)
	assert.Equal(t, "from iot", result.Response)

	// One definition survives in the merged list.
	assert.Len(t, m.FunctionDescriptions(), 1)
}

func TestManagerRefreshInvalidates(t *testing.T) {
	exec := newFakeExecutor(ToolTypeDeviceMCP, "first")

	m := NewManager(testLogger())
	m.RegisterExecutor(ToolTypeDeviceMCP, exec)
	require.Len(t, m.FunctionDescriptions(), 1)

	// A backend's tool set changes after the index was built.
	exec.tools["second"] = Definition{Name: "second", Type: ToolTypeDeviceMCP}

	// Memoized until refreshed.
	assert.Len(t, m.FunctionDescriptions(), 1)

	m.RefreshTools()
	assert.Len(t, m.FunctionDescriptions(), 2)
	assert.True(t, m.HasTool("second"))
}

func TestManagerFunctionDescriptionsSorted(t *testing.T) {
	m := NewManager(testLogger())
	m.RegisterExecutor(ToolTypeServerPlugin,
		newFakeExecutor(ToolTypeServerPlugin, "zebra", "alpha", "mango"))

	funcs := m.FunctionDescriptions()
	require.Len(t, funcs, 3)
	assert.Equal(t, "alpha", funcs[0].Name)
	assert.Equal(t, "mango", funcs[1].Name)
	assert.Equal(t, "zebra", funcs[2].Name)
}

func TestPluginRegistryBuiltins(t *testing.T) {
	r := NewPluginRegistry()

	assert.True(t, r.HasTool("get_current_time"))
	assert.True(t, r.HasTool("web_read"))

	result, err := r.Execute(context.Background(), "get_current_time", nil)
	require.NoError(t, err)
	assert.Equal(t, ActionRequestLLM, result.Action)
	assert.Contains(t, result.Result, "Current time")
}

func TestDeviceIoTBackend(t *testing.T) {
	var sent []any
	backend := NewDeviceIoTBackend(func(msg any) error {
		sent = append(sent, msg)
		return nil
	}, testLogger())

	descriptors := []byte(`[{
		"name": "Lamp",
		"description": "Living room lamp",
		"methods": {
			"TurnOn": {"description": "Turn the lamp on", "parameters": {}},
			"SetBrightness": {
				"description": "Set brightness",
				"parameters": {"level": {"description": "0-100", "type": "number"}}
			}
		}
	}]`)

	added, err := backend.RegisterDescriptors(descriptors)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.True(t, backend.HasTool("lamp_turnon"))
	assert.True(t, backend.HasTool("lamp_setbrightness"))

	result, err := backend.Execute(context.Background(), "lamp_setbrightness",
		map[string]any{"level": 40.0})
	require.NoError(t, err)
	assert.Equal(t, ActionResponse, result.Action)

	require.Len(t, sent, 1)
	cmd, ok := sent[0].(*protocol.IoTCommandMessage)
	require.True(t, ok)
	require.Len(t, cmd.Commands, 1)
	assert.Equal(t, "Lamp", cmd.Commands[0].Name)
	assert.Equal(t, "SetBrightness", cmd.Commands[0].Method)
	assert.Equal(t, 40.0, cmd.Commands[0].Parameters["level"])
}

func TestDeviceIoTStates(t *testing.T) {
	backend := NewDeviceIoTBackend(func(msg any) error { return nil }, testLogger())

	err := backend.UpdateStates([]byte(`{"Lamp": {"power": true}}`))
	require.NoError(t, err)

	state, ok := backend.ThingState("Lamp")
	require.True(t, ok)
	assert.JSONEq(t, `{"power": true}`, string(state))
}

// Package tools unifies the five tool backends (server plugins, server-side
// MCP, device IoT, device-side MCP, remote MCP endpoint) behind one
// name-indexed dispatch surface for the LLM loop.
package tools

import (
	"context"

	"github.com/auralis-io/auralis/internal/providers"
)

// ToolType identifies which backend owns a tool.
type ToolType int

const (
	ToolTypeServerPlugin ToolType = iota
	ToolTypeServerMCP
	ToolTypeDeviceIoT
	ToolTypeDeviceMCP
	ToolTypeEndpointMCP
)

func (t ToolType) String() string {
	switch t {
	case ToolTypeServerPlugin:
		return "server_plugin"
	case ToolTypeServerMCP:
		return "server_mcp"
	case ToolTypeDeviceIoT:
		return "device_iot"
	case ToolTypeDeviceMCP:
		return "device_mcp"
	case ToolTypeEndpointMCP:
		return "endpoint_mcp"
	default:
		return "unknown"
	}
}

// Action tells the LLM loop what to do with a tool result.
type Action int

const (
	// ActionError marks a failed call; the error text is spoken to the user.
	ActionError Action = iota
	// ActionNotFound marks a call to a tool no backend owns.
	ActionNotFound
	// ActionNone marks a call that produced nothing to say or feed back.
	ActionNone
	// ActionResponse carries text to speak directly, without another LLM round.
	ActionResponse
	// ActionRequestLLM carries data the LLM must see in one more chat round.
	ActionRequestLLM
)

// Result is the outcome of one tool call. Lookup and execution failures are
// expressed as tagged results, never as errors escaping to the LLM loop.
type Result struct {
	Action   Action
	Result   string // payload fed back to the LLM
	Response string // text spoken directly to the user
}

// NeedsLLM reports whether the result requires another chat round.
func (r Result) NeedsLLM() bool { return r.Action == ActionRequestLLM }

// IsError reports whether the call failed or the tool was unknown.
func (r Result) IsError() bool { return r.Action == ActionError || r.Action == ActionNotFound }

// Text returns whichever payload the result carries.
func (r Result) Text() string {
	if r.Response != "" {
		return r.Response
	}
	return r.Result
}

// Definition describes one callable tool in OpenAI function shape.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Type        ToolType
}

// Function converts the definition to the shape advertised to the LLM.
func (d Definition) Function() providers.FunctionDefinition {
	return providers.FunctionDefinition{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Parameters,
	}
}

// Executor is one tool backend.
type Executor interface {
	// Tools returns the backend's current tool set keyed by name.
	Tools() map[string]Definition
	// HasTool reports whether the backend currently owns name.
	HasTool(name string) bool
	// Execute runs the named tool. Returned errors are converted to
	// ActionError results by the manager.
	Execute(ctx context.Context, name string, args map[string]any) (Result, error)
}

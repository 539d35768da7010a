package session

import (
	"github.com/auralis-io/auralis/internal/id"
	"github.com/auralis-io/auralis/internal/providers"
)

// toolCallAccumulator stitches streamed tool-call fragments back into
// whole calls. Fragments carrying an index land in that slot; without an
// index, a fragment naming a function opens a new call and anonymous
// argument fragments append to the most recent one.
type toolCallAccumulator struct {
	calls []providers.ToolCall
}

func (a *toolCallAccumulator) add(delta providers.ToolCallDelta) {
	var slot *providers.ToolCall

	switch {
	case delta.Index != nil:
		idx := *delta.Index
		for len(a.calls) <= idx {
			a.calls = append(a.calls, providers.ToolCall{})
		}
		slot = &a.calls[idx]
	case delta.Name != "" || len(a.calls) == 0:
		a.calls = append(a.calls, providers.ToolCall{})
		slot = &a.calls[len(a.calls)-1]
	default:
		slot = &a.calls[len(a.calls)-1]
	}

	if delta.ID != "" {
		slot.ID = delta.ID
	}
	if delta.Type != "" {
		slot.Type = delta.Type
	}
	if delta.Name != "" {
		slot.Function.Name = delta.Name
	}
	slot.Function.Arguments += delta.Arguments
}

// finish returns the completed calls, dropping slots that never received
// a function name and filling in ids and types the provider omitted.
func (a *toolCallAccumulator) finish() []providers.ToolCall {
	out := make([]providers.ToolCall, 0, len(a.calls))
	for _, call := range a.calls {
		if call.Function.Name == "" {
			continue
		}
		if call.ID == "" {
			call.ID = id.NewToolCall()
		}
		if call.Type == "" {
			call.Type = "function"
		}
		out = append(out, call)
	}
	return out
}

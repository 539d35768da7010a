// Package providers defines the capability contracts the session consumes:
// VAD, ASR, TTS, LLM, conversation memory and intent detection. Concrete
// implementations live in subpackages and are swappable leaves.
package providers

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FunctionCall is the function payload of a tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one completed function invocation request from the LLM.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is one entry of a dialogue.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// FunctionDefinition is an OpenAI-style function schema advertised to the LLM.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCallDelta is one streamed tool-call fragment. Index is the provider's
// slot when present; fragments without an index fall back to the
// name-present-means-new-call heuristic in the accumulator.
type ToolCallDelta struct {
	Index     *int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// Chunk is one streamed piece of an LLM response.
type Chunk struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Err          error
}

// LLM produces streamed chat completions.
type LLM interface {
	// Response streams a plain completion for the dialogue.
	Response(ctx context.Context, sessionID string, dialogue []Message) (<-chan Chunk, error)
	// ResponseWithFunctions streams a completion with the given function
	// definitions available for tool calling. An empty functions slice
	// disables tool calling for the request.
	ResponseWithFunctions(ctx context.Context, sessionID string, dialogue []Message, functions []FunctionDefinition) (<-chan Chunk, error)
}

// VAD classifies audio as speech or silence.
type VAD interface {
	// IsVoice reports whether the PCM chunk contains speech.
	IsVoice(ctx context.Context, pcm []float32) (bool, error)
	Close() error
}

// ASR converts accumulated speech audio to text.
type ASR interface {
	SpeechToText(ctx context.Context, pcm []byte, sampleRate int) (string, error)
	Close() error
}

// TTS synthesizes speech for one sentence, returning paced-frame-sized
// opus packets.
type TTS interface {
	Synthesize(ctx context.Context, text string) ([][]byte, error)
	Close() error
}

// Memory persists and recalls conversation context. One implementation is
// shared by every session, so all operations take the device identity as a
// parameter and implementations must hold no per-session state. They must
// also tolerate being called from a detached goroutine during teardown.
type Memory interface {
	InitMemory(ctx context.Context, deviceID, sessionID string) error
	QueryMemory(ctx context.Context, deviceID, text string) (string, error)
	SaveMemory(ctx context.Context, deviceID string, dialogue []Message, sessionID string) error
}

// Intent inspects recognized text before the LLM turn. It returns a JSON
// action document, or an empty string when no intent was detected and the
// text should flow to the normal chat path.
type Intent interface {
	DetectIntent(ctx context.Context, dialogue []Message, text string) (string, error)
}

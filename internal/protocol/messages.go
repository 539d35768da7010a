// Package protocol defines the JSON and binary wire formats spoken between
// the gateway and edge devices.
package protocol

import "encoding/json"

// Message type strings used in the "type" field of device JSON messages.
const (
	TypeHello  = "hello"
	TypeListen = "listen"
	TypeAbort  = "abort"
	TypeIoT    = "iot"
	TypeMCP    = "mcp"
	TypeTTS    = "tts"
	TypeSTT    = "stt"
	TypeLLM    = "llm"
	TypeServer = "server"
)

// TTS playback states sent to the device.
const (
	TTSStateStart         = "start"
	TTSStateSentenceStart = "sentence_start"
	TTSStateSentenceEnd   = "sentence_end"
	TTSStateStop          = "stop"
)

// Listen states received from the device.
const (
	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"
)

// Listen modes received from the device.
const (
	ListenModeAuto     = "auto"
	ListenModeManual   = "manual"
	ListenModeRealtime = "realtime"
)

// ClientMessage is the envelope for every inbound JSON text frame. Fields
// are a union across message types; Type selects which ones are meaningful.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`

	// hello
	Version     int             `json:"version,omitempty"`
	Transport   string          `json:"transport,omitempty"`
	AudioParams *AudioParams    `json:"audio_params,omitempty"`
	Features    map[string]bool `json:"features,omitempty"`

	// listen
	State string `json:"state,omitempty"`
	Mode  string `json:"mode,omitempty"`
	Text  string `json:"text,omitempty"`

	// abort
	Reason string `json:"reason,omitempty"`

	// iot
	Descriptors json.RawMessage `json:"descriptors,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`

	// mcp (device-side MCP payload, a raw JSON-RPC frame)
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AudioParams carries the audio negotiation of the hello handshake.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// HelloMessage is the server's reply to a client hello.
type HelloMessage struct {
	Type        string       `json:"type"`
	Version     int          `json:"version"`
	SessionID   string       `json:"session_id"`
	Transport   string       `json:"transport"`
	AudioParams *AudioParams `json:"audio_params"`
}

// TTSMessage signals TTS playback state transitions to the device.
type TTSMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
}

// STTMessage echoes recognized speech back to the device.
type STTMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// LLMMessage carries assistant emotion/expression hints to the device.
type LLMMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Emotion   string `json:"emotion,omitempty"`
	SessionID string `json:"session_id"`
}

// ServerMessage carries server-initiated control such as restart requests.
type ServerMessage struct {
	Type    string         `json:"type"`
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Content *ServerContent `json:"content,omitempty"`
}

// ServerContent is the action payload of a ServerMessage.
type ServerContent struct {
	Action string `json:"action"`
}

// IoTCommandMessage instructs the device to run IoT thing methods.
type IoTCommandMessage struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id,omitempty"`
	Commands  []IoTCommand `json:"commands"`
}

// IoTCommand is one method invocation on a device-registered thing.
type IoTCommand struct {
	Name       string         `json:"name"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// MCPMessage wraps a JSON-RPC frame addressed to the device-side MCP server.
type MCPMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// NewServerRestart builds the restart control message.
func NewServerRestart(message string) *ServerMessage {
	return &ServerMessage{
		Type:    TypeServer,
		Status:  "success",
		Message: message,
		Content: &ServerContent{Action: "restart"},
	}
}

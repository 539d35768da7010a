package config

// DeviceOverlay carries the per-device values the management API can
// override. Zero values mean "keep the process default".
type DeviceOverlay struct {
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	TTSVoice       string   `json:"tts_voice,omitempty"`
	TTSSpeed       float64  `json:"tts_speed,omitempty"`
	ASRLanguage    string   `json:"asr_language,omitempty"`
	LLMModel       string   `json:"llm_model,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	AudioFormat    string   `json:"audio_format,omitempty"`
	SampleRate     int      `json:"sample_rate,omitempty"`
	Plugins        []string `json:"plugins,omitempty"`
	ManualListen   bool     `json:"manual_listen,omitempty"`
	CloseAfterIdle int      `json:"close_after_idle_seconds,omitempty"`
}

// Clone returns a deep copy of the configuration. Slices are copied so a
// per-session overlay can never alias the process-wide defaults.
func (c *Config) Clone() *Config {
	out := *c
	out.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	out.MCP.Servers = make([]MCPServerConfig, len(c.MCP.Servers))
	for i, srv := range c.MCP.Servers {
		out.MCP.Servers[i] = srv
		out.MCP.Servers[i].Args = append([]string(nil), srv.Args...)
		out.MCP.Servers[i].Env = append([]string(nil), srv.Env...)
	}
	return &out
}

// Merge returns a deep copy of the configuration with non-zero overlay
// fields applied on top.
func (c *Config) Merge(overlay *DeviceOverlay) *Config {
	out := c.Clone()
	if overlay == nil {
		return out
	}
	if overlay.SystemPrompt != "" {
		out.LLM.SystemPrompt = overlay.SystemPrompt
	}
	if overlay.TTSVoice != "" {
		out.TTS.Voice = overlay.TTSVoice
	}
	if overlay.TTSSpeed > 0 {
		out.TTS.Speed = overlay.TTSSpeed
	}
	if overlay.ASRLanguage != "" {
		out.ASR.Language = overlay.ASRLanguage
	}
	if overlay.LLMModel != "" {
		out.LLM.Model = overlay.LLMModel
	}
	if overlay.MaxTokens > 0 {
		out.LLM.MaxTokens = overlay.MaxTokens
	}
	if overlay.AudioFormat != "" {
		out.Session.AudioFormat = overlay.AudioFormat
	}
	if overlay.SampleRate > 0 {
		out.Session.SampleRate = overlay.SampleRate
	}
	if overlay.CloseAfterIdle > 0 {
		out.Session.NoVoiceCloseSeconds = overlay.CloseAfterIdle
	}
	return out
}

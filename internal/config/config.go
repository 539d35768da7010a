package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the gateway process. Per-device values
// fetched from the management API are overlaid on a deep copy (see Merge),
// never on this struct itself.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Manager ManagerConfig `json:"manager"`
	Session SessionConfig `json:"session"`
	VAD     VADConfig     `json:"vad"`
	ASR     ASRConfig     `json:"asr"`
	TTS     TTSConfig     `json:"tts"`
	LLM     LLMConfig     `json:"llm"`
	Memory  MemoryConfig  `json:"memory"`
	MCP     MCPConfig     `json:"mcp"`
	Log     LogConfig     `json:"log"`
}

// ServerConfig holds WebSocket/HTTP server configuration
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AuthToken      string   `json:"auth_token"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// ManagerConfig holds management-API client configuration
type ManagerConfig struct {
	URL           string        `json:"url"`
	Secret        string        `json:"secret"`
	Timeout       time.Duration `json:"timeout"`
	MaxRetries    int           `json:"max_retries"`
	RetryInterval time.Duration `json:"retry_interval"`
}

// SessionConfig holds per-connection session behavior
type SessionConfig struct {
	NoVoiceCloseSeconds   int           `json:"no_voice_close_seconds"`
	BindReminderInterval  time.Duration `json:"bind_reminder_interval"`
	FrameDuration         time.Duration `json:"frame_duration"`
	SampleRate            int           `json:"sample_rate"`
	AudioFormat           string        `json:"audio_format"` // "opus" or "pcm"
	NotificationSound     string        `json:"notification_sound"`
	GenericErrorUtterance string        `json:"generic_error_utterance"`
}

// VADConfig holds voice-activity-detection configuration (silero)
type VADConfig struct {
	ModelPath            string  `json:"model_path"`
	Threshold            float32 `json:"threshold"`
	MinSilenceDurationMs int     `json:"min_silence_duration_ms"`
	SpeechPadMs          int     `json:"speech_pad_ms"`
}

// ASRConfig holds Automatic Speech Recognition configuration
type ASRConfig struct {
	URL      string        `json:"url"`
	APIKey   string        `json:"api_key"`
	Model    string        `json:"model"`
	Language string        `json:"language"`
	Timeout  time.Duration `json:"timeout"`
}

// TTSConfig holds Text-to-Speech configuration
type TTSConfig struct {
	URL     string        `json:"url"`
	APIKey  string        `json:"api_key"`
	Voice   string        `json:"voice"`
	Speed   float64       `json:"speed"`
	Timeout time.Duration `json:"timeout"`
}

// LLMConfig holds LLM API configuration (OpenAI-compatible)
type LLMConfig struct {
	URL            string  `json:"url"`
	APIKey         string  `json:"api_key"`
	Model          string  `json:"model"`
	EmbeddingModel string  `json:"embedding_model"`
	MaxTokens      int     `json:"max_tokens"`
	Temperature    float64 `json:"temperature"`
	SystemPrompt   string  `json:"system_prompt"`
}

// MemoryConfig holds conversation-memory store configuration
type MemoryConfig struct {
	PostgresURL string `json:"postgres_url"`
	Enabled     bool   `json:"enabled"`
}

// MCPConfig holds MCP server configurations. EndpointURL points at an
// optional remote MCP endpoint shared by all sessions.
type MCPConfig struct {
	Servers       []MCPServerConfig `json:"servers"`
	EndpointURL   string            `json:"endpoint_url,omitempty"`
	EndpointToken string            `json:"endpoint_token,omitempty"`
}

// MCP transport types.
const (
	MCPTransportStdio     = "stdio"
	MCPTransportWebSocket = "websocket"
)

// MCPServerConfig represents a single MCP server configuration
type MCPServerConfig struct {
	Name           string   `json:"name"`
	Transport      string   `json:"transport"` // "stdio" or "websocket"
	Command        string   `json:"command,omitempty"`
	Args           []string `json:"args,omitempty"`
	Env            []string `json:"env,omitempty"`
	URL            string   `json:"url,omitempty"`
	Token          string   `json:"token,omitempty"`
	AutoReconnect  bool     `json:"auto_reconnect"`
	ReconnectDelay int      `json:"reconnect_delay,omitempty"` // in seconds
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Manager: ManagerConfig{
			URL:           "",
			Timeout:       10 * time.Second,
			MaxRetries:    3,
			RetryInterval: 2 * time.Second,
		},
		Session: SessionConfig{
			NoVoiceCloseSeconds:   120,
			BindReminderInterval:  60 * time.Second,
			FrameDuration:         60 * time.Millisecond,
			SampleRate:            16000,
			AudioFormat:           "opus",
			GenericErrorUtterance: "Sorry, something went wrong. Please try again.",
		},
		VAD: VADConfig{
			ModelPath:            "models/silero_vad.onnx",
			Threshold:            0.5,
			MinSilenceDurationMs: 500,
			SpeechPadMs:          100,
		},
		ASR: ASRConfig{
			URL:     "http://localhost:8001/v1",
			Model:   "whisper-large-v3",
			Timeout: 30 * time.Second,
		},
		TTS: TTSConfig{
			URL:     "http://localhost:8001/v1",
			Voice:   "af_sarah",
			Speed:   1.0,
			Timeout: 60 * time.Second,
		},
		LLM: LLMConfig{
			URL:            "http://localhost:8080/v1",
			Model:          "Qwen/Qwen3-8B-AWQ",
			EmbeddingModel: "text-embedding-3-small",
			MaxTokens:      1024,
			Temperature:    0.7,
			SystemPrompt:   "You are a helpful voice assistant. Keep answers short and speakable.",
		},
		Memory: MemoryConfig{
			PostgresURL: "",
			Enabled:     false,
		},
		MCP: MCPConfig{
			Servers: []MCPServerConfig{},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envFloat loads a float64 environment variable into the target pointer if set and valid
func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// envFloat32 loads a float32 environment variable into the target pointer if set and valid
func envFloat32(key string, target *float32) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			*target = float32(f)
		}
	}
}

// envBool loads a boolean environment variable into the target pointer if set and valid
func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// envDuration loads a duration environment variable into the target pointer if set and valid
func envDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPath()
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to parse config file %s: %v\n", configPath, err)
		}
	}

	envString("AURALIS_SERVER_HOST", &cfg.Server.Host)
	envInt("AURALIS_SERVER_PORT", &cfg.Server.Port)
	envString("AURALIS_AUTH_TOKEN", &cfg.Server.AuthToken)
	envStringSlice("AURALIS_ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)

	envString("AURALIS_MANAGER_URL", &cfg.Manager.URL)
	envString("AURALIS_MANAGER_SECRET", &cfg.Manager.Secret)
	envDuration("AURALIS_MANAGER_TIMEOUT", &cfg.Manager.Timeout)
	envInt("AURALIS_MANAGER_MAX_RETRIES", &cfg.Manager.MaxRetries)
	envDuration("AURALIS_MANAGER_RETRY_INTERVAL", &cfg.Manager.RetryInterval)

	envInt("AURALIS_NO_VOICE_CLOSE_SECONDS", &cfg.Session.NoVoiceCloseSeconds)
	envDuration("AURALIS_BIND_REMINDER_INTERVAL", &cfg.Session.BindReminderInterval)
	envDuration("AURALIS_FRAME_DURATION", &cfg.Session.FrameDuration)
	envInt("AURALIS_SAMPLE_RATE", &cfg.Session.SampleRate)
	envString("AURALIS_AUDIO_FORMAT", &cfg.Session.AudioFormat)
	envString("AURALIS_NOTIFICATION_SOUND", &cfg.Session.NotificationSound)
	envString("AURALIS_ERROR_UTTERANCE", &cfg.Session.GenericErrorUtterance)

	envString("AURALIS_VAD_MODEL", &cfg.VAD.ModelPath)
	envFloat32("AURALIS_VAD_THRESHOLD", &cfg.VAD.Threshold)
	envInt("AURALIS_VAD_MIN_SILENCE_MS", &cfg.VAD.MinSilenceDurationMs)
	envInt("AURALIS_VAD_SPEECH_PAD_MS", &cfg.VAD.SpeechPadMs)

	envString("AURALIS_ASR_URL", &cfg.ASR.URL)
	envString("AURALIS_ASR_API_KEY", &cfg.ASR.APIKey)
	envString("AURALIS_ASR_MODEL", &cfg.ASR.Model)
	envString("AURALIS_ASR_LANGUAGE", &cfg.ASR.Language)
	envDuration("AURALIS_ASR_TIMEOUT", &cfg.ASR.Timeout)

	envString("AURALIS_TTS_URL", &cfg.TTS.URL)
	envString("AURALIS_TTS_API_KEY", &cfg.TTS.APIKey)
	envString("AURALIS_TTS_VOICE", &cfg.TTS.Voice)
	envFloat("AURALIS_TTS_SPEED", &cfg.TTS.Speed)
	envDuration("AURALIS_TTS_TIMEOUT", &cfg.TTS.Timeout)

	envString("AURALIS_LLM_URL", &cfg.LLM.URL)
	envString("AURALIS_LLM_API_KEY", &cfg.LLM.APIKey)
	envString("AURALIS_LLM_MODEL", &cfg.LLM.Model)
	envString("AURALIS_EMBEDDING_MODEL", &cfg.LLM.EmbeddingModel)
	envInt("AURALIS_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	envFloat("AURALIS_LLM_TEMPERATURE", &cfg.LLM.Temperature)
	envString("AURALIS_SYSTEM_PROMPT", &cfg.LLM.SystemPrompt)

	envString("AURALIS_POSTGRES_URL", &cfg.Memory.PostgresURL)
	envBool("AURALIS_MEMORY_ENABLED", &cfg.Memory.Enabled)

	// MCP servers are primarily configured via config file, but can be augmented via env
	if mcpServersJSON := os.Getenv("AURALIS_MCP_SERVERS"); mcpServersJSON != "" {
		var envServers []MCPServerConfig
		if err := json.Unmarshal([]byte(mcpServersJSON), &envServers); err == nil {
			cfg.MCP.Servers = append(cfg.MCP.Servers, envServers...)
		}
	}
	envString("AURALIS_MCP_ENDPOINT_URL", &cfg.MCP.EndpointURL)
	envString("AURALIS_MCP_ENDPOINT_TOKEN", &cfg.MCP.EndpointToken)

	envString("AURALIS_LOG_LEVEL", &cfg.Log.Level)
	envString("AURALIS_LOG_FORMAT", &cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsManagerConfigured returns true if the management API is configured
func (c *Config) IsManagerConfigured() bool {
	return c.Manager.URL != ""
}

// IsMemoryConfigured returns true if the conversation-memory store is usable
func (c *Config) IsMemoryConfigured() bool {
	return c.Memory.Enabled && c.Memory.PostgresURL != ""
}

// isValidURL validates that a URL has proper format
func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Validate checks that the configuration has valid values
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	if c.Session.FrameDuration <= 0 {
		errs = append(errs, "session frame duration must be positive")
	}
	if c.Session.SampleRate <= 0 {
		errs = append(errs, "session sample rate must be positive")
	}
	if c.Session.AudioFormat != "opus" && c.Session.AudioFormat != "pcm" {
		errs = append(errs, "session audio format must be 'opus' or 'pcm'")
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "LLM temperature must be between 0 and 2")
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, "LLM max_tokens must be positive")
	}
	if c.LLM.URL == "" {
		errs = append(errs, "LLM URL is required")
	} else if !isValidURL(c.LLM.URL) {
		errs = append(errs, "LLM URL must be a valid URL")
	}

	if c.ASR.URL != "" && !isValidURL(c.ASR.URL) {
		errs = append(errs, "ASR URL must be a valid URL")
	}
	if c.TTS.URL != "" && !isValidURL(c.TTS.URL) {
		errs = append(errs, "TTS URL must be a valid URL")
	}
	if c.Manager.URL != "" && !isValidURL(c.Manager.URL) {
		errs = append(errs, "manager URL must be a valid URL")
	}

	if c.Memory.Enabled && c.Memory.PostgresURL == "" {
		errs = append(errs, "memory is enabled but postgres URL is empty")
	}
	if c.Memory.PostgresURL != "" && !isValidURL(c.Memory.PostgresURL) {
		errs = append(errs, "postgres URL must be a valid URL")
	}

	for i, server := range c.MCP.Servers {
		if server.Name == "" {
			errs = append(errs, fmt.Sprintf("MCP server %d: name is required", i))
		}
		if server.Transport != MCPTransportStdio && server.Transport != MCPTransportWebSocket {
			errs = append(errs, fmt.Sprintf("MCP server %s: transport must be 'stdio' or 'websocket'", server.Name))
		}
		if server.Transport == MCPTransportStdio && server.Command == "" {
			errs = append(errs, fmt.Sprintf("MCP server %s: command is required for stdio transport", server.Name))
		}
		if server.Transport == MCPTransportWebSocket && server.URL == "" {
			errs = append(errs, fmt.Sprintf("MCP server %s: URL is required for websocket transport", server.Name))
		}
		if server.Transport == MCPTransportWebSocket && server.URL != "" && !isValidURL(server.URL) {
			errs = append(errs, fmt.Sprintf("MCP server %s: URL must be a valid URL", server.Name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// getConfigPath returns the path to the config file
func getConfigPath() string {
	if path := os.Getenv("AURALIS_CONFIG"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}

	configDir := filepath.Join(homeDir, ".config", "auralis")
	configPath := filepath.Join(configDir, "config.json")
	if _, err := os.Stat(configPath); err == nil {
		return configPath
	}

	altPath := filepath.Join(homeDir, ".auralis", "config.json")
	if _, err := os.Stat(altPath); err == nil {
		return altPath
	}

	return configPath
}

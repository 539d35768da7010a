package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/auralis-io/auralis/internal/config"
)

var version = "dev"

var cfg *config.Config

func main() {
	rootCmd := &cobra.Command{
		Use:   "auralis",
		Short: "Auralis - voice assistant WebSocket gateway",
		Long: `Auralis is a self-hosted gateway for voice assistant devices.
It terminates device WebSocket connections and coordinates speech
recognition, the language model, tool calling and speech synthesis.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		serveCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Server:")
			fmt.Printf("  Listen:       %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			fmt.Printf("  Auth token:   %s\n", maskSecret(cfg.Server.AuthToken))
			fmt.Println()

			fmt.Println("LLM:")
			fmt.Printf("  URL:          %s\n", cfg.LLM.URL)
			fmt.Printf("  Model:        %s\n", cfg.LLM.Model)
			fmt.Printf("  Max tokens:   %d\n", cfg.LLM.MaxTokens)
			fmt.Printf("  API key:      %s\n", maskSecret(cfg.LLM.APIKey))
			fmt.Println()

			fmt.Println("ASR:")
			fmt.Printf("  URL:          %s\n", cfg.ASR.URL)
			fmt.Printf("  Model:        %s\n", cfg.ASR.Model)
			fmt.Printf("  Language:     %s\n", cfg.ASR.Language)
			fmt.Println()

			fmt.Println("TTS:")
			fmt.Printf("  URL:          %s\n", cfg.TTS.URL)
			fmt.Printf("  Voice:        %s\n", cfg.TTS.Voice)
			fmt.Printf("  Speed:        %.2f\n", cfg.TTS.Speed)
			fmt.Println()

			fmt.Println("VAD:")
			fmt.Printf("  Model path:   %s\n", cfg.VAD.ModelPath)
			fmt.Printf("  Threshold:    %.2f\n", cfg.VAD.Threshold)
			fmt.Println()

			fmt.Println("Session:")
			fmt.Printf("  Audio format: %s\n", cfg.Session.AudioFormat)
			fmt.Printf("  Sample rate:  %d\n", cfg.Session.SampleRate)
			fmt.Printf("  Frame:        %v\n", cfg.Session.FrameDuration)
			fmt.Println()

			fmt.Println("Manager API:")
			fmt.Printf("  URL:          %s\n", cfg.Manager.URL)
			fmt.Printf("  Secret:       %s\n", maskSecret(cfg.Manager.Secret))
			fmt.Println()

			fmt.Println("Memory:")
			fmt.Printf("  Enabled:      %v\n", cfg.Memory.Enabled)
			fmt.Printf("  PostgreSQL:   %s\n", maskSecret(cfg.Memory.PostgresURL))
			fmt.Println()

			fmt.Printf("MCP servers:    %d configured\n", len(cfg.MCP.Servers))
			if cfg.MCP.EndpointURL != "" {
				fmt.Printf("MCP endpoint:   %s\n", cfg.MCP.EndpointURL)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("auralis %s\n", version)
		},
	}
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-2:]
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/auralis-io/auralis/internal/adapters/tracing"
	"github.com/auralis-io/auralis/internal/config"
	"github.com/auralis-io/auralis/internal/manager"
	"github.com/auralis-io/auralis/internal/mcp"
	"github.com/auralis-io/auralis/internal/providers/asr"
	"github.com/auralis-io/auralis/internal/providers/intent"
	"github.com/auralis-io/auralis/internal/providers/llm"
	"github.com/auralis-io/auralis/internal/providers/memory"
	"github.com/auralis-io/auralis/internal/providers/tts"
	"github.com/auralis-io/auralis/internal/providers/vad"
	"github.com/auralis-io/auralis/internal/server"
	"github.com/auralis-io/auralis/internal/session"
	"github.com/auralis-io/auralis/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	shutdownTracer, err := tracing.InitTracer("auralis")
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("main: tracer shutdown failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deps, cleanup, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := server.New(cfg, deps, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("main: reload requested, asking devices to reconnect")
				if err := srv.Reload(); err != nil {
					logger.Warn("main: reload failed, keeping current config", "error", err)
				}
				continue
			}
			logger.Info("main: shutting down", "signal", sig)
			if err := srv.Shutdown(context.Background()); err != nil {
				logger.Warn("main: shutdown incomplete", "error", err)
			}
			return nil
		}
	}
}

// buildDeps constructs the shared providers and tool backends. Optional
// subsystems with no configuration stay nil and the session degrades
// around them.
func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.Deps, func(), error) {
	deps := session.Deps{
		Config:  cfg,
		Plugins: tools.NewPluginRegistry(),
		Logger:  logger,
	}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	llmClient := llm.New(cfg.LLM, logger)
	deps.LLM = llmClient
	deps.Intent = intent.New(llmClient, logger)

	if cfg.ASR.URL != "" {
		deps.ASR = asr.New(cfg.ASR, logger)
	}
	if cfg.TTS.URL != "" {
		deps.TTS = tts.New(cfg.TTS, cfg.Session.SampleRate, cfg.Session.FrameDuration, logger)
	}

	if cfg.VAD.ModelPath != "" {
		detector, err := vad.New(cfg.VAD, cfg.Session.SampleRate, logger)
		if err != nil {
			cleanup()
			return session.Deps{}, nil, fmt.Errorf("failed to init vad: %w", err)
		}
		deps.VAD = detector
		cleanups = append(cleanups, func() { _ = detector.Close() })
	}

	if cfg.IsManagerConfigured() {
		mgr := manager.New(cfg.Manager, logger)
		deps.Manager = mgr
		cleanups = append(cleanups, mgr.Close)
	}

	if cfg.IsMemoryConfigured() {
		pool, err := pgxpool.New(ctx, cfg.Memory.PostgresURL)
		if err != nil {
			cleanup()
			return session.Deps{}, nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		cleanups = append(cleanups, pool.Close)

		embedder := memory.NewEmbeddingClient(cfg.LLM.URL, cfg.LLM.APIKey, cfg.LLM.EmbeddingModel)
		deps.Memory = memory.NewStore(pool, embedder, logger)
	}

	if len(cfg.MCP.Servers) > 0 {
		mcpManager := mcp.NewManager(ctx, logger)
		for _, srvCfg := range cfg.MCP.Servers {
			if err := mcpManager.AddServer(srvCfg); err != nil {
				logger.Warn("main: mcp server unavailable", "name", srvCfg.Name, "error", err)
			}
		}
		cleanups = append(cleanups, func() { _ = mcpManager.Close() })
		deps.ServerMCP = tools.NewServerMCPBackend(ctx, mcpManager, logger)
	}

	if cfg.MCP.EndpointURL != "" {
		endpoint, err := tools.NewEndpointMCPBackend(ctx, cfg.MCP.EndpointURL, cfg.MCP.EndpointToken, logger)
		if err != nil {
			logger.Warn("main: mcp endpoint unavailable", "url", cfg.MCP.EndpointURL, "error", err)
		} else {
			deps.EndpointMCP = endpoint
			cleanups = append(cleanups, func() { _ = endpoint.Close() })
		}
	}

	return deps, cleanup, nil
}

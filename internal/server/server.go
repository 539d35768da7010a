// Package server exposes the gateway's HTTP surface: the device WebSocket
// endpoint, health and metrics, and the vision upload stub.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/auralis-io/auralis/internal/adapters/metrics"
	"github.com/auralis-io/auralis/internal/config"
	"github.com/auralis-io/auralis/internal/session"
)

const shutdownTimeout = 15 * time.Second

// Server routes device connections into sessions.
type Server struct {
	reloadMu sync.Mutex
	cfg      *config.Config

	deps     session.Deps
	logger   *slog.Logger
	registry *Registry
	upgrader websocket.Upgrader

	httpServer *http.Server
}

func New(cfg *config.Config, deps session.Deps, logger *slog.Logger) *Server {
	allowed := make(map[string]bool, len(cfg.Server.AllowedOrigins))
	for _, origin := range cfg.Server.AllowedOrigins {
		allowed[origin] = true
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		registry: NewRegistry(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Devices connect without an Origin header.
				return origin == "" || len(allowed) == 0 || allowed[origin]
			},
		},
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(recovery(logger))

	router.Get("/healthz", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/ws", s.handleWS)
	router.Get("/xiaozhi/v1/", s.handleWS)
	router.Post("/api/vision", s.handleVision)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server: listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes active sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.registry.CloseAll()
	return s.httpServer.Shutdown(ctx)
}

// Registry exposes the live-session registry, used for restart broadcasts
// on config reload.
func (s *Server) Registry() *Registry { return s.registry }

// Reload re-reads configuration from the environment and applies it to
// sessions opened from now on. Existing sessions keep their snapshot and
// are asked to reconnect so they pick up the new one. Concurrent reloads
// are serialized.
func (s *Server) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	s.cfg = cfg
	s.deps.Config = cfg
	s.logger.Info("server: configuration reloaded")
	s.registry.BroadcastRestart("configuration updated")
	return nil
}

// currentConfig returns the active config snapshot for new requests.
func (s *Server) currentConfig() *config.Config {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.cfg
}

func (s *Server) currentDeps() session.Deps {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.deps
}

// handleWS upgrades a device connection and runs its session to
// completion. The device identity comes from the device-id header, with
// a query fallback for transports that cannot set headers.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("device-id")
	if deviceID == "" {
		deviceID = r.URL.Query().Get("device-id")
	}
	if deviceID == "" {
		http.Error(w, "device-id required", http.StatusBadRequest)
		return
	}

	cfg := s.currentConfig()
	if cfg.Server.AuthToken != "" {
		token := bearerToken(r)
		if token != cfg.Server.AuthToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	clientID := r.Header.Get("client-id")
	if clientID == "" {
		clientID = r.URL.Query().Get("client-id")
	}
	gatewayFramed := r.URL.Query().Get("from") == "mqtt_gateway"

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("server: upgrade failed", "error", err, "device_id", deviceID)
		return
	}

	transport := "websocket"
	if gatewayFramed {
		transport = "mqtt_gateway"
	}
	metrics.ConnectionsTotal.WithLabelValues(transport).Inc()
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	sess := session.New(conn, deviceID, clientID, r.RemoteAddr, gatewayFramed, s.currentDeps())
	s.registry.Add(sess)
	defer s.registry.Remove(sess)

	sess.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.registry.Count())
}

// handleVision accepts device camera uploads. Image understanding is not
// wired to a model yet; the endpoint acknowledges the upload so devices
// with a camera do not error out.
func (s *Server) handleVision(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 8<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		http.Error(w, `{"success":false,"message":"invalid upload"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"success":true,"result":"image received"}`)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("server: request",
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start),
			)
		})
	}
}

func recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("server: handler panic", "panic", rec, "path", r.URL.Path)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

package server

import (
	"log/slog"
	"sync"

	"github.com/auralis-io/auralis/internal/session"
)

// Registry tracks live sessions so server-wide operations can reach them.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Handler
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*session.Handler),
		logger:   logger,
	}
}

func (r *Registry) Add(s *session.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *Registry) Remove(s *session.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// BroadcastRestart asks every connected device to reconnect, used when a
// config reload changes session behavior.
func (r *Registry) BroadcastRestart(message string) {
	r.mu.RLock()
	targets := make([]*session.Handler, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if err := s.Restart(message); err != nil {
			r.logger.Debug("server: restart notify failed", "device_id", s.DeviceID(), "error", err)
		}
	}
}

// CloseAll stops every live session. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	targets := make([]*session.Handler, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.Stop()
	}
}

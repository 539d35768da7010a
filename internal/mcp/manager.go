package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/auralis-io/auralis/internal/config"
)

const (
	monitorInterval = 5 * time.Second
	maxBackoff      = 60 * time.Second
)

// ConnectionCallback fires when a server's connection status changes.
type ConnectionCallback func(serverName string, connected bool)

// Manager holds the connections to all configured MCP servers and
// reconnects the ones that have auto-reconnect enabled.
type Manager struct {
	servers  map[string]*managedClient
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
	callback ConnectionCallback
}

type managedClient struct {
	config         config.MCPServerConfig
	reconnectDelay time.Duration
	client         *Client
	transport      Transport
	logger         *slog.Logger
	mu             sync.RWMutex
	connected      bool
	reconnecting   bool
	stopCh         chan struct{}
	manager        *Manager
}

// NewManager creates an empty manager bound to ctx.
func NewManager(ctx context.Context, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		servers: make(map[string]*managedClient),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// SetConnectionCallback registers a status-change callback. It is invoked
// outside the manager lock.
func (m *Manager) SetConnectionCallback(cb ConnectionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = cb
}

func (m *Manager) notifyConnectionChange(serverName string, connected bool) {
	m.mu.RLock()
	cb := m.callback
	m.mu.RUnlock()

	if cb != nil {
		cb(serverName, connected)
	}
}

// AddServer connects to a configured server and starts its monitor.
func (m *Manager) AddServer(cfg config.MCPServerConfig) error {
	m.mu.Lock()
	if _, exists := m.servers[cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("server %s already exists", cfg.Name)
	}

	delay := time.Duration(cfg.ReconnectDelay) * time.Second
	if delay == 0 {
		delay = 5 * time.Second
	}

	managed := &managedClient{
		config:         cfg,
		reconnectDelay: delay,
		logger:         m.logger,
		stopCh:         make(chan struct{}),
		manager:        m,
	}

	if err := managed.connect(m.ctx); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to connect to server %s: %w", cfg.Name, err)
	}

	m.servers[cfg.Name] = managed
	m.mu.Unlock()

	m.notifyConnectionChange(cfg.Name, true)

	if cfg.AutoReconnect {
		go managed.monitor(m.ctx)
	}
	return nil
}

// RemoveServer disconnects and forgets a server.
func (m *Manager) RemoveServer(name string) error {
	m.mu.Lock()
	managed, exists := m.servers[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("server %s not found", name)
	}
	delete(m.servers, name)
	m.mu.Unlock()

	return managed.close()
}

// GetClient returns the connected client for a server.
func (m *Manager) GetClient(name string) (*Client, error) {
	m.mu.RLock()
	managed, exists := m.servers[name]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("server %s not found", name)
	}

	managed.mu.RLock()
	defer managed.mu.RUnlock()
	if !managed.connected {
		return nil, fmt.Errorf("server %s not connected", name)
	}
	return managed.client, nil
}

// ListServers returns the names of all registered servers.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	return names
}

// ServerStatus reports whether a server is currently connected.
func (m *Manager) ServerStatus(name string) (bool, error) {
	m.mu.RLock()
	managed, exists := m.servers[name]
	m.mu.RUnlock()

	if !exists {
		return false, fmt.Errorf("server %s not found", name)
	}

	managed.mu.RLock()
	defer managed.mu.RUnlock()
	return managed.connected, nil
}

// Close disconnects all servers.
func (m *Manager) Close() error {
	m.cancel()

	// Closing a client notifies the callback, which needs the manager
	// lock, so collect first and close outside the lock.
	m.mu.Lock()
	clients := make([]*managedClient, 0, len(m.servers))
	for _, managed := range m.servers {
		clients = append(clients, managed)
	}
	m.mu.Unlock()

	var lastErr error
	for _, managed := range clients {
		if err := managed.close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (mc *managedClient) connect(ctx context.Context) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	var transport Transport
	var err error

	switch mc.config.Transport {
	case config.MCPTransportStdio:
		transport, err = NewStdioTransport(mc.config.Command, mc.config.Args, mc.config.Env, mc.logger)
		if err != nil {
			return fmt.Errorf("failed to create stdio transport: %w", err)
		}
	case config.MCPTransportWebSocket:
		transport, err = NewWebSocketTransport(ctx, mc.config.URL, mc.config.Token, mc.logger)
		if err != nil {
			return fmt.Errorf("failed to create websocket transport: %w", err)
		}
	default:
		return fmt.Errorf("unsupported transport type: %s", mc.config.Transport)
	}

	client := NewClient(mc.config.Name, transport, mc.logger)
	if err := client.Initialize(ctx); err != nil {
		transport.Close()
		return fmt.Errorf("failed to initialize client: %w", err)
	}

	mc.transport = transport
	mc.client = client
	mc.connected = true

	mc.logger.Info("mcp: server connected", "server", mc.config.Name)
	return nil
}

func (mc *managedClient) close() error {
	close(mc.stopCh)

	mc.mu.Lock()
	wasConnected := mc.connected
	mc.connected = false

	var err error
	if mc.client != nil {
		err = mc.client.Close()
		mc.client = nil
	}
	mc.transport = nil
	mc.mu.Unlock()

	if wasConnected && mc.manager != nil {
		mc.manager.notifyConnectionChange(mc.config.Name, false)
	}
	return err
}

func (mc *managedClient) monitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.mu.RLock()
			lost := mc.transport != nil && !mc.transport.IsConnected()
			connected := mc.connected && !lost
			reconnecting := mc.reconnecting
			mc.mu.RUnlock()

			if lost {
				mc.mu.Lock()
				mc.connected = false
				mc.mu.Unlock()
				mc.manager.notifyConnectionChange(mc.config.Name, false)
			}

			if !connected && !reconnecting {
				go mc.reconnect(ctx)
			}
		}
	}
}

func (mc *managedClient) reconnect(ctx context.Context) {
	mc.mu.Lock()
	if mc.reconnecting {
		mc.mu.Unlock()
		return
	}
	mc.reconnecting = true
	mc.mu.Unlock()

	defer func() {
		mc.mu.Lock()
		mc.reconnecting = false
		mc.mu.Unlock()
	}()

	backoff := mc.reconnectDelay
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-time.After(backoff):
			attempts++

			mc.mu.Lock()
			if mc.client != nil {
				mc.client.Close()
				mc.client = nil
			}
			if mc.transport != nil {
				mc.transport.Close()
				mc.transport = nil
			}
			mc.mu.Unlock()

			if err := mc.connect(ctx); err != nil {
				mc.logger.Warn("mcp: reconnect failed",
					"server", mc.config.Name, "attempt", attempts, "error", err)

				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			mc.logger.Info("mcp: server reconnected",
				"server", mc.config.Name, "attempts", attempts)
			mc.manager.notifyConnectionChange(mc.config.Name, true)
			return
		}
	}
}

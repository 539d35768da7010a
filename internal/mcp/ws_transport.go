package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsPingInterval     = 30 * time.Second
	wsPongWait         = 90 * time.Second
)

// WebSocketTransport speaks JSON-RPC over a WebSocket connection to a
// remote MCP endpoint. Each text message carries one frame.
type WebSocketTransport struct {
	conn      *websocket.Conn
	receiveCh chan Message
	logger    *slog.Logger

	mu        sync.Mutex
	connected bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketTransport dials the endpoint and starts the read and
// keepalive loops. An optional bearer token is sent during the handshake.
func NewWebSocketTransport(ctx context.Context, url, token string, logger *slog.Logger) (*WebSocketTransport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	t := &WebSocketTransport{
		conn:      conn,
		receiveCh: make(chan Message, 16),
		logger:    logger,
		connected: true,
		done:      make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go t.readLoop()
	go t.pingLoop()

	return t, nil
}

func (t *WebSocketTransport) Send(ctx context.Context, msg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return fmt.Errorf("transport closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (t *WebSocketTransport) Receive() <-chan Message {
	return t.receiveCh
}

func (t *WebSocketTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()

		close(t.done)

		t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = t.conn.Close()
	})
	return err
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.receiveCh)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			connected := t.connected
			t.connected = false
			t.mu.Unlock()

			if connected {
				t.receiveCh <- Message{Error: fmt.Errorf("read failed: %w", err)}
			}
			return
		}
		t.receiveCh <- Message{Data: data}
	}
}

func (t *WebSocketTransport) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.mu.Unlock()

			if err != nil {
				t.logger.Debug("mcp: keepalive ping failed", "error", err)
				return
			}
		}
	}
}

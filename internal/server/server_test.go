package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auralis-io/auralis/internal/config"
	"github.com/auralis-io/auralis/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	s := New(cfg, session.Deps{Config: cfg, Logger: testLogger()}, testLogger())
	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Sessions)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWSRequiresDeviceID(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWSRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.AuthToken = "secret"
	})

	header := http.Header{"device-id": {"dev-1"}, "Authorization": {"Bearer wrong"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSAcceptsDevice(t *testing.T) {
	s, ts := newTestServer(t, nil)

	header := http.Header{"device-id": {"dev-1"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return s.registry.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return s.registry.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWSDeviceIDQueryFallback(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws?device-id=dev-2"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return s.registry.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastRestart(t *testing.T) {
	s, ts := newTestServer(t, nil)

	header := http.Header{"device-id": {"dev-3"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return s.registry.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.registry.BroadcastRestart("config reloaded")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] != "server" {
			continue
		}
		assert.Equal(t, "config reloaded", msg["message"])
		content, ok := msg["content"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "restart", content["action"])
		return
	}
}

func TestReloadAppliesToNewConnections(t *testing.T) {
	s, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.AuthToken = "old-token"
	})

	t.Setenv("AURALIS_AUTH_TOKEN", "new-token")
	require.NoError(t, s.Reload())

	header := http.Header{"device-id": {"dev-4"}, "Authorization": {"Bearer old-token"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header.Set("Authorization", "Bearer new-token")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), header)
	require.NoError(t, err)
	defer conn.Close()
}

func TestVisionStub(t *testing.T) {
	_, ts := newTestServer(t, nil)

	body := strings.NewReader("not multipart")
	resp, err := http.Post(ts.URL+"/api/vision", "text/plain", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/auralis-io/auralis/internal/config"
	"github.com/auralis-io/auralis/internal/providers"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := New(config.ManagerConfig{
		URL:           server.URL,
		Secret:        "test-secret",
		Timeout:       2 * time.Second,
		MaxRetries:    2,
		RetryInterval: 10 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))
	t.Cleanup(c.Close)
	return c
}

func TestFetchDeviceConfig(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/device/dev-1/config", r.URL.Path)
		assert.Equal(t, "client-9", r.URL.Query().Get("client_id"))
		assert.Equal(t, "Bearer test-secret", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"config": {"system_prompt": "be brief", "tts_voice": "nova"}}`)
	}))

	overlay, err := c.FetchDeviceConfig(context.Background(), "dev-1", "client-9")
	require.NoError(t, err)
	require.NotNil(t, overlay)
	assert.Equal(t, "be brief", overlay.SystemPrompt)
	assert.Equal(t, "nova", overlay.TTSVoice)
}

func TestFetchDeviceConfigNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.FetchDeviceConfig(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestFetchDeviceConfigNeedsBind(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		io.WriteString(w, `{"bind_code": "482913"}`)
	}))

	_, err := c.FetchDeviceConfig(context.Background(), "new-device", "")
	require.ErrorIs(t, err, ErrDeviceNeedsBind)

	var bindErr *BindRequiredError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, "482913", bindErr.Code)
}

func TestFetchDeviceConfigRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"config": {}}`)
	}))

	_, err := c.FetchDeviceConfig(context.Background(), "dev-1", "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestFetchDeviceConfigExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.FetchDeviceConfig(context.Background(), "dev-1", "")
	require.Error(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestFetchDeviceConfigDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.FetchDeviceConfig(context.Background(), "dev-1", "")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestChatSummary(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent/chat-summary", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		io.WriteString(w, `{"summary": "talked about the weather"}`)
	}))

	summary, err := c.ChatSummary(context.Background(), "dev-1", []providers.Message{
		{Role: providers.RoleUser, Content: "how is the weather"},
	})
	require.NoError(t, err)
	assert.Equal(t, "talked about the weather", summary)
}

func TestReportChatHistory(t *testing.T) {
	received := make(chan chatHistoryReport, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent/chat-history", r.URL.Path)
		assert.Equal(t, "application/msgpack", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var report chatHistoryReport
		require.NoError(t, msgpack.Unmarshal(body, &report))
		received <- report
		w.WriteHeader(http.StatusNoContent)
	}))

	c.ReportChatHistory("dev-1", "sess-1", []providers.Message{
		{Role: providers.RoleUser, Content: "hello"},
		{Role: providers.RoleAssistant, Content: "hi there"},
	})

	select {
	case report := <-received:
		assert.Equal(t, "dev-1", report.DeviceID)
		assert.Equal(t, "sess-1", report.SessionID)
		require.Len(t, report.Messages, 2)
		assert.Equal(t, "hello", report.Messages[0].Content)
	case <-time.After(2 * time.Second):
		t.Fatal("chat history was never delivered")
	}
}

func TestReportChatHistoryQueueFullDoesNotBlock(t *testing.T) {
	block := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer close(block)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < reportQueueSize+10; i++ {
			c.ReportChatHistory("dev-1", "sess-1", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReportChatHistory blocked on a full queue")
	}
}

func TestBindRequiredErrorMatching(t *testing.T) {
	err := error(&BindRequiredError{Code: "123456"})
	assert.True(t, errors.Is(err, ErrDeviceNeedsBind))
	assert.False(t, errors.Is(err, ErrDeviceNotFound))
}

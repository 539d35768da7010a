// Package manager is the client for the management API: per-device config
// resolution, chat-history reporting and chat summaries.
package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/auralis-io/auralis/internal/adapters/retry"
	"github.com/auralis-io/auralis/internal/config"
	"github.com/auralis-io/auralis/internal/providers"
)

// Typed failures the session interprets as the binding gate.
var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrDeviceNeedsBind = errors.New("device needs binding")
)

// BindRequiredError carries the binding code the device must speak to the
// user. It matches ErrDeviceNeedsBind under errors.Is.
type BindRequiredError struct {
	Code string
}

func (e *BindRequiredError) Error() string {
	return fmt.Sprintf("device needs binding (code %s)", e.Code)
}

func (e *BindRequiredError) Is(target error) bool {
	return target == ErrDeviceNeedsBind
}

const reportQueueSize = 64

type reportJob struct {
	deviceID  string
	sessionID string
	dialogue  []providers.Message
}

// Client talks to the management API. Chat-history reporting is
// fire-and-forget through a background worker so a slow API never blocks a
// session turn.
type Client struct {
	baseURL       string
	secret        string
	httpClient    *http.Client
	maxRetries    int
	retryInterval time.Duration
	logger        *slog.Logger

	reportCh  chan reportJob
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a client from config and starts the report worker.
func New(cfg config.ManagerConfig, logger *slog.Logger) *Client {
	c := &Client{
		baseURL:       cfg.URL,
		secret:        cfg.Secret,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		logger:        logger,
		reportCh:      make(chan reportJob, reportQueueSize),
		done:          make(chan struct{}),
	}
	go c.reportWorker()
	return c
}

// Close stops the report worker. Queued reports are dropped.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// deviceConfigResponse is the management API's config payload.
type deviceConfigResponse struct {
	Overlay  *config.DeviceOverlay `json:"config"`
	BindCode string                `json:"bind_code,omitempty"`
}

// FetchDeviceConfig resolves the per-device overlay. A 404 maps to
// ErrDeviceNotFound; an unbound device maps to a BindRequiredError carrying
// the spoken binding code.
func (c *Client) FetchDeviceConfig(ctx context.Context, deviceID, clientID string) (*config.DeviceOverlay, error) {
	url := fmt.Sprintf("%s/device/%s/config", c.baseURL, deviceID)
	if clientID != "" {
		url += "?client_id=" + clientID
	}

	body, status, err := c.doWithRetry(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch device config: %w", err)
	}

	switch status {
	case http.StatusOK:
		var resp deviceConfigResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse device config: %w", err)
		}
		return resp.Overlay, nil
	case http.StatusNotFound:
		return nil, ErrDeviceNotFound
	case http.StatusPreconditionFailed:
		var resp deviceConfigResponse
		if err := json.Unmarshal(body, &resp); err != nil || resp.BindCode == "" {
			return nil, ErrDeviceNeedsBind
		}
		return nil, &BindRequiredError{Code: resp.BindCode}
	default:
		return nil, fmt.Errorf("device config request failed with status %d", status)
	}
}

// ReportChatHistory enqueues a dialogue for background delivery. Never
// blocks; the report is dropped with a warning when the queue is full.
func (c *Client) ReportChatHistory(deviceID, sessionID string, dialogue []providers.Message) {
	job := reportJob{
		deviceID:  deviceID,
		sessionID: sessionID,
		dialogue:  append([]providers.Message(nil), dialogue...),
	}

	select {
	case c.reportCh <- job:
	default:
		c.logger.Warn("manager: report queue full, dropping chat history",
			"device_id", deviceID, "session_id", sessionID)
	}
}

// ChatSummary asks the management API to summarize a dialogue.
func (c *Client) ChatSummary(ctx context.Context, deviceID string, dialogue []providers.Message) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"device_id": deviceID,
		"messages":  dialogue,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal summary request: %w", err)
	}

	body, status, err := c.doWithRetry(ctx, http.MethodPost,
		c.baseURL+"/agent/chat-summary", "application/json", payload)
	if err != nil {
		return "", fmt.Errorf("failed to request chat summary: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("chat summary request failed with status %d", status)
	}

	var resp struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse chat summary: %w", err)
	}
	return resp.Summary, nil
}

// chatHistoryReport is the msgpack body of a chat-history report.
type chatHistoryReport struct {
	DeviceID   string              `msgpack:"device_id"`
	SessionID  string              `msgpack:"session_id"`
	ReportedAt int64               `msgpack:"reported_at"`
	Messages   []providers.Message `msgpack:"messages"`
}

func (c *Client) reportWorker() {
	for {
		select {
		case <-c.done:
			return
		case job := <-c.reportCh:
			c.deliverReport(job)
		}
	}
}

func (c *Client) deliverReport(job reportJob) {
	payload, err := msgpack.Marshal(chatHistoryReport{
		DeviceID:   job.deviceID,
		SessionID:  job.sessionID,
		ReportedAt: time.Now().Unix(),
		Messages:   job.dialogue,
	})
	if err != nil {
		c.logger.Error("manager: failed to encode chat history", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.httpClient.Timeout)
	defer cancel()

	_, status, err := c.doWithRetry(ctx, http.MethodPost,
		c.baseURL+"/agent/chat-history", "application/msgpack", payload)
	if err != nil {
		c.logger.Warn("manager: chat history delivery failed",
			"device_id", job.deviceID, "error", err)
		return
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		c.logger.Warn("manager: chat history rejected",
			"device_id", job.deviceID, "status", status)
	}
}

// doWithRetry performs the request with a fixed delay between attempts.
// Connection errors and retryable statuses (5xx, 408, 429) retry up to
// maxRetries; other statuses return immediately with their body.
func (c *Client) doWithRetry(ctx context.Context, method, url, contentType string, payload []byte) ([]byte, int, error) {
	var lastErr error

	attempts := c.maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(c.retryInterval):
			}
		}

		body, status, err := c.do(ctx, method, url, contentType, payload)
		if err != nil {
			lastErr = err
			c.logger.Debug("manager: request failed",
				"url", url, "attempt", attempt+1, "error", err)
			continue
		}
		if retry.IsRetryableHTTPStatus(status) {
			lastErr = fmt.Errorf("server returned status %d", status)
			continue
		}
		return body, status, nil
	}

	return nil, 0, fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) do(ctx context.Context, method, url, contentType string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

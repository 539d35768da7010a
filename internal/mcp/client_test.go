package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/auralis-io/auralis/internal/config"
)

type mockTransport struct {
	mu        sync.Mutex
	sendFn    func(ctx context.Context, msg any) error
	receiveCh chan Message
	connected bool
	closeOnce sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		receiveCh: make(chan Message, 16),
		connected: true,
	}
}

func (t *mockTransport) Send(ctx context.Context, msg any) error {
	t.mu.Lock()
	fn := t.sendFn
	t.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	return nil
}

func (t *mockTransport) Receive() <-chan Message { return t.receiveCh }

func (t *mockTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *mockTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		close(t.receiveCh)
	})
	return nil
}

func (t *mockTransport) setSendFn(fn func(ctx context.Context, msg any) error) {
	t.mu.Lock()
	t.sendFn = fn
	t.mu.Unlock()
}

// respond replies to a request after a short delay, simulating a server.
func (t *mockTransport) respond(id any, result any, rpcErr *ResponseError) {
	go func() {
		time.Sleep(5 * time.Millisecond)
		resp := Response{
			JSONRPC: JSONRPCVersion,
			ID:      id,
			Error:   rpcErr,
		}
		if result != nil {
			resp.Result = mustMarshal(result)
		}
		data, _ := json.Marshal(resp)
		t.receiveCh <- Message{Data: data}
	}()
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestClientInitialize(t *testing.T) {
	transport := newMockTransport()
	client := NewClient("test", transport, testLogger())
	defer client.Close()

	transport.setSendFn(func(ctx context.Context, msg any) error {
		req, ok := msg.(*Request)
		if !ok {
			return nil
		}
		if req.Method == MethodInitialize {
			transport.respond(req.ID, InitializeResult{
				ProtocolVersion: ProtocolVersion,
				ServerInfo:      ServerInfo{Name: "test-server", Version: "1.0.0"},
				Capabilities:    map[string]any{},
			}, nil)
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if client.ServerInfo().Name != "test-server" {
		t.Errorf("expected server info to be set, got %+v", client.ServerInfo())
	}
}

func TestClientListToolsPagination(t *testing.T) {
	transport := newMockTransport()
	client := NewClient("test", transport, testLogger())
	defer client.Close()

	transport.setSendFn(func(ctx context.Context, msg any) error {
		req, ok := msg.(*Request)
		if !ok || req.Method != MethodToolsList {
			return nil
		}
		params := req.Params.(ToolsListParams)
		if params.Cursor == "" {
			transport.respond(req.ID, ToolsListResult{
				Tools:      []Tool{{Name: "tool1"}, {Name: "tool2"}},
				NextCursor: "page2",
			}, nil)
		} else {
			transport.respond(req.ID, ToolsListResult{
				Tools: []Tool{{Name: "tool3"}},
			}, nil)
		}
		return nil
	})

	go client.receiveLoop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(tools))
	}
	if tools[2].Name != "tool3" {
		t.Errorf("expected tool3 last, got %s", tools[2].Name)
	}
}

func TestClientCallTool(t *testing.T) {
	transport := newMockTransport()
	client := NewClient("test", transport, testLogger())
	defer client.Close()

	transport.setSendFn(func(ctx context.Context, msg any) error {
		req, ok := msg.(*Request)
		if !ok || req.Method != MethodToolsCall {
			return nil
		}
		transport.respond(req.ID, ToolsCallResult{
			Content: []ContentItem{{Type: "text", Text: "Result"}},
		}, nil)
		return nil
	})

	go client.receiveLoop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := client.CallTool(ctx, "tool", map[string]any{"arg": "value"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "Result" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestClientCallError(t *testing.T) {
	transport := newMockTransport()
	client := NewClient("test", transport, testLogger())
	defer client.Close()

	transport.setSendFn(func(ctx context.Context, msg any) error {
		req, ok := msg.(*Request)
		if !ok {
			return nil
		}
		transport.respond(req.ID, nil, &ResponseError{
			Code:    ErrCodeMethodNotFound,
			Message: "Method not found",
		})
		return nil
	})

	go client.receiveLoop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.call(ctx, "nonexistent", nil)
	if err == nil {
		t.Fatal("expected error")
	}

	var rpcErr *ResponseError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected ResponseError, got %T: %v", err, err)
	}
	if rpcErr.Code != ErrCodeMethodNotFound {
		t.Errorf("expected code %d, got %d", ErrCodeMethodNotFound, rpcErr.Code)
	}
}

func TestClientCallContextCancelled(t *testing.T) {
	transport := newMockTransport()
	client := NewClient("test", transport, testLogger())
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.call(ctx, "test", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClientCallAfterClose(t *testing.T) {
	transport := newMockTransport()
	client := NewClient("test", transport, testLogger())

	if err := client.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := client.call(context.Background(), "test", nil)
	if err == nil {
		t.Fatal("expected error after close")
	}
	if transport.IsConnected() {
		t.Error("expected transport to be closed")
	}
}

func TestClientFloat64ID(t *testing.T) {
	transport := newMockTransport()
	client := NewClient("test", transport, testLogger())
	defer client.Close()

	// Responses arrive as raw JSON, so the ID decodes as float64 and
	// must still match the int64 key of the pending call.
	transport.setSendFn(func(ctx context.Context, msg any) error {
		req, ok := msg.(*Request)
		if !ok {
			return nil
		}
		transport.respond(float64(req.ID.(int64)), map[string]any{}, nil)
		return nil
	})

	go client.receiveLoop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	transport := newMockTransport()
	client := NewClient("test", transport, testLogger())
	defer client.Close()

	transport.setSendFn(func(ctx context.Context, msg any) error {
		req, ok := msg.(*Request)
		if !ok {
			return nil
		}
		transport.respond(req.ID, map[string]any{"result": "ok"}, nil)
		return nil
	})

	go client.receiveLoop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.call(ctx, "test", nil); err != nil {
				t.Errorf("unexpected error in concurrent call: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestToolsCallResultText(t *testing.T) {
	result := &ToolsCallResult{
		Content: []ContentItem{
			{Type: "text", Text: "line one"},
			{Type: "image", Data: "base64data", MimeType: "image/png"},
			{Type: "text", Text: "line two"},
		},
	}

	if got := result.Text(); got != "line one\nline two" {
		t.Errorf("unexpected text: %q", got)
	}
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		args    []string
		wantErr bool
	}{
		{"empty command", "", nil, true},
		{"shell metachars", "echo; rm -rf /", nil, true},
		{"backtick", "echo`id`", nil, true},
		{"valid command", "echo", []string{"hello"}, false},
		{"suspicious arg", "echo", []string{"-x;whoami"}, true},
		{"missing binary", "definitely-not-a-real-binary-xyz", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCommand(tt.command, tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateCommand(%q) error = %v, wantErr %v", tt.command, err, tt.wantErr)
			}
		})
	}
}

func TestManagerDuplicateServer(t *testing.T) {
	m := NewManager(context.Background(), testLogger())
	defer m.Close()

	m.servers["test"] = &managedClient{
		config: config.MCPServerConfig{Name: "test"},
		stopCh: make(chan struct{}),
	}

	err := m.AddServer(config.MCPServerConfig{Name: "test", Transport: config.MCPTransportStdio})
	if err == nil {
		t.Fatal("expected error when adding duplicate server")
	}
	if err.Error() != "server test already exists" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestManagerRemoveServer(t *testing.T) {
	m := NewManager(context.Background(), testLogger())
	defer m.Close()

	m.servers["test"] = &managedClient{
		config:    config.MCPServerConfig{Name: "test"},
		connected: true,
		stopCh:    make(chan struct{}),
	}

	if err := m.RemoveServer("test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, exists := m.servers["test"]; exists {
		t.Error("expected server to be removed")
	}

	if err := m.RemoveServer("test"); err == nil {
		t.Error("expected error when removing missing server")
	}
}

func TestManagerGetClient(t *testing.T) {
	m := NewManager(context.Background(), testLogger())
	defer m.Close()

	transport := newMockTransport()
	client := NewClient("test", transport, testLogger())
	defer client.Close()

	m.servers["test"] = &managedClient{
		config:    config.MCPServerConfig{Name: "test"},
		client:    client,
		connected: true,
		stopCh:    make(chan struct{}),
	}

	got, err := m.GetClient("test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != client {
		t.Error("expected the same client instance")
	}

	if _, err := m.GetClient("missing"); err == nil {
		t.Error("expected error for unknown server")
	}
}

func TestManagerGetClientNotConnected(t *testing.T) {
	m := NewManager(context.Background(), testLogger())
	defer m.Close()

	m.servers["test"] = &managedClient{
		config: config.MCPServerConfig{Name: "test"},
		stopCh: make(chan struct{}),
	}

	_, err := m.GetClient("test")
	if err == nil {
		t.Fatal("expected error when server not connected")
	}
	if err.Error() != "server test not connected" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestManagerServerStatus(t *testing.T) {
	m := NewManager(context.Background(), testLogger())
	defer m.Close()

	m.servers["up"] = &managedClient{connected: true, stopCh: make(chan struct{})}
	m.servers["down"] = &managedClient{connected: false, stopCh: make(chan struct{})}

	if up, err := m.ServerStatus("up"); err != nil || !up {
		t.Errorf("expected up server, got %v %v", up, err)
	}
	if down, err := m.ServerStatus("down"); err != nil || down {
		t.Errorf("expected down server, got %v %v", down, err)
	}
	if _, err := m.ServerStatus("missing"); err == nil {
		t.Error("expected error for unknown server")
	}
}

func TestManagerConnectionCallback(t *testing.T) {
	m := NewManager(context.Background(), testLogger())
	defer m.Close()

	var mu sync.Mutex
	events := make(map[string]bool)
	m.SetConnectionCallback(func(name string, connected bool) {
		mu.Lock()
		events[name] = connected
		mu.Unlock()
	})

	m.servers["test"] = &managedClient{
		config:    config.MCPServerConfig{Name: "test"},
		connected: true,
		stopCh:    make(chan struct{}),
		manager:   m,
	}

	if err := m.RemoveServer("test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if connected, ok := events["test"]; !ok || connected {
		t.Errorf("expected disconnect event, got %v %v", connected, ok)
	}
}

func TestManagerClose(t *testing.T) {
	m := NewManager(context.Background(), testLogger())

	m.servers["a"] = &managedClient{
		config: config.MCPServerConfig{Name: "a"}, connected: true, stopCh: make(chan struct{}),
	}
	m.servers["b"] = &managedClient{
		config: config.MCPServerConfig{Name: "b"}, connected: true, stopCh: make(chan struct{}),
	}

	if err := m.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-m.ctx.Done():
	default:
		t.Error("expected manager context to be cancelled")
	}
}

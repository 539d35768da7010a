// Package session owns one device's end-to-end conversational session: the
// bind gate, message routing, the VAD/ASR audio pipeline, the LLM turn loop
// with tool calling, rate-controlled TTS egress and layered teardown.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auralis-io/auralis/internal/adapters/metrics"
	"github.com/auralis-io/auralis/internal/audio"
	"github.com/auralis-io/auralis/internal/config"
	"github.com/auralis-io/auralis/internal/id"
	"github.com/auralis-io/auralis/internal/manager"
	"github.com/auralis-io/auralis/internal/protocol"
	"github.com/auralis-io/auralis/internal/providers"
	"github.com/auralis-io/auralis/internal/tools"
)

const (
	bindWaitTimeout    = time.Second
	idleCheckInterval  = 10 * time.Second
	idleGraceSeconds   = 60
	teardownTimeout    = 10 * time.Second
	memorySaveTimeout  = 30 * time.Second
	defaultBindMessage = "Please bind this device first. Your binding code is"
)

// Conn is the subset of the WebSocket connection the session needs.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Deps are the shared collaborators a session is built from. VAD, ASR, TTS,
// LLM and the plugin registry may be shared across sessions; device-bound
// tool backends are created per session.
type Deps struct {
	Config      *config.Config
	VAD         providers.VAD
	ASR         providers.ASR
	TTS         providers.TTS
	LLM         providers.LLM
	Memory      providers.Memory
	Intent      providers.Intent
	Manager     *manager.Client
	Plugins     *tools.PluginRegistry
	ServerMCP   tools.Executor
	EndpointMCP tools.Executor
	Logger      *slog.Logger
}

// Handler is one connection's session state machine.
type Handler struct {
	ID            string
	deviceID      string
	clientID      string
	clientIP      string
	gatewayFramed bool

	conn    Conn
	writeMu sync.Mutex
	deps    Deps
	logger  *slog.Logger

	cfg atomic.Pointer[config.Config]

	toolManager *tools.Manager
	toolHandler *tools.Handler
	iot         *tools.DeviceIoTBackend
	deviceMCP   *tools.DeviceMCPBackend

	dialogueMu sync.Mutex
	dialogue   []providers.Message

	sentenceMu sync.Mutex
	sentenceID string

	rate    *audio.RateController
	reorder *protocol.ReorderBuffer

	audioMu sync.Mutex
	opusDec *audio.Decoder
	asrBuf  []byte
	preBuf  [][]byte
	voiced  bool
	silence int

	listenMu   sync.Mutex
	listenMode string
	listening  bool

	ttsCh chan ttsUnit

	bindResolved chan struct{}
	resolveOnce  sync.Once
	needBind     atomic.Bool
	bindMu       sync.Mutex
	bindCode     string
	lastReminder time.Time

	clientAbort    atomic.Bool
	closeAfterChat atomic.Bool
	turnActive     atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once

	firstActivity time.Time
	lastActivity  atomic.Int64

	idleFired atomic.Bool
	wg        sync.WaitGroup
}

// New creates a session for an accepted connection. The merged config
// starts as the process defaults; background init overlays device values.
func New(conn Conn, deviceID, clientID, clientIP string, gatewayFramed bool, deps Deps) *Handler {
	sessionID := id.NewSession()
	logger := deps.Logger.With("session_id", sessionID, "device_id", deviceID)

	h := &Handler{
		ID:            sessionID,
		deviceID:      deviceID,
		clientID:      clientID,
		clientIP:      clientIP,
		gatewayFramed: gatewayFramed,
		conn:          conn,
		deps:          deps,
		logger:        logger,
		rate:          audio.NewRateController(deps.Config.Session.FrameDuration),
		reorder:       protocol.NewReorderBuffer(protocol.DefaultReorderCapacity),
		ttsCh:         make(chan ttsUnit, 64),
		bindResolved:  make(chan struct{}),
		stopCh:        make(chan struct{}),
		firstActivity: time.Now(),
		listenMode:    protocol.ListenModeAuto,
	}
	h.cfg.Store(deps.Config)
	h.lastActivity.Store(time.Now().UnixNano())

	h.toolManager = tools.NewManager(logger)
	h.toolHandler = tools.NewHandler(h.toolManager, logger)
	if deps.Plugins != nil {
		h.toolManager.RegisterExecutor(tools.ToolTypeServerPlugin, deps.Plugins)
	}
	if deps.ServerMCP != nil {
		h.toolManager.RegisterExecutor(tools.ToolTypeServerMCP, deps.ServerMCP)
	}
	if deps.EndpointMCP != nil {
		h.toolManager.RegisterExecutor(tools.ToolTypeEndpointMCP, deps.EndpointMCP)
	}

	h.iot = tools.NewDeviceIoTBackend(h.sendJSON, logger)
	h.toolManager.RegisterExecutor(tools.ToolTypeDeviceIoT, h.iot)

	h.deviceMCP = tools.NewDeviceMCPBackend(h.sendMCPPayload, func() {
		h.toolManager.RefreshTools()
	}, logger)
	h.toolManager.RegisterExecutor(tools.ToolTypeDeviceMCP, h.deviceMCP)

	h.dialogue = []providers.Message{{
		Role:    providers.RoleSystem,
		Content: deps.Config.LLM.SystemPrompt,
	}}

	return h
}

// Run drives the session until the socket closes or the session stops.
func (h *Handler) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.logger.Info("session: connected", "client_ip", h.clientIP, "gateway", h.gatewayFramed)

	h.wg.Add(2)
	go h.backgroundInit(ctx)
	go h.idleSupervisor(ctx)
	go h.ttsLoop(ctx)

	for {
		msgType, data, err := h.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				h.logger.Info("session: connection closed", "error", err)
			}
			break
		}
		h.touch()
		h.route(ctx, msgType, data)

		select {
		case <-h.stopCh:
		default:
			continue
		}
		break
	}

	h.teardown(cancel)
}

// Stop requests session shutdown. Safe to call from any goroutine.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.conn.Close()
	})
}

// Restart pushes the server restart control message to the device.
func (h *Handler) Restart(message string) error {
	return h.sendJSON(protocol.NewServerRestart(message))
}

// DeviceID returns the device identity of this session.
func (h *Handler) DeviceID() string { return h.deviceID }

func (h *Handler) touch() {
	h.lastActivity.Store(time.Now().UnixNano())
}

// backgroundInit resolves the per-device config overlay, arms the bind
// gate and initializes conversation memory. It never blocks the receive
// loop; the bind gate holds messages until resolution.
func (h *Handler) backgroundInit(ctx context.Context) {
	defer h.wg.Done()
	defer h.resolveBind()

	if h.deps.Manager != nil {
		overlay, err := h.deps.Manager.FetchDeviceConfig(ctx, h.deviceID, h.clientID)
		switch {
		case err == nil:
			merged := h.deps.Config.Merge(overlay)
			h.cfg.Store(merged)
			h.setSystemPrompt(merged.LLM.SystemPrompt)
			if overlay.ManualListen {
				h.listenMu.Lock()
				h.listenMode = protocol.ListenModeManual
				h.listenMu.Unlock()
			}
			h.logger.Info("session: device config resolved")
		case errors.Is(err, manager.ErrDeviceNeedsBind):
			h.needBind.Store(true)
			var bindErr *manager.BindRequiredError
			if errors.As(err, &bindErr) {
				h.bindMu.Lock()
				h.bindCode = bindErr.Code
				h.bindMu.Unlock()
			}
			h.logger.Info("session: device needs binding")
		case errors.Is(err, manager.ErrDeviceNotFound):
			h.needBind.Store(true)
			h.logger.Warn("session: device not registered")
		default:
			h.logger.Warn("session: device config fetch failed, using defaults", "error", err)
		}
	}

	if h.deps.Memory != nil {
		if err := h.deps.Memory.InitMemory(ctx, h.deviceID, h.ID); err != nil {
			h.logger.Warn("session: memory init failed", "error", err)
		}
	}
}

func (h *Handler) resolveBind() {
	h.resolveOnce.Do(func() { close(h.bindResolved) })
}

// route applies the bind gate before dispatching by frame type.
func (h *Handler) route(ctx context.Context, msgType int, data []byte) {
	select {
	case <-h.bindResolved:
	case <-h.stopCh:
		return
	case <-time.After(bindWaitTimeout):
		h.bindReminder()
		return
	}

	if h.needBind.Load() {
		h.bindReminder()
		return
	}

	switch msgType {
	case websocket.TextMessage:
		h.handleText(ctx, data)
	case websocket.BinaryMessage:
		h.handleBinary(ctx, data)
	}
}

// bindReminder speaks the binding prompt at most once per configured
// interval, dropping everything else while the device is unbound.
func (h *Handler) bindReminder() {
	interval := h.cfg.Load().Session.BindReminderInterval

	h.bindMu.Lock()
	if time.Since(h.lastReminder) < interval {
		h.bindMu.Unlock()
		return
	}
	h.lastReminder = time.Now()
	code := h.bindCode
	h.bindMu.Unlock()

	metrics.BindRemindersTotal.Inc()

	text := defaultBindMessage
	if code != "" {
		text += " " + spellDigits(code)
	}
	h.speak(text)
}

// spellDigits spaces a numeric code out so TTS reads it digit by digit.
func spellDigits(code string) string {
	out := make([]byte, 0, len(code)*2)
	for i := 0; i < len(code); i++ {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, code[i])
	}
	return string(out)
}

func (h *Handler) handleText(ctx context.Context, data []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("session: malformed text message", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeHello:
		h.handleHello(ctx, &msg)
	case protocol.TypeListen:
		h.handleListen(ctx, &msg)
	case protocol.TypeAbort:
		h.abortTurn("client abort")
	case protocol.TypeIoT:
		h.handleIoT(&msg)
	case protocol.TypeMCP:
		h.deviceMCP.HandlePayload(msg.Payload)
	default:
		h.logger.Debug("session: unhandled message type", "type", msg.Type)
	}
}

func (h *Handler) handleHello(ctx context.Context, msg *protocol.ClientMessage) {
	cfg := h.cfg.Load()

	if msg.AudioParams != nil {
		merged := cfg.Clone()
		if msg.AudioParams.Format != "" {
			merged.Session.AudioFormat = msg.AudioParams.Format
		}
		if msg.AudioParams.SampleRate > 0 {
			merged.Session.SampleRate = msg.AudioParams.SampleRate
		}
		h.cfg.Store(merged)
		cfg = merged
	}

	reply := &protocol.HelloMessage{
		Type:      protocol.TypeHello,
		Version:   1,
		SessionID: h.ID,
		Transport: "websocket",
		AudioParams: &protocol.AudioParams{
			Format:        cfg.Session.AudioFormat,
			SampleRate:    cfg.Session.SampleRate,
			Channels:      1,
			FrameDuration: int(cfg.Session.FrameDuration / time.Millisecond),
		},
	}
	if err := h.sendJSON(reply); err != nil {
		h.logger.Warn("session: hello reply failed", "error", err)
		return
	}

	if msg.Features["mcp"] {
		h.deviceMCP.Start(ctx)
	}
}

func (h *Handler) handleListen(ctx context.Context, msg *protocol.ClientMessage) {
	switch msg.State {
	case protocol.ListenStateStart:
		h.listenMu.Lock()
		if msg.Mode != "" {
			h.listenMode = msg.Mode
		}
		h.listening = true
		h.listenMu.Unlock()
		h.resetAudioBuffers()
	case protocol.ListenStateStop:
		h.listenMu.Lock()
		h.listening = false
		mode := h.listenMode
		h.listenMu.Unlock()
		if mode == protocol.ListenModeManual {
			h.finalizeASR(ctx)
		}
	case protocol.ListenStateDetect:
		if msg.Text != "" {
			h.submitText(ctx, msg.Text)
		}
	}
}

func (h *Handler) handleIoT(msg *protocol.ClientMessage) {
	if len(msg.Descriptors) > 0 {
		if _, err := h.iot.RegisterDescriptors(msg.Descriptors); err != nil {
			h.logger.Warn("session: bad iot descriptors", "error", err)
		} else {
			h.toolManager.RefreshTools()
		}
	}
	if len(msg.States) > 0 {
		if err := h.iot.UpdateStates(msg.States); err != nil {
			h.logger.Warn("session: bad iot states", "error", err)
		}
	}
}

// submitText echoes recognized/typed text back as an stt message and
// starts an LLM turn for it.
func (h *Handler) submitText(ctx context.Context, text string) {
	if h.turnActive.Load() {
		h.logger.Debug("session: turn already active, dropping text", "text", text)
		return
	}

	if err := h.sendJSON(&protocol.STTMessage{
		Type:      protocol.TypeSTT,
		Text:      text,
		SessionID: h.ID,
	}); err != nil {
		h.logger.Warn("session: stt echo failed", "error", err)
	}

	h.clientAbort.Store(false)
	h.turnActive.Store(true)
	go func() {
		defer h.turnActive.Store(false)
		h.runTurn(ctx, text)
		if h.closeAfterChat.Load() {
			h.Stop()
		}
	}()
}

// abortTurn is the barge-in path: mark the turn dead, drop queued speech
// and reset the pacing clock so no further frames from the aborted turn
// reach the socket.
func (h *Handler) abortTurn(reason string) {
	h.logger.Info("session: turn aborted", "reason", reason)
	h.clientAbort.Store(true)
	h.drainTTSQueue()
	h.rate.Reset()

	if err := h.sendJSON(&protocol.TTSMessage{
		Type:      protocol.TypeTTS,
		State:     protocol.TTSStateStop,
		SessionID: h.ID,
	}); err != nil {
		h.logger.Debug("session: abort stop notify failed", "error", err)
	}
}

func (h *Handler) drainTTSQueue() {
	for {
		select {
		case <-h.ttsCh:
		default:
			return
		}
	}
}

// idleSupervisor closes the session after prolonged inactivity. While the
// device is unbound the clock runs from connection time, so an unbound
// device cannot hold a socket open forever. Single shot.
func (h *Handler) idleSupervisor(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			cfg := h.cfg.Load()
			threshold := time.Duration(cfg.Session.NoVoiceCloseSeconds+idleGraceSeconds) * time.Second

			anchor := time.Unix(0, h.lastActivity.Load())
			if h.needBind.Load() {
				anchor = h.firstActivity
			}

			if time.Since(anchor) > threshold && h.idleFired.CompareAndSwap(false, true) {
				h.logger.Info("session: idle timeout", "threshold", threshold)
				h.Stop()
				return
			}
		}
	}
}

// teardown is layered: every step runs even if an earlier one fails, and
// the memory save is detached so it can never block socket closure.
func (h *Handler) teardown(cancel context.CancelFunc) {
	h.logger.Info("session: tearing down")

	dialogue := h.snapshotDialogue()
	if h.deps.Memory != nil && len(dialogue) > 1 {
		go func() {
			saveCtx, saveCancel := context.WithTimeout(context.Background(), memorySaveTimeout)
			defer saveCancel()

			// A manager summary makes a better memory than the raw
			// transcript; fall back to the transcript when unavailable.
			save := dialogue
			if h.deps.Manager != nil {
				summary, err := h.deps.Manager.ChatSummary(saveCtx, h.deviceID, dialogue)
				if err != nil {
					h.logger.Debug("session: chat summary unavailable", "error", err)
				} else if summary != "" {
					save = []providers.Message{{Role: providers.RoleAssistant, Content: summary}}
				}
			}
			if err := h.deps.Memory.SaveMemory(saveCtx, h.deviceID, save, h.ID); err != nil {
				h.logger.Warn("session: memory save failed", "error", err)
			}
		}()
	}

	if h.deps.Manager != nil && len(dialogue) > 1 {
		h.deps.Manager.ReportChatHistory(h.deviceID, h.ID, dialogue)
	}

	if err := h.deviceMCP.Close(); err != nil {
		h.logger.Debug("session: device mcp close failed", "error", err)
	}

	h.rate.Reset()
	h.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(teardownTimeout):
		h.logger.Warn("session: teardown timed out waiting for workers")
	}

	h.logger.Info("session: closed")
}

// sendJSON marshals and writes one text frame. Used as the send function
// for device-bound tool backends as well.
func (h *Handler) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Handler) sendBinary(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteMessage(websocket.BinaryMessage, data)
}

// sendMCPPayload wraps a JSON-RPC frame in the mcp envelope for the
// device-side MCP server.
func (h *Handler) sendMCPPayload(payload json.RawMessage) error {
	return h.sendJSON(&protocol.MCPMessage{
		Type:      protocol.TypeMCP,
		SessionID: h.ID,
		Payload:   payload,
	})
}

func (h *Handler) snapshotDialogue() []providers.Message {
	h.dialogueMu.Lock()
	defer h.dialogueMu.Unlock()
	return append([]providers.Message(nil), h.dialogue...)
}

func (h *Handler) appendMessage(msg providers.Message) {
	h.dialogueMu.Lock()
	defer h.dialogueMu.Unlock()
	h.dialogue = append(h.dialogue, msg)
}

// setSystemPrompt replaces the single system message rather than
// appending a second one.
func (h *Handler) setSystemPrompt(content string) {
	h.dialogueMu.Lock()
	defer h.dialogueMu.Unlock()
	for i := range h.dialogue {
		if h.dialogue[i].Role == providers.RoleSystem {
			h.dialogue[i].Content = content
			return
		}
	}
	h.dialogue = append([]providers.Message{{
		Role:    providers.RoleSystem,
		Content: content,
	}}, h.dialogue...)
}

func (h *Handler) newSentenceID() string {
	h.sentenceMu.Lock()
	defer h.sentenceMu.Unlock()
	h.sentenceID = id.NewTurn()
	return h.sentenceID
}

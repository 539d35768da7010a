package session

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/auralis-io/auralis/internal/adapters/metrics"
	"github.com/auralis-io/auralis/internal/id"
	"github.com/auralis-io/auralis/internal/providers"
	"github.com/auralis-io/auralis/internal/tools"
)

// maxToolDepth bounds tool-calling rounds per turn. The final round is
// forced tool-free so the turn always produces a spoken answer.
const maxToolDepth = 5

const noMoreToolsPrompt = "Tool budget for this request is exhausted. Answer the user directly with the information gathered so far. Do not request any more tools."

// Sentinel tags some models emit instead of structured tool calls.
const (
	toolCallOpenTag  = "<tool_call>"
	toolCallCloseTag = "</tool_call>"
)

// runTurn is one complete user exchange: intent shortcut, memory recall,
// the tool-calling chat loop and the closing TTS marker.
func (h *Handler) runTurn(ctx context.Context, text string) {
	turnID := h.newSentenceID()
	logger := h.logger.With("turn_id", turnID)
	logger.Info("chat: turn start", "text", text)

	if h.handleIntent(ctx, text) {
		metrics.TurnsTotal.WithLabelValues("intent").Inc()
		return
	}

	h.appendMessage(providers.Message{Role: providers.RoleUser, Content: text})

	h.enqueueUnit(ttsUnit{pos: sentenceFirst, content: contentAction})
	defer func() {
		cfg := h.cfg.Load()
		if cfg.Session.NotificationSound != "" {
			h.enqueueUnit(ttsUnit{pos: sentenceMiddle, content: contentFile, path: cfg.Session.NotificationSound})
		}
		h.enqueueUnit(ttsUnit{pos: sentenceLast, content: contentAction})
	}()

	if err := h.chat(ctx, text, 0); err != nil {
		logger.Error("chat: turn failed", "error", err)
		h.speakError()
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.TurnsTotal.WithLabelValues("ok").Inc()
}

// handleIntent gives the intent detector first refusal on the text.
// A non-empty action document short-circuits the LLM turn.
func (h *Handler) handleIntent(ctx context.Context, text string) bool {
	if h.deps.Intent == nil {
		return false
	}

	action, err := h.deps.Intent.DetectIntent(ctx, h.snapshotDialogue(), text)
	if err != nil {
		h.logger.Debug("chat: intent detection failed", "error", err)
		return false
	}
	if action == "" {
		return false
	}

	var intent struct {
		Action   string `json:"action"`
		Response string `json:"response"`
	}
	if err := json.Unmarshal([]byte(action), &intent); err != nil {
		h.logger.Debug("chat: unparseable intent", "error", err)
		return false
	}

	switch intent.Action {
	case "exit":
		h.closeAfterChat.Store(true)
		farewell := intent.Response
		if farewell == "" {
			farewell = "Goodbye."
		}
		h.speak(farewell)
		return true
	case "respond":
		if intent.Response == "" {
			return false
		}
		h.appendMessage(providers.Message{Role: providers.RoleUser, Content: text})
		h.appendMessage(providers.Message{Role: providers.RoleAssistant, Content: intent.Response})
		h.speak(intent.Response)
		return true
	default:
		return false
	}
}

// chat runs one LLM round and recurses through the tool loop. depth 0 is
// the user-facing round; maxToolDepth forces a tool-free close.
func (h *Handler) chat(ctx context.Context, userText string, depth int) error {
	if h.clientAbort.Load() {
		return nil
	}

	dialogue := h.requestDialogue(ctx, userText, depth)

	var functions []providers.FunctionDefinition
	if depth < maxToolDepth {
		functions = h.toolHandler.FunctionDescriptions()
	}

	stream, err := h.deps.LLM.ResponseWithFunctions(ctx, h.ID, dialogue, functions)
	if err != nil {
		return err
	}

	content, calls, err := h.consumeStream(ctx, stream)
	if err != nil {
		return err
	}

	if len(calls) == 0 && content == "" {
		h.logger.Warn("chat: model produced no tokens", "depth", depth)
		if depth == 0 {
			h.speakError()
		}
		return nil
	}

	if len(calls) == 0 {
		h.appendMessage(providers.Message{Role: providers.RoleAssistant, Content: content})
		return nil
	}

	h.appendMessage(providers.Message{
		Role:      providers.RoleAssistant,
		Content:   content,
		ToolCalls: calls,
	})

	outcomes, merged := h.toolHandler.ExecuteCalls(ctx, calls)
	for _, outcome := range outcomes {
		h.appendMessage(providers.Message{
			Role:       providers.RoleTool,
			Content:    toolResultContent(outcome.Result),
			ToolCallID: outcome.Call.ID,
			Name:       outcome.Call.Function.Name,
		})
	}

	if merged.NeedsLLM() {
		return h.chat(ctx, userText, depth+1)
	}

	if response := merged.Text(); response != "" {
		h.appendMessage(providers.Message{Role: providers.RoleAssistant, Content: response})
		h.speakSentences(response)
	}
	return nil
}

// toolResultContent is what the model sees for one executed call.
func toolResultContent(r tools.Result) string {
	if r.Result != "" {
		return r.Result
	}
	if r.Response != "" {
		return r.Response
	}
	if r.IsError() {
		return "tool execution failed"
	}
	return "ok"
}

// requestDialogue builds the message list for one LLM request. Memory
// recall is folded into the single system message for the request only;
// the stored dialogue keeps the base prompt. At the depth ceiling an
// extra system instruction forbids further tool use.
func (h *Handler) requestDialogue(ctx context.Context, userText string, depth int) []providers.Message {
	dialogue := h.snapshotDialogue()

	if depth == 0 && h.deps.Memory != nil {
		recall, err := h.deps.Memory.QueryMemory(ctx, h.deviceID, userText)
		if err != nil {
			h.logger.Debug("chat: memory recall failed", "error", err)
		} else if recall != "" {
			for i := range dialogue {
				if dialogue[i].Role == providers.RoleSystem {
					dialogue[i].Content += "\n\nRelevant context from past conversations:\n" + recall
					break
				}
			}
		}
	}

	if depth >= maxToolDepth {
		dialogue = append(dialogue, providers.Message{
			Role:    providers.RoleSystem,
			Content: noMoreToolsPrompt,
		})
	}
	return dialogue
}

// consumeStream reads one completion, speaking text sentence by sentence
// as it arrives and assembling streamed tool-call fragments.
func (h *Handler) consumeStream(ctx context.Context, stream <-chan providers.Chunk) (string, []providers.ToolCall, error) {
	var (
		full    strings.Builder
		pending strings.Builder
		acc     toolCallAccumulator
	)

	for chunk := range stream {
		if chunk.Err != nil {
			return "", nil, chunk.Err
		}
		if h.clientAbort.Load() {
			continue
		}

		for _, delta := range chunk.ToolCalls {
			acc.add(delta)
		}

		if chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		pending.WriteString(chunk.Content)

		for {
			sentence, rest, ok := cutSentence(pending.String())
			if !ok {
				break
			}
			pending.Reset()
			pending.WriteString(rest)
			if !containsToolTag(full.String()) {
				h.speakSentence(sentence)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	content := full.String()
	calls := acc.finish()

	// Some models write the call as tagged JSON inside the text instead
	// of using the structured channel.
	if len(calls) == 0 {
		if tagged, remainder, ok := parseTaggedToolCalls(content); ok {
			calls = tagged
			content = remainder
		}
	}

	if len(calls) == 0 {
		if tail := strings.TrimSpace(pending.String()); tail != "" && !h.clientAbort.Load() {
			h.speakSentence(tail)
		}
	}
	return content, calls, nil
}

func (h *Handler) speakError() {
	h.enqueueUnit(ttsUnit{
		pos:     sentenceMiddle,
		content: contentText,
		text:    h.cfg.Load().Session.GenericErrorUtterance,
	})
}

func (h *Handler) speakSentence(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	h.enqueueUnit(ttsUnit{pos: sentenceMiddle, content: contentText, text: text})
}

func (h *Handler) speakSentences(text string) {
	rest := text
	for {
		sentence, tail, ok := cutSentence(rest)
		if !ok {
			break
		}
		h.speakSentence(sentence)
		rest = tail
	}
	h.speakSentence(rest)
}

// minSentenceRunes avoids synthesizing fragments like list numbers.
const minSentenceRunes = 4

// cutSentence splits off the first complete sentence. A sentence ends at
// terminal punctuation or a newline, provided it is long enough to be
// worth synthesizing on its own.
func cutSentence(s string) (sentence, rest string, ok bool) {
	runes := 0
	for i, r := range s {
		runes++
		if !isSentenceEnd(r) {
			continue
		}
		if runes < minSentenceRunes {
			continue
		}
		end := i + utf8.RuneLen(r)
		return strings.TrimSpace(s[:end]), s[end:], true
	}
	return "", s, false
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '\n', '。', '！', '？', '；':
		return true
	}
	return false
}

func containsToolTag(s string) bool {
	return strings.Contains(s, toolCallOpenTag)
}

// parseTaggedToolCalls extracts <tool_call>{...}</tool_call> blocks. The
// JSON body uses the OpenAI shape: {"name": ..., "arguments": {...}}.
func parseTaggedToolCalls(content string) ([]providers.ToolCall, string, bool) {
	var calls []providers.ToolCall
	remainder := content

	for {
		start := strings.Index(remainder, toolCallOpenTag)
		if start < 0 {
			break
		}
		end := strings.Index(remainder[start:], toolCallCloseTag)
		if end < 0 {
			remainder = remainder[:start]
			break
		}
		body := remainder[start+len(toolCallOpenTag) : start+end]
		remainder = remainder[:start] + remainder[start+end+len(toolCallCloseTag):]

		var payload struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &payload); err != nil || payload.Name == "" {
			continue
		}
		args := string(payload.Arguments)
		if args == "" {
			args = "{}"
		}
		calls = append(calls, providers.ToolCall{
			Type: "function",
			Function: providers.FunctionCall{
				Name:      payload.Name,
				Arguments: args,
			},
		})
	}

	if len(calls) == 0 {
		return nil, content, false
	}
	for i := range calls {
		calls[i].ID = id.NewToolCall()
	}
	return calls, strings.TrimSpace(remainder), true
}

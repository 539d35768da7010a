// Package intent runs a lightweight LLM classification over recognized
// text before the main chat turn, so commands like "stop" or "exit" can be
// handled without a full dialogue round.
package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/auralis-io/auralis/internal/providers"
)

const systemPrompt = `You classify a voice command. Reply with a single JSON object:
{"action": "exit", "response": "<short farewell>"} when the user wants to end
the conversation (goodbye, that's all, go to sleep);
{"action": "respond", "response": "<short answer>"} when the text is trivial
small talk you can answer in one sentence without tools or context.
Reply with the word "none" for anything that needs a real conversational
turn. No other output.`

// recentWindow bounds how much dialogue context the classifier sees.
const recentWindow = 4

// Detector implements providers.Intent on top of any LLM provider.
type Detector struct {
	llm    providers.LLM
	logger *slog.Logger
}

// New creates an intent detector.
func New(llm providers.LLM, logger *slog.Logger) *Detector {
	return &Detector{llm: llm, logger: logger}
}

// DetectIntent implements providers.Intent.
func (d *Detector) DetectIntent(ctx context.Context, dialogue []providers.Message, text string) (string, error) {
	messages := []providers.Message{{Role: providers.RoleSystem, Content: systemPrompt}}
	for _, m := range recent(dialogue) {
		if m.Role == providers.RoleUser || m.Role == providers.RoleAssistant {
			messages = append(messages, providers.Message{Role: m.Role, Content: m.Content})
		}
	}
	messages = append(messages, providers.Message{Role: providers.RoleUser, Content: text})

	chunks, err := d.llm.Response(ctx, "intent", messages)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		sb.WriteString(chunk.Content)
	}

	reply := strings.TrimSpace(sb.String())
	if !strings.HasPrefix(reply, "{") {
		return "", nil
	}
	if !json.Valid([]byte(reply)) {
		d.logger.Warn("intent: classifier returned malformed JSON", "reply", reply)
		return "", nil
	}
	return reply, nil
}

func recent(dialogue []providers.Message) []providers.Message {
	if len(dialogue) <= recentWindow {
		return dialogue
	}
	return dialogue[len(dialogue)-recentWindow:]
}

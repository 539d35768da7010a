package intent

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auralis-io/auralis/internal/providers"
)

type replyLLM struct {
	reply string
}

func (l *replyLLM) Response(ctx context.Context, sessionID string, dialogue []providers.Message) (<-chan providers.Chunk, error) {
	ch := make(chan providers.Chunk, 1)
	ch <- providers.Chunk{Content: l.reply}
	close(ch)
	return ch, nil
}

func (l *replyLLM) ResponseWithFunctions(ctx context.Context, sessionID string, dialogue []providers.Message, functions []providers.FunctionDefinition) (<-chan providers.Chunk, error) {
	return l.Response(ctx, sessionID, dialogue)
}

func TestDetectIntentPassesActionDocument(t *testing.T) {
	d := New(&replyLLM{reply: `{"action": "exit", "response": "Goodbye!"}`}, slog.Default())

	got, err := d.DetectIntent(context.Background(), nil, "that's all, bye")
	require.NoError(t, err)
	assert.JSONEq(t, `{"action": "exit", "response": "Goodbye!"}`, got)
}

func TestDetectIntentNoneIsEmpty(t *testing.T) {
	d := New(&replyLLM{reply: "none"}, slog.Default())

	got, err := d.DetectIntent(context.Background(), nil, "what's the weather in Hue")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDetectIntentMalformedJSONIsEmpty(t *testing.T) {
	d := New(&replyLLM{reply: `{"action": "exit"`}, slog.Default())

	got, err := d.DetectIntent(context.Background(), nil, "bye")
	require.NoError(t, err)
	assert.Empty(t, got)
}

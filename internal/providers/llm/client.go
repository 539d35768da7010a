// Package llm implements the LLM provider over any OpenAI-compatible
// chat-completions API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/auralis-io/auralis/internal/adapters/circuitbreaker"
	"github.com/auralis-io/auralis/internal/adapters/metrics"
	"github.com/auralis-io/auralis/internal/config"
	"github.com/auralis-io/auralis/internal/providers"
)

var tracer = otel.Tracer("providers/llm")

// Client streams chat completions from an OpenAI-compatible endpoint,
// guarded by a circuit breaker so a flapping backend fails fast instead of
// stalling every turn.
type Client struct {
	api         *openai.Client
	model       string
	maxTokens   int
	temperature float32
	breaker     *circuitbreaker.CircuitBreaker
	logger      *slog.Logger
}

// New creates a client from the merged session configuration.
func New(cfg config.LLMConfig, logger *slog.Logger) *Client {
	apiConfig := openai.DefaultConfig(cfg.APIKey)
	apiConfig.BaseURL = cfg.URL

	return &Client{
		api:         openai.NewClientWithConfig(apiConfig),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
		breaker:     circuitbreaker.New(5, 30*time.Second),
		logger:      logger,
	}
}

// Response implements providers.LLM.
func (c *Client) Response(ctx context.Context, sessionID string, dialogue []providers.Message) (<-chan providers.Chunk, error) {
	return c.stream(ctx, sessionID, dialogue, nil)
}

// ResponseWithFunctions implements providers.LLM.
func (c *Client) ResponseWithFunctions(ctx context.Context, sessionID string, dialogue []providers.Message, functions []providers.FunctionDefinition) (<-chan providers.Chunk, error) {
	return c.stream(ctx, sessionID, dialogue, functions)
}

func (c *Client) stream(ctx context.Context, sessionID string, dialogue []providers.Message, functions []providers.FunctionDefinition) (<-chan providers.Chunk, error) {
	ctx, span := tracer.Start(ctx, "llm.stream")
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("llm.model", c.model),
		attribute.Int("llm.messages", len(dialogue)),
		attribute.Int("llm.functions", len(functions)),
	)

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    convertMessages(dialogue),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      true,
	}
	if len(functions) > 0 {
		req.Tools = convertTools(functions)
		req.ToolChoice = "auto"
	}

	start := time.Now()
	var stream *openai.ChatCompletionStream
	err := c.breaker.Execute(func() error {
		var err error
		stream, err = c.api.CreateChatCompletionStream(ctx, req)
		return err
	})
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(c.model, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("llm: create stream: %w", err)
	}
	metrics.LLMRequestsTotal.WithLabelValues(c.model, "ok").Inc()

	chunks := make(chan providers.Chunk, 16)
	go func() {
		defer close(chunks)
		defer span.End()
		defer stream.Close()
		defer func() {
			metrics.LLMRequestDuration.WithLabelValues(c.model).Observe(time.Since(start).Seconds())
		}()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
					c.logger.Error("llm: stream receive failed", "session_id", sessionID, "error", err)
				}
				chunks <- providers.Chunk{Err: err}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			chunk := providers.Chunk{
				Content:      choice.Delta.Content,
				FinishReason: string(choice.FinishReason),
			}
			for _, tc := range choice.Delta.ToolCalls {
				chunk.ToolCalls = append(chunk.ToolCalls, providers.ToolCallDelta{
					Index:     tc.Index,
					ID:        tc.ID,
					Type:      string(tc.Type),
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			if chunk.Content == "" && len(chunk.ToolCalls) == 0 && chunk.FinishReason == "" {
				continue
			}

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, nil
}

func convertMessages(dialogue []providers.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(dialogue))
	for _, m := range dialogue {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolType(tc.Type),
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func convertTools(functions []providers.FunctionDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(functions))
	for _, fn := range functions {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.Parameters,
			},
		})
	}
	return out
}

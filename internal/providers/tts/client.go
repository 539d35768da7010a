// Package tts implements speech synthesis over an OpenAI-compatible
// audio/speech endpoint, returning frame-sized opus packets ready for the
// egress rate controller.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/auralis-io/auralis/internal/adapters/metrics"
	"github.com/auralis-io/auralis/internal/audio"
	"github.com/auralis-io/auralis/internal/config"
)

var tracer = otel.Tracer("providers/tts")

// Client synthesizes speech and packs it into fixed-duration opus frames.
type Client struct {
	url           string
	apiKey        string
	voice         string
	speed         float64
	sampleRate    int
	frameDuration time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
}

// New creates a TTS client.
func New(cfg config.TTSConfig, sampleRate int, frameDuration time.Duration, logger *slog.Logger) *Client {
	return &Client{
		url:           strings.TrimSuffix(cfg.URL, "/"),
		apiKey:        cfg.APIKey,
		voice:         cfg.Voice,
		speed:         cfg.Speed,
		sampleRate:    sampleRate,
		frameDuration: frameDuration,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		logger:        logger,
	}
}

type speechRequest struct {
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed,omitempty"`
	ResponseFormat string  `json:"response_format"`
}

// Synthesize implements providers.TTS.
func (c *Client) Synthesize(ctx context.Context, text string) ([][]byte, error) {
	ctx, span := tracer.Start(ctx, "tts.synthesize")
	defer span.End()
	span.SetAttributes(attribute.Int("tts.text_length", len(text)))

	start := time.Now()
	defer func() {
		metrics.TTSRequestDuration.Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(speechRequest{
		Input:          text,
		Voice:          c.voice,
		Speed:          c.speed,
		ResponseFormat: "pcm",
	})
	if err != nil {
		return nil, fmt.Errorf("tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("tts: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		err := fmt.Errorf("tts: status %d: %s", resp.StatusCode, string(msg))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: read audio: %w", err)
	}

	frames, err := c.packFrames(pcm)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("tts.frames", len(frames)))
	c.logger.Debug("tts: synthesis complete", "pcm_bytes", len(pcm), "frames", len(frames))
	return frames, nil
}

// packFrames splits PCM into frameDuration-sized chunks and opus-encodes
// each. The trailing partial chunk is zero-padded to a full frame. The
// encoder is stateful across frames of one utterance, so each call gets
// its own; the client is shared by concurrent sessions.
func (c *Client) packFrames(pcm []byte) ([][]byte, error) {
	encoder, err := audio.NewEncoder(c.sampleRate)
	if err != nil {
		return nil, err
	}

	samples := audio.PCMSamples(pcm)
	samplesPerFrame := c.sampleRate * int(c.frameDuration.Milliseconds()) / 1000

	var frames [][]byte
	for offset := 0; offset < len(samples); offset += samplesPerFrame {
		end := offset + samplesPerFrame
		chunk := make([]int16, samplesPerFrame)
		if end > len(samples) {
			copy(chunk, samples[offset:])
		} else {
			copy(chunk, samples[offset:end])
		}

		packet, err := encoder.Encode(chunk)
		if err != nil {
			return nil, fmt.Errorf("tts: encode frame at %d: %w", offset, err)
		}
		frames = append(frames, packet)
	}
	return frames, nil
}

// Close implements providers.TTS.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

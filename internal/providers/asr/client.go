// Package asr implements speech recognition over an OpenAI-compatible
// transcription endpoint.
package asr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/auralis-io/auralis/internal/adapters/metrics"
	"github.com/auralis-io/auralis/internal/config"
)

var tracer = otel.Tracer("providers/asr")

// Client posts WAV-packaged PCM to a transcription endpoint.
type Client struct {
	url        string
	apiKey     string
	model      string
	language   string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an ASR client from the merged session configuration.
func New(cfg config.ASRConfig, logger *slog.Logger) *Client {
	return &Client{
		url:        strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		language:   cfg.Language,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// SpeechToText implements providers.ASR.
func (c *Client) SpeechToText(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	ctx, span := tracer.Start(ctx, "asr.transcribe")
	defer span.End()
	span.SetAttributes(
		attribute.Int("audio.bytes", len(pcm)),
		attribute.Int("audio.sample_rate", sampleRate),
	)

	start := time.Now()
	defer func() {
		metrics.ASRRequestDuration.Observe(time.Since(start).Seconds())
	}()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("asr: create form file: %w", err)
	}
	if _, err := part.Write(pcmToWav(pcm, sampleRate)); err != nil {
		return "", fmt.Errorf("asr: write audio: %w", err)
	}
	if c.model != "" {
		if err := writer.WriteField("model", c.model); err != nil {
			return "", fmt.Errorf("asr: write model field: %w", err)
		}
	}
	if c.language != "" {
		if err := writer.WriteField("language", c.language); err != nil {
			return "", fmt.Errorf("asr: write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("asr: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/audio/transcriptions", body)
	if err != nil {
		return "", fmt.Errorf("asr: create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("asr: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("asr: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("asr: status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("asr: decode response: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	span.SetAttributes(attribute.Int("asr.text_length", len(text)))
	c.logger.Debug("asr: transcription complete", "bytes", len(pcm), "text", truncate(text, 80))
	return text, nil
}

// Close implements providers.ASR.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// pcmToWav wraps 16-bit mono PCM in a minimal RIFF header.
func pcmToWav(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

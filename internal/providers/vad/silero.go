// Package vad wraps the silero ONNX voice-activity detector.
package vad

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/auralis-io/auralis/internal/config"
)

// Detector is a silero-backed VAD. One instance may be shared read-mostly
// across connections; the detector itself is not reentrant so calls are
// serialized with a mutex.
type Detector struct {
	mu       sync.Mutex
	detector *speech.Detector
	logger   *slog.Logger
}

// New loads the silero model and returns a detector.
func New(cfg config.VADConfig, sampleRate int, logger *slog.Logger) (*Detector, error) {
	sd, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           sampleRate,
		Threshold:            cfg.Threshold,
		MinSilenceDurationMs: cfg.MinSilenceDurationMs,
		SpeechPadMs:          cfg.SpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: load silero model: %w", err)
	}

	logger.Info("vad: silero model loaded", "model", cfg.ModelPath, "threshold", cfg.Threshold)
	return &Detector{detector: sd, logger: logger}, nil
}

// IsVoice implements providers.VAD.
func (d *Detector) IsVoice(ctx context.Context, pcm []float32) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	segments, err := d.detector.Detect(pcm)
	if err != nil {
		return false, fmt.Errorf("vad: detect: %w", err)
	}
	if err := d.detector.Reset(); err != nil {
		d.logger.Warn("vad: reset failed", "error", err)
	}
	return len(segments) > 0, nil
}

// Close releases the ONNX session.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detector == nil {
		return nil
	}
	err := d.detector.Destroy()
	d.detector = nil
	if err != nil {
		return fmt.Errorf("vad: destroy: %w", err)
	}
	return nil
}

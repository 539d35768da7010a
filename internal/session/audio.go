package session

import (
	"context"
	"strings"
	"time"

	"github.com/auralis-io/auralis/internal/adapters/metrics"
	"github.com/auralis-io/auralis/internal/audio"
	"github.com/auralis-io/auralis/internal/config"
	"github.com/auralis-io/auralis/internal/protocol"
)

// preVoiceFrames is how many pre-speech frames are kept so the first
// syllable is not clipped off the ASR input.
const preVoiceFrames = 5

// handleBinary is the ingress audio path. Gateway-framed connections go
// through the sequence reorder buffer first; direct connections treat
// the whole frame as one encoded packet.
func (h *Handler) handleBinary(ctx context.Context, data []byte) {
	if !h.gatewayFramed {
		h.processAudioPacket(ctx, data)
		return
	}

	frame, err := protocol.ParseGatewayFrame(data)
	if err != nil {
		h.logger.Debug("session: bad gateway frame", "error", err)
		return
	}
	if frame.Type != protocol.GatewayFrameAudio {
		return
	}

	released := h.reorder.Push(frame)
	if len(released) > 1 {
		metrics.AudioPacketsReordered.Add(float64(len(released) - 1))
	}
	for _, f := range released {
		h.processAudioPacket(ctx, f.Payload)
	}
}

// processAudioPacket decodes one packet, runs VAD gating and accumulates
// speech until enough trailing silence ends the utterance.
func (h *Handler) processAudioPacket(ctx context.Context, packet []byte) {
	cfg := h.cfg.Load()

	pcm, err := h.decodePacket(cfg.Session.AudioFormat, cfg.Session.SampleRate, packet)
	if err != nil {
		h.logger.Debug("session: audio decode failed", "error", err)
		return
	}
	if len(pcm) == 0 {
		return
	}

	// Device speech while the assistant is talking is a barge-in.
	voiced := h.detectVoice(ctx, pcm)
	if voiced && h.turnActive.Load() {
		h.abortTurn("barge-in")
	}

	h.audioMu.Lock()
	if voiced {
		if !h.voiced {
			for _, pre := range h.preBuf {
				h.asrBuf = append(h.asrBuf, pre...)
			}
			h.preBuf = nil
			h.voiced = true
		}
		h.silence = 0
		h.asrBuf = append(h.asrBuf, pcm...)
		h.audioMu.Unlock()
		return
	}

	if !h.voiced {
		// Rolling pre-speech window.
		h.preBuf = append(h.preBuf, append([]byte(nil), pcm...))
		if len(h.preBuf) > preVoiceFrames {
			h.preBuf = h.preBuf[1:]
		}
		h.audioMu.Unlock()
		return
	}

	h.asrBuf = append(h.asrBuf, pcm...)
	h.silence++
	done := h.silence >= h.silenceFrameThreshold(cfg)
	h.audioMu.Unlock()

	if done {
		h.finalizeASR(ctx)
	}
}

// decodePacket turns one wire packet into 16 kHz mono PCM bytes.
func (h *Handler) decodePacket(format string, sampleRate int, packet []byte) ([]byte, error) {
	if format != "opus" {
		return packet, nil
	}

	h.audioMu.Lock()
	if h.opusDec == nil {
		dec, err := audio.NewDecoder(sampleRate)
		if err != nil {
			h.audioMu.Unlock()
			return nil, err
		}
		h.opusDec = dec
	}
	dec := h.opusDec
	h.audioMu.Unlock()

	samples, err := dec.Decode(packet)
	if err != nil {
		return nil, err
	}
	return audio.PCMBytes(samples), nil
}

// detectVoice asks the VAD whether the chunk is speech. Manual listen
// mode trusts the device's push-to-talk signal instead, and a missing
// VAD treats everything as silence so audio is dropped rather than fed
// to the ASR unfiltered.
func (h *Handler) detectVoice(ctx context.Context, pcm []byte) bool {
	h.listenMu.Lock()
	mode := h.listenMode
	listening := h.listening
	h.listenMu.Unlock()

	if mode == protocol.ListenModeManual {
		return listening
	}
	if h.deps.VAD == nil {
		return false
	}

	voiced, err := h.deps.VAD.IsVoice(ctx, audio.PCMFloat32(audio.PCMSamples(pcm)))
	if err != nil {
		h.logger.Debug("session: vad failed", "error", err)
		return false
	}
	return voiced
}

func (h *Handler) silenceFrameThreshold(cfg *config.Config) int {
	frameMs := int(cfg.Session.FrameDuration / time.Millisecond)
	if frameMs <= 0 {
		frameMs = 60
	}
	frames := cfg.VAD.MinSilenceDurationMs / frameMs
	if frames < 1 {
		frames = 1
	}
	return frames
}

// finalizeASR transcribes the accumulated utterance and, if non-empty,
// starts an LLM turn for it.
func (h *Handler) finalizeASR(ctx context.Context) {
	h.audioMu.Lock()
	pcm := h.asrBuf
	h.asrBuf = nil
	h.preBuf = nil
	h.voiced = false
	h.silence = 0
	h.audioMu.Unlock()

	if len(pcm) == 0 || h.deps.ASR == nil {
		return
	}

	cfg := h.cfg.Load()
	text, err := h.deps.ASR.SpeechToText(ctx, pcm, cfg.Session.SampleRate)
	if err != nil {
		h.logger.Warn("session: asr failed", "error", err)
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	h.logger.Info("session: recognized", "text", text)
	h.submitText(ctx, text)
}

func (h *Handler) resetAudioBuffers() {
	h.audioMu.Lock()
	h.asrBuf = nil
	h.preBuf = nil
	h.voiced = false
	h.silence = 0
	h.audioMu.Unlock()
}

package session

import (
	"context"
	"os"
	"time"

	"github.com/auralis-io/auralis/internal/adapters/metrics"
	"github.com/auralis-io/auralis/internal/protocol"
)

// Sentence position within one spoken turn.
type sentencePos int

const (
	sentenceFirst sentencePos = iota
	sentenceMiddle
	sentenceLast
)

// What a ttsUnit carries.
type unitContent int

const (
	contentText unitContent = iota
	contentFile
	contentAction
)

// ttsUnit is one queued egress step. A turn is FIRST, zero or more
// MIDDLEs, then exactly one LAST. ACTION units carry no speakable
// payload and only move the turn state machine.
type ttsUnit struct {
	pos     sentencePos
	content unitContent
	text    string
	path    string
}

const drainHeadroom = 200 * time.Millisecond

// ttsLoop serializes the spoken side of every turn: it synthesizes each
// sentence, interleaves sentence_start markers with the paced audio and
// closes the turn with the stop message once the rate controller drains.
func (h *Handler) ttsLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case unit := <-h.ttsCh:
			if h.clientAbort.Load() && unit.pos != sentenceLast {
				continue
			}
			h.processTTSUnit(ctx, unit)
		}
	}
}

func (h *Handler) processTTSUnit(ctx context.Context, unit ttsUnit) {
	switch unit.pos {
	case sentenceFirst:
		if err := h.sendJSON(&protocol.TTSMessage{
			Type:      protocol.TypeTTS,
			State:     protocol.TTSStateStart,
			SessionID: h.ID,
		}); err != nil {
			h.logger.Warn("session: tts start failed", "error", err)
			return
		}
		h.rate.StartSending(ctx, func(ctx context.Context, frame []byte) error {
			metrics.AudioFramesSent.Inc()
			return h.sendBinary(frame)
		})
		if unit.content == contentText && unit.text != "" {
			h.synthesize(ctx, unit.text)
		}

	case sentenceMiddle:
		switch unit.content {
		case contentText:
			h.synthesize(ctx, unit.text)
		case contentFile:
			h.playFile(unit.path)
		}

	case sentenceLast:
		if unit.content == contentText && unit.text != "" {
			h.synthesize(ctx, unit.text)
		}
		h.finishTurn(ctx)
	}
}

// synthesize runs one sentence through TTS and queues its frames behind a
// sentence_start marker so the device learns the text before hearing it.
func (h *Handler) synthesize(ctx context.Context, text string) {
	if h.deps.TTS == nil || h.clientAbort.Load() {
		return
	}

	frames, err := h.deps.TTS.Synthesize(ctx, text)
	if err != nil {
		h.logger.Warn("session: tts synthesis failed", "error", err, "text", text)
		return
	}
	if h.clientAbort.Load() {
		return
	}

	sentence := text
	h.rate.AddControl(func(ctx context.Context) error {
		return h.sendJSON(&protocol.TTSMessage{
			Type:      protocol.TypeTTS,
			State:     protocol.TTSStateSentenceStart,
			SessionID: h.ID,
			Text:      sentence,
		})
	})
	for _, frame := range frames {
		h.rate.AddAudio(frame)
	}
	h.rate.AddControl(func(ctx context.Context) error {
		return h.sendJSON(&protocol.TTSMessage{
			Type:      protocol.TypeTTS,
			State:     protocol.TTSStateSentenceEnd,
			SessionID: h.ID,
			Text:      sentence,
		})
	})
}

// playFile queues a pre-encoded sound from disk, frame per line of the
// stored frame set. Used for the notification sound.
func (h *Handler) playFile(path string) {
	if path == "" || h.clientAbort.Load() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		h.logger.Warn("session: sound file unavailable", "path", path, "error", err)
		return
	}
	h.rate.AddAudio(data)
}

// finishTurn waits for the egress queue to drain, adds a small headroom
// so the device finishes playback, then sends the stop message.
func (h *Handler) finishTurn(ctx context.Context) {
	if !h.clientAbort.Load() {
		drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := h.rate.WaitDrained(drainCtx); err != nil {
			h.logger.Debug("session: drain wait ended early", "error", err)
		}
		cancel()

		select {
		case <-time.After(drainHeadroom):
		case <-h.stopCh:
		}
	}

	if err := h.sendJSON(&protocol.TTSMessage{
		Type:      protocol.TypeTTS,
		State:     protocol.TTSStateStop,
		SessionID: h.ID,
	}); err != nil {
		h.logger.Debug("session: tts stop failed", "error", err)
	}
}

// enqueueUnit drops speech once a turn has been aborted, except the LAST
// marker which must always land so the device leaves speaking state.
func (h *Handler) enqueueUnit(unit ttsUnit) {
	if h.clientAbort.Load() && unit.pos != sentenceLast {
		return
	}
	select {
	case h.ttsCh <- unit:
	case <-h.stopCh:
	}
}

// speak runs a standalone one-sentence turn, outside any LLM exchange.
// Used for bind reminders and error utterances.
func (h *Handler) speak(text string) {
	h.enqueueUnit(ttsUnit{pos: sentenceFirst, content: contentAction})
	h.enqueueUnit(ttsUnit{pos: sentenceMiddle, content: contentText, text: text})
	h.enqueueUnit(ttsUnit{pos: sentenceLast, content: contentAction})
}

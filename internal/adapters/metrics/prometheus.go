package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auralis_connections_active",
		Help: "Number of active device WebSocket connections",
	})

	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auralis_connections_total",
		Help: "Total accepted device connections",
	}, []string{"transport"})

	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auralis_turns_total",
		Help: "Total dialogue turns",
	}, []string{"status"})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auralis_tool_calls_total",
		Help: "Total tool executions by backend and outcome",
	}, []string{"backend", "status"})

	AudioFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auralis_audio_frames_sent_total",
		Help: "Audio frames sent to devices",
	})

	AudioPacketsReordered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auralis_audio_packets_reordered_total",
		Help: "Gateway audio packets delivered out of order and resequenced",
	})

	BindRemindersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auralis_bind_reminders_total",
		Help: "Spoken binding reminders emitted to unbound devices",
	})

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auralis_llm_requests_total",
		Help: "Total LLM requests",
	}, []string{"model", "status"})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auralis_llm_request_duration_seconds",
		Help:    "LLM request duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"model"})

	ASRRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auralis_asr_request_duration_seconds",
		Help:    "ASR transcription duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	TTSRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auralis_tts_request_duration_seconds",
		Help:    "TTS synthesis duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5},
	})
)

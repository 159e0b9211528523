package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the engine.
type Metrics struct {
	registry *prometheus.Registry

	ActiveCalls        prometheus.Gauge
	AdmissionDecisions *prometheus.CounterVec
	CallEvents         *prometheus.CounterVec
	RelayFrames        *prometheus.CounterVec
	CancelDecisions    *prometheus.CounterVec
	GateTransitions    *prometheus.CounterVec
	BackendErrors      *prometheus.CounterVec
	FirstAudioLatency  prometheus.Histogram

	stages *callStageWindow
}

func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of live call sessions in this process.",
		}),
		AdmissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission controller decisions by outcome.",
		}, []string{"decision"}),
		CallEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		RelayFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Audio frames relayed by direction.",
		}, []string{"direction"}),
		CancelDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancel_decisions_total",
			Help:      "Barge-in cancellation decisions by outcome.",
		}, []string{"outcome"}),
		GateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_transitions_total",
			Help:      "Outbound gate transitions by target state.",
		}, []string{"state"}),
		BackendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Speech backend errors by code.",
		}, []string{"code"}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from response creation to first transmitted frame in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 1000, 1500, 2500},
		}),
		stages: newCallStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

// ObserveCallStage records one stage duration into the rolling window.
func (m *Metrics) ObserveCallStage(stage string, d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.stages.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) StageSnapshot() CallStageSnapshot {
	return m.stages.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics exposes process-level Prometheus metrics for the bridge.
// Per-turn latency metrics destined for the client are computed in the
// session package; the counters here are operator-facing aggregates.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	AudioBytesTotal *prometheus.CounterVec
	DroppedOutbound *prometheus.CounterVec

	TokensTotal  *prometheus.CounterVec
	CostUSDTotal prometheus.Counter

	TTSFirstFrameSeconds prometheus.Histogram
	TurnLatencySeconds   prometheus.Histogram

	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicebridge"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live bridged sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions by terminal status",
		}, []string{"status"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes moved through the bridge",
		}, []string{"direction"}),
		DroppedOutbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_outbound_total",
			Help:      "Best-effort outbound messages dropped under backpressure",
		}, []string{"kind"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by the conversation engine",
		}, []string{"direction"}),
		CostUSDTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated engine cost in USD",
		}),
		TTSFirstFrameSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tts_first_frame_seconds",
			Help:      "Time from synthesis start to first audio frame sent",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 2, 5},
		}),
		TurnLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_seconds",
			Help:      "Time from user speech end to first synthesized audio frame",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10},
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by source",
		}, []string{"source"}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.AudioBytesTotal,
		m.DroppedOutbound,
		m.TokensTotal,
		m.CostUSDTotal,
		m.TTSFirstFrameSeconds,
		m.TurnLatencySeconds,
		m.ErrorsTotal,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) AudioBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) Dropped(kind string) {
	if m == nil {
		return
	}
	m.DroppedOutbound.WithLabelValues(kind).Inc()
}

func (m *Metrics) Tokens(inputTokens, outputTokens int64) {
	if m == nil {
		return
	}
	if inputTokens > 0 {
		m.TokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
}

func (m *Metrics) Cost(usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.CostUSDTotal.Add(usd)
}

func (m *Metrics) TTSFirstFrame(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.TTSFirstFrameSeconds.Observe(d.Seconds())
}

func (m *Metrics) TurnLatency(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.TurnLatencySeconds.Observe(d.Seconds())
}

func (m *Metrics) Error(source string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(source).Inc()
}

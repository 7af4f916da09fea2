package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSFrames      *prometheus.CounterVec

	// Generation metrics
	GenerationsStarted   prometheus.Counter
	GenerationsCompleted prometheus.Counter
	GenerationsStopped   prometheus.Counter
	GenerationsFailed    prometheus.Counter
	ChunksRelayed        prometheus.Counter

	// History metrics
	HistoryAppends *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector backed by its own registry,
// so multiple instances can coexist within one process (tests included).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatrelay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatrelay_ws_connections",
				Help: "Number of live chat channel connections",
			},
		),
		WSFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_ws_frames_total",
				Help: "Total frames processed over chat channels",
			},
			[]string{"direction", "type"},
		),

		GenerationsStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_generations_started_total",
				Help: "Total generation tasks spawned",
			},
		),
		GenerationsCompleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_generations_completed_total",
				Help: "Generation tasks that ran to natural completion",
			},
		),
		GenerationsStopped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_generations_stopped_total",
				Help: "Generation tasks cancelled by stop, replacement, or disconnect",
			},
		),
		GenerationsFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_generations_failed_total",
				Help: "Generation tasks terminated by a transport or backend error",
			},
		),
		ChunksRelayed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_chunks_relayed_total",
				Help: "Response chunks forwarded to clients",
			},
		),

		HistoryAppends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_history_appends_total",
				Help: "Messages appended to the history store",
			},
			[]string{"role"},
		),
	}
}

// RecordHTTPRequest records metrics for one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

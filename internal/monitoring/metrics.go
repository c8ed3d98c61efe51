// Package monitoring defines the coordinator's Prometheus metrics, exposed on
// /metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the coordinator records.
type Metrics struct {
	// Pipeline
	CapturesTerminal *prometheus.CounterVec // status: processed|failed; reason label for failed
	PipelineDuration prometheus.Histogram

	// Dispatcher
	QueueDepth    prometheus.Gauge
	InFlight      prometheus.Gauge
	JobsRejected  prometheus.Counter
	JobsDeduped   prometheus.Counter

	// Inference
	BreakerState *prometheus.GaugeVec // target: classifier|generator; 0 closed, 1 open, 2 half-open

	// Ingress
	UploadsTotal  *prometheus.CounterVec // outcome: accepted|replay|rejected
	RateLimited   prometheus.Counter

	// Events / gateway
	EventsPublished prometheus.Counter
	EventsDropped   prometheus.Counter
	SessionsActive  prometheus.Gauge
}

// New creates and registers all collectors against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CapturesTerminal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_captures_terminal_total",
				Help: "Captures reaching a terminal state, by status and failure reason",
			},
			[]string{"status", "reason"},
		),
		PipelineDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coordinator_pipeline_duration_seconds",
				Help:    "Wall-clock time from claim to terminal state",
				Buckets: prometheus.DefBuckets,
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_dispatch_queue_depth",
				Help: "Jobs waiting in the dispatcher queue",
			},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_dispatch_in_flight",
				Help: "Jobs currently running on workers",
			},
		),
		JobsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_dispatch_rejected_total",
				Help: "Submissions rejected because the queue was full",
			},
		),
		JobsDeduped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_dispatch_deduped_total",
				Help: "Submissions ignored because the capture was already queued or running",
			},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordinator_breaker_state",
				Help: "Circuit breaker state per inference target (0 closed, 1 open, 2 half-open)",
			},
			[]string{"target"},
		),
		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_uploads_total",
				Help: "Capture uploads by outcome",
			},
			[]string{"outcome"},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_rate_limited_total",
				Help: "Uploads rejected by the per-device rate limiter",
			},
		),
		EventsPublished: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_events_published_total",
				Help: "Events published on the in-process bus",
			},
		),
		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_events_dropped_total",
				Help: "Events dropped because a subscriber buffer was full",
			},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_ws_sessions_active",
				Help: "Connected WebSocket sessions",
			},
		),
	}
}

// ObserveTerminal records one terminal capture.
func (m *Metrics) ObserveTerminal(status, reason string, seconds float64) {
	if m == nil {
		return
	}
	m.CapturesTerminal.WithLabelValues(status, reason).Inc()
	m.PipelineDuration.Observe(seconds)
}

// Package monitoring - metrics.go exposes Prometheus metrics.
//
// DESIGN: All collectors live on a private registry so tests can create
// isolated Metrics instances without duplicate-registration panics. The
// gateway mounts Handler() at /metrics when metrics are enabled.
//
// COLLECTORS:
//   - dispatches_total{target,outcome}:      Terminal outcome of every dispatch
//   - dispatch_duration_seconds{target}:     End-to-end latency histogram
//   - stream_events_total{type}:             Normalized events relayed to callers
//   - breaker_transitions_total{target,to}:  Circuit breaker state changes
//   - rate_limit_rejections_total{class}:    Token bucket rejections
//   - active_streams:                        Streams currently being relayed
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricNamespace = "modelgate"

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	dispatches     *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	streamEvents   *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	rateRejections *prometheus.CounterVec
	activeStreams  prometheus.Gauge
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "dispatches_total",
			Help:      "Dispatched requests by target and terminal outcome.",
		}, []string{"target", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end dispatch latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"target"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "stream_events_total",
			Help:      "Normalized stream events relayed to callers, by event type.",
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by target and new state.",
		}, []string{"target", "to"}),
		rateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the token bucket limiter, by class.",
		}, []string{"class"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "active_streams",
			Help:      "Streams currently being relayed to callers.",
		}),
	}

	reg.MustRegister(m.dispatches, m.duration, m.streamEvents, m.transitions, m.rateRejections, m.activeStreams)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordDispatch records a completed dispatch.
func (m *Metrics) RecordDispatch(target, outcome string, latency time.Duration) {
	m.dispatches.WithLabelValues(target, outcome).Inc()
	m.duration.WithLabelValues(target).Observe(latency.Seconds())
}

// RecordStreamEvent counts a normalized event relayed to a caller.
func (m *Metrics) RecordStreamEvent(eventType string) {
	m.streamEvents.WithLabelValues(eventType).Inc()
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(target, to string) {
	m.transitions.WithLabelValues(target, to).Inc()
}

// RecordRateLimitRejection counts a token bucket rejection.
func (m *Metrics) RecordRateLimitRejection(class string) {
	m.rateRejections.WithLabelValues(class).Inc()
}

// StreamStarted marks a stream as active.
func (m *Metrics) StreamStarted() { m.activeStreams.Inc() }

// StreamFinished marks a stream as done.
func (m *Metrics) StreamFinished() { m.activeStreams.Dec() }

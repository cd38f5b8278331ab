package retry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Event is a retry lifecycle notification.
type Event string

const (
	EventRetryAttempt    Event = "retry_attempt"
	EventRetrySuccess    Event = "retry_success"
	EventRetryFailed     Event = "retry_failed"
	EventCircuitOpen     Event = "circuit_opened"
	EventCircuitClosed   Event = "circuit_closed"
	EventCircuitHalfOpen Event = "circuit_half_open"
)

// EventSink receives lifecycle events with a small context map. Sinks must
// be fast; they run on the calling goroutine.
type EventSink func(event Event, fields map[string]interface{})

// Metrics holds the prometheus instruments of one retry manager.
type Metrics struct {
	calls   *prometheus.CounterVec
	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetrics registers the retry instruments on reg under the given
// namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "calls_total",
			Help:      "Call outcomes by operation; failures carry the error kind.",
		}, []string{"operation", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "events_total",
			Help:      "Retry and circuit breaker lifecycle events.",
		}, []string{"event"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "call_duration_seconds",
			Help:      "Per-attempt wall time, including failed attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(m.calls, m.events, m.latency)
	}
	return m
}

// BreakerCallback returns a state-change hook that mirrors breaker
// transitions into the event counter.
func (m *Metrics) BreakerCallback() func(from, to State) {
	return func(_, to State) {
		switch to {
		case StateOpen:
			m.emit(EventCircuitOpen)
		case StateClosed:
			m.emit(EventCircuitClosed)
		case StateHalfOpen:
			m.emit(EventCircuitHalfOpen)
		}
	}
}

func (m *Metrics) emit(event Event) {
	m.events.WithLabelValues(string(event)).Inc()
}

func (m *Metrics) count(operation, outcome string) {
	m.calls.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) observe(operation string, elapsed time.Duration) {
	m.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

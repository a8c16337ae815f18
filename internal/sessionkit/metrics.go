package sessionkit

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Lifecycle events counted by MetricsRecorder implementations.
const (
	MetricLoginSuccess        = "login.success"
	MetricLoginFailure        = "login.failure"
	MetricRefreshSuccess      = "refresh.success"
	MetricRefreshFailure      = "refresh.failure"
	MetricLogout              = "logout"
	MetricLogoutServerFailure = "logout.server_failure"
	MetricUnauthorized        = "unauthorized"
	MetricRequestRetry        = "request.retry"
	MetricSchedulerRefresh    = "scheduler.refresh"
	MetricSchedulerExpired    = "scheduler.expired"
)

// MetricsRecorder increments counters for session lifecycle events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports lifecycle events as portal_session_events_total{event=...}.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the event counter with registerer (skipped when nil).
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portal",
		Subsystem: "session",
		Name:      "events_total",
		Help:      "Session lifecycle events observed by the portal client.",
	}, []string{"event"})
	if registerer != nil {
		if err := registerer.Register(events); err != nil {
			return nil, fmt.Errorf("metrics.register: %w", err)
		}
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

// Counter exposes the labelled counter for a single event.
func (recorder *PrometheusMetrics) Counter(event string) prometheus.Counter {
	return recorder.events.WithLabelValues(event)
}

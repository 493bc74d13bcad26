package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type auditMetrics struct {
	events   *prometheus.CounterVec
	failures *prometheus.CounterVec
}

var (
	auditMetricsOnce sync.Once
	auditRegistry    *auditMetrics
)

// Audit returns the metrics registry tracking audit sink activity.
func Audit() *auditMetrics {
	auditMetricsOnce.Do(func() {
		auditRegistry = &auditMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Count of audit events written segmented by event type.",
			}, []string{"event"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "failures_total",
				Help:      "Count of audit events dropped because the sink rejected them.",
			}, []string{"event"}),
		}
		prometheus.MustRegister(auditRegistry.events, auditRegistry.failures)
	})
	return auditRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *auditMetrics) RecordEvent(eventType string, ok bool) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	if !ok {
		m.failures.WithLabelValues(normalized).Inc()
		return
	}
	m.events.WithLabelValues(normalized).Inc()
}

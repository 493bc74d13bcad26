package observability

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentmarket"

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics

	bridgeMetricsOnce sync.Once
	bridgeRegistry    *BridgeMetrics
)

// HTTP returns the lazily-initialised registry used to record API route activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an API request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// LedgerMetrics captures metrics for coordinator operations.
type LedgerMetrics struct {
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	errors     *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	volume     *prometheus.CounterVec
}

// Ledger returns the singleton metrics registry for the transaction coordinator.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Count of ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations including lock wait.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "errors_total",
				Help:      "Count of ledger failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "duplicate_refs_total",
				Help:      "Count of replayed external references answered with the prior entry.",
			}, []string{"coin"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "volume_minor_units_total",
				Help:      "Sum of posted amounts in minor units segmented by coin and entry type.",
			}, []string{"coin", "type"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.requests,
			ledgerRegistry.latency,
			ledgerRegistry.errors,
			ledgerRegistry.duplicates,
			ledgerRegistry.volume,
		)
	})
	return ledgerRegistry
}

// Observe records the execution metrics for a ledger operation.
func (m *LedgerMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := labelOperation(operation)
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, errorReason(err)).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordDuplicate increments the replayed external reference counter.
func (m *LedgerMetrics) RecordDuplicate(coin string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(labelCoin(coin)).Inc()
}

// RecordVolume adds a posted amount to the volume counter.
func (m *LedgerMetrics) RecordVolume(coin, entryType string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.volume.WithLabelValues(labelCoin(coin), strings.TrimSpace(entryType)).Add(float64(amount))
}

// EscrowMetrics wraps collectors tracking paid service executions.
type EscrowMetrics struct {
	executions     *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
	refunds        *prometheus.CounterVec
	recovered      prometheus.Counter
	pending        prometheus.Gauge
}

// Escrow exposes the metrics registry for the escrow executor.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "executions_total",
				Help:      "Count of terminal service executions segmented by coin and status.",
			}, []string{"coin", "status"}),
			webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "webhook_latency_seconds",
				Help:      "Latency distribution for webhook invocations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "refunds_total",
				Help:      "Count of escrow refunds segmented by coin and reason.",
			}, []string{"coin", "reason"}),
			recovered: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "recovered_total",
				Help:      "Count of abandoned pending executions refunded by the recovery worker.",
			}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "in_flight",
				Help:      "Number of executions currently waiting on a webhook response.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.executions,
			escrowRegistry.webhookLatency,
			escrowRegistry.refunds,
			escrowRegistry.recovered,
			escrowRegistry.pending,
		)
	})
	return escrowRegistry
}

// RecordExecution increments the terminal execution counter.
func (m *EscrowMetrics) RecordExecution(coin, status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(labelCoin(coin), strings.TrimSpace(status)).Inc()
}

// ObserveWebhook records the latency of a webhook call.
func (m *EscrowMetrics) ObserveWebhook(d time.Duration, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.webhookLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordRefund increments the refund counter for the supplied reason.
func (m *EscrowMetrics) RecordRefund(coin, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.refunds.WithLabelValues(labelCoin(coin), reason).Inc()
}

// RecordRecovered increments the recovered execution counter.
func (m *EscrowMetrics) RecordRecovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recovered.Add(float64(n))
}

// InFlight adjusts the in-flight webhook gauge by delta.
func (m *EscrowMetrics) InFlight(delta int) {
	if m == nil {
		return
	}
	m.pending.Add(float64(delta))
}

// BridgeMetrics bundles collectors for outbound bridge transfers.
type BridgeMetrics struct {
	transitions *prometheus.CounterVec
	amounts     *prometheus.CounterVec
	blocked     *prometheus.CounterVec
}

// Bridge returns the metrics registry for the bridge transfer manager.
func Bridge() *BridgeMetrics {
	bridgeMetricsOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "transitions_total",
				Help:      "Count of bridge transfer state transitions segmented by kind and status.",
			}, []string{"kind", "status"}),
			amounts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "amount_minor_units_total",
				Help:      "Sum of bridge transfer amounts segmented by coin and status.",
			}, []string{"coin", "status"}),
			blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "reserved_coin_blocked_total",
				Help:      "Count of transfers refused by the reserved coin gate.",
			}, []string{"coin"}),
		}
		prometheus.MustRegister(bridgeRegistry.transitions, bridgeRegistry.amounts, bridgeRegistry.blocked)
	})
	return bridgeRegistry
}

// RecordTransition increments the transition counters for a transfer.
func (m *BridgeMetrics) RecordTransition(kind, coin, status string, amount int64) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(strings.TrimSpace(kind), strings.TrimSpace(status)).Inc()
	if amount > 0 {
		m.amounts.WithLabelValues(labelCoin(coin), strings.TrimSpace(status)).Add(float64(amount))
	}
}

// RecordBlocked increments the reserved coin gate counter.
func (m *BridgeMetrics) RecordBlocked(coin string) {
	if m == nil {
		return
	}
	m.blocked.WithLabelValues(labelCoin(coin)).Inc()
}

func labelOperation(operation string) string {
	op := strings.TrimSpace(operation)
	if op == "" {
		return "unknown"
	}
	return op
}

func labelCoin(coin string) string {
	trimmed := strings.TrimSpace(coin)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

// errorReason reduces an error chain to its innermost message so wrapped
// sentinels produce a bounded label set.
func errorReason(err error) string {
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	reason := strings.TrimSpace(root.Error())
	if reason == "" {
		return "unknown"
	}
	return reason
}

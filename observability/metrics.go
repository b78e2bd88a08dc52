package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	migrationMetricsOnce sync.Once
	migrationRegistry    *MigrationMetrics

	bufferMetricsOnce sync.Once
	bufferRegistry    *BufferMetrics
)

// API returns the lazily-initialised metrics registry used to record HTTP
// handler activity of the migration service.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "himalaya",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "himalaya",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "himalaya",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "himalaya",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason.
func (m *apiMetrics) RecordThrottle(route, reason string) {
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

// MigrationMetrics captures state machine activity of the orchestrator.
type MigrationMetrics struct {
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	steps       *prometheus.HistogramVec
	deliveries  *prometheus.CounterVec
	submitted   prometheus.Counter
}

// Migrations returns the singleton metrics registry for the orchestrator.
func Migrations() *MigrationMetrics {
	migrationMetricsOnce.Do(func() {
		migrationRegistry = &MigrationMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "himalaya",
				Subsystem: "migration",
				Name:      "transitions_total",
				Help:      "State transitions applied to migration records.",
			}, []string{"from", "to"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "himalaya",
				Subsystem: "migration",
				Name:      "failures_total",
				Help:      "Migration records that left the happy path, by failure kind.",
			}, []string{"kind"}),
			steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "himalaya",
				Subsystem: "migration",
				Name:      "step_duration_seconds",
				Help:      "Latency of individual orchestrator steps.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"step", "outcome"}),
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "himalaya",
				Subsystem: "migration",
				Name:      "deliveries_total",
				Help:      "Bridge callbacks received, by step and result.",
			}, []string{"step", "result"}),
			submitted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "himalaya",
				Subsystem: "migration",
				Name:      "submitted_total",
				Help:      "Migration requests accepted at intake.",
			}),
		}
		prometheus.MustRegister(
			migrationRegistry.transitions,
			migrationRegistry.failures,
			migrationRegistry.steps,
			migrationRegistry.deliveries,
			migrationRegistry.submitted,
		)
	})
	return migrationRegistry
}

// RecordSubmit counts an accepted request.
func (m *MigrationMetrics) RecordSubmit() {
	if m == nil {
		return
	}
	m.submitted.Inc()
}

// RecordTransition counts a state change.
func (m *MigrationMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelState(from), labelState(to)).Inc()
}

// RecordFailure counts a record leaving the happy path.
func (m *MigrationMetrics) RecordFailure(kind string) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unspecified"
	}
	m.failures.WithLabelValues(kind).Inc()
}

// ObserveStep records the latency and outcome of an orchestrator step.
func (m *MigrationMetrics) ObserveStep(step string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.steps.WithLabelValues(step, outcome).Observe(duration.Seconds())
}

// RecordDelivery counts a bridge callback by step and result, e.g.
// "accepted", "duplicate", "rejected".
func (m *MigrationMetrics) RecordDelivery(step, result string) {
	if m == nil {
		return
	}
	if step == "" {
		step = "unknown"
	}
	m.deliveries.WithLabelValues(step, result).Inc()
}

// BufferMetrics tracks liquidity buffer utilisation.
type BufferMetrics struct {
	outstanding *prometheus.GaugeVec
	available   *prometheus.GaugeVec
	overdue     prometheus.Gauge
	operations  *prometheus.CounterVec
	retries     prometheus.Counter
}

// Buffer returns the singleton metrics registry for the liquidity buffer.
func Buffer() *BufferMetrics {
	bufferMetricsOnce.Do(func() {
		bufferRegistry = &BufferMetrics{
			outstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "himalaya",
				Subsystem: "buffer",
				Name:      "outstanding",
				Help:      "Amount currently drawn from the buffer in asset base units.",
			}, []string{"chain", "asset"}),
			available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "himalaya",
				Subsystem: "buffer",
				Name:      "available",
				Help:      "Liquidity remaining in the buffer in asset base units.",
			}, []string{"chain", "asset"}),
			overdue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "himalaya",
				Subsystem: "buffer",
				Name:      "overdue_entries",
				Help:      "Outstanding buffer entries past their settlement deadline.",
			}),
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "himalaya",
				Subsystem: "buffer",
				Name:      "operations_total",
				Help:      "Buffer ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "himalaya",
				Subsystem: "buffer",
				Name:      "contention_retries_total",
				Help:      "Pool updates retried after an optimistic version conflict.",
			}),
		}
		prometheus.MustRegister(
			bufferRegistry.outstanding,
			bufferRegistry.available,
			bufferRegistry.overdue,
			bufferRegistry.operations,
			bufferRegistry.retries,
		)
	})
	return bufferRegistry
}

// RecordPool updates the outstanding and available gauges for a pool.
func (m *BufferMetrics) RecordPool(chain uint64, asset string, capacity, available *big.Int) {
	if m == nil {
		return
	}
	chainLabel := fmt.Sprintf("%d", chain)
	label := labelAsset(asset)
	availableVal := bigToFloat(available)
	used := bigToFloat(capacity) - availableVal
	if used < 0 {
		used = 0
	}
	m.available.WithLabelValues(chainLabel, label).Set(availableVal)
	m.outstanding.WithLabelValues(chainLabel, label).Set(used)
}

// RecordOperation counts a draw, settle or force-settle attempt.
func (m *BufferMetrics) RecordOperation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// RecordRetry counts an optimistic concurrency retry.
func (m *BufferMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// SetOverdue reports the number of overdue entries seen by the last sweep.
func (m *BufferMetrics) SetOverdue(count int) {
	if m == nil {
		return
	}
	m.overdue.Set(float64(count))
}

func labelState(state string) string {
	if trimmed := strings.TrimSpace(state); trimmed != "" {
		return trimmed
	}
	return "NONE"
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}

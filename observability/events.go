package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// AlertMetrics tracks recovery alerts raised by the watchdog.
type AlertMetrics struct {
	raised      *prometheus.CounterVec
	sinkErrors  *prometheus.CounterVec
	sweepErrors prometheus.Counter
}

var (
	alertMetricsOnce sync.Once
	alertRegistry    *AlertMetrics
)

// Alerts returns the metrics registry tracking recovery alerts.
func Alerts() *AlertMetrics {
	alertMetricsOnce.Do(func() {
		alertRegistry = &AlertMetrics{
			raised: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "himalaya",
				Subsystem: "recovery",
				Name:      "alerts_total",
				Help:      "Count of recovery alerts raised segmented by kind.",
			}, []string{"kind"}),
			sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "himalaya",
				Subsystem: "recovery",
				Name:      "sink_errors_total",
				Help:      "Count of alerts an alert sink failed to accept.",
			}, []string{"sink"}),
			sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "himalaya",
				Subsystem: "recovery",
				Name:      "sweep_errors_total",
				Help:      "Count of watchdog sweeps that could not complete.",
			}),
		}
		prometheus.MustRegister(alertRegistry.raised, alertRegistry.sinkErrors, alertRegistry.sweepErrors)
	})
	return alertRegistry
}

// RecordAlert increments the alert counter for kind.
func (m *AlertMetrics) RecordAlert(kind string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(kind))
	if normalized == "" {
		normalized = "unknown"
	}
	m.raised.WithLabelValues(normalized).Inc()
}

// RecordSinkError increments the failure counter of the named sink.
func (m *AlertMetrics) RecordSinkError(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(strings.TrimSpace(sink)).Inc()
}

// RecordSweepError increments the failed sweep counter.
func (m *AlertMetrics) RecordSweepError() {
	if m == nil {
		return
	}
	m.sweepErrors.Inc()
}

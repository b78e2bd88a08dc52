package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type BridgeMetrics struct {
	sent          *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	failed        *prometheus.CounterVec
	pending       prometheus.Gauge
	relayLatency  *prometheus.HistogramVec
	webhookErrors *prometheus.CounterVec
}

var (
	bridgeOnce     sync.Once
	bridgeRegistry *BridgeMetrics
)

func Bridge() *BridgeMetrics {
	bridgeOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			sent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "himalaya_bridge_messages_sent_total",
				Help: "Count of bridge messages sent by route.",
			}, []string{"route"}),
			delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "himalaya_bridge_messages_delivered_total",
				Help: "Count of bridge messages delivered by route.",
			}, []string{"route"}),
			failed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "himalaya_bridge_messages_failed_total",
				Help: "Count of bridge messages reported undeliverable by route.",
			}, []string{"route"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "himalaya_bridge_messages_pending",
				Help: "Messages queued in the loopback bridge awaiting delivery.",
			}),
			relayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "himalaya_bridge_relay_seconds",
				Help:    "Latency of relayer submissions.",
				Buckets: prometheus.DefBuckets,
			}, []string{"outcome"}),
			webhookErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "himalaya_bridge_webhook_rejections_total",
				Help: "Relayer webhook calls rejected by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			bridgeRegistry.sent,
			bridgeRegistry.delivered,
			bridgeRegistry.failed,
			bridgeRegistry.pending,
			bridgeRegistry.relayLatency,
			bridgeRegistry.webhookErrors,
		)
	})
	return bridgeRegistry
}

func route(source, dest uint64) string {
	return fmt.Sprintf("%d-%d", source, dest)
}

func (m *BridgeMetrics) IncSent(source, dest uint64) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(route(source, dest)).Inc()
}

func (m *BridgeMetrics) IncDelivered(source, dest uint64) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(route(source, dest)).Inc()
}

func (m *BridgeMetrics) IncFailed(source, dest uint64) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(route(source, dest)).Inc()
}

func (m *BridgeMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *BridgeMetrics) ObserveRelay(duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.relayLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *BridgeMetrics) IncWebhookRejection(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.webhookErrors.WithLabelValues(reason).Inc()
}

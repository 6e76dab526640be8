package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the router's Prometheus metric set, grounded in the teacher's
// ws_* collector names but generalized to router terms. Unlike the
// teacher's package-level vars registered via init() against the global
// default registry, these are built per-instance against a private
// *prometheus.Registry: a process that runs more than one Router (as the
// test suite does) would otherwise panic on duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	SessionsTotal  prometheus.Counter
	SessionsActive prometheus.Gauge

	MessagesDispatchedTotal *prometheus.CounterVec
	FanoutTargetsTotal      prometheus.Counter

	StoreAddresses prometheus.Gauge

	BundleExecutionsTotal   *prometheus.CounterVec
	SnapshotChunksSentTotal prometheus.Counter

	OutboundQueueOverflowTotal prometheus.Counter
	GestureCoalescedTotal      prometheus.Counter
}

// NewMetrics creates and registers a fresh metric set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_sessions_total",
			Help: "Total number of sessions registered with the router.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clasp_sessions_active",
			Help: "Current number of sessions registered with the router.",
		}),
		MessagesDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clasp_messages_dispatched_total",
			Help: "Total inbound messages dispatched by message code.",
		}, []string{"code"}),
		FanoutTargetsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_fanout_targets_total",
			Help: "Total number of (message, subscriber) fanout deliveries attempted.",
		}),
		StoreAddresses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clasp_store_addresses",
			Help: "Current number of distinct addresses held in the state store.",
		}),
		BundleExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clasp_bundle_executions_total",
			Help: "Total BUNDLE executions by outcome.",
		}, []string{"outcome"}),
		SnapshotChunksSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_snapshot_chunks_sent_total",
			Help: "Total SNAPSHOT chunks sent (GET replies and history subscriptions).",
		}),
		OutboundQueueOverflowTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_outbound_queue_overflow_total",
			Help: "Total outbound queue overflow notices sent to sessions.",
		}),
		GestureCoalescedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_gesture_coalesced_total",
			Help: "Total move-phase gesture samples coalesced (superseded before flush).",
		}),
	}
	reg.MustRegister(
		m.SessionsTotal,
		m.SessionsActive,
		m.MessagesDispatchedTotal,
		m.FanoutTargetsTotal,
		m.StoreAddresses,
		m.BundleExecutionsTotal,
		m.SnapshotChunksSentTotal,
		m.OutboundQueueOverflowTotal,
		m.GestureCoalescedTotal,
	)
	return m
}

// Handler returns the HTTP handler that serves this instance's metrics in
// the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package engine

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the session router.
type Metrics struct {
	// Packet metrics
	packetsInjected   *prometheus.CounterVec
	packetsDispatched *prometheus.CounterVec
	packetsEmitted    *prometheus.CounterVec
	sinkOutputs       *prometheus.CounterVec

	// Node metrics
	nodeErrors      *prometheus.CounterVec
	nodeTasksActive prometheus.Gauge
	invokeDuration  *prometheus.HistogramVec

	// Session metrics
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter

	// Routing fault metrics
	routingErrors *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		packetsInjected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rivulet_packets_injected_total",
				Help: "Externally injected packets by injection mode",
			},
			[]string{"mode"},
		),

		packetsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rivulet_packets_dispatched_total",
				Help: "Packets delivered to node input queues by node id",
			},
			[]string{"node"},
		),

		packetsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rivulet_packets_emitted_total",
				Help: "Outputs produced by node invocations by node id",
			},
			[]string{"node"},
		),

		sinkOutputs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rivulet_sink_outputs_total",
				Help: "Payloads forwarded to the client-facing channel by sink node id",
			},
			[]string{"node"},
		),

		nodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rivulet_node_errors_total",
				Help: "Per-packet processing errors by node id",
			},
			[]string{"node"},
		),

		nodeTasksActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rivulet_node_tasks_active",
				Help: "Currently running node task goroutines",
			},
		),

		invokeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rivulet_node_invoke_duration_seconds",
				Help:    "Node invocation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node"},
		),

		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rivulet_sessions_active",
				Help: "Sessions currently running a router loop",
			},
		),

		sessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rivulet_sessions_total",
				Help: "Total sessions started",
			},
		),

		routingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rivulet_routing_errors_total",
				Help: "Non-fatal routing faults by kind",
			},
			[]string{"kind"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.packetsInjected,
		m.packetsDispatched,
		m.packetsEmitted,
		m.sinkOutputs,
		m.nodeErrors,
		m.nodeTasksActive,
		m.invokeDuration,
		m.sessionsActive,
		m.sessionsTotal,
		m.routingErrors,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) recordInjected(mode string) {
	if m == nil {
		return
	}
	m.packetsInjected.WithLabelValues(mode).Inc()
}

func (m *Metrics) recordDispatched(node string) {
	if m == nil {
		return
	}
	m.packetsDispatched.WithLabelValues(node).Inc()
}

func (m *Metrics) recordEmitted(node string) {
	if m == nil {
		return
	}
	m.packetsEmitted.WithLabelValues(node).Inc()
}

func (m *Metrics) recordSinkOutput(node string) {
	if m == nil {
		return
	}
	m.sinkOutputs.WithLabelValues(node).Inc()
}

func (m *Metrics) recordNodeError(node string) {
	if m == nil {
		return
	}
	m.nodeErrors.WithLabelValues(node).Inc()
}

func (m *Metrics) recordRoutingError(kind string) {
	if m == nil {
		return
	}
	m.routingErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.nodeTasksActive.Inc()
}

func (m *Metrics) taskStopped() {
	if m == nil {
		return
	}
	m.nodeTasksActive.Dec()
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionStopped() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) observeInvoke(node string, seconds float64) {
	if m == nil {
		return
	}
	m.invokeDuration.WithLabelValues(node).Observe(seconds)
}

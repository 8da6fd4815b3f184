package collab

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "collab_relay"

// Metrics are the relay's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg prometheus.Registerer

	connections      prometheus.GaugeFunc
	presenceEntries  prometheus.GaugeFunc
	messages         *prometheus.CounterVec
	droppedFrames    prometheus.Counter
	deliveries       prometheus.Counter
	deliveryFailures prometheus.Counter
	persistFailures  prometheus.Counter
	rejections       *prometheus.CounterVec
	reaped           prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, registry *Registry, presence *PresenceTable) *Metrics {
	m := &Metrics{
		reg: reg,
		connections: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "num_connections",
			Help:      "Number of open collaboration connections.",
		}, func() float64 { return float64(registry.Count()) }),
		presenceEntries: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "presence",
			Name:      "num_entries",
			Help:      "Number of (project, user) presence entries.",
		}, func() float64 { return float64(presence.Len()) }),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Inbound messages accepted, by type.",
		}, []string{"type"}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames dropped because they were malformed.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "deliveries_total",
			Help:      "Frames queued to recipients.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "delivery_failures_total",
			Help:      "Failed deliveries. Each one pruned a connection.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "persist_failures_total",
			Help:      "Durable events which could not be written to the event store.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lifecycle",
			Name:      "rejections_total",
			Help:      "Connections closed during admission, by reason.",
		}, []string{"reason"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "presence",
			Name:      "reaped_total",
			Help:      "Presence entries removed for inactivity.",
		}),
	}
	for _, c := range m.collectors() {
		reg.MustRegister(c)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.connections, m.presenceEntries, m.messages, m.droppedFrames, m.deliveries,
		m.deliveryFailures, m.persistFailures, m.rejections, m.reaped,
	}
}

func (m *Metrics) unregister() {
	if m == nil {
		return
	}
	for _, c := range m.collectors() {
		m.reg.Unregister(c)
	}
}

func (m *Metrics) message(t MessageType) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.droppedFrames.Inc()
}

func (m *Metrics) delivered(ok, failed int) {
	if m == nil {
		return
	}
	m.deliveries.Add(float64(ok))
	m.deliveryFailures.Add(float64(failed))
}

func (m *Metrics) persistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) reapedEntries(n int) {
	if m == nil {
		return
	}
	m.reaped.Add(float64(n))
}

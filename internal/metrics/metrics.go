// Package metrics provides Prometheus instrumentation for the realtime
// fan-out layer. Metrics implements realtime.Observer so the silent drop
// paths of the core show up as counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tao119/hospitalChatApp/internal/realtime"
)

// Metrics holds every collector registered by the server.
type Metrics struct {
	registry *prometheus.Registry

	// Connections tracks the current number of registered connections.
	Connections prometheus.Gauge

	// FramesReceived counts inbound frames that parsed, labeled by type.
	FramesReceived *prometheus.CounterVec

	// FramesRejected counts inbound frames that were not routed, labeled by
	// reason.
	FramesRejected *prometheus.CounterVec

	// Deliveries counts frames written to a transport, labeled by type.
	Deliveries *prometheus.CounterVec

	// Drops counts deliveries that did not happen, labeled by type and reason.
	Drops *prometheus.CounterVec

	// Recipients records how many local connections each fan-out reached.
	Recipients prometheus.Histogram

	// AdmissionsRejected counts upgrade requests refused before admission.
	AdmissionsRejected *prometheus.CounterVec

	// Relayed counts envelopes exchanged with other nodes, labeled by
	// direction ("out" or "in").
	Relayed *prometheus.CounterVec
}

var _ realtime.Observer = (*Metrics)(nil)

// New creates a Metrics with its own registry, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hospitalchat_connections",
			Help: "Current number of registered realtime connections",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hospitalchat_frames_received_total",
			Help: "Inbound frames accepted by the router",
		}, []string{"type"}),
		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hospitalchat_frames_rejected_total",
			Help: "Inbound frames dropped before routing",
		}, []string{"reason"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hospitalchat_deliveries_total",
			Help: "Frames written to a live transport",
		}, []string{"type"}),
		Drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hospitalchat_drops_total",
			Help: "Deliveries skipped",
		}, []string{"type", "reason"}),
		Recipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hospitalchat_fanout_recipients",
			Help:    "Local recipients per fan-out",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		AdmissionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hospitalchat_admissions_rejected_total",
			Help: "Upgrade requests refused before admission",
		}, []string{"reason"}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hospitalchat_relayed_total",
			Help: "Fan-out envelopes exchanged with other nodes",
		}, []string{"direction", "kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.FramesReceived,
		m.FramesRejected,
		m.Deliveries,
		m.Drops,
		m.Recipients,
		m.AdmissionsRejected,
		m.Relayed,
	)
	return m
}

func (m *Metrics) ConnectionsChanged(n int) {
	m.Connections.Set(float64(n))
}

func (m *Metrics) FrameReceived(msgType string) {
	m.FramesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) FrameRejected(reason realtime.RejectReason) {
	m.FramesRejected.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) Delivered(msgType string, n int) {
	m.Recipients.Observe(float64(n))
	if n > 0 {
		m.Deliveries.WithLabelValues(msgType).Add(float64(n))
	}
}

func (m *Metrics) Dropped(msgType string, reason realtime.DropReason) {
	m.Drops.WithLabelValues(msgType, string(reason)).Inc()
}

// AdmissionRejected records a refused upgrade.
func (m *Metrics) AdmissionRejected(reason string) {
	m.AdmissionsRejected.WithLabelValues(reason).Inc()
}

// RelayPublished records an envelope sent to other nodes.
func (m *Metrics) RelayPublished(kind string) {
	m.Relayed.WithLabelValues("out", kind).Inc()
}

// RelayReceived records an envelope accepted from another node.
func (m *Metrics) RelayReceived(kind string) {
	m.Relayed.WithLabelValues("in", kind).Inc()
}

// Handler returns the Prometheus metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

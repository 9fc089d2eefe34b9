// Package metrics provides the Prometheus collectors a node exports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ringnet"

// Metrics holds all collectors for one node. Each node gets its own
// registry so several nodes can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Transport
	Handshakes      *prometheus.CounterVec
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	BytesSent       prometheus.Counter
	PacketsDropped  *prometheus.CounterVec
	Sessions        prometheus.Gauge

	// Ring
	RingConnections prometheus.Gauge
	Evictions       prometheus.Counter

	// Operations
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	InFlight          prometheus.Gauge
	Broadcasts        *prometheus.CounterVec
	Phases            *prometheus.CounterVec
}

// New creates a Metrics instance registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "handshakes_total",
			Help:      "Connection handshakes by result",
		}, []string{"result"}),
		PacketsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "packets_sent_total",
			Help:      "Datagrams written to the socket",
		}),
		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "packets_received_total",
			Help:      "Datagrams read from the socket",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the socket",
		}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "packets_dropped_total",
			Help:      "Inbound datagrams dropped by reason",
		}, []string{"reason"}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "sessions",
			Help:      "Established encrypted sessions",
		}),

		RingConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ring",
			Name:      "connections",
			Help:      "Neighbors in the ring table",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ring",
			Name:      "evictions_total",
			Help:      "Neighbors dropped to stay under the connection limit",
		}),

		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "completed_total",
			Help:      "Locally originated operations by type and outcome",
		}, []string{"type", "outcome"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "duration_seconds",
			Help:      "Time from start to terminal state of local operations",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"type"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "in_flight",
			Help:      "Transactions held in the operation table",
		}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "broadcasts_total",
			Help:      "Put broadcasts by direction",
		}, []string{"direction"}),
		Phases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "phase_transitions_total",
			Help:      "Transactions entering each lifecycle phase",
		}, []string{"type", "phase"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

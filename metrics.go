package tmnet

import "github.com/prometheus/client_golang/prometheus"

// metrics are the peer/connection gauges a Node registers when constructed
// with a non-nil Config.Registry (spec.md §6's ambient observability
// addition; wires a dependency the teacher's go.mod pulls transitively but
// never calls). Nothing in this module sets their values, so both gauges
// read zero.
type metrics struct {
	peersKnown     prometheus.Gauge
	peersConnected prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		peersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tmnet",
			Subsystem: "peerstore",
			Name:      "peers_known",
			Help:      "Number of peers currently tracked by the peer store.",
		}),
		peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tmnet",
			Subsystem: "peerstore",
			Name:      "peers_connected",
			Help:      "Number of peers currently connected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.peersKnown, m.peersConnected)
	}
	return m
}

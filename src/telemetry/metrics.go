package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all trellis collectors. The service layer exposes it on
// /metrics.
var Registry = prometheus.NewRegistry()

var (
	ConnectionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trellis",
			Name:      "connections_live",
			Help:      "Number of connections currently registered with the mesh.",
		},
	)

	EnvelopesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Name:      "envelopes_received_total",
			Help:      "Total number of envelopes received across all connections.",
		},
	)

	HeartbeatsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Name:      "heartbeats_sent_total",
			Help:      "Total number of heartbeats successfully sent.",
		},
	)

	HeartbeatsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Name:      "heartbeats_failed_total",
			Help:      "Total number of heartbeat sends that failed.",
		},
	)

	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnection attempts.",
		},
	)

	ReconnectSuccesses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Name:      "reconnect_successes_total",
			Help:      "Total number of successful reconnections.",
		},
	)

	ProposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Name:      "proposals_total",
			Help:      "Total number of proposals by terminal outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		ConnectionsLive,
		EnvelopesReceived,
		HeartbeatsSent,
		HeartbeatsFailed,
		ReconnectAttempts,
		ReconnectSuccesses,
		ProposalsTotal,
	)
}

// Handler returns the HTTP handler serving the trellis registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Package metrics holds the Prometheus counters for the chat protocol.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lanchat"

// Metrics groups the protocol counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Handshakes       *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	DecryptFailures  prometheus.Counter
	ProtocolErrors   *prometheus.CounterVec
	Connections      *prometheus.CounterVec
}

// New registers a fresh set of counters.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Key exchanges by role and result.",
		}, []string{"role", "result"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Envelopes sent by type.",
		}, []string{"type"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Envelopes received by type.",
		}, []string{"type"}),
		DecryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Frames that failed authentication on an established channel.",
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Malformed or unexpected frames by kind.",
		}, []string{"kind"}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Peer links by role and result.",
		}, []string{"role", "result"}),
	}

	m.registry.MustRegister(
		m.Handshakes,
		m.MessagesSent,
		m.MessagesReceived,
		m.DecryptFailures,
		m.ProtocolErrors,
		m.Connections,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

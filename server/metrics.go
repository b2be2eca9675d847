package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts protocol traffic. Each server owns its own registry so
// multiple instances (tests included) never fight over collector names.
type Metrics struct {
	registry *prometheus.Registry

	DatagramsReceived prometheus.Counter
	DatagramsSent     prometheus.Counter
	DecodeFailures    prometheus.Counter
	Commands          *prometheus.CounterVec
	EventsForwarded   prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		DatagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gohaptic_datagrams_received_total",
			Help: "Datagrams read from the command socket.",
		}),
		DatagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gohaptic_datagrams_sent_total",
			Help: "Datagrams written to clients.",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gohaptic_decode_failures_total",
			Help: "Datagrams dropped because they could not be decoded.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gohaptic_commands_total",
			Help: "Commands processed, by command name.",
		}, []string{"command"}),
		EventsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gohaptic_events_forwarded_total",
			Help: "Device events forwarded to registered clients.",
		}),
	}
	m.registry.MustRegister(m.DatagramsReceived, m.DatagramsSent, m.DecodeFailures, m.Commands, m.EventsForwarded)
	return m
}

// Registry exposes the collectors for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

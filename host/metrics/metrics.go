// Package metrics exposes host-side Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "motionctl"

// Metrics holds the collectors for one host process. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	linesReceived  *prometheus.CounterVec
	malformedLines prometheus.Counter
	commandsSent   *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	events         *prometheus.CounterVec
	reconnects     prometheus.Counter
	position       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		linesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "lines_received_total",
				Help:      "Lines received from the firmware by kind.",
			},
			[]string{"kind"},
		),
		malformedLines: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "malformed_lines_total",
				Help:      "Lines that could not be decoded.",
			},
		),
		commandsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "commands_sent_total",
				Help:      "Commands written to the firmware.",
			},
			[]string{"cmd"},
		),
		sendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "send_failures_total",
				Help:      "Commands that were not written, by reason.",
			},
			[]string{"reason"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "events_total",
				Help:      "Asynchronous firmware events by name.",
			},
			[]string{"event"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mcu",
				Name:      "reconnects_total",
				Help:      "Successful reconnects after a lost link.",
			},
		),
		position: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "axis",
				Name:      "position_steps",
				Help:      "Last position reported by the firmware.",
			},
			[]string{"axis"},
		),
	}
	reg.MustRegister(m.linesReceived, m.malformedLines, m.commandsSent, m.sendFailures,
		m.events, m.reconnects, m.position)
	return m
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) LineReceived(kind string) {
	if m != nil {
		m.linesReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) MalformedLine() {
	if m != nil {
		m.malformedLines.Inc()
	}
}

func (m *Metrics) CommandSent(cmd string) {
	if m != nil {
		m.commandsSent.WithLabelValues(cmd).Inc()
	}
}

func (m *Metrics) SendFailed(reason string) {
	if m != nil {
		m.sendFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Event(name string) {
	if m != nil {
		m.events.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) Reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

// Position records the last reported position of an axis
func (m *Metrics) Position(axis int, steps int64) {
	if m != nil {
		m.position.WithLabelValues(strconv.Itoa(axis)).Set(float64(steps))
	}
}

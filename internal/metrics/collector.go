// Package btsmetrics exports the signaling core counters to Prometheus.
package btsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/security-geeks/evilbts/internal/ybts"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "evilbts"
	subsystem = "ybts"
)

// Label names.
const (
	labelPrimitive = "primitive"
	labelReason    = "reason"
	labelKind      = "kind"
	labelFromState = "from_state"
	labelToState   = "to_state"
	labelOutcome   = "outcome"
)

// -------------------------------------------------------------------------
// Collector
// -------------------------------------------------------------------------

// Collector holds the signaling link metrics. It implements
// ybts.MetricsReporter.
type Collector struct {
	// MessagesSent counts messages written to the signaling channel.
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts decoded inbound messages.
	MessagesReceived *prometheus.CounterVec

	// MessagesDropped counts inbound datagrams discarded before dispatch,
	// by reason.
	MessagesDropped *prometheus.CounterVec

	// StateTransitions counts link state changes.
	StateTransitions *prometheus.CounterVec

	// Conns tracks live connection records per kind.
	Conns *prometheus.GaugeVec

	// Releases counts removed connection records per kind and reason.
	Releases *prometheus.CounterVec

	// AuthOutcomes counts finished challenges per outcome.
	AuthOutcomes *prometheus.CounterVec
}

var _ ybts.MetricsReporter = (*Collector)(nil)

// Option registers additional metrics with the collector.
type Option func(reg prometheus.Registerer)

// WithPeerSpawns exports the number of radio-side processes started.
func WithPeerSpawns(fn func() uint64) Option {
	return func(reg prometheus.Registerer) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "spawns_total",
			Help:      "Radio-side processes started.",
		}, func() float64 { return float64(fn()) }))
	}
}

// WithJournalDropped exports the number of journal events lost to a full
// queue.
func WithJournalDropped(fn func() uint64) Option {
	return func(reg prometheus.Registerer) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "journal_dropped_total",
			Help:      "Journal events dropped because the write queue was full.",
		}, func() float64 { return float64(fn()) }))
	}
}

// NewCollector creates a Collector registered against reg. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer, opts ...Option) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.MessagesSent,
		c.MessagesReceived,
		c.MessagesDropped,
		c.StateTransitions,
		c.Conns,
		c.Releases,
		c.AuthOutcomes,
	)
	for _, opt := range opts {
		opt(reg)
	}

	return c
}

func newMetrics() *Collector {
	return &Collector{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Signaling messages sent to the radio side.",
		}, []string{labelPrimitive}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Signaling messages received from the radio side.",
		}, []string{labelPrimitive}),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_dropped_total",
			Help:      "Inbound signaling datagrams discarded.",
		}, []string{labelReason}),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Signaling link state transitions.",
		}, []string{labelFromState, labelToState}),

		Conns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Live connection records.",
		}, []string{labelKind}),

		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "releases_total",
			Help:      "Connection records removed.",
		}, []string{labelKind, labelReason}),

		AuthOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_outcomes_total",
			Help:      "Finished authentication challenges.",
		}, []string{labelOutcome}),
	}
}

// -------------------------------------------------------------------------
// Messages
// -------------------------------------------------------------------------

// IncMessagesSent counts one outbound message.
func (c *Collector) IncMessagesSent(p ybts.Primitive) {
	c.MessagesSent.WithLabelValues(p.String()).Inc()
}

// IncMessagesReceived counts one inbound message.
func (c *Collector) IncMessagesReceived(p ybts.Primitive) {
	c.MessagesReceived.WithLabelValues(p.String()).Inc()
}

// IncMessagesDropped counts one discarded datagram.
func (c *Collector) IncMessagesDropped(reason string) {
	c.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordStateTransition counts a link state change.
func (c *Collector) RecordStateTransition(from, to string) {
	c.StateTransitions.WithLabelValues(from, to).Inc()
}

// -------------------------------------------------------------------------
// Connections
// -------------------------------------------------------------------------

// RegisterConn increments the live gauge for kind.
func (c *Collector) RegisterConn(kind string) {
	c.Conns.WithLabelValues(kind).Inc()
}

// UnregisterConn decrements the live gauge for kind and counts the release.
func (c *Collector) UnregisterConn(kind, reason string) {
	c.Conns.WithLabelValues(kind).Dec()
	c.Releases.WithLabelValues(kind, reason).Inc()
}

// RecordAuthOutcome counts a finished challenge.
func (c *Collector) RecordAuthOutcome(outcome string) {
	c.AuthOutcomes.WithLabelValues(outcome).Inc()
}

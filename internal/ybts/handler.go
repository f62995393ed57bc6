package ybts

import "time"

// SessionRef is the collaborator's opaque handle for the session behind a
// connection (a subscriber context on the network side, a logical channel
// on the radio side). Values must be comparable.
type SessionRef any

// Handler receives the messages the signaling session does not consume
// itself. Calls are made from the session goroutine with no core lock
// held; implementations must not block for long and dispatch real work
// elsewhere.
type Handler interface {
	// Establish is asked about an L3 message on an id with no record. It
	// returns the session handle and true when the message opens a new
	// connection (an initial message such as a location update or a
	// paging response). On acceptance the record is created and the same
	// message is then delivered through ConnMessage.
	Establish(id uint16, msg *Message) (SessionRef, bool)

	// ConnMessage delivers a connection-scoped message for a live circuit
	// connection. Release, media and handover primitives are handled by the
	// core before this is called and are passed on for information.
	ConnMessage(id uint16, msg *Message)

	// SessionMessage delivers session-scoped primitives other than
	// handshake and heartbeat.
	SessionMessage(msg *Message)
}

// GprsHandler receives packet-session primitives.
type GprsHandler interface {
	// GprsAttach is asked about an attach request on an unknown GPRS id.
	// A non-nil error rejects the attach with the returned cause. On
	// acceptance the request is then delivered through GprsMessage.
	GprsAttach(id uint16, msg *Message) (SessionRef, uint8, error)

	// GprsMessage delivers every other GPRS primitive on a known id.
	GprsMessage(id uint16, msg *Message)
}

// AuthRenderer renders authentication messages into L3 payloads.
type AuthRenderer interface {
	AuthRequest(ch Challenge) ([]byte, error)
	AuthReject() ([]byte, error)
}

// ConnObserver is told about connection records appearing and going away.
// Observers run after all locks are dropped.
type ConnObserver interface {
	ConnCreated(info ConnInfo)
	ConnReleased(info ConnInfo, reason string)
}

// MediaSink consumes media frames for one connection.
type MediaSink interface {
	MediaFrame(id uint16, frame []byte)
}

// StateChange is emitted on every session state transition.
type StateChange struct {
	// Epoch identifies the transport generation the change belongs to.
	Epoch string

	OldState State
	NewState State
	Event    Event

	// Fatal is set on the Closing transition caused by an unsupported
	// handshake version. The owner must not restart the peer.
	Fatal bool

	// PeerGone is set when the peer was already unreachable at close.
	PeerGone bool

	Timestamp time.Time
}

// MetricsReporter receives counters from the signaling core. The
// prometheus collector in internal/metrics implements it.
type MetricsReporter interface {
	IncMessagesSent(p Primitive)
	IncMessagesReceived(p Primitive)
	IncMessagesDropped(reason string)
	RecordStateTransition(from, to string)
	RegisterConn(kind string)
	UnregisterConn(kind, reason string)
	RecordAuthOutcome(outcome string)
}

// Connection kinds reported to MetricsReporter.
const (
	KindCircuit = "circuit"
	KindGprs    = "gprs"
)

type noopMetrics struct{}

func (noopMetrics) IncMessagesSent(Primitive)            {}
func (noopMetrics) IncMessagesReceived(Primitive)        {}
func (noopMetrics) IncMessagesDropped(string)            {}
func (noopMetrics) RecordStateTransition(string, string) {}
func (noopMetrics) RegisterConn(string)                  {}
func (noopMetrics) UnregisterConn(string, string)        {}
func (noopMetrics) RecordAuthOutcome(string)             {}

// nopHandler refuses every establishment and drops messages.
type nopHandler struct{}

func (nopHandler) Establish(uint16, *Message) (SessionRef, bool) { return nil, false }
func (nopHandler) ConnMessage(uint16, *Message)                  {}
func (nopHandler) SessionMessage(*Message)                       {}

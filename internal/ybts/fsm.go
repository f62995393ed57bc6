package ybts

// This file implements the signaling session state machine as a pure
// function over a transition table. Session.applyEvent executes the
// returned actions; the table itself has no side effects.
//
//	         Start            armed
//	  Idle --------> Started -------> WaitHandshake
//	   ^                                   |  RecvHandshake
//	   |  Closed                           v
//	 Closing <---------------------------- Running
//	        timeout / transport error / stop / bad version

// State is the signaling session state.
type State uint8

const (
	// StateIdle means no transport is open.
	StateIdle State = iota

	// StateStarted means the transport is open and the reader runs.
	StateStarted

	// StateWaitHandshake means the handshake deadline is armed.
	StateWaitHandshake

	// StateRunning means the handshake completed; heartbeats are supervised.
	StateRunning

	// StateClosing means the session is tearing down.
	StateClosing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateStarted:
		return "Started"
	case StateWaitHandshake:
		return "WaitHandshake"
	case StateRunning:
		return "Running"
	case StateClosing:
		return "Closing"
	default:
		return unknownStr
	}
}

// Event is an input to the session state machine.
type Event uint8

const (
	// EventStart is a request to open the transport.
	EventStart Event = iota

	// EventArmed is raised right after Started to arm the handshake.
	EventArmed

	// EventRecvHandshake is a handshake with a supported version.
	EventRecvHandshake

	// EventBadVersion is a handshake with an unsupported version.
	EventBadVersion

	// EventHandshakeTimeout is the handshake deadline passing.
	EventHandshakeTimeout

	// EventHeartbeatTimeout is the receive deadline passing while Running.
	EventHeartbeatTimeout

	// EventTransportError is a non-retryable transport failure.
	EventTransportError

	// EventStop is a local request to shut the session down.
	EventStop

	// EventClosed is raised when Closing cleanup completed.
	EventClosed
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventStart:
		return "Start"
	case EventArmed:
		return "Armed"
	case EventRecvHandshake:
		return "RecvHandshake"
	case EventBadVersion:
		return "BadVersion"
	case EventHandshakeTimeout:
		return "HandshakeTimeout"
	case EventHeartbeatTimeout:
		return "HeartbeatTimeout"
	case EventTransportError:
		return "TransportError"
	case EventStop:
		return "Stop"
	case EventClosed:
		return "Closed"
	default:
		return unknownStr
	}
}

// Action is a side effect the caller runs after a transition.
type Action uint8

const (
	// ActionOpenTransport opens the transport and starts the reader.
	ActionOpenTransport Action = iota + 1

	// ActionArmHandshake arms the handshake deadline.
	ActionArmHandshake

	// ActionSendHandshake sends our handshake. Responders send it as a
	// reply, initiators when arming.
	ActionSendHandshake

	// ActionArmHeartbeat cancels the handshake deadline and arms both
	// heartbeat deadlines.
	ActionArmHeartbeat

	// ActionNotifyUp reports the link as usable.
	ActionNotifyUp

	// ActionMarkPeerGone records that the peer cannot receive releases.
	ActionMarkPeerGone

	// ActionMarkFatal records that the close must not be retried.
	ActionMarkFatal

	// ActionTeardown stops the reader, releases connections and resets the
	// transport.
	ActionTeardown
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionOpenTransport:
		return "OpenTransport"
	case ActionArmHandshake:
		return "ArmHandshake"
	case ActionSendHandshake:
		return "SendHandshake"
	case ActionArmHeartbeat:
		return "ArmHeartbeat"
	case ActionNotifyUp:
		return "NotifyUp"
	case ActionMarkPeerGone:
		return "MarkPeerGone"
	case ActionMarkFatal:
		return "MarkFatal"
	case ActionTeardown:
		return "Teardown"
	default:
		return unknownStr
	}
}

type stateEvent struct {
	state State
	event Event
}

type transition struct {
	newState State
	actions  []Action
}

// FSMResult holds the outcome of applying an event.
type FSMResult struct {
	OldState State
	NewState State
	Actions  []Action

	// Changed is false for ignored events and self-loops.
	Changed bool
}

// fsmTable lists every valid (state, event) pair. Unlisted pairs are
// ignored, which is what makes a second heartbeat timeout during Closing a
// no-op.
//
//nolint:gochecknoglobals // FSM transition table is intentionally package-level.
var fsmTable = map[stateEvent]transition{
	{StateIdle, EventStart}: {
		newState: StateStarted,
		actions:  []Action{ActionOpenTransport},
	},

	{StateStarted, EventArmed}: {
		newState: StateWaitHandshake,
		actions:  []Action{ActionArmHandshake},
	},
	{StateStarted, EventTransportError}: {
		newState: StateClosing,
		actions:  []Action{ActionMarkPeerGone, ActionTeardown},
	},
	{StateStarted, EventStop}: {
		newState: StateClosing,
		actions:  []Action{ActionTeardown},
	},

	{StateWaitHandshake, EventRecvHandshake}: {
		newState: StateRunning,
		actions:  []Action{ActionSendHandshake, ActionArmHeartbeat, ActionNotifyUp},
	},
	{StateWaitHandshake, EventBadVersion}: {
		newState: StateClosing,
		actions:  []Action{ActionMarkFatal, ActionTeardown},
	},
	{StateWaitHandshake, EventHandshakeTimeout}: {
		newState: StateClosing,
		actions:  []Action{ActionMarkPeerGone, ActionTeardown},
	},
	{StateWaitHandshake, EventTransportError}: {
		newState: StateClosing,
		actions:  []Action{ActionMarkPeerGone, ActionTeardown},
	},
	{StateWaitHandshake, EventStop}: {
		newState: StateClosing,
		actions:  []Action{ActionTeardown},
	},

	{StateRunning, EventHeartbeatTimeout}: {
		newState: StateClosing,
		actions:  []Action{ActionMarkPeerGone, ActionTeardown},
	},
	{StateRunning, EventTransportError}: {
		newState: StateClosing,
		actions:  []Action{ActionMarkPeerGone, ActionTeardown},
	},
	{StateRunning, EventBadVersion}: {
		newState: StateClosing,
		actions:  []Action{ActionMarkFatal, ActionTeardown},
	},
	{StateRunning, EventStop}: {
		newState: StateClosing,
		actions:  []Action{ActionTeardown},
	},

	{StateClosing, EventClosed}: {
		newState: StateIdle,
		actions:  nil,
	},
}

// ApplyEvent applies event to state and returns the transition result.
// Pairs missing from the table leave the state unchanged with no actions.
func ApplyEvent(state State, event Event) FSMResult {
	tr, ok := fsmTable[stateEvent{state: state, event: event}]
	if !ok {
		return FSMResult{OldState: state, NewState: state}
	}
	return FSMResult{
		OldState: state,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  state != tr.newState,
	}
}

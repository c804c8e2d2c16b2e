package bayeux

import (
	"sync/atomic"
)

// SessionState represents the lifecycle state of a session as a string
type SessionState string

const (
	disconnected int32 = iota
	handshaking
	connected
	disconnecting
)

const (
	// StateDisconnected is the state before handshake and after teardown
	StateDisconnected SessionState = "DISCONNECTED"
	// StateHandshaking is the state while a handshake is in flight
	StateHandshaking SessionState = "HANDSHAKING"
	// StateConnected is the state after a successful handshake
	StateConnected SessionState = "CONNECTED"
	// StateDisconnecting is the state while a disconnect is in flight
	StateDisconnecting SessionState = "DISCONNECTING"
)

var stateNames = []SessionState{StateDisconnected, StateHandshaking, StateConnected, StateDisconnecting}

func stateName(state int32) SessionState {
	s := int(state)
	if s < 0 || s >= len(stateNames) {
		return "unknown"
	}

	return stateNames[s]
}

// Event represents an event that can change the state of a state machine
type Event string

const (
	handshakeRequested Event = "handshake request sent"
	handshakeSucceeded Event = "successful handshake response"
	handshakeFailed    Event = "unsuccessful handshake response"
	disconnectSent     Event = "disconnect request sent"
	sessionTerminated  Event = "session terminated"
)

// connectionStateMachine manages the session's lifecycle state. Transitions
// are compare-and-swap operations so that the state can be read from any
// goroutine while only legal transitions ever take effect.
//
// See also: https://docs.cometd.org/current/reference/#_client_state_table
type connectionStateMachine struct {
	currentState int32
}

func newConnectionStateMachine() *connectionStateMachine {
	return &connectionStateMachine{currentState: disconnected}
}

// IsConnected reflects whether the session holds an established connection
func (csm *connectionStateMachine) IsConnected() bool {
	return atomic.LoadInt32(&csm.currentState) == connected
}

// IsDisconnected reflects whether the session is fully torn down
func (csm *connectionStateMachine) IsDisconnected() bool {
	return atomic.LoadInt32(&csm.currentState) == disconnected
}

// CurrentState provides a string representation of the current state
func (csm *connectionStateMachine) CurrentState() SessionState {
	return stateName(atomic.LoadInt32(&csm.currentState))
}

// ProcessEvent handles an event, failing with BadStateError when the event
// is not legal in the current state
func (csm *connectionStateMachine) ProcessEvent(e Event) error {
	switch e {
	case handshakeRequested:
		if !atomic.CompareAndSwapInt32(&csm.currentState, disconnected, handshaking) {
			return BadStateError{csm.CurrentState(), "handshake"}
		}
	case handshakeSucceeded:
		if !atomic.CompareAndSwapInt32(&csm.currentState, handshaking, connected) {
			return BadStateError{csm.CurrentState(), "complete handshake"}
		}
	case handshakeFailed:
		if !atomic.CompareAndSwapInt32(&csm.currentState, handshaking, disconnected) {
			return BadStateError{csm.CurrentState(), "fail handshake"}
		}
	case disconnectSent:
		for {
			current := atomic.LoadInt32(&csm.currentState)
			if current == disconnected {
				return BadStateError{csm.CurrentState(), "disconnect"}
			}
			if atomic.CompareAndSwapInt32(&csm.currentState, current, disconnecting) {
				return nil
			}
		}
	case sessionTerminated:
		atomic.StoreInt32(&csm.currentState, disconnected)
	default:
		return UnknownEventTypeError{e}
	}
	return nil
}

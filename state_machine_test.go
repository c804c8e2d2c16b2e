package bayeux

import "testing"

func TestNewConnectionStateMachineDefaults(t *testing.T) {
	csm := newConnectionStateMachine()
	if csm.IsConnected() == true {
		t.Error("expected IsConnected() to be false, got true")
	}
	if !csm.IsDisconnected() {
		t.Error("expected IsDisconnected() to be true, got false")
	}
	if got := csm.CurrentState(); got != StateDisconnected {
		t.Errorf("want %q, got %q", StateDisconnected, got)
	}
}

func TestProcessEvent(t *testing.T) {
	testCases := []struct {
		name          string
		startingState int32
		event         Event
		shouldErr     bool
		endingState   int32
	}{
		{
			"disconnected state machine gets handshake request sent event",
			disconnected,
			handshakeRequested,
			false,
			handshaking,
		},
		{
			"disconnected state machine gets successful handshake response",
			disconnected,
			handshakeSucceeded,
			true,
			disconnected,
		},
		{
			"disconnected state machine gets disconnect request sent",
			disconnected,
			disconnectSent,
			true,
			disconnected,
		},
		{
			"disconnected state machine gets unknown event",
			disconnected,
			"random",
			true,
			disconnected,
		},
		{
			"handshaking state machine gets successful handshake response",
			handshaking,
			handshakeSucceeded,
			false,
			connected,
		},
		{
			"handshaking state machine gets unsuccessful handshake response",
			handshaking,
			handshakeFailed,
			false,
			disconnected,
		},
		{
			"handshaking state machine gets another handshake request",
			handshaking,
			handshakeRequested,
			true,
			handshaking,
		},
		{
			"handshaking state machine gets disconnect request sent",
			handshaking,
			disconnectSent,
			false,
			disconnecting,
		},
		{
			"connected state machine gets disconnect request sent",
			connected,
			disconnectSent,
			false,
			disconnecting,
		},
		{
			"connected state machine gets handshake request",
			connected,
			handshakeRequested,
			true,
			connected,
		},
		{
			"connected state machine gets terminated",
			connected,
			sessionTerminated,
			false,
			disconnected,
		},
		{
			"disconnecting state machine gets terminated",
			disconnecting,
			sessionTerminated,
			false,
			disconnected,
		},
		{
			"disconnecting state machine gets handshake request",
			disconnecting,
			handshakeRequested,
			true,
			disconnecting,
		},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			csm := &connectionStateMachine{currentState: tc.startingState}
			err := csm.ProcessEvent(tc.event)
			if tc.shouldErr && err == nil {
				t.Error("expected ProcessEvent to error but it didn't")
			}
			if !tc.shouldErr && err != nil {
				t.Errorf("didn't expect ProcessEvent to error but it did: %q", err)
			}
			if tc.shouldErr && err != nil {
				return
			}
			if tc.endingState != csm.currentState {
				t.Errorf("unexpected ending state: want %s, got %s", stateName(tc.endingState), stateName(csm.currentState))
			}
		})
	}
}

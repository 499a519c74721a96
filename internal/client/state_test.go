package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state    ConnectionState
		expected string
	}{
		{StateIdle, "Idle"},
		{StateConnecting, "Connecting"},
		{StateOpen, "Open"},
		{StateClosing, "Closing"},
		{StateClosed, "Closed"},
		{StateReconnecting, "Reconnecting"},
		{ConnectionState(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestNextState(t *testing.T) {
	all := []ConnectionState{StateIdle, StateConnecting, StateOpen, StateClosing, StateClosed, StateReconnecting}

	// every valid transition; anything else must be rejected
	valid := map[trigger]map[ConnectionState]ConnectionState{
		triggerConnect: {
			StateIdle:         StateConnecting,
			StateClosed:       StateConnecting,
			StateReconnecting: StateConnecting,
		},
		triggerDialFailed:      {StateConnecting: StateClosed},
		triggerOpened:          {StateConnecting: StateOpen},
		triggerCloseRequested:  {StateConnecting: StateClosing, StateOpen: StateClosing},
		triggerTransportClosed: {StateConnecting: StateClosed, StateOpen: StateClosed, StateClosing: StateClosed},
		triggerRetryScheduled:  {StateClosed: StateReconnecting},
		triggerRetryCancelled:  {StateReconnecting: StateClosed},
	}

	for trig, table := range valid {
		for _, from := range all {
			t.Run(trig.String()+"/"+from.String(), func(t *testing.T) {
				next, ok := nextState(from, trig)
				want, allowed := table[from]
				assert.Equal(t, allowed, ok)
				if allowed {
					assert.Equal(t, want, next)
				} else {
					assert.Equal(t, from, next, "rejected triggers keep the state")
				}
			})
		}
	}
}

func TestNextState_NoDirectReconnectFromOpen(t *testing.T) {
	_, ok := nextState(StateOpen, triggerRetryScheduled)
	assert.False(t, ok, "a reconnect is only scheduled after passing through Closed")
}

func TestNextState_NoConnectWhileClosing(t *testing.T) {
	next, ok := nextState(StateClosing, triggerConnect)
	assert.False(t, ok, "a closing transport must settle before a new one is dialed")
	assert.Equal(t, StateClosing, next)
}

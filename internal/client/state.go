package client

// ConnectionState represents the state of the client's connection
type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateReconnecting
)

// String returns a human-readable string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// trigger is an input to the state machine.
type trigger int

const (
	triggerConnect         trigger = iota // connect accepted, transport being built
	triggerDialFailed                     // synchronous transport construction error
	triggerOpened                         // transport reported open
	triggerCloseRequested                 // caller asked to close
	triggerTransportClosed                // transport reported close
	triggerRetryScheduled                 // backoff armed a reconnect timer
	triggerRetryCancelled                 // caller closed while a reconnect was pending
)

func (t trigger) String() string {
	switch t {
	case triggerConnect:
		return "connect"
	case triggerDialFailed:
		return "dial_failed"
	case triggerOpened:
		return "opened"
	case triggerCloseRequested:
		return "close_requested"
	case triggerTransportClosed:
		return "transport_closed"
	case triggerRetryScheduled:
		return "retry_scheduled"
	case triggerRetryCancelled:
		return "retry_cancelled"
	default:
		return "unknown"
	}
}

// nextState is the transition table. ok is false when the trigger is not
// valid in the given state, in which case the caller must treat the input as
// a no-op.
func nextState(s ConnectionState, t trigger) (next ConnectionState, ok bool) {
	switch t {
	case triggerConnect:
		switch s {
		case StateIdle, StateClosed, StateReconnecting:
			return StateConnecting, true
		}
	case triggerDialFailed:
		if s == StateConnecting {
			return StateClosed, true
		}
	case triggerOpened:
		if s == StateConnecting {
			return StateOpen, true
		}
	case triggerCloseRequested:
		switch s {
		case StateConnecting, StateOpen:
			return StateClosing, true
		}
	case triggerTransportClosed:
		switch s {
		case StateConnecting, StateOpen, StateClosing:
			return StateClosed, true
		}
	case triggerRetryScheduled:
		if s == StateClosed {
			return StateReconnecting, true
		}
	case triggerRetryCancelled:
		if s == StateReconnecting {
			return StateClosed, true
		}
	}
	return s, false
}

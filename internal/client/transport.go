package client

import (
	"context"
	"time"
)

// Close codes used by the client. They match RFC 6455 and the gorilla
// websocket constants.
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseAbnormalClosure = 1006
)

// TransportEvents receives callbacks from a Transport. Callbacks may arrive
// on any goroutine; OnClose is delivered exactly once per transport and is the
// last callback.
type TransportEvents interface {
	OnOpen(subprotocol string)
	OnMessage(messageType int, data []byte)
	OnError(err error)
	OnClose(code int, reason string)
}

// Transport is one persistent connection attempt.
type Transport interface {
	// Send writes a frame. It must only be called after OnOpen.
	Send(f Frame) error
	// Close starts the closing handshake with code and reason.
	Close(code int, reason string) error
	// Terminate drops the connection without a handshake; OnClose reports
	// CloseAbnormalClosure.
	Terminate() error
}

// Dialer builds transports. Dial returns synchronously with an error when
// the transport cannot be constructed (bad address); otherwise the outcome of
// the open arrives through events.
type Dialer interface {
	Dial(ctx context.Context, address string, events TransportEvents) (Transport, error)
}

// Timer is a cancellable one-shot timer
type Timer interface {
	Stop() bool
}

// Clock abstracts time so the state machine can be driven deterministically
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Notifier is told about connect outcomes. Calls are asynchronous and a
// failing notifier never affects the client.
type Notifier interface {
	Connected(address string)
	ConnectFailed(address string, err error)
}

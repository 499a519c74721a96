package client

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind identifies the kind of event a handler subscribes to
type EventKind int

const (
	EventConnecting EventKind = iota
	EventOpen
	EventMessage
	EventError
	EventClose
	EventReconnect
)

// String returns the lowercase event name
func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	case EventReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

// Event is implemented by every event published by the client. Handlers
// type-switch on the concrete type.
type Event interface {
	Kind() EventKind
}

// ConnectingEvent is published when a connect attempt starts.
type ConnectingEvent struct {
	URL string
}

// OpenEvent is published when the transport opens.
type OpenEvent struct {
	URL         string
	Subprotocol string
}

// MessageEvent carries a decoded application payload. Heartbeat replies never
// produce one.
type MessageEvent struct {
	Data any
}

// ErrorEvent carries a transport or send error.
type ErrorEvent struct {
	Err error
}

// CloseEvent is published when the transport closes.
type CloseEvent struct {
	Code   int
	Reason string
}

// ReconnectEvent is published when a reconnect is scheduled.
type ReconnectEvent struct {
	Attempt int
	Delay   time.Duration
}

func (ConnectingEvent) Kind() EventKind { return EventConnecting }
func (OpenEvent) Kind() EventKind       { return EventOpen }
func (MessageEvent) Kind() EventKind    { return EventMessage }
func (ErrorEvent) Kind() EventKind      { return EventError }
func (CloseEvent) Kind() EventKind      { return EventClose }
func (ReconnectEvent) Kind() EventKind  { return EventReconnect }

// Handler receives published events
type Handler func(Event)

// HandlerID identifies a subscription for Off
type HandlerID uint64

type subscription struct {
	id HandlerID
	fn Handler
}

// Dispatcher fans events out to subscribers. Handlers for one kind run in
// registration order; a panicking handler is recovered and logged.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventKind][]subscription
	nextID   HandlerID
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher that reports handler panics to logger
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[EventKind][]subscription),
		logger:   logger,
	}
}

// On registers a handler for kind
func (d *Dispatcher) On(kind EventKind, fn Handler) HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.handlers[kind] = append(d.handlers[kind], subscription{id: d.nextID, fn: fn})
	return d.nextID
}

// Off removes a handler. It reports whether the handler was registered.
func (d *Dispatcher) Off(kind EventKind, id HandlerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.handlers[kind]
	for i, s := range subs {
		if s.id == id {
			// copy so an in-flight publish keeps its snapshot intact
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			d.handlers[kind] = next
			return true
		}
	}
	return false
}

// Publish delivers ev to the handlers registered for its kind
func (d *Dispatcher) Publish(ev Event) {
	d.mu.RLock()
	subs := d.handlers[ev.Kind()]
	d.mu.RUnlock()

	for _, s := range subs {
		d.invoke(s, ev)
	}
}

func (d *Dispatcher) invoke(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Event handler panicked",
				zap.String("event", ev.Kind().String()),
				zap.Uint64("handler", uint64(s.id)),
				zap.Any("panic", r))
		}
	}()
	s.fn(ev)
}

// String implements fmt.Stringer for log output
func (e CloseEvent) String() string {
	return fmt.Sprintf("close(code=%d, reason=%q)", e.Code, e.Reason)
}

package client

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Options configures a Client. It is copied at construction and not
// modified afterwards.
type Options struct {
	// Structured selects JSON encoding; otherwise payloads are sent raw.
	Structured    bool
	AutoConnect   bool
	AutoReconnect bool
	Reconnect     ReconnectStrategy

	// HeartbeatInterval of 0 disables the heartbeat monitor.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatProbe    any
	HeartbeatReply    ReplyMatcher

	// MaxQueue caps the outbound queue; 0 means unbounded.
	MaxQueue int
}

// DefaultOptions returns the stock client configuration
func DefaultOptions() Options {
	return Options{
		Structured:        true,
		AutoConnect:       false,
		AutoReconnect:     true,
		Reconnect:         DefaultReconnectStrategy(),
		HeartbeatInterval: 3 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		HeartbeatProbe:    map[string]string{"type": "ping"},
		HeartbeatReply:    MatchValue("pong"),
	}
}

// Validate checks the options for values the state machine cannot run with
func (o Options) Validate() error {
	var errs []error
	if o.HeartbeatInterval < 0 {
		errs = append(errs, fmt.Errorf("heartbeat interval must not be negative, got %s", o.HeartbeatInterval))
	}
	if o.HeartbeatInterval > 0 && o.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat timeout must be positive, got %s", o.HeartbeatTimeout))
	}
	if o.AutoReconnect && o.Reconnect.MaxRetries != 0 {
		if o.Reconnect.InitialDelay <= 0 {
			errs = append(errs, fmt.Errorf("reconnect delay must be positive, got %s", o.Reconnect.InitialDelay))
		}
		if o.Reconnect.BackoffFactor < 1 {
			errs = append(errs, fmt.Errorf("reconnect backoff factor must be >= 1, got %g", o.Reconnect.BackoffFactor))
		}
	}
	if o.MaxQueue < 0 {
		errs = append(errs, fmt.Errorf("max queue must not be negative, got %d", o.MaxQueue))
	}
	return errors.Join(errs...)
}

// Option customizes the collaborators of a Client
type Option func(*Client)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the gorilla websocket dialer
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithClock replaces the system clock
func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithCodec overrides the codec selected by Options.Structured
func WithCodec(codec Codec) Option {
	return func(c *Client) { c.codec = codec }
}

// WithNotifier sets the connect outcome notifier
func WithNotifier(n Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

// Recorder observes client activity for metrics
type Recorder interface {
	StateChanged(from, to ConnectionState)
	ReconnectScheduled(attempt int, delay time.Duration)
	QueueDepth(n int)
	FrameSent()
	FrameReceived(heartbeat bool)
	HeartbeatExpired()
}

type nopRecorder struct{}

func (nopRecorder) StateChanged(ConnectionState, ConnectionState) {}
func (nopRecorder) ReconnectScheduled(int, time.Duration)         {}
func (nopRecorder) QueueDepth(int)                                {}
func (nopRecorder) FrameSent()                                    {}
func (nopRecorder) FrameReceived(bool)                            {}
func (nopRecorder) HeartbeatExpired()                             {}

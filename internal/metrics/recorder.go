package metrics

import (
	"time"

	"github.com/uds-pad/wsrelay/internal/client"
)

var states = []client.ConnectionState{
	client.StateIdle,
	client.StateConnecting,
	client.StateOpen,
	client.StateClosing,
	client.StateClosed,
	client.StateReconnecting,
}

// ClientRecorder feeds client activity into the package collectors
type ClientRecorder struct{}

// NewClientRecorder initializes the registry and returns a recorder
func NewClientRecorder() *ClientRecorder {
	Init()
	ConnectionState.WithLabelValues(client.StateIdle.String()).Set(1)
	return &ClientRecorder{}
}

var _ client.Recorder = (*ClientRecorder)(nil)

func (r *ClientRecorder) StateChanged(from, to client.ConnectionState) {
	StateTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	for _, s := range states {
		v := 0.0
		if s == to {
			v = 1
		}
		ConnectionState.WithLabelValues(s.String()).Set(v)
	}
}

func (r *ClientRecorder) ReconnectScheduled(attempt int, delay time.Duration) {
	ReconnectsTotal.Inc()
	ReconnectDelaySeconds.Observe(delay.Seconds())
}

func (r *ClientRecorder) QueueDepth(n int) {
	OutboundQueueDepth.Set(float64(n))
}

func (r *ClientRecorder) FrameSent() {
	FramesSentTotal.Inc()
}

func (r *ClientRecorder) FrameReceived(heartbeat bool) {
	kind := "message"
	if heartbeat {
		kind = "heartbeat"
	}
	FramesReceivedTotal.WithLabelValues(kind).Inc()
}

func (r *ClientRecorder) HeartbeatExpired() {
	HeartbeatTimeoutsTotal.Inc()
}

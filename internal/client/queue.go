package client

import (
	"errors"
	"sync"
)

// ErrQueueFull is returned when a capped outbound queue rejects a frame.
var ErrQueueFull = errors.New("outbound queue is full")

// Frame is an encoded outbound payload ready for the transport.
type Frame struct {
	Type int    `json:"type"` // websocket.TextMessage or websocket.BinaryMessage
	Data []byte `json:"data"`
}

// OutboundQueue holds frames produced while the connection is not open.
// It is FIFO; a frame that fails to transmit goes back to the head.
type OutboundQueue struct {
	mu     sync.Mutex
	frames []Frame
	limit  int
}

// NewOutboundQueue creates a queue. limit <= 0 means unbounded.
func NewOutboundQueue(limit int) *OutboundQueue {
	return &OutboundQueue{limit: limit}
}

// Enqueue appends a frame to the tail
func (q *OutboundQueue) Enqueue(f Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.frames) >= q.limit {
		return ErrQueueFull
	}
	q.frames = append(q.frames, f)
	return nil
}

// pushFront puts a frame back at the head. The cap is not applied since the
// frame was already accepted once.
func (q *OutboundQueue) pushFront(f Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append([]Frame{f}, q.frames...)
}

func (q *OutboundQueue) pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return Frame{}, false
	}
	f := q.frames[0]
	q.frames[0] = Frame{}
	q.frames = q.frames[1:]
	return f, true
}

// Flush transmits queued frames in order until the queue is empty or a
// transmit fails. On failure the frame is restored to the head and the error
// returned; sent counts the frames that went out.
func (q *OutboundQueue) Flush(transmit func(Frame) error) (sent int, err error) {
	for {
		f, ok := q.pop()
		if !ok {
			return sent, nil
		}
		if err := transmit(f); err != nil {
			q.pushFront(f)
			return sent, err
		}
		sent++
	}
}

// Len returns the number of queued frames
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Snapshot returns a copy of the queued frames without removing them
func (q *OutboundQueue) Snapshot() []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Frame, len(q.frames))
	copy(out, q.frames)
	return out
}

// Drain removes and returns every queued frame
func (q *OutboundQueue) Drain() []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.frames
	q.frames = nil
	return out
}

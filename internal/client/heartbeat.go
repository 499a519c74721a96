package client

import (
	"time"
)

// heartbeat probes liveness of an open connection. All methods run on the
// client's event loop. Every start bumps gen; timers armed under an older gen
// are ignored when they fire.
type heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	clock    Clock

	// post schedules fn on the event loop
	post func(fn func())
	// probe transmits the probe payload
	probe func() error
	// expire force-closes the transport
	expire func(reason string)

	gen         uint64
	running     bool
	lastReplyAt time.Time
	probeSentAt time.Time
	probeTimer  Timer
	deadline    Timer
}

func (h *heartbeat) start() {
	h.stop()
	if h.interval <= 0 {
		return
	}
	h.running = true
	h.lastReplyAt = h.clock.Now()
	h.probeSentAt = time.Time{}
	h.scheduleTick()
}

func (h *heartbeat) stop() {
	h.gen++
	h.running = false
	if h.probeTimer != nil {
		h.probeTimer.Stop()
		h.probeTimer = nil
	}
	if h.deadline != nil {
		h.deadline.Stop()
		h.deadline = nil
	}
}

// active reports whether any heartbeat timer is armed
func (h *heartbeat) active() bool {
	return h.probeTimer != nil || h.deadline != nil
}

// replied records an inbound heartbeat reply
func (h *heartbeat) replied() {
	h.lastReplyAt = h.clock.Now()
	if h.deadline != nil && !h.lastReplyAt.Before(h.probeSentAt) {
		h.deadline.Stop()
		h.deadline = nil
	}
}

func (h *heartbeat) scheduleTick() {
	gen := h.gen
	h.probeTimer = h.clock.AfterFunc(h.interval, func() {
		h.post(func() {
			if h.gen != gen {
				return
			}
			h.tick()
		})
	})
}

func (h *heartbeat) tick() {
	h.probeTimer = nil
	now := h.clock.Now()

	if now.Sub(h.lastReplyAt) > h.interval+h.timeout {
		h.stop()
		h.expire("no heartbeat reply")
		return
	}

	// A send failure is left to the transport's own close path.
	_ = h.probe()

	if h.deadline == nil {
		h.probeSentAt = now
		gen := h.gen
		h.deadline = h.clock.AfterFunc(h.timeout, func() {
			h.post(func() {
				if h.gen != gen {
					return
				}
				h.deadlineExpired()
			})
		})
	}
	h.scheduleTick()
}

func (h *heartbeat) deadlineExpired() {
	h.deadline = nil
	if h.lastReplyAt.Before(h.probeSentAt) {
		h.stop()
		h.expire("heartbeat reply deadline exceeded")
	}
}

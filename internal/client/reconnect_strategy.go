package client

import (
	"math"
	"time"
)

// ReconnectStrategy defines the reconnection behavior
type ReconnectStrategy struct {
	// MaxRetries caps automatic attempts. 0 disables reconnecting, a negative
	// value means unlimited.
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	// MaxDelay caps a single delay. 0 leaves delays uncapped.
	MaxDelay time.Duration
}

// DefaultReconnectStrategy returns the default reconnection strategy
func DefaultReconnectStrategy() ReconnectStrategy {
	return ReconnectStrategy{
		MaxRetries:    5,
		InitialDelay:  time.Second,
		BackoffFactor: 1.5,
	}
}

// NextDelay calculates the delay for a retry attempt. Attempts are counted
// from 1; the result is floored to whole milliseconds.
func (rs ReconnectStrategy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := rs.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	ms := float64(rs.InitialDelay.Milliseconds()) * math.Pow(factor, float64(attempt-1))
	delay := time.Duration(math.MaxInt64)
	if ms < float64(math.MaxInt64/int64(time.Millisecond)) {
		delay = time.Duration(math.Floor(ms)) * time.Millisecond
	}
	if rs.MaxDelay > 0 && delay > rs.MaxDelay {
		return rs.MaxDelay
	}
	return delay
}

// ShouldRetry determines if another retry attempt should be made given the
// number of attempts already scheduled
func (rs ReconnectStrategy) ShouldRetry(attempts int) bool {
	if rs.MaxRetries < 0 {
		return true
	}
	return attempts < rs.MaxRetries
}

package client

import "time"

// Backoff is the reconnect policy for the event stream: exponential
// delay from InitialDelay up to MaxDelay, bounded by MaxAttempts.
// After exhausting attempts the client falls back to polling the
// status endpoint.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// DefaultBackoff returns the standard reconnect policy
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  8,
	}
}

// DelayFor returns the delay before the given zero-based attempt,
// capped at MaxDelay
func (b Backoff) DelayFor(attempt int) time.Duration {
	delay := float64(b.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= b.Multiplier
		if time.Duration(delay) >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if time.Duration(delay) > b.MaxDelay {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

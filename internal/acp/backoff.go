package acp

import "time"

const (
	// DefaultBaseDelay is the delay before the first reconnect attempt.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the reconnect delay.
	DefaultMaxDelay = 30 * time.Second
)

// Backoff computes reconnect delays: min(Base * 2^attempt, Max).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the 1s/30s policy.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBaseDelay, Max: DefaultMaxDelay}
}

// Delay returns the wait before reconnect attempt number attempt (0-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	base, limit := b.Base, b.Max
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if limit <= 0 {
		limit = DefaultMaxDelay
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		if delay > limit/2 {
			return limit
		}
		delay *= 2
	}
	if delay > limit {
		return limit
	}
	return delay
}

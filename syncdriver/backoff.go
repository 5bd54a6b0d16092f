package syncdriver

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy controls retry pacing between drain passes. It is a plain
// value decoupled from the queue's storage responsibilities.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the fraction of the computed delay randomized away, in
	// [0, 1). Keeps reconnecting devices from retrying in lockstep.
	Jitter float64
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    2 * time.Minute,
		Jitter:      0.2,
	}
}

// Delay returns the wait before the given attempt (1-based):
// base * 2^(attempt-1), capped, minus up to Jitter of itself.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseDelay
	}
	exp := float64(attempt - 1)
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, exp))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		delay -= time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	return delay
}

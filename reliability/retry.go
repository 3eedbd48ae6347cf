// Package reliability implements the cross-cutting reliability primitives
// of the engine: retry backoff, backpressure, and a circuit breaker whose
// tripped state is shared by every worker through the event store.
package reliability

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes the backoff delay before an activity's next attempt.
// delay(k) = min(InitialDelay * Multiplier^(k-1), MaxDelay), scaled by a
// uniform jitter factor in [1-JitterFraction, 1+JitterFraction] when
// JitterFraction is non-zero. Retry delays are NOT replayed: they only
// affect a task's visibility in the queue and are never recorded in the
// workflow's event log.
type RetryPolicy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
}

// DefaultRetryPolicy matches a conservative exponential backoff suitable
// for most activities.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialDelay:   time.Second,
		MaxDelay:       5 * time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Delay returns the backoff delay after the k-th failed attempt (1-indexed:
// k=1 is the delay before the second attempt).
func (p RetryPolicy) Delay(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(k-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	if j := p.JitterFraction; j > 0 {
		if j > 1 {
			j = 1
		}
		d *= 1 - j + rand.Float64()*2*j //nolint:gosec // backoff jitter does not need a CSPRNG
	}
	return time.Duration(d)
}

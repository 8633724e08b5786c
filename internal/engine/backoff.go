package engine

import (
	"math/rand"
	"time"
)

// RetryPolicy controls how transient send failures are rescheduled.
type RetryPolicy struct {
	// MaxAttempts is the total number of send attempts before a job is
	// dead-lettered. The first attempt counts.
	MaxAttempts int

	// BaseDelay is the wait before the first retry; each subsequent
	// retry doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the doubled delay.
	MaxDelay time.Duration

	// JitterFraction spreads each delay by +/- this fraction to avoid
	// synchronized retry bursts. Must stay below 1/3 so jittered delays
	// remain non-decreasing across attempts.
	JitterFraction float64
}

// DefaultRetryPolicy returns the standard schedule: three attempts,
// 30s base, 15m cap, 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      30 * time.Second,
		MaxDelay:       15 * time.Minute,
		JitterFraction: 0.2,
	}
}

// NextDelay returns the wait before the retry following the given
// attempt number (1-based). Attempt 1 failing waits BaseDelay, attempt
// 2 failing waits twice that, and so on up to MaxDelay.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.JitterFraction > 0 {
		spread := float64(delay) * p.JitterFraction
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return delay
}

// Exhausted reports whether the given attempt number was the last one
// allowed by the policy.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

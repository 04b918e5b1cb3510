package worker

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes backoff for failed step attempts: exponential with
// base 3 growth, capped, plus uniform jitter so a burst of failures does not
// retry in lockstep.
type RetryPolicy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	randFn         func() float64
}

// DefaultRetryPolicy returns the platform defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:      5 * time.Second,
		MaxDelay:       30 * time.Minute,
		JitterFraction: 0.2,
	}
}

// Delay returns the wait before retry attempt n (0-based: n=0 is the delay
// after the first failure). The deterministic part is min(base*3^n, max);
// jitter adds up to JitterFraction of that on top. The exponent saturates at
// 10 so the float math stays sane for absurd attempt counts.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(p.BaseDelay) * math.Pow(3, float64(attempt))
	if capped := float64(p.MaxDelay); base > capped {
		base = capped
	}

	jitter := 0.0
	if p.JitterFraction > 0 {
		r := rand.Float64
		if p.randFn != nil {
			r = p.randFn
		}
		jitter = base * p.JitterFraction * r()
	}
	return time.Duration(base + jitter)
}

package models

import (
	"math"
	"time"
)

// MaxRetryDelay caps a single backoff wait
const MaxRetryDelay = 24 * time.Hour

// RetryPolicy configures the preemption supervisor's retry loop
type RetryPolicy struct {
	MaxRetries        int
	RetryDelaySeconds int
	BackoffMultiplier float64 // 1.0 = fixed delay
}

// DefaultRetryPolicy matches the defaults of the preemptible GPU manager
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        5,
		RetryDelaySeconds: 30,
		BackoffMultiplier: 2.0,
	}
}

// Validate checks the policy bounds
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return FatalConfigf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.RetryDelaySeconds <= 0 {
		return FatalConfigf("retry delay must be > 0, got %d", p.RetryDelaySeconds)
	}
	if p.BackoffMultiplier < 1.0 || math.IsNaN(p.BackoffMultiplier) || math.IsInf(p.BackoffMultiplier, 0) {
		return FatalConfigf("backoff multiplier must be >= 1.0, got %v", p.BackoffMultiplier)
	}
	return nil
}

// Delay returns the wait before the retry that follows the given (0-based) attempt,
// never more than MaxRetryDelay
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	seconds := float64(p.RetryDelaySeconds) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if math.IsNaN(seconds) || seconds >= MaxRetryDelay.Seconds() {
		return MaxRetryDelay
	}
	return time.Duration(seconds * float64(time.Second))
}

// WorstCaseDelay is the total time spent sleeping if every retry is used. It saturates
// instead of overflowing.
func (p RetryPolicy) WorstCaseDelay() time.Duration {
	var total time.Duration
	for i := 0; i < p.MaxRetries; i++ {
		d := p.Delay(i)
		if total > math.MaxInt64-d {
			return math.MaxInt64
		}
		total += d
	}
	return total
}

package session

import "time"

// RetryPolicy bounds the endpoint attempt loop and spaces attempts out.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	BackoffMax  time.Duration
}

// DefaultRetryPolicy matches the shipped configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: 2 * time.Second, BackoffMax: 30 * time.Second}
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of completed attempts.
func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// BackoffFor returns the delay before the next attempt, growing linearly
// with the attempt count and capped at BackoffMax.
func (p RetryPolicy) BackoffFor(attempts int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	d := time.Duration(attempts) * p.Backoff
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}

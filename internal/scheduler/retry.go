package scheduler

import "time"

// RetryStrategy defines how long a failed task waits before it may be
// dispatched again
type RetryStrategy interface {
	// NextRetry calculates the delay before the given attempt
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry delay using exponential backoff.
// Attempt 1 waits InitialDelay.
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	if s.InitialDelay <= 0 {
		return 0
	}
	delay := float64(s.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= s.Multiplier
	}

	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ImmediateRetry re-queues failed tasks without delay
type ImmediateRetry struct{}

// NextRetry always returns zero
func (ImmediateRetry) NextRetry(int) time.Duration { return 0 }

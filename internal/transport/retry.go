package transport

import (
	"math/rand"
	"time"

	"karatcalc/internal/errs"
)

// RetryState is the immutable position inside a retry loop. Each
// attempt derives the next state instead of mutating shared request
// config, so a request object can never carry hidden retry counters.
type RetryState struct {
	Attempt     int
	MaxAttempts int
	NextDelay   time.Duration
}

// NewRetryState starts a retry sequence.
func NewRetryState(maxAttempts int, initialDelay time.Duration) RetryState {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	if initialDelay <= 0 {
		initialDelay = 250 * time.Millisecond
	}
	return RetryState{
		Attempt:     0,
		MaxAttempts: maxAttempts,
		NextDelay:   initialDelay,
	}
}

// Exhausted reports whether no retries remain.
func (s RetryState) Exhausted() bool {
	return s.Attempt >= s.MaxAttempts
}

// Next returns the state for the following attempt, doubling the delay
// with jitter up to maxDelay.
func (s RetryState) Next(maxDelay time.Duration) RetryState {
	jitter := 1.0 + 0.1*(2*rand.Float64()-1)
	delay := time.Duration(float64(s.NextDelay) * 2.0 * jitter)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return RetryState{
		Attempt:     s.Attempt + 1,
		MaxAttempts: s.MaxAttempts,
		NextDelay:   delay,
	}
}

// shouldRetry reports whether the failure class is retryable: network
// errors and 5xx only. Rate-limit denials, validation failures, and
// security violations are never retried here.
func shouldRetry(err error) bool {
	e := errs.As(err)
	if e == nil {
		return false
	}
	return e.Retryable()
}

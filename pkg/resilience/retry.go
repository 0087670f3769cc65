// SPDX-License-Identifier: Apache-2.0

// Package resilience provides the retry and timeout boundaries used by the
// workflow engine and execution unit.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/odalpeth/cadre/pkg/errors"
)

// RetryConfig controls retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first (>= 1).
	MaxAttempts int

	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff delay.
	MaxDelay time.Duration

	// Multiplier for exponential backoff (default 2.0).
	Multiplier float64

	// Jitter adds randomness to backoff; 0.1 means ±10%. Zero keeps the
	// schedule deterministic, which the engine relies on in tests.
	Jitter float64

	// IsRecoverable decides whether an error is worth another attempt.
	// Defaults to the cadre error taxonomy: timeouts and agent-internal
	// faults retry, deterministic denials never do.
	IsRecoverable func(error) bool
}

// DefaultRetryConfig returns the coordinator-wide retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2.0,
		Jitter:        0.1,
		IsRecoverable: errors.IsRecoverable,
	}
}

// FromBudget maps a workflow step's declared retry budget (retry count plus
// backoff seconds) onto a RetryConfig. A count of n yields n retries after
// the initial attempt. A nil-equivalent budget (count <= 0) disables retry.
func FromBudget(count, backoffSeconds int) RetryConfig {
	if count < 0 {
		count = 0
	}
	delay := time.Duration(backoffSeconds) * time.Second
	return RetryConfig{
		MaxAttempts:   count + 1,
		InitialDelay:  delay,
		MaxDelay:      delay * 8,
		Multiplier:    2.0,
		IsRecoverable: errors.IsRecoverable,
	}
}

// Do executes fn with retry logic, returning the last error if all attempts fail.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.IsRecoverable == nil {
		rc.IsRecoverable = errors.IsRecoverable
	}

	var lastErr error
	for attempt := 0; attempt < rc.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.New(errors.CodeCancelled, "cancelled during retry backoff", ctx.Err()).
					WithContext("attempt", attempt).
					WithContext("max_attempts", rc.MaxAttempts)
			case <-time.After(rc.backoff(attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !rc.IsRecoverable(err) {
			return err
		}
	}
	return lastErr
}

// DoWithResult executes fn with retry logic, returning both result and error.
func (rc RetryConfig) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var result any
	err := rc.Do(ctx, func() error {
		var fnErr error
		result, fnErr = fn()
		return fnErr
	})
	return result, err
}

func (rc RetryConfig) backoff(attempt int) time.Duration {
	multiplier := rc.Multiplier
	if multiplier == 0 {
		multiplier = 2.0
	}

	delay := time.Duration(float64(rc.InitialDelay) * math.Pow(multiplier, float64(attempt-1)))
	if rc.MaxDelay > 0 && delay > rc.MaxDelay {
		delay = rc.MaxDelay
	}

	if rc.Jitter > 0 {
		spread := delay.Seconds() * rc.Jitter * 2 * (rand.Float64() - 0.5)
		delay += time.Duration(spread * float64(time.Second))
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

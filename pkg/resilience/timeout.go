// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/odalpeth/cadre/pkg/errors"
)

// WithTimeout executes fn with a deadline. A zero duration disables the bound.
// Returns errors.CodeTimeout when the deadline is exceeded; the function keeps
// running in its goroutine until it observes the cancelled context.
func WithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	_, err := WithTimeoutResult(ctx, d, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// WithTimeoutResult executes fn with a deadline, returning result and error.
// Deadline expiry abandons fn and returns CodeTimeout. Cancellation of the
// parent context is cooperative, not preemptive: an in-flight fn is waited
// out, its natural result is returned, and a cancellation it observed comes
// back as CodeCancelled rather than a retryable timeout.
func WithTimeoutResult(ctx context.Context, d time.Duration, fn func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.CodeCancelled, "cancelled before dispatch", err)
	}
	if d == 0 {
		return fn(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(tctx)
		done <- outcome{value, err}
	}()

	select {
	case <-tctx.Done():
		if ctx.Err() != nil {
			out := <-done
			if out.err != nil && stderrors.Is(out.err, context.Canceled) {
				return nil, errors.New(errors.CodeCancelled, "cancelled in flight", out.err)
			}
			return out.value, out.err
		}
		return nil, errors.New(errors.CodeTimeout, "operation exceeded timeout", tctx.Err()).
			WithContext("timeout", d.String())
	case out := <-done:
		return out.value, out.err
	}
}

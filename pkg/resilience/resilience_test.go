package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/odalpeth/cadre/pkg/errors"
)

func TestDoRetriesRecoverable(t *testing.T) {
	attempts := 0
	rc := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}
	err := rc.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New(errors.CodeTimeout, "slow", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoStopsOnDeterministicFailure(t *testing.T) {
	attempts := 0
	rc := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}
	err := rc.Do(context.Background(), func() error {
		attempts++
		return errors.New(errors.CodePermission, "denied", nil)
	})
	if !errors.IsCode(err, errors.CodePermission) {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("permission violations must not retry, got %d attempts", attempts)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	attempts := 0
	rc := FromBudget(2, 0)
	err := rc.Do(context.Background(), func() error {
		attempts++
		return errors.New(errors.CodeTimeout, "slow", nil)
	})
	if !errors.IsCode(err, errors.CodeTimeout) {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("count=2 means 3 invocations, got %d", attempts)
	}
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rc := RetryConfig{MaxAttempts: 3, InitialDelay: time.Minute}
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()
	err := rc.Do(ctx, func() error {
		close(started)
		return errors.New(errors.CodeTimeout, "slow", nil)
	})
	if !errors.IsCode(err, errors.CodeCancelled) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWithTimeoutResult(t *testing.T) {
	value, err := WithTimeoutResult(context.Background(), 50*time.Millisecond, func(context.Context) (any, error) {
		return "done", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "done" {
		t.Fatalf("unexpected value: %v", value)
	}

	_, err = WithTimeoutResult(context.Background(), 10*time.Millisecond, func(ctx context.Context) (any, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})
	if !errors.IsCode(err, errors.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestWithTimeoutResultCancellationIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, err := WithTimeoutResult(ctx, time.Minute, func(ctx context.Context) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.IsCode(err, errors.CodeCancelled) {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
	if errors.IsRecoverable(err) {
		t.Fatal("cancellation must not be retry-eligible")
	}
}

func TestWithTimeoutResultCancelledActionFinishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	value, err := WithTimeoutResult(ctx, time.Minute, func(context.Context) (any, error) {
		cancel()
		return "finished", nil
	})
	if err != nil {
		t.Fatalf("in-flight action must finish naturally: %v", err)
	}
	if value != "finished" {
		t.Fatalf("unexpected value: %v", value)
	}

	// A cancelled parent rejects new dispatch outright.
	if _, err := WithTimeoutResult(ctx, time.Minute, func(context.Context) (any, error) {
		return "ran", nil
	}); !errors.IsCode(err, errors.CodeCancelled) {
		t.Fatalf("expected CANCELLED before dispatch, got %v", err)
	}
}

func TestWithTimeoutZeroDisablesBound(t *testing.T) {
	err := WithTimeout(context.Background(), 0, func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

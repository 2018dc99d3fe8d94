package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/labstock/labstock_backend/utils"
)

func fastRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		Classify:       utils.IsTransientDeliveryError,
	}
}

func TestRetry_TransientFailureRetriesUpToMax(t *testing.T) {
	calls := 0
	err := fastRetryPolicy().Do(context.Background(), func() error {
		calls++
		return utils.NewTransientDeliveryError(errors.New("connection refused"))
	})
	if err == nil {
		t.Fatalf("expected failure after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetry_PermanentFailureAbortsImmediately(t *testing.T) {
	calls := 0
	err := fastRetryPolicy().Do(context.Background(), func() error {
		calls++
		return errors.New("invalid recipient")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("permanent failures must not be retried, got %d attempts", calls)
	}
}

func TestRetry_SucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := fastRetryPolicy().Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return utils.NewTransientDeliveryError(errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if calls != 3 {
		t.Fatalf("got %d attempts", calls)
	}
}

func TestRetry_BackoffDoubles(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 20 * time.Millisecond,
		Classify:       func(error) bool { return true },
	}

	started := time.Now()
	_ = policy.Do(context.Background(), func() error {
		return errors.New("always fails")
	})
	elapsed := time.Since(started)

	// sleeps: 20ms + 40ms between the three attempts
	if elapsed < 60*time.Millisecond {
		t.Fatalf("expected at least 60ms of backoff, got %v", elapsed)
	}
}

func TestRetry_ContextCancelStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Hour,
		Classify:       func(error) bool { return true },
	}

	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, func() error { return errors.New("fail") })
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("retry did not observe context cancellation")
	}
}

package workflow

import (
	"context"
	"time"
)

// RetryPolicy reruns an operation on transient failures with exponential
// backoff. Permanent failures (anything Classify rejects) abort immediately.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	// Classify reports whether the error is worth retrying.
	Classify func(error) bool
}

// DefaultDeliveryRetryPolicy gives a delivery three attempts with 2s and then
// 4s between them; only the sleeps between attempts double, so with three
// attempts the backoff never reaches 8s.
func DefaultDeliveryRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
	}
}

// Do runs fn up to MaxAttempts times, sleeping InitialBackoff, 2x, 4x...
// between attempts. Returns the last error when all attempts fail.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	backoff := p.InitialBackoff
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if p.Classify != nil && !p.Classify(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

package enrich

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// transientError wraps an error the caller should retry; anything else is
// treated as permanent after the first attempt.
type transientError struct {
	cause error
}

func (e *transientError) Error() string { return "enrich: transient: " + e.cause.Error() }
func (e *transientError) Unwrap() error { return e.cause }

// Transient marks err as retryable. EnrichWithTree wraps every error the
// embedding provider returns with it; the llm providers do not classify
// their errors, so a failed batch is always retried until the attempt
// budget is used up and no provider error is treated as permanent sooner.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{cause: err}
}

func isTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// retryConfig bounds the jittered exponential backoff applied to a
// transient embedding failure (spec default: 3 attempts).
type retryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func defaultRetryConfig() retryConfig {
	return retryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}
}

// withRetry runs fn, retrying while it returns a transient error, up to
// cfg.MaxAttempts total attempts with jittered exponential backoff. A
// permanent error (or exhaustion of the retry budget) is returned as-is to
// the caller, which records it per-block and continues.
func withRetry(ctx context.Context, cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay * time.Duration(1<<(attempt-1))
			delay += time.Duration(rand.Int63n(int64(cfg.BaseDelay)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
	}
	return lastErr
}

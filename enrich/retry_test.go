package enrich

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), retryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		return errors.New("permanent")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt for a permanent error, got %d", calls)
	}
}

func TestWithRetryRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), retryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		if calls < 2 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestWithRetryExhaustsBudgetOnPersistentTransient(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), retryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		return Transient(errors.New("always flaky"))
	})
	if err == nil {
		t.Fatal("expected error after exhausting retry budget")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestWithRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := withRetry(ctx, retryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		return Transient(errors.New("flaky"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt before the cancelled-context sleep aborts, got %d", calls)
	}
}

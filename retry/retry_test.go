package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errFlaky = errors.New("flaky")
	errFatal = errors.New("fatal")
)

func testPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Retryable:       func(err error) bool { return errors.Is(err, errFlaky) },
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := testPolicy(5).Do(context.Background(), "flaky", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := testPolicy(5).Do(context.Background(), "fatal", func(ctx context.Context) error {
		calls++
		return errFatal
	})
	if !errors.Is(err, errFatal) {
		t.Fatalf("expected errFatal, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestDoIsCapped(t *testing.T) {
	calls := 0
	err := testPolicy(3).Do(context.Background(), "capped", func(ctx context.Context) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected errFlaky, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoWithoutClassifierNeverRetries(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 4, InitialInterval: time.Millisecond}
	_ = p.Do(context.Background(), "plain", func(ctx context.Context) error {
		calls++
		return errFlaky
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

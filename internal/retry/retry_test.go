package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TimurManjosov/flagship-go/internal/apierr"
)

func TestBackoff_MonotonicUpToCap(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := p.Backoff(attempt)
		if d < prev {
			t.Errorf("Backoff(%d) = %v decreased from %v", attempt, d, prev)
		}
		if d > p.MaxDelay {
			t.Errorf("Backoff(%d) = %v exceeds MaxDelay %v", attempt, d, p.MaxDelay)
		}
		prev = d
	}

	if got := p.Backoff(1); got != 100*time.Millisecond {
		t.Errorf("Backoff(1) = %v, want 100ms", got)
	}
	if got := p.Backoff(3); got != 400*time.Millisecond {
		t.Errorf("Backoff(3) = %v, want 400ms", got)
	}
	if got := p.Backoff(50); got != 2*time.Second {
		t.Errorf("Backoff(50) = %v, want cap 2s", got)
	}
}

func TestBackoff_JitterBounded(t *testing.T) {
	p := Policy{BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 3, Jitter: 200 * time.Millisecond}

	for attempt := 1; attempt <= 20; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Backoff(attempt)
			if d < p.BaseBackoff(attempt) {
				t.Fatalf("Backoff(%d) = %v below base %v", attempt, d, p.BaseBackoff(attempt))
			}
			if d > p.MaxDelay+p.Jitter {
				t.Fatalf("Backoff(%d) = %v exceeds MaxDelay+Jitter", attempt, d)
			}
		}
	}
}

func TestBackoff_FixedRandom(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 100 * time.Millisecond}
	p.random = func() float64 { return 0.5 }

	if got := p.Backoff(2); got != 250*time.Millisecond {
		t.Errorf("Backoff(2) = %v, want 250ms", got)
	}
}

func TestDo_RetriesRetryableErrors(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return apierr.New(apierr.CodeServerError, "unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return apierr.New(apierr.CodeInvalidKey, "bad key")
	})
	if !apierr.IsCode(err, apierr.CodeInvalidKey) {
		t.Errorf("Expected invalid key error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDo_ExhaustionReturnsLastError(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return apierr.New(apierr.CodeServerError, "attempt")
	})
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if !apierr.IsCode(err, apierr.CodeServerError) {
		t.Errorf("Expected last error to be returned, got %v", err)
	}
}

func TestDo_CancelledDuringSleep(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context) error {
			return apierr.New(apierr.CodeTimeout, "slow")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDoResult(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2}

	ok := DoResult(context.Background(), p, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if !ok.Success || ok.Value != 42 || ok.Attempts != 1 || ok.Err != nil {
		t.Errorf("Unexpected success result: %+v", ok)
	}

	boom := errors.New("boom")
	failed := DoResult(context.Background(), Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Retryable: func(error) bool { return true }},
		func(ctx context.Context) (int, error) {
			return 0, boom
		})
	if failed.Success {
		t.Error("Expected failure")
	}
	if failed.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", failed.Attempts)
	}
	if !errors.Is(failed.Err, boom) {
		t.Errorf("Expected boom, got %v", failed.Err)
	}
}

func TestDo_RateLimitHint(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1}

	var delays []time.Duration
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		delays = append(delays, delay)
	}

	limited := &apierr.Error{Code: apierr.CodeRateLimited, RetryAfter: 30 * time.Millisecond}
	_ = p.Do(context.Background(), func(ctx context.Context) error { return limited })

	if len(delays) != 1 || delays[0] != 30*time.Millisecond {
		t.Errorf("Expected Retry-After hint of 30ms, got %v", delays)
	}
}

// Package retry computes exponential backoff with jitter and runs operations
// under a bounded retry budget.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/TimurManjosov/flagship-go/internal/apierr"
)

// Policy configures retry behavior with exponential backoff.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first one.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the exponential part of the backoff.
	MaxDelay time.Duration

	// Multiplier grows the delay between consecutive attempts.
	Multiplier float64

	// Jitter is the upper bound of the uniform random delay added to every backoff.
	Jitter time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to apierr.IsRetryable.
	Retryable func(error) bool

	// OnRetry, if set, is called before sleeping between attempts.
	OnRetry func(attempt int, delay time.Duration, err error)

	// random returns a value in [0,1); overridable in tests.
	random func() float64
}

// DefaultPolicy returns the policy used by the network path.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      100 * time.Millisecond,
	}
}

// Result contains the outcome of DoResult.
type Result[T any] struct {
	Success  bool
	Value    T
	Err      error
	Attempts int
	Duration time.Duration
}

// BaseBackoff returns the deterministic part of the delay before attempt+1:
// min(BaseDelay * Multiplier^(attempt-1), MaxDelay). Attempts are 1-based.
func (p Policy) BaseBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if math.IsInf(d, 0) || d > math.MaxInt64 {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Backoff returns BaseBackoff(attempt) plus a uniform random jitter in [0, Jitter).
// The result never exceeds MaxDelay + Jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseBackoff(attempt)
	if p.Jitter > 0 {
		r := p.random
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(r() * float64(p.Jitter))
	}
	return d
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return apierr.IsRetryable(err)
}

// Do runs op until it succeeds, returns a non-retryable error, or MaxAttempts
// is exhausted. Exhaustion returns the last error. Sleeps between attempts
// return early when ctx is cancelled.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	r := run(ctx, p, op)
	return r.Value, r.Err
}

// DoResult is DoValue that never returns an error; the outcome is reported in Result.
func DoResult[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) Result[T] {
	return run(ctx, p, op)
}

func run[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) Result[T] {
	start := time.Now()
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var res Result[T]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt

		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}

		v, err := op(ctx)
		if err == nil {
			res.Success = true
			res.Value = v
			res.Err = nil
			break
		}
		res.Err = err

		if attempt == maxAttempts || !p.retryable(err) {
			break
		}

		delay := p.Backoff(attempt)
		if hint := retryAfter(err); hint > delay {
			delay = hint
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := Sleep(ctx, delay); err != nil {
			break
		}
	}

	res.Duration = time.Since(start)
	return res
}

func retryAfter(err error) time.Duration {
	var e *apierr.Error
	if errors.As(err, &e) && e.Code == apierr.CodeRateLimited {
		return e.RetryAfter
	}
	return 0
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

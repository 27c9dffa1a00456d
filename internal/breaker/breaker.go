// Package breaker implements the three-state circuit breaker that protects the
// SDK's network path.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/flagship-go/internal/apierr"
)

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before allowing a probe.
	ResetTimeout time.Duration
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithFailureClassifier sets which errors count against the breaker.
// Errors for which it returns false leave the breaker untouched.
func WithFailureClassifier(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithStateChange registers a hook invoked after every transition.
// The hook runs with the breaker lock held and must not call back into the breaker.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker is a failure gate with Closed, Open and HalfOpen states.
// Timeouts are evaluated lazily on AllowRequest; no background timer runs.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	failures    int
	lastFailure time.Time

	now       func() time.Time
	logger    zerolog.Logger
	isFailure func(error) bool
	onChange  func(from, to State)
}

// New creates a closed breaker.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	b := &Breaker{
		cfg:       cfg,
		state:     StateClosed,
		now:       time.Now,
		logger:    zerolog.Nop(),
		isFailure: apierr.IsRetryable,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AllowRequest reports whether a call may proceed. An open breaker whose
// reset timeout has elapsed moves to half-open and lets the call through.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.resetElapsedLocked() {
			b.transitionLocked(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and clears the failure count.
// A success reported while open, before the reset timeout, is ignored.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && !b.resetElapsedLocked() {
		b.logger.Warn().Msg("[breaker] success recorded while open, ignoring")
		return
	}
	b.failures = 0
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
}

// RecordFailure counts a failure and opens the circuit when the threshold is
// reached. A failure while half-open reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	case StateOpen:
	}
}

// Execute runs op if the breaker allows it and records the outcome.
// When the circuit is open it fails fast with a CodeCircuitOpen error
// without invoking op.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Run(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Run is Execute for operations that return a value.
func Run[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !b.AllowRequest() {
		return zero, apierr.New(apierr.CodeCircuitOpen, "circuit breaker is open")
	}

	v, err := op(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case b.isFailure(err):
		b.RecordFailure()
	}
	return v, err
}

// State returns the current state without re-evaluating the reset timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen reports whether the breaker is open.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// LastFailure returns the time of the most recent failure, zero if none.
func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.lastFailure = time.Time{}
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
}

func (b *Breaker) resetElapsedLocked() bool {
	return b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to

	switch to {
	case StateOpen:
		b.logger.Warn().
			Int("failures", b.failures).
			Int("threshold", b.cfg.FailureThreshold).
			Msg("[breaker] circuit opened")
	case StateHalfOpen:
		b.logger.Info().Msg("[breaker] circuit half-open, probing")
	case StateClosed:
		b.logger.Info().Str("from", from.String()).Msg("[breaker] circuit closed")
	}

	if b.onChange != nil {
		b.onChange(from, to)
	}
}

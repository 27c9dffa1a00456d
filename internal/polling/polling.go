// Package polling runs the periodic flag refresh loop with adaptive backoff.
package polling

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/flagship-go/internal/telemetry"
)

// State is the lifecycle state of the poller.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// UpdateFunc fetches changes made after since. A zero since means a full fetch.
type UpdateFunc func(ctx context.Context, since time.Time) error

// Config controls the poll schedule.
type Config struct {
	Interval             time.Duration
	MaxInterval          time.Duration
	Jitter               time.Duration
	BackoffMultiplier    float64
	MaxConsecutiveErrors int           // 0 never stops
	PausedIdle           time.Duration // sleep between checks while paused
}

func DefaultConfig() Config {
	return Config{
		Interval:             30 * time.Second,
		MaxInterval:          5 * time.Minute,
		Jitter:               time.Second,
		BackoffMultiplier:    2,
		MaxConsecutiveErrors: 10,
		PausedIdle:           time.Second,
	}
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithMetrics(mt *telemetry.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithOnStop registers a callback invoked when the poller stops itself after
// too many consecutive errors.
func WithOnStop(fn func(err error)) Option { return func(m *Manager) { m.onStop = fn } }

// Manager owns the poll loop. All methods are safe for concurrent use.
type Manager struct {
	cfg      Config
	onUpdate UpdateFunc
	onStop   func(err error)
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	random   func() float64
	now      func() time.Time

	mu                sync.Mutex
	state             State
	currentInterval   time.Duration
	lastUpdate        time.Time
	consecutiveErrors int
	cancel            context.CancelFunc
	done              chan struct{}
	resume            chan struct{}

	pollMu sync.Mutex // one poll at a time, loop or PollNow
}

// New creates a stopped poller.
func New(cfg Config, onUpdate UpdateFunc, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = max(def.MaxInterval, cfg.Interval)
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.PausedIdle <= 0 {
		cfg.PausedIdle = def.PausedIdle
	}

	m := &Manager{
		cfg:             cfg,
		onUpdate:        onUpdate,
		logger:          zerolog.Nop(),
		random:          rand.Float64,
		now:             time.Now,
		state:           StateStopped,
		currentInterval: cfg.Interval,
		resume:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins polling. It is a no-op unless the poller is stopped.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStopped {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.state = StateRunning
	m.currentInterval = m.cfg.Interval
	m.consecutiveErrors = 0
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)

	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("[polling] started")
}

// Stop halts the loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	m.cancel()
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info().Msg("[polling] stopped")
}

// Pause suspends polling, keeping the current backoff.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning {
		m.state = StatePaused
		m.logger.Debug().Msg("[polling] paused")
	}
}

// Resume continues a paused poller.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePaused {
		return
	}
	m.state = StateRunning
	select {
	case m.resume <- struct{}{}:
	default:
	}
	m.logger.Debug().Msg("[polling] resumed")
}

// PollNow runs one poll immediately. It does not reset the loop's timer but
// shares its success and failure accounting.
func (m *Manager) PollNow(ctx context.Context) error {
	return m.poll(ctx)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) CurrentInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentInterval
}

// LastUpdate returns the time of the last successful poll.
func (m *Manager) LastUpdate() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUpdate
}

// SetLastUpdate seeds the since cursor, typically after a full fetch done elsewhere.
func (m *Manager) SetLastUpdate(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUpdate = t
}

// SetInterval changes the base interval, typically to the one the server
// asks for. A backed-off interval is kept until the next success.
func (m *Manager) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Interval = d
	if m.cfg.MaxInterval < d {
		m.cfg.MaxInterval = d
	}
	if m.consecutiveErrors == 0 {
		m.currentInterval = d
	}
}

func (m *Manager) ConsecutiveErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveErrors
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		m.mu.Lock()
		state := m.state
		wait := m.currentInterval
		m.mu.Unlock()

		if state == StatePaused {
			if !m.idle(ctx, m.cfg.PausedIdle) {
				return
			}
			continue
		}

		if m.cfg.Jitter > 0 {
			wait += time.Duration(m.random() * float64(m.cfg.Jitter))
		}
		if !m.idle(ctx, wait) {
			return
		}
		if m.State() != StateRunning {
			continue
		}

		if err := m.poll(ctx); err != nil && ctx.Err() != nil {
			return
		}
	}
}

// idle sleeps for d, returning early on resume. It returns false once ctx is done.
func (m *Manager) idle(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.resume:
		return true
	case <-timer.C:
		return true
	}
}

func (m *Manager) poll(ctx context.Context) error {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	since := m.LastUpdate()
	start := m.now()
	err := m.onUpdate(ctx, since)

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// cancelled, not a server failure
		return err
	}

	m.metrics.Poll(err == nil)

	m.mu.Lock()
	if err == nil {
		m.currentInterval = m.cfg.Interval
		m.lastUpdate = start
		m.consecutiveErrors = 0
		m.mu.Unlock()
		return nil
	}

	m.consecutiveErrors++
	next := time.Duration(float64(m.currentInterval) * m.cfg.BackoffMultiplier)
	if next > m.cfg.MaxInterval || next <= 0 {
		next = m.cfg.MaxInterval
	}
	m.currentInterval = next
	failures := m.consecutiveErrors

	autoStop := m.cfg.MaxConsecutiveErrors > 0 && failures >= m.cfg.MaxConsecutiveErrors && m.state != StateStopped
	if autoStop {
		m.state = StateStopped
		m.cancel()
	}
	m.mu.Unlock()

	if autoStop {
		m.logger.Error().Err(err).Int("errors", failures).Msg("[polling] too many consecutive errors, stopping")
		if m.onStop != nil {
			m.onStop(err)
		}
		return err
	}

	m.logger.Warn().Err(err).Int("errors", failures).Dur("next_interval", next).Msg("[polling] update failed, backing off")
	return err
}

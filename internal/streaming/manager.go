// Package streaming keeps a Server-Sent Events connection to the flag server
// open, applying pushed flag changes and falling back to polling when the
// push channel cannot be kept alive.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TimurManjosov/flagship-go/internal/apierr"
	"github.com/TimurManjosov/flagship-go/internal/flags"
	"github.com/TimurManjosov/flagship-go/internal/telemetry"
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Event types pushed by the server.
const (
	EventFlagUpdated = "flag_updated"
	EventFlagDeleted = "flag_deleted"
	EventFlagsReset  = "flags_reset"
	EventHeartbeat   = "heartbeat"
	EventError       = "error"
)

// Token is a short-lived stream credential.
type Token struct {
	Token     string        `json:"token"`
	ExpiresIn time.Duration `json:"-"`
}

// TokenFunc exchanges the API key for a stream token.
type TokenFunc func(ctx context.Context) (Token, error)

// Handlers receive stream notifications. They run on the stream goroutine.
type Handlers struct {
	OnFlagUpdated func(flag flags.State)
	OnFlagDeleted func(key string)
	OnFlagsReset  func(all []flags.State)
	OnConnected   func()
	OnFallback    func()
	OnStateChange func(from, to State)
}

// Config controls connection and reconnect behavior.
type Config struct {
	URL                  string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	MaxBackoff           time.Duration
	RecoveryInterval     time.Duration
	HTTPClient           *http.Client
	Header               http.Header // extra request headers, never the API key
}

func DefaultConfig() Config {
	return Config{
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    30 * time.Second,
		MaxBackoff:           30 * time.Second,
		RecoveryInterval:     5 * time.Minute,
	}
}

var (
	errTokenExpired     = errors.New("stream token expired")
	errTokenRefresh     = errors.New("stream token refresh failed")
	errHeartbeatTimeout = errors.New("heartbeat timeout")
	errDisconnected     = errors.New("disconnected")
)

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithMetrics(mt *telemetry.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// Manager owns one streaming connection. All methods are safe for concurrent use.
type Manager struct {
	cfg      Config
	tokenFn  TokenFunc
	handlers Handlers
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time

	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	done        chan struct{}
	token       Token
	tokenExpiry time.Time
	failures    int
	lastEvent   time.Time
}

// New creates a disconnected manager.
func New(cfg Config, tokenFn TokenFunc, h Handlers, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = def.RecoveryInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	m := &Manager{
		cfg:      cfg,
		tokenFn:  tokenFn,
		handlers: h,
		logger:   zerolog.Nop(),
		now:      time.Now,
		state:    StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect starts the connection loop. It is a no-op while a loop is running.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.failures = 0
	done := m.done
	m.mu.Unlock()

	go m.run(ctx, done)
}

// Disconnect tears down the connection, its timers and the recovery schedule.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.setState(StateDisconnected)
	m.logger.Info().Msg("[streaming] disconnected")
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool { return m.State() == StateConnected }

// Failures returns the consecutive connection failure count.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// LastEventTime returns when the last frame arrived.
func (m *Manager) LastEventTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEvent
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	m.metrics.StreamState(int(to))
	m.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("[streaming] state change")
	if m.handlers.OnStateChange != nil {
		m.handlers.OnStateChange(from, to)
	}
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = m.cfg.MaxBackoff
	bo.Reset()
	return bo
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := m.newBackOff()
	recovering := false
	// one immediate token renewal is allowed per healthy session
	quickRenew := true

	for {
		m.setState(StateConnecting)
		healthy, err := m.session(ctx)
		if ctx.Err() != nil {
			return
		}

		if healthy {
			recovering = false
			quickRenew = true
			bo.Reset()
			m.mu.Lock()
			m.failures = 0
			m.mu.Unlock()
		}

		if errors.Is(err, errTokenExpired) || errors.Is(err, errTokenRefresh) {
			if quickRenew {
				quickRenew = false
				m.logger.Info().Err(err).Msg("[streaming] reconnecting with a fresh token")
				continue
			}
		}

		m.mu.Lock()
		attempts := m.failures
		exhausted := recovering || attempts >= m.cfg.MaxReconnectAttempts
		if !exhausted {
			m.failures++
		}
		m.mu.Unlock()

		if exhausted {
			if !recovering {
				m.logger.Error().Err(err).Int("attempts", attempts).Msg("[streaming] giving up, falling back to polling")
				m.setState(StateFailed)
				if m.handlers.OnFallback != nil {
					m.handlers.OnFallback()
				}
			} else {
				m.logger.Warn().Err(err).Msg("[streaming] recovery attempt failed")
				m.setState(StateFailed)
			}
			if !sleep(ctx, m.cfg.RecoveryInterval) {
				return
			}
			recovering = true
			continue
		}

		delay := bo.NextBackOff()
		if delay < m.cfg.ReconnectInterval {
			delay = m.cfg.ReconnectInterval
		}
		m.logger.Warn().Err(err).Int("attempt", attempts+1).Dur("delay", delay).Msg("[streaming] connection lost, reconnecting")
		m.metrics.StreamReconnect()
		m.setState(StateReconnecting)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// session runs one connection until it ends. healthy reports whether the
// server delivered at least one regular frame before the error.
func (m *Manager) session(ctx context.Context) (healthy bool, err error) {
	tok, err := m.currentToken(ctx)
	if err != nil {
		return false, err
	}

	sessCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(errDisconnected)

	resp, err := m.open(sessCtx, tok.Token)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	connID := uuid.NewString()
	m.setState(StateConnected)
	m.logger.Info().Str("connection_id", connID).Msg("[streaming] connected")
	if m.handlers.OnConnected != nil {
		m.handlers.OnConnected()
	}

	watchdog := time.AfterFunc(2*m.cfg.HeartbeatInterval, func() { cancel(errHeartbeatTimeout) })
	defer watchdog.Stop()

	refresh := m.scheduleRefresh(sessCtx, cancel, tok)
	defer refresh.stop()

	reader := NewReader(resp.Body)
	for {
		frame, err := reader.Next()
		if err != nil {
			if cause := context.Cause(sessCtx); cause != nil {
				return healthy, cause
			}
			return healthy, apierr.Wrap(apierr.CodeStreamError, err, "stream closed")
		}

		watchdog.Reset(2 * m.cfg.HeartbeatInterval)
		m.mu.Lock()
		m.lastEvent = m.now()
		m.mu.Unlock()

		if err := m.dispatch(frame); err != nil {
			return healthy, err
		}
		healthy = true
	}
}

func (m *Manager) open(ctx context.Context, token string) (*http.Response, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeConfigInvalid, err, "invalid stream url")
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStreamError, err, "failed to build stream request")
	}
	for k, vs := range m.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, apierr.FromTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized {
			m.dropToken()
		}
		return nil, apierr.FromStatus(resp.StatusCode, "")
	}
	return resp, nil
}

func (m *Manager) currentToken(ctx context.Context) (Token, error) {
	m.mu.Lock()
	tok, expiry := m.token, m.tokenExpiry
	m.mu.Unlock()

	if tok.Token != "" && (expiry.IsZero() || m.now().Before(expiry)) {
		return tok, nil
	}
	return m.fetchToken(ctx)
}

func (m *Manager) fetchToken(ctx context.Context) (Token, error) {
	tok, err := m.tokenFn(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("failed to get stream token: %w", err)
	}
	if tok.Token == "" {
		return Token{}, apierr.New(apierr.CodeBadPayload, "empty stream token")
	}

	m.mu.Lock()
	m.token = tok
	m.tokenExpiry = time.Time{}
	if tok.ExpiresIn > 0 {
		m.tokenExpiry = m.now().Add(tok.ExpiresIn)
	}
	m.mu.Unlock()
	return tok, nil
}

func (m *Manager) dropToken() {
	m.mu.Lock()
	m.token = Token{}
	m.tokenExpiry = time.Time{}
	m.mu.Unlock()
}

type refresher struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (r *refresher) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

// scheduleRefresh renews the token at 80% of its lifetime. A failed renewal
// ends the session so the loop reconnects with a fresh token.
func (m *Manager) scheduleRefresh(ctx context.Context, cancel context.CancelCauseFunc, tok Token) *refresher {
	r := &refresher{}
	var arm func(ttl time.Duration)
	arm = func(ttl time.Duration) {
		if ttl <= 0 {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.timer = time.AfterFunc(ttl*8/10, func() {
			if ctx.Err() != nil {
				return
			}
			next, err := m.fetchToken(ctx)
			if err != nil {
				m.logger.Warn().Err(err).Msg("[streaming] token refresh failed")
				m.dropToken()
				cancel(errTokenRefresh)
				return
			}
			m.logger.Debug().Dur("expires_in", next.ExpiresIn).Msg("[streaming] token refreshed")
			arm(next.ExpiresIn)
		})
	}
	arm(tok.ExpiresIn)
	return r
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (m *Manager) dispatch(f Frame) error {
	switch f.Event {
	case EventHeartbeat, "":
		return nil

	case EventFlagUpdated:
		var st flags.State
		if err := json.Unmarshal([]byte(f.Data), &st); err != nil || st.Key == "" {
			m.logger.Warn().Str("event", f.Event).Msg("[streaming] ignoring malformed frame")
			return nil
		}
		if m.handlers.OnFlagUpdated != nil {
			m.handlers.OnFlagUpdated(st)
		}

	case EventFlagDeleted:
		var body struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal([]byte(f.Data), &body); err != nil || body.Key == "" {
			m.logger.Warn().Str("event", f.Event).Msg("[streaming] ignoring malformed frame")
			return nil
		}
		if m.handlers.OnFlagDeleted != nil {
			m.handlers.OnFlagDeleted(body.Key)
		}

	case EventFlagsReset:
		all, err := decodeFlagList(f.Data)
		if err != nil {
			m.logger.Warn().Err(err).Str("event", f.Event).Msg("[streaming] ignoring malformed frame")
			return nil
		}
		if m.handlers.OnFlagsReset != nil {
			m.handlers.OnFlagsReset(all)
		}

	case EventError:
		var p errorPayload
		_ = json.Unmarshal([]byte(f.Data), &p)
		if p.Code == "TOKEN_EXPIRED" {
			m.dropToken()
			return errTokenExpired
		}
		return apierr.New(apierr.CodeStreamError, fmt.Sprintf("server error %s: %s", p.Code, p.Message))

	default:
		m.logger.Debug().Str("event", f.Event).Msg("[streaming] unknown event type")
	}
	return nil
}

// decodeFlagList accepts either {"flags":[...]} or a bare array.
func decodeFlagList(data string) ([]flags.State, error) {
	var wrapped struct {
		Flags []flags.State `json:"flags"`
	}
	if err := json.Unmarshal([]byte(data), &wrapped); err == nil && wrapped.Flags != nil {
		return wrapped.Flags, nil
	}
	var list []flags.State
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

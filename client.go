// Package flagship is a feature flag client. It evaluates flags from a local
// cache kept fresh by streaming or polling, falls back to stale values and
// caller defaults when the server is unreachable, and delivers analytics
// events through a crash-safe queue.
package flagship

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/TimurManjosov/flagship-go/internal/apierr"
	"github.com/TimurManjosov/flagship-go/internal/breaker"
	"github.com/TimurManjosov/flagship-go/internal/cache"
	"github.com/TimurManjosov/flagship-go/internal/events"
	"github.com/TimurManjosov/flagship-go/internal/flags"
	"github.com/TimurManjosov/flagship-go/internal/logging"
	"github.com/TimurManjosov/flagship-go/internal/persistence"
	"github.com/TimurManjosov/flagship-go/internal/polling"
	"github.com/TimurManjosov/flagship-go/internal/retry"
	"github.com/TimurManjosov/flagship-go/internal/snapshot"
	"github.com/TimurManjosov/flagship-go/internal/streaming"
	"github.com/TimurManjosov/flagship-go/internal/telemetry"
	"github.com/TimurManjosov/flagship-go/internal/transport"
	"github.com/TimurManjosov/flagship-go/internal/version"
)

// Client evaluates flags. All methods are safe for concurrent use.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	cache     *cache.Cache[flags.State]
	breaker   *breaker.Breaker
	transport *transport.Client // nil when offline
	store     *persistence.Store
	queue     *events.Queue
	poller    *polling.Manager
	stream    *streaming.Manager
	changes   *snapshot.Broadcaster
	inflight  singleflight.Group

	mu        sync.RWMutex
	evalCtx   EvaluationContext
	sessionID string

	initMu      sync.Mutex
	initialized bool
	closed      atomic.Bool
}

// NewClient validates opts and builds a client. It seeds the cache from the
// bootstrap and starts the event queue, recovering persisted events, but
// makes no network call; see Initialize.
func NewClient(opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		l := logging.New(opts.LogLevel, logging.Format(opts.LogFormat), os.Stderr)
		logger = &l
	}

	c := &Client{
		opts:      opts,
		logger:    logging.Component(*logger, "client"),
		metrics:   telemetry.New(opts.MetricsRegisterer),
		changes:   snapshot.NewBroadcaster(),
		sessionID: uuid.NewString(),
	}
	c.cache = cache.New[flags.State](cache.Config{TTL: opts.CacheTTL, MaxSize: opts.MaxCacheSize})
	c.breaker = breaker.New(
		breaker.Config{FailureThreshold: opts.CircuitBreakerThreshold, ResetTimeout: opts.CircuitBreakerResetTimeout},
		breaker.WithLogger(logging.Component(*logger, "breaker")),
		breaker.WithStateChange(func(_, to breaker.State) { c.metrics.BreakerState(int(to)) }),
	)

	if b := opts.Bootstrap; b != nil {
		if err := b.Verify(opts.APIKey); err != nil {
			return nil, err
		}
		c.apply(snapshot.SourceBootstrap, b.Flags, nil)
		c.logger.Debug().Int("flags", len(b.Flags)).Msg("[client] bootstrap applied")
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = opts.RetryAttempts

	if !opts.Offline {
		tc, err := transport.New(transport.Config{
			BaseURL:         opts.BaseURL,
			APIKey:          opts.APIKey,
			SecondaryAPIKey: opts.SecondaryAPIKey,
			Timeout:         opts.Timeout,
			SDKVersion:      version.SDK,
			SignRequests:    opts.SignRequests,
			HTTPClient:      opts.HTTPClient,
		}, c.breaker, policy, c.transportOptions(*logger)...)
		if err != nil {
			return nil, err
		}
		c.transport = tc
	}

	if opts.PersistEvents {
		pcfg := persistence.DefaultConfig(opts.EventStoragePath)
		pcfg.MaxEvents = opts.MaxPersistedEvents
		pcfg.FlushInterval = opts.PersistenceFlushInterval
		store, err := persistence.Open(pcfg, logging.Component(*logger, "persistence"))
		if err != nil {
			c.logger.Warn().Err(err).Str("path", opts.EventStoragePath).Msg("[client] event persistence unavailable, keeping events in memory")
		} else {
			if err := store.Cleanup(); err != nil {
				c.logger.Warn().Err(err).Msg("[client] event log compaction failed")
			}
			c.store = store
		}
	}

	if opts.EventsEnabled {
		c.queue = c.newQueue(*logger, policy)
		c.queue.Start()
	}

	if c.transport != nil {
		c.poller = polling.New(polling.Config{
			Interval:             opts.PollingInterval,
			MaxInterval:          opts.PollingMaxInterval,
			Jitter:               polling.DefaultConfig().Jitter,
			BackoffMultiplier:    polling.DefaultConfig().BackoffMultiplier,
			MaxConsecutiveErrors: polling.DefaultConfig().MaxConsecutiveErrors,
		}, c.pollUpdates,
			polling.WithLogger(logging.Component(*logger, "polling")),
			polling.WithMetrics(c.metrics),
			polling.WithOnStop(func(err error) {
				c.logger.Error().Err(err).Msg("[client] background polling stopped")
			}),
		)

		if opts.StreamingEnabled {
			c.stream = c.newStream(*logger)
		}
	}

	return c, nil
}

func (c *Client) transportOptions(logger zerolog.Logger) []transport.Option {
	opts := []transport.Option{
		transport.WithLogger(logging.Component(logger, "transport")),
		transport.WithMetrics(c.metrics),
	}
	if c.opts.Tracer != nil {
		opts = append(opts, transport.WithTracer(c.opts.Tracer))
	}
	return opts
}

func (c *Client) newQueue(logger zerolog.Logger, policy retry.Policy) *events.Queue {
	var sender events.Sender = events.SenderFunc(func(context.Context, []events.Event) error {
		return apierr.New(apierr.CodeOffline, "offline mode, events kept for later delivery")
	})
	if c.transport != nil {
		sender = c.transport
	}

	qcfg := events.DefaultConfig()
	qcfg.BatchSize = c.opts.EventBatchSize
	qcfg.MaxQueueSize = c.opts.MaxQueueSize
	qcfg.FlushInterval = c.opts.EventFlushInterval
	qcfg.FlushJitter = min(qcfg.FlushJitter, c.opts.EventFlushInterval/10)
	qcfg.SampleRate = c.opts.SampleRate
	qcfg.Retry = policy

	qopts := []events.Option{
		events.WithLogger(logging.Component(logger, "events")),
		events.WithMetrics(c.metrics),
		events.WithRedactor(events.NewDefaultRedactor(c.opts.RedactKeys...)),
	}
	if c.store != nil {
		qopts = append(qopts, events.WithStore(c.store))
	}
	return events.NewQueue(qcfg, sender, qopts...)
}

func (c *Client) newStream(logger zerolog.Logger) *streaming.Manager {
	header := http.Header{}
	header.Set(transport.HeaderSDKVersion, version.SDK)

	return streaming.New(streaming.Config{
		URL:                  c.transport.StreamURL(),
		ReconnectInterval:    c.opts.StreamReconnectInterval,
		MaxReconnectAttempts: c.opts.StreamMaxReconnectAttempts,
		HeartbeatInterval:    c.opts.StreamHeartbeatInterval,
		HTTPClient:           c.opts.HTTPClient,
		Header:               header,
	}, c.transport.StreamToken, streaming.Handlers{
		OnFlagUpdated: func(st flags.State) {
			c.apply(snapshot.SourceStream, []flags.State{st}, nil)
		},
		OnFlagDeleted: func(key string) {
			c.apply(snapshot.SourceStream, nil, []string{key})
		},
		OnFlagsReset: func(all []flags.State) {
			c.replaceAll(snapshot.SourceStream, all)
		},
		OnConnected: func() {
			if c.poller != nil {
				c.poller.Pause()
			}
		},
		OnFallback: func() {
			c.logger.Warn().Msg("[client] streaming unavailable, falling back to polling")
			c.startPolling()
		},
		OnStateChange: func(_, to streaming.State) {
			c.metrics.StreamState(int(to))
		},
	}, streaming.WithLogger(logging.Component(logger, "streaming")), streaming.WithMetrics(c.metrics))
}

// Initialize fetches every flag from the server and starts background
// updates: streaming when both sides allow it, polling otherwise. On failure
// the client keeps serving bootstrap values and defaults, polling continues
// in the background, and the error is returned. Calling it again is a no-op.
func (c *Client) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.closed.Load() {
		return apierr.New(apierr.CodeClosed, "client is closed")
	}
	if c.initialized {
		return nil
	}
	c.initialized = true

	if c.transport == nil {
		c.logger.Info().Int("flags", c.cache.Len()).Msg("[client] offline mode, serving local flags")
		return nil
	}

	resp, err := c.transport.Init(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("[client] initialization failed, serving bootstrap and defaults")
		c.startPolling()
		return err
	}

	c.replaceAll(snapshot.SourceInit, resp.Flags)
	if resp.PollingIntervalSeconds > 0 {
		c.poller.SetInterval(time.Duration(resp.PollingIntervalSeconds) * time.Second)
	}
	synced := resp.ServerTime
	if synced.IsZero() {
		synced = time.Now()
	}
	c.poller.SetLastUpdate(synced)

	version.Log(c.logger, version.Check(version.SDK, version.Requirements{
		Min:                resp.Metadata.SDKVersionMin,
		Recommended:        resp.Metadata.SDKVersionRecommended,
		Latest:             resp.Metadata.SDKVersionLatest,
		DeprecationWarning: resp.Metadata.DeprecationWarning,
	}))

	if c.stream != nil && resp.StreamingEnabled {
		c.stream.Connect()
	} else {
		c.startPolling()
	}

	c.logger.Info().
		Int("flags", len(resp.Flags)).
		Str("environment", resp.Environment).
		Bool("streaming", c.stream != nil && resp.StreamingEnabled).
		Msg("[client] initialized")
	return nil
}

func (c *Client) startPolling() {
	if c.poller == nil || !c.opts.PollingEnabled || c.closed.Load() {
		return
	}
	switch c.poller.State() {
	case polling.StateStopped:
		c.poller.Start()
	case polling.StatePaused:
		c.poller.Resume()
	}
}

func (c *Client) pollUpdates(ctx context.Context, since time.Time) error {
	resp, err := c.transport.Updates(ctx, since)
	if err != nil {
		return err
	}
	c.apply(snapshot.SourcePoll, resp.Flags, resp.DeletedKeys)
	return nil
}

// replaceAll makes list the whole flag set.
func (c *Client) replaceAll(src snapshot.Source, list []flags.State) {
	keep := make(map[string]bool, len(list))
	for _, st := range list {
		keep[st.Key] = true
	}
	var deleted []string
	for _, k := range c.cache.Keys() {
		if !keep[k] {
			deleted = append(deleted, k)
		}
	}
	c.apply(src, list, deleted)
}

// apply writes updates to the cache and notifies subscribers of real changes.
func (c *Client) apply(src snapshot.Source, updated []flags.State, deleted []string) {
	prev, _ := c.cache.Snapshot()
	next := maps.Clone(prev)

	for _, st := range updated {
		if st.Key == "" {
			continue
		}
		c.cache.Set(st.Key, st, 0)
		next[st.Key] = st
	}
	for _, k := range deleted {
		c.cache.Delete(k)
		delete(next, k)
	}
	changed, removed := snapshot.Diff(prev, next)

	stats := c.cache.Stats()
	c.metrics.CacheSize(stats.ValidCount, stats.StaleCount)

	if len(changed) == 0 && len(removed) == 0 {
		return
	}
	current, _ := c.cache.Snapshot()
	c.changes.Publish(snapshot.Change{
		Source:    src,
		Updated:   changed,
		Deleted:   removed,
		Version:   snapshot.Version(current),
		UpdatedAt: time.Now(),
	})
	c.logger.Debug().
		Str("source", string(src)).
		Int("updated", len(changed)).
		Int("deleted", len(removed)).
		Msg("[client] flags changed")
}

// Refresh polls the server for changes now.
func (c *Client) Refresh(ctx context.Context) error {
	if c.closed.Load() {
		return apierr.New(apierr.CodeClosed, "client is closed")
	}
	if c.transport == nil {
		return apierr.New(apierr.CodeOffline, "refresh is unavailable in offline mode")
	}
	return c.poller.PollNow(ctx)
}

// Subscribe returns a channel of flag changes and a func to stop listening.
// Slow subscribers miss changes rather than blocking updates.
func (c *Client) Subscribe(buffer int) (<-chan FlagChange, func()) {
	return c.changes.Subscribe(buffer)
}

// Stats returns a point-in-time view of the client.
func (c *Client) Stats() Stats {
	c.initMu.Lock()
	initialized := c.initialized
	c.initMu.Unlock()

	s := Stats{
		Initialized:  initialized,
		Offline:      c.transport == nil,
		Cache:        c.cache.Stats(),
		CircuitState: c.breaker.State().String(),
		PollingState: polling.StateStopped.String(),
		StreamState:  streaming.StateDisconnected.String(),
	}
	if c.poller != nil {
		s.PollingState = c.poller.State().String()
		s.LastUpdate = c.poller.LastUpdate()
	}
	if c.stream != nil {
		s.StreamState = c.stream.State().String()
		s.Streaming = c.stream.IsConnected()
	}
	if c.queue != nil {
		s.QueuedEvents = c.queue.Len()
	}
	if c.transport != nil {
		s.UsingSecondaryKey = c.transport.UsingSecondaryKey()
	}
	return s
}

// AllFlags returns every cached flag, stale ones included.
func (c *Client) AllFlags() map[string]FlagState {
	values, _ := c.cache.Snapshot()
	return maps.Clone(values)
}

// HasFlag reports whether key is cached, fresh or stale.
func (c *Client) HasFlag(key string) bool {
	_, ok := c.cache.GetStale(key)
	return ok
}

// Close stops streaming, polling and the event queue concurrently, flushing
// queued events, then closes the event log. Evaluation keeps working from the
// cache afterwards. Calling it again is a no-op.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var g errgroup.Group
	if c.stream != nil {
		g.Go(func() error {
			c.stream.Disconnect()
			return nil
		})
	}
	if c.poller != nil {
		g.Go(func() error {
			c.poller.Stop()
			return nil
		})
	}
	if c.queue != nil {
		g.Go(func() error {
			if err := c.queue.Stop(ctx); err != nil {
				c.logger.Warn().Err(err).Int("pending", c.queue.Len()).Msg("[client] final event flush failed")
			}
			return nil
		})
	}
	err := g.Wait()

	if c.store != nil {
		err = errors.Join(err, c.store.Close())
	}
	c.changes.Close()
	c.logger.Info().Msg("[client] closed")
	return err
}

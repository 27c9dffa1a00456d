package events

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TimurManjosov/flagship-go/internal/apierr"
	"github.com/TimurManjosov/flagship-go/internal/retry"
	"github.com/TimurManjosov/flagship-go/internal/telemetry"
)

// Config controls batching and delivery.
type Config struct {
	BatchSize     int
	MaxQueueSize  int
	FlushInterval time.Duration
	FlushJitter   time.Duration // the timer fires at FlushInterval ± FlushJitter
	SampleRate    float64       // 0 < rate <= 1
	Retry         retry.Policy
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     10,
		MaxQueueSize:  1000,
		FlushInterval: 30 * time.Second,
		FlushJitter:   3 * time.Second,
		SampleRate:    1.0,
		Retry:         retry.DefaultPolicy(),
	}
}

// Option configures a Queue.
type Option func(*Queue)

// WithStore enables write-ahead persistence of queued events.
func WithStore(s Store) Option { return func(q *Queue) { q.store = s } }

func WithRedactor(r Redactor) Option { return func(q *Queue) { q.redactor = r } }

func WithLogger(l zerolog.Logger) Option { return func(q *Queue) { q.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(q *Queue) { q.metrics = m } }

// WithRandom overrides the source used for sampling and timer jitter.
func WithRandom(fn func() float64) Option { return func(q *Queue) { q.random = fn } }

// Queue buffers events in memory and flushes them in batches.
type Queue struct {
	cfg      Config
	sender   Sender
	store    Store
	redactor Redactor
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	random   func() float64
	now      func() time.Time

	mu       sync.Mutex
	queue    []Event
	flushing bool

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup // flushes triggered by Add
	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewQueue creates a queue delivering through sender.
func NewQueue(cfg Config, sender Sender, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = def.SampleRate
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:    cfg,
		sender: sender,
		logger: zerolog.Nop(),
		random: rand.Float64,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add enqueues an event. It returns false when the event was sampled out or
// the queue is stopped. An event that races with Stop stays in the store for
// the next session. Persistence failures are logged and do not reject
// the event.
func (q *Queue) Add(ev Event) bool {
	if q.stopped.Load() {
		return false
	}
	if q.cfg.SampleRate < 1 && q.random() > q.cfg.SampleRate {
		q.metrics.EventsDropped("sampled", 1)
		return false
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = q.now().UTC()
	}
	if q.redactor != nil {
		ev.Data = q.redactor.Redact(ev.Data)
	}

	if q.store != nil {
		rec, err := toRecord(ev)
		if err == nil {
			err = q.store.Persist(rec)
		}
		if err != nil {
			q.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("[events] failed to persist event, continuing in memory")
		}
	}

	q.mu.Lock()
	if q.stopped.Load() {
		q.mu.Unlock()
		return false
	}
	dropped := 0
	for len(q.queue) >= q.cfg.MaxQueueSize {
		q.queue = q.queue[1:]
		dropped++
	}
	q.queue = append(q.queue, ev)
	depth := len(q.queue)
	batchReady := depth >= q.cfg.BatchSize
	if batchReady {
		q.pending.Add(1)
	}
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Warn().Int("dropped", dropped).Int("max", q.cfg.MaxQueueSize).Msg("[events] queue full, dropped oldest event")
		q.metrics.EventsDropped("queue_full", dropped)
	}
	q.metrics.EventTracked()
	q.metrics.QueueDepth(depth)

	if batchReady {
		go func() {
			defer q.pending.Done()
			if err := q.Flush(q.ctx); err != nil {
				q.logger.Warn().Err(err).Msg("[events] batch flush failed")
			}
		}()
	}
	return true
}

// Flush sends queued events in batches of BatchSize. Only one flush runs at a
// time; a call made while another flush is in flight returns immediately.
// A failed batch goes back to the front of the queue and Flush returns the
// delivery error.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	for {
		batch := q.takeBatch()
		if len(batch) == 0 {
			return nil
		}
		if err := q.deliver(ctx, batch); err != nil {
			return err
		}
	}
}

func (q *Queue) takeBatch() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(len(q.queue), q.cfg.BatchSize)
	if n == 0 {
		return nil
	}
	batch := make([]Event, n)
	copy(batch, q.queue[:n])
	q.queue = q.queue[n:]
	return batch
}

func (q *Queue) deliver(ctx context.Context, batch []Event) error {
	ids := eventIDs(batch)
	q.mark(ids, "sending", Store.MarkSending)

	err := q.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return q.sender.SendEvents(ctx, batch)
	})
	if err == nil {
		q.mark(ids, "sent", Store.MarkSent)
		q.metrics.EventsSent(len(batch))
		q.logger.Debug().Int("count", len(batch)).Msg("[events] batch delivered")
		q.metrics.QueueDepth(q.Len())
		return nil
	}

	dropped := q.requeue(batch)
	q.mark(ids, "pending", Store.MarkPending)
	q.metrics.EventsFailed(len(batch))
	q.metrics.EventsDropped("requeue_overflow", dropped)
	q.logger.Warn().Err(err).
		Int("count", len(batch)).
		Int("dropped", dropped).
		Str("code", string(apierr.CodeOf(err))).
		Msg("[events] batch delivery failed, re-queued")
	return err
}

// requeue puts a failed batch back in front of the queue, keeping only as
// many of its newest events as there is room for. It returns the number of
// events that did not fit.
func (q *Queue) requeue(batch []Event) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	room := q.cfg.MaxQueueSize - len(q.queue)
	dropped := 0
	if room < len(batch) {
		dropped = len(batch) - max(room, 0)
		batch = batch[dropped:]
	}
	q.queue = append(batch[:len(batch):len(batch)], q.queue...)
	return dropped
}

func (q *Queue) mark(ids []string, status string, fn func(Store, []string) error) {
	if q.store == nil {
		return
	}
	if err := fn(q.store, ids); err != nil {
		q.logger.Warn().Err(err).Str("status", status).Int("count", len(ids)).Msg("[events] failed to update persisted status")
	}
}

// Start loads undelivered events from the store and starts the flush timer.
// Recovered events are not persisted again.
func (q *Queue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}

	if q.store != nil {
		recs, err := q.store.Recover()
		if err != nil {
			q.logger.Warn().Err(err).Msg("[events] failed to recover persisted events")
		}
		if len(recs) > 0 {
			q.mu.Lock()
			recovered := make([]Event, 0, len(recs))
			for _, rec := range recs {
				recovered = append(recovered, fromRecord(rec))
			}
			room := q.cfg.MaxQueueSize - len(q.queue)
			if len(recovered) > room {
				recovered = recovered[len(recovered)-max(room, 0):]
			}
			q.queue = append(recovered, q.queue...)
			q.mu.Unlock()
			q.logger.Info().Int("count", len(recovered)).Msg("[events] re-queued events from previous session")
		}
	}

	go q.loop()
}

func (q *Queue) loop() {
	defer close(q.done)
	timer := time.NewTimer(q.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-timer.C:
			if err := q.Flush(q.ctx); err != nil {
				q.logger.Warn().Err(err).Msg("[events] periodic flush failed")
			}
			timer.Reset(q.nextInterval())
		}
	}
}

func (q *Queue) nextInterval() time.Duration {
	d := q.cfg.FlushInterval
	if q.cfg.FlushJitter > 0 {
		d += time.Duration((q.random()*2 - 1) * float64(q.cfg.FlushJitter))
	}
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// Stop halts the timer, waits for in-flight flushes and performs a final
// flush with ctx. Calling Stop more than once is a no-op.
func (q *Queue) Stop(ctx context.Context) error {
	// Add registers its flush under mu, so no flush can start after Wait
	q.mu.Lock()
	first := q.stopped.CompareAndSwap(false, true)
	q.mu.Unlock()
	if !first {
		return nil
	}
	close(q.stopCh)
	q.cancel()
	if q.started.Load() {
		<-q.done
	}
	q.pending.Wait()

	if err := q.Flush(ctx); err != nil {
		q.logger.Warn().Err(err).Int("remaining", q.Len()).Msg("[events] final flush failed")
		return err
	}
	return nil
}

// Len returns the number of events waiting in memory.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Pending returns a copy of the queued events.
func (q *Queue) Pending() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Event, len(q.queue))
	copy(out, q.queue)
	return out
}

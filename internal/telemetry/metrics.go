// Package telemetry exposes Prometheus metrics for the SDK and the dev server.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flagship_sdk"

// Metrics holds the SDK collectors registered on one registry.
type Metrics struct {
	evaluations *prometheus.CounterVec
	cacheLookup *prometheus.CounterVec
	cacheSize   *prometheus.GaugeVec

	httpReqs *prometheus.CounterVec
	httpDur  *prometheus.HistogramVec

	breakerState prometheus.Gauge

	eventsTracked prometheus.Counter
	eventsDropped *prometheus.CounterVec
	eventsSent    prometheus.Counter
	eventsFailed  prometheus.Counter
	queueDepth    prometheus.Gauge

	polls            *prometheus.CounterVec
	streamState      prometheus.Gauge
	streamReconnects prometheus.Counter
}

// New registers the SDK collectors on reg. A nil registerer returns nil,
// which disables metrics. Collectors already present on reg are reused, so
// several clients may share one registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	return &Metrics{
		evaluations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Flag evaluations by result reason",
		}, []string{"reason"})),
		cacheLookup: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Flag cache lookups by result",
		}, []string{"result"})),
		cacheSize: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Flag cache entries by freshness",
		}, []string{"state"})),
		httpReqs: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests sent to the flag server",
		}, []string{"endpoint", "status"})),
		httpDur: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Flag server request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"})),
		breakerState: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		})),
		eventsTracked: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_tracked_total",
			Help:      "Analytics events accepted into the queue",
		})),
		eventsDropped: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Analytics events dropped by reason",
		}, []string{"reason"})),
		eventsSent: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_sent_total",
			Help:      "Analytics events delivered",
		})),
		eventsFailed: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Analytics events whose delivery failed and were re-queued",
		})),
		queueDepth: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Analytics events waiting in memory",
		})),
		polls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Background polls by result",
		}, []string{"result"})),
		streamState: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_state",
			Help:      "Streaming connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed)",
		})),
		streamReconnects: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Streaming reconnect attempts",
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) Evaluation(reason string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(reason).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookup.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheSize(valid, stale int) {
	if m == nil {
		return
	}
	m.cacheSize.WithLabelValues("valid").Set(float64(valid))
	m.cacheSize.WithLabelValues("stale").Set(float64(stale))
}

// Request records one HTTP attempt. status is 0 when no response arrived.
func (m *Metrics) Request(endpoint string, status int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.httpReqs.WithLabelValues(endpoint, label).Inc()
	m.httpDur.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) BreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

func (m *Metrics) EventTracked() {
	if m == nil {
		return
	}
	m.eventsTracked.Inc()
}

func (m *Metrics) EventsDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) EventsSent(n int) {
	if m == nil {
		return
	}
	m.eventsSent.Add(float64(n))
}

func (m *Metrics) EventsFailed(n int) {
	if m == nil {
		return
	}
	m.eventsFailed.Add(float64(n))
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Poll(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "success"
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) StreamState(state int) {
	if m == nil {
		return
	}
	m.streamState.Set(float64(state))
}

func (m *Metrics) StreamReconnect() {
	if m == nil {
		return
	}
	m.streamReconnects.Inc()
}

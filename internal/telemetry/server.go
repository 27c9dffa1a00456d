package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// ServerMetrics instruments the local flag server.
type ServerMetrics struct {
	httpReqs   *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	SSEClients prometheus.Gauge
	Flags      prometheus.Gauge
}

func NewServer(reg prometheus.Registerer) *ServerMetrics {
	m := &ServerMetrics{
		httpReqs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		httpDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		SSEClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sse_clients",
			Help: "Number of currently connected SSE clients",
		}),
		Flags: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "served_flags",
			Help: "Number of flags currently served",
		}),
	}
	if reg != nil {
		m.httpReqs = register(reg, m.httpReqs)
		m.httpDur = register(reg, m.httpDur)
		m.SSEClients = register(reg, m.SSEClients)
		m.Flags = register(reg, m.Flags)
	}
	return m
}

func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		// route pattern is only known after routing
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.httpReqs.WithLabelValues(route, r.Method, http.StatusText(ww.status)).Inc()
		m.httpDur.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

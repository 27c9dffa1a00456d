// Package devserver is a local flag server speaking the SDK protocol. It
// serves flags from memory (optionally loaded from a YAML file), accepts
// event batches, and pushes changes over SSE.
package devserver

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/TimurManjosov/flagship-go/internal/events"
	"github.com/TimurManjosov/flagship-go/internal/flags"
	"github.com/TimurManjosov/flagship-go/internal/snapshot"
	"github.com/TimurManjosov/flagship-go/internal/telemetry"
	"github.com/TimurManjosov/flagship-go/internal/transport"
)

type Config struct {
	Environment       string
	APIKeys           []string // accepted X-API-Key values
	AdminKey          string   // bearer token for /admin; empty disables admin routes
	TokenTTL          time.Duration
	HeartbeatInterval time.Duration
	PollingInterval   time.Duration
	RateLimit         int // requests per minute per API key; 0 disables
	Metadata          transport.Metadata
}

func DefaultConfig() Config {
	return Config{
		Environment:       "development",
		TokenTTL:          5 * time.Minute,
		HeartbeatInterval: 15 * time.Second,
		PollingInterval:   30 * time.Second,
	}
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithRegistry registers server metrics and exposes them on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

type Server struct {
	cfg      Config
	store    *Store
	changes  *snapshot.Broadcaster
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *telemetry.ServerMetrics

	mu       sync.Mutex
	tokens   map[string]time.Time
	received []events.Event
	failN    int
	failCode int
}

func New(cfg Config, store *Store, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.Environment == "" {
		cfg.Environment = def.Environment
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = def.PollingInterval
	}
	if store == nil {
		store = NewStore(nil)
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		changes: snapshot.NewBroadcaster(),
		logger:  zerolog.Nop(),
		tokens:  make(map[string]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	if s.registry != nil {
		s.metrics = telemetry.NewServer(s.registry)
	} else {
		s.metrics = telemetry.NewServer(nil)
	}
	s.metrics.Flags.Set(float64(store.Len()))
	return s
}

func (s *Server) Store() *Store { return s.store }

// Close ends every open stream.
func (s *Server) Close() { s.changes.Close() }

// FailNext makes the next n SDK requests answer with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN, s.failCode = n, status
}

// Events returns a copy of every event received so far.
func (s *Server) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.received...)
}

// Upsert stores a flag and notifies stream clients.
func (s *Server) Upsert(st flags.State) flags.State {
	st = s.store.Upsert(st)
	s.metrics.Flags.Set(float64(s.store.Len()))
	s.changes.Publish(snapshot.Change{Source: snapshot.SourceStream, Updated: []string{st.Key}, UpdatedAt: st.LastModified})
	return st
}

// Delete removes a flag and notifies stream clients.
func (s *Server) Delete(key string) bool {
	if !s.store.Delete(key) {
		return false
	}
	s.metrics.Flags.Set(float64(s.store.Len()))
	s.changes.Publish(snapshot.Change{Source: snapshot.SourceStream, Deleted: []string{key}, UpdatedAt: time.Now()})
	return true
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(s.metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/sdk", func(r chi.Router) {
		// the stream authenticates with its token, not the API key
		r.Get("/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(s.authSDK)
			if s.cfg.RateLimit > 0 {
				r.Use(httprate.Limit(s.cfg.RateLimit, time.Minute,
					httprate.WithKeyFuncs(keyByAPIKey),
					httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
						writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
					}),
				))
			}
			r.Use(s.injectFailures)
			r.Use(middleware.Timeout(5 * time.Second))

			r.Get("/init", s.handleInit)
			r.Get("/updates", s.handleUpdates)
			r.Post("/evaluate", s.handleEvaluate)
			r.Post("/evaluate/all", s.handleEvaluateAll)
			r.Post("/events/batch", s.handleEvents)
			r.Post("/stream/token", s.handleStreamToken)
		})
	})

	if s.cfg.AdminKey != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.authAdmin)
			r.Get("/flags", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"flags": s.store.All()})
			})
			r.Put("/flags/{key}", s.handleUpsertFlag)
			r.Delete("/flags/{key}", s.handleDeleteFlag)
			r.Get("/events", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"events": s.Events()})
			})
		})
	}
	return r
}

// ---- handlers ----

func (s *Server) handleInit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, transport.InitResponse{
		Flags:                  s.store.All(),
		Environment:            s.cfg.Environment,
		PollingIntervalSeconds: int(s.cfg.PollingInterval / time.Second),
		StreamingEnabled:       true,
		ServerTime:             time.Now().UTC(),
		Metadata:               s.cfg.Metadata,
	})
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	checked := time.Now().UTC()
	updated, deleted := s.store.Since(since)
	writeJSON(w, http.StatusOK, transport.UpdatesResponse{Flags: updated, DeletedKeys: deleted, CheckedAt: checked})
}

type evaluateRequest struct {
	Key     string         `json:"key"`
	Context map[string]any `json:"context,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	st, ok := s.store.Get(req.Key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("flag %q not found", req.Key))
		return
	}
	st.Reason = flags.ReasonServer
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEvaluateAll(w http.ResponseWriter, _ *http.Request) {
	all := s.store.All()
	for i := range all {
		all[i].Reason = flags.ReasonServer
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": all})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if sig := r.Header.Get(transport.HeaderSignature); sig != "" {
		ts, _ := strconv.ParseInt(r.Header.Get(transport.HeaderTimestamp), 10, 64)
		want := transport.SignRequest(body, ts, r.Header.Get(transport.HeaderAPIKey))
		if subtle.ConstantTimeCompare([]byte(sig), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid request signature")
			return
		}
	}

	var req struct {
		Events []events.Event `json:"events"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	s.mu.Lock()
	s.received = append(s.received, req.Events...)
	s.mu.Unlock()
	s.logger.Debug().Int("count", len(req.Events)).Msg("[devserver] events received")
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(req.Events)})
}

func (s *Server) handleStreamToken(w http.ResponseWriter, _ *http.Request) {
	token := "st_" + uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = time.Now().Add(s.cfg.TokenTTL)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int(s.cfg.TokenTTL / time.Second),
	})
}

type upsertRequest struct {
	Value   any        `json:"value"`
	Enabled *bool      `json:"enabled,omitempty"`
	Type    flags.Type `json:"type,omitempty"`
}

func (s *Server) handleUpsertFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	st := s.Upsert(flags.State{
		Key:      key,
		Value:    req.Value,
		Enabled:  req.Enabled == nil || *req.Enabled,
		FlagType: req.Type,
	})
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !s.Delete(key) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("flag %q not found", key))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- middleware & helpers ----

func (s *Server) authSDK(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(transport.HeaderAPIKey)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if !s.validKey(key) {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validKey accepts any key when none are configured.
func (s *Server) validKey(key string) bool {
	if len(s.cfg.APIKeys) == 0 {
		return true
	}
	for _, k := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) authAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		if got == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		// constant-time compare
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminKey)) != 1 {
			writeError(w, http.StatusForbidden, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		code := 0
		if s.failN > 0 {
			s.failN--
			code = s.failCode
		}
		s.mu.Unlock()
		if code != 0 {
			writeError(w, code, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func keyByAPIKey(r *http.Request) (string, error) {
	return r.Header.Get(transport.HeaderAPIKey), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":   http.StatusText(code),
		"message": msg,
	})
}

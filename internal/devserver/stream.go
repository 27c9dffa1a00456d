package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/TimurManjosov/flagship-go/internal/snapshot"
)

func (s *Server) tokenExpiry(token string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.tokens[token]
	if !ok || !time.Now().Before(exp) {
		delete(s.tokens, token)
		return time.Time{}, false
	}
	return exp, true
}

// handleStream pushes flags_reset on connect, then flag_updated and
// flag_deleted as changes land, with periodic heartbeats. When the token
// expires the stream sends TOKEN_EXPIRED and closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	expiry, ok := s.tokenExpiry(r.URL.Query().Get("token"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired stream token")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, unsub := s.changes.Subscribe(32)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	connID := uuid.NewString()
	s.metrics.SSEClients.Inc()
	defer s.metrics.SSEClients.Dec()
	s.logger.Debug().Str("conn_id", connID).Msg("[devserver] stream client connected")
	defer s.logger.Debug().Str("conn_id", connID).Msg("[devserver] stream client disconnected")

	fmt.Fprintf(w, ": connected %s\n\n", connID)
	writeEvent(w, "flags_reset", map[string]any{"flags": s.store.All()})
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	expire := time.NewTimer(time.Until(expiry))
	defer expire.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			writeEvent(w, "heartbeat", map[string]any{"ts": time.Now().UnixMilli()})
		case <-expire.C:
			writeEvent(w, "error", map[string]any{"code": "TOKEN_EXPIRED", "message": "stream token expired"})
			flusher.Flush()
			return
		case c, ok := <-updates:
			if !ok {
				return
			}
			s.writeChange(w, c)
		}
		flusher.Flush()
	}
}

func (s *Server) writeChange(w http.ResponseWriter, c snapshot.Change) {
	for _, key := range c.Updated {
		if st, ok := s.store.Get(key); ok {
			writeEvent(w, "flag_updated", st)
		}
	}
	for _, key := range c.Deleted {
		writeEvent(w, "flag_deleted", map[string]string{"key": key})
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// Package persistence implements the on-disk write-ahead log for analytics
// events. Events are appended as JSON Lines before they are sent, so a crash
// between enqueue and acknowledgement loses nothing.
package persistence

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/flagship-go/internal/apierr"
)

const (
	LockFileName = "flagship-events.lock"
	LogFileName  = "flagship-events.jsonl"
)

// Status is the delivery state of a persisted event.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
)

// Event is a persisted analytics event.
type Event struct {
	ID         string          `json:"id"`
	EventType  string          `json:"eventType"`
	EventData  json.RawMessage `json:"eventData,omitempty"`
	Timestamp  int64           `json:"timestamp"` // unix ms
	UserID     string          `json:"userId,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	SDKVersion string          `json:"sdkVersion"`
	Status     Status          `json:"status"`
	SentAt     int64           `json:"sentAt,omitempty"`
}

type op string

const (
	opEvent  op = "event"
	opStatus op = "status"
)

// record is one line of the log.
type record struct {
	Op     op     `json:"op"`
	Event  *Event `json:"event,omitempty"`
	ID     string `json:"id,omitempty"`
	Status Status `json:"status,omitempty"`
	SentAt int64  `json:"sentAt,omitempty"`
}

// Config controls buffering and compaction.
type Config struct {
	Dir           string
	MaxEvents     int           // upper bound kept by Cleanup
	CompactAfter  int           // records appended before an automatic Cleanup, defaults to MaxEvents
	BufferSize    int           // records buffered in memory before an automatic flush
	FlushInterval time.Duration // background flush period, 0 disables the loop
}

// DefaultConfig returns the default persistence settings for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		MaxEvents:     10000,
		BufferSize:    100,
		FlushInterval: time.Second,
	}
}

// Store is the event log. All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	cfg     Config
	logPath string
	lock    *fileLock
	buffer  []record
	closed  bool
	// records appended since the last compaction
	appended int

	now    func() time.Time
	logger zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// Open creates the storage directory if needed and returns a store backed by it.
func Open(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, apierr.New(apierr.CodeConfigInvalid, "event storage path is empty")
	}
	def := DefaultConfig(cfg.Dir)
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.CompactAfter <= 0 {
		cfg.CompactAfter = cfg.MaxEvents
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, apierr.Wrap(apierr.CodeStorageError, err, "failed to create event storage directory")
	}
	lock, err := openFileLock(filepath.Join(cfg.Dir, LockFileName))
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStorageError, err, "failed to open event lock")
	}

	s := &Store{
		cfg:     cfg,
		logPath: filepath.Join(cfg.Dir, LogFileName),
		lock:    lock,
		now:     time.Now,
		logger:  logger,
	}
	if cfg.FlushInterval > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.flushLoop()
	}
	return s, nil
}

// Path returns the log file location.
func (s *Store) Path() string { return s.logPath }

// Persist buffers an event record. The buffer is written out once it reaches
// BufferSize records.
func (s *Store) Persist(ev Event) error {
	if ev.ID == "" {
		return apierr.New(apierr.CodeStorageError, "event id is required")
	}
	if ev.Status == "" {
		ev.Status = StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apierr.New(apierr.CodeClosed, "event store is closed")
	}
	s.buffer = append(s.buffer, record{Op: opEvent, Event: &ev})
	return s.maybeFlushLocked()
}

// MarkSending records that the events were handed to the network layer.
func (s *Store) MarkSending(ids []string) error { return s.mark(ids, StatusSending) }

// MarkSent records successful delivery. Sent events are never recovered.
func (s *Store) MarkSent(ids []string) error { return s.mark(ids, StatusSent) }

// MarkPending reverts events to pending after a failed delivery.
func (s *Store) MarkPending(ids []string) error { return s.mark(ids, StatusPending) }

func (s *Store) mark(ids []string, status Status) error {
	if len(ids) == 0 {
		return nil
	}
	var sentAt int64
	if status == StatusSent {
		sentAt = s.now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apierr.New(apierr.CodeClosed, "event store is closed")
	}
	for _, id := range ids {
		s.buffer = append(s.buffer, record{Op: opStatus, ID: id, Status: status, SentAt: sentAt})
	}
	return s.maybeFlushLocked()
}

// Flush writes buffered records to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Recover replays the log and returns every event whose final status is
// pending or sending, in the order they were first persisted. Sending events
// are returned as well: a crash mid-send means delivery is unconfirmed.
func (s *Store) Recover() ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flushLocked(); err != nil {
		return nil, err
	}

	var events []Event
	err := s.withFileLock(func() error {
		var err error
		events, err = s.replay()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		s.logger.Info().Int("count", len(events)).Msg("[persistence] recovered undelivered events")
	}
	return events, nil
}

// PendingCount returns the number of undelivered events in the log.
func (s *Store) PendingCount() (int, error) {
	events, err := s.Recover()
	return len(events), err
}

// Cleanup compacts the log down to the undelivered events, keeping at most
// MaxEvents of them (oldest dropped first). An empty result removes the log.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flushLocked(); err != nil {
		return err
	}
	return s.compactLocked()
}

func (s *Store) compactLocked() error {
	err := s.withFileLock(func() error {
		events, err := s.replay()
		if err != nil {
			return err
		}

		dropped := 0
		if len(events) > s.cfg.MaxEvents {
			sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
			dropped = len(events) - s.cfg.MaxEvents
			events = events[dropped:]
		}

		if len(events) == 0 {
			if err := os.Remove(s.logPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return apierr.Wrap(apierr.CodeStorageError, err, "failed to remove event log")
			}
			return nil
		}

		var buf bytes.Buffer
		for i := range events {
			if err := encodeRecord(&buf, record{Op: opEvent, Event: &events[i]}); err != nil {
				return err
			}
		}
		if err := s.replaceLog(buf.Bytes()); err != nil {
			return err
		}
		if dropped > 0 {
			s.logger.Warn().Int("dropped", dropped).Int("max", s.cfg.MaxEvents).Msg("[persistence] event log over capacity, dropped oldest events")
		}
		return nil
	})
	if err == nil {
		s.appended = 0
	}
	return err
}

// Close stops the flush loop, writes remaining records and releases the lock file.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.stop != nil {
		close(s.stop)
		<-s.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	flushErr := s.flushLocked()
	if err := s.lock.Close(); err != nil && flushErr == nil {
		flushErr = apierr.Wrap(apierr.CodeStorageError, err, "failed to close event lock")
	}
	return flushErr
}

func (s *Store) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Warn().Err(err).Msg("[persistence] periodic flush failed")
			}
		}
	}
}

func (s *Store) maybeFlushLocked() error {
	if len(s.buffer) < s.cfg.BufferSize {
		return nil
	}
	return s.flushLocked()
}

// flushLocked appends the buffer to the log. On failure the buffer is kept
// for the next attempt, trimmed so memory stays bounded. Once CompactAfter
// records have been appended the log is compacted.
func (s *Store) flushLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, rec := range s.buffer {
		if err := encodeRecord(&buf, rec); err != nil {
			return err
		}
	}

	err := s.withFileLock(func() error {
		f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
		if err != nil {
			return apierr.Wrap(apierr.CodeStorageError, err, "failed to open event log")
		}
		data := buf.Bytes()
		torn, err := endsMidLine(f)
		if err != nil {
			f.Close()
			return apierr.Wrap(apierr.CodeStorageError, err, "failed to inspect event log")
		}
		if torn {
			// start on a fresh line so the partial record stays isolated
			data = append([]byte{'\n'}, data...)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return apierr.Wrap(apierr.CodeStorageError, err, "failed to append to event log")
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return apierr.Wrap(apierr.CodeStorageError, err, "failed to sync event log")
		}
		return f.Close()
	})
	if err != nil {
		if limit := s.cfg.MaxEvents; len(s.buffer) > limit {
			s.buffer = s.buffer[len(s.buffer)-limit:]
		}
		return err
	}

	s.appended += len(s.buffer)
	s.buffer = s.buffer[:0]
	if s.appended >= s.cfg.CompactAfter {
		if err := s.compactLocked(); err != nil {
			s.logger.Warn().Err(err).Msg("[persistence] automatic compaction failed")
		}
	}
	return nil
}

// endsMidLine reports whether the file is non-empty and its last byte is not
// a newline.
func endsMidLine(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func (s *Store) withFileLock(fn func() error) error {
	if err := s.lock.Lock(); err != nil {
		return apierr.Wrap(apierr.CodeStorageError, err, "failed to acquire event lock")
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn().Err(err).Msg("[persistence] failed to release event lock")
		}
	}()
	return fn()
}

// replay folds the log by event id. Caller holds the file lock.
func (s *Store) replay() ([]Event, error) {
	f, err := os.Open(s.logPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStorageError, err, "failed to open event log")
	}
	defer f.Close()

	byID := make(map[string]*Event)
	var order []string
	skipped := 0

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var rec record
			if jsonErr := json.Unmarshal(line, &rec); jsonErr != nil {
				skipped++
			} else {
				switch rec.Op {
				case opEvent:
					if rec.Event == nil || rec.Event.ID == "" {
						skipped++
						break
					}
					if _, seen := byID[rec.Event.ID]; !seen {
						order = append(order, rec.Event.ID)
					}
					ev := *rec.Event
					byID[ev.ID] = &ev
				case opStatus:
					ev, ok := byID[rec.ID]
					if !ok {
						skipped++
						break
					}
					ev.Status = rec.Status
					if rec.SentAt != 0 {
						ev.SentAt = rec.SentAt
					}
				default:
					skipped++
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeStorageError, err, "failed to read event log")
		}
	}

	if skipped > 0 {
		s.logger.Warn().Int("skipped", skipped).Msg("[persistence] skipped unreadable log records")
	}

	events := make([]Event, 0, len(order))
	for _, id := range order {
		ev := byID[id]
		if ev.Status == StatusPending || ev.Status == StatusSending {
			events = append(events, *ev)
		}
	}
	return events, nil
}

// replaceLog atomically swaps the log contents. Caller holds the file lock.
func (s *Store) replaceLog(data []byte) error {
	tmp, err := os.CreateTemp(s.cfg.Dir, LogFileName+".*.tmp")
	if err != nil {
		return apierr.Wrap(apierr.CodeStorageError, err, "failed to create compaction file")
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return apierr.Wrap(apierr.CodeStorageError, err, "failed to write compaction file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return apierr.Wrap(apierr.CodeStorageError, err, "failed to sync compaction file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return apierr.Wrap(apierr.CodeStorageError, err, "failed to close compaction file")
	}
	if err := os.Rename(tmpName, s.logPath); err != nil {
		cleanup()
		return apierr.Wrap(apierr.CodeStorageError, err, "failed to replace event log")
	}
	return nil
}

func encodeRecord(w *bytes.Buffer, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode event record: %w", err)
	}
	w.Write(data)
	w.WriteByte('\n')
	return nil
}

package polling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errUnavailable = errors.New("server unavailable")

type scriptedUpdate struct {
	mu     sync.Mutex
	calls  int
	since  []time.Time
	failOn func(call int) bool
}

func (s *scriptedUpdate) fn(_ context.Context, since time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.since = append(s.since, since)
	if s.failOn != nil && s.failOn(s.calls) {
		return errUnavailable
	}
	return nil
}

func (s *scriptedUpdate) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestManager_BackoffAndReset(t *testing.T) {
	upd := &scriptedUpdate{failOn: func(call int) bool { return call <= 3 }}
	m := New(Config{
		Interval:          10 * time.Second,
		MaxInterval:       50 * time.Second,
		BackoffMultiplier: 2,
	}, upd.fn)

	want := []time.Duration{20 * time.Second, 40 * time.Second, 50 * time.Second}
	for i, w := range want {
		if err := m.PollNow(context.Background()); !errors.Is(err, errUnavailable) {
			t.Fatalf("Poll %d: expected failure, got %v", i+1, err)
		}
		if got := m.CurrentInterval(); got != w {
			t.Errorf("After failure %d: interval = %v, want %v", i+1, got, w)
		}
	}
	if m.ConsecutiveErrors() != 3 {
		t.Errorf("Expected 3 consecutive errors, got %d", m.ConsecutiveErrors())
	}

	if err := m.PollNow(context.Background()); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if got := m.CurrentInterval(); got != 10*time.Second {
		t.Errorf("Expected interval reset to base, got %v", got)
	}
	if m.ConsecutiveErrors() != 0 || m.LastUpdate().IsZero() {
		t.Error("Expected success to clear errors and record last update")
	}
}

func TestManager_PassesLastSuccessTime(t *testing.T) {
	upd := &scriptedUpdate{}
	m := New(Config{Interval: time.Hour}, upd.fn)

	m.PollNow(context.Background())
	first := m.LastUpdate()
	m.PollNow(context.Background())

	if !upd.since[0].IsZero() {
		t.Errorf("Expected zero since on first poll, got %v", upd.since[0])
	}
	if !upd.since[1].Equal(first) {
		t.Errorf("Expected since = %v, got %v", first, upd.since[1])
	}
}

func TestManager_LoopPollsAndStops(t *testing.T) {
	upd := &scriptedUpdate{}
	m := New(Config{Interval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond}, upd.fn)

	m.Start()
	if m.State() != StateRunning {
		t.Fatalf("Expected running, got %s", m.State())
	}
	waitFor(t, time.Second, func() bool { return upd.count() >= 3 })

	m.Stop()
	if m.State() != StateStopped {
		t.Fatalf("Expected stopped, got %s", m.State())
	}
	n := upd.count()
	time.Sleep(30 * time.Millisecond)
	if upd.count() != n {
		t.Error("Expected no polls after Stop")
	}
}

func TestManager_AutoStopAfterConsecutiveErrors(t *testing.T) {
	upd := &scriptedUpdate{failOn: func(int) bool { return true }}
	var stopped atomic.Bool
	m := New(Config{
		Interval:             2 * time.Millisecond,
		MaxInterval:          4 * time.Millisecond,
		MaxConsecutiveErrors: 3,
	}, upd.fn, WithOnStop(func(error) { stopped.Store(true) }))

	m.Start()
	waitFor(t, time.Second, func() bool { return m.State() == StateStopped })

	if upd.count() != 3 {
		t.Errorf("Expected exactly 3 polls before auto-stop, got %d", upd.count())
	}
	if !stopped.Load() {
		t.Error("Expected stop callback")
	}
	m.Stop() // no-op, must not block
}

func TestManager_PauseSkipsPollsAndKeepsBackoff(t *testing.T) {
	upd := &scriptedUpdate{}
	m := New(Config{
		Interval:    5 * time.Millisecond,
		MaxInterval: 10 * time.Millisecond,
		PausedIdle:  2 * time.Millisecond,
	}, upd.fn)

	m.Start()
	defer m.Stop()
	waitFor(t, time.Second, func() bool { return upd.count() >= 1 })

	m.Pause()
	if m.State() != StatePaused {
		t.Fatalf("Expected paused, got %s", m.State())
	}
	time.Sleep(15 * time.Millisecond) // let an in-flight wait drain
	n := upd.count()
	time.Sleep(30 * time.Millisecond)
	if upd.count() != n {
		t.Errorf("Expected no polls while paused, got %d more", upd.count()-n)
	}

	m.Resume()
	waitFor(t, time.Second, func() bool { return upd.count() > n })
}

func TestManager_StartIsIdempotent(t *testing.T) {
	upd := &scriptedUpdate{}
	m := New(Config{Interval: time.Hour}, upd.fn)
	m.Start()
	m.Start()
	m.Stop()
	m.Stop()
	if m.State() != StateStopped {
		t.Errorf("Expected stopped, got %s", m.State())
	}
}

func TestManager_SetInterval(t *testing.T) {
	upd := &scriptedUpdate{failOn: func(call int) bool { return call == 1 }}
	m := New(Config{Interval: 10 * time.Second, MaxInterval: 20 * time.Second, BackoffMultiplier: 2}, upd.fn)

	m.SetInterval(30 * time.Second)
	if got := m.CurrentInterval(); got != 30*time.Second {
		t.Errorf("Expected 30s, got %v", got)
	}

	_ = m.PollNow(context.Background())
	if got := m.CurrentInterval(); got != 30*time.Second {
		t.Errorf("Expected backoff capped at raised max 30s, got %v", got)
	}

	m.SetInterval(5 * time.Second)
	if got := m.CurrentInterval(); got != 30*time.Second {
		t.Errorf("Expected backed-off interval kept, got %v", got)
	}
	if err := m.PollNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := m.CurrentInterval(); got != 5*time.Second {
		t.Errorf("Expected reset to new base 5s, got %v", got)
	}

	m.SetInterval(0)
	if got := m.CurrentInterval(); got != 5*time.Second {
		t.Errorf("Expected zero interval ignored, got %v", got)
	}
}

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/flagship-go/internal/apierr"
	"github.com/TimurManjosov/flagship-go/internal/persistence"
	"github.com/TimurManjosov/flagship-go/internal/retry"
)

type recordingSender struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
	sent    chan []Event
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(chan []Event, 16)}
}

func (s *recordingSender) SendEvents(_ context.Context, batch []Event) error {
	s.mu.Lock()
	cp := append([]Event(nil), batch...)
	s.batches = append(s.batches, cp)
	err := s.err
	s.mu.Unlock()
	s.sent <- cp
	return err
}

func (s *recordingSender) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

type fakeStore struct {
	mu        sync.Mutex
	persisted []persistence.Event
	status    map[string]string
	recover   []persistence.Event
}

func newFakeStore() *fakeStore { return &fakeStore{status: make(map[string]string)} }

func (f *fakeStore) Persist(ev persistence.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, ev)
	f.status[ev.ID] = "pending"
	return nil
}

func (f *fakeStore) set(ids []string, s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.status[id] = s
	}
	return nil
}

func (f *fakeStore) MarkSending(ids []string) error { return f.set(ids, "sending") }
func (f *fakeStore) MarkSent(ids []string) error    { return f.set(ids, "sent") }
func (f *fakeStore) MarkPending(ids []string) error { return f.set(ids, "pending") }
func (f *fakeStore) Recover() ([]persistence.Event, error) {
	return f.recover, nil
}

func (f *fakeStore) statusOf(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[id]
}

func testConfig() Config {
	return Config{
		BatchSize:     3,
		MaxQueueSize:  10,
		FlushInterval: time.Hour,
		SampleRate:    1,
		Retry: retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
			Multiplier:  1,
		},
	}
}

func TestQueue_BatchSizeTriggersExactlyOneFlush(t *testing.T) {
	sender := newRecordingSender()
	q := NewQueue(testConfig(), sender)

	var added []string
	for i := 0; i < 3; i++ {
		ev := Event{ID: fmt.Sprintf("e%d", i), Type: "click"}
		q.Add(ev)
		added = append(added, ev.ID)
	}

	select {
	case batch := <-sender.sent:
		if len(batch) != 3 {
			t.Fatalf("Expected batch of 3, got %d", len(batch))
		}
		for i, ev := range batch {
			if ev.ID != added[i] {
				t.Errorf("Batch[%d] = %s, want %s", i, ev.ID, added[i])
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for batch flush")
	}

	q.Stop(context.Background())
	if n := sender.calls(); n != 1 {
		t.Errorf("Expected exactly 1 send, got %d", n)
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
}

func TestQueue_FailedFlushRequeuesInOrder(t *testing.T) {
	sender := newRecordingSender()
	sender.err = apierr.New(apierr.CodeServerError, "unavailable")
	store := newFakeStore()

	cfg := testConfig()
	cfg.BatchSize = 100
	q := NewQueue(cfg, sender, WithStore(store))

	for i := 0; i < 4; i++ {
		q.Add(Event{ID: fmt.Sprintf("e%d", i), Type: "click"})
	}

	err := q.Flush(context.Background())
	if !apierr.IsCode(err, apierr.CodeServerError) {
		t.Fatalf("Expected server error from Flush, got %v", err)
	}
	if n := sender.calls(); n != 2 {
		t.Errorf("Expected 2 attempts (retry), got %d", n)
	}

	pending := q.Pending()
	if len(pending) != 4 {
		t.Fatalf("Expected 4 queued events, got %d", len(pending))
	}
	for i, ev := range pending {
		want := fmt.Sprintf("e%d", i)
		if ev.ID != want {
			t.Errorf("Pending[%d] = %s, want %s", i, ev.ID, want)
		}
		if s := store.statusOf(want); s != "pending" {
			t.Errorf("Persisted status of %s = %s, want pending", want, s)
		}
	}
}

func TestQueue_SuccessfulFlushMarksSent(t *testing.T) {
	sender := newRecordingSender()
	store := newFakeStore()
	cfg := testConfig()
	cfg.BatchSize = 100
	q := NewQueue(cfg, sender, WithStore(store))

	q.Add(Event{ID: "a", Type: "click"})
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if s := store.statusOf("a"); s != "sent" {
		t.Errorf("Expected sent status, got %s", s)
	}
}

func TestQueue_NonRetryableFailureIsNotRetried(t *testing.T) {
	sender := newRecordingSender()
	sender.err = apierr.New(apierr.CodeInvalidKey, "bad key")
	cfg := testConfig()
	cfg.BatchSize = 100
	q := NewQueue(cfg, sender)

	q.Add(Event{Type: "click"})
	q.Flush(context.Background())
	if n := sender.calls(); n != 1 {
		t.Errorf("Expected a single attempt, got %d", n)
	}
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 100
	cfg.MaxQueueSize = 3
	q := NewQueue(cfg, newRecordingSender())

	for i := 0; i < 5; i++ {
		q.Add(Event{ID: fmt.Sprintf("e%d", i), Type: "click"})
	}
	pending := q.Pending()
	if len(pending) != 3 || pending[0].ID != "e2" || pending[2].ID != "e4" {
		t.Errorf("Unexpected queue contents: %+v", pending)
	}
}

func TestQueue_Sampling(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 100
	cfg.SampleRate = 0.5

	values := []float64{0.2, 0.9, 0.5, 0.51}
	i := 0
	q := NewQueue(cfg, newRecordingSender(), WithRandom(func() float64 {
		v := values[i%len(values)]
		i++
		return v
	}))

	var accepted int
	for range values {
		if q.Add(Event{Type: "click"}) {
			accepted++
		}
	}
	if accepted != 2 {
		t.Errorf("Expected 2 sampled-in events, got %d", accepted)
	}
}

func TestQueue_StartRecoversPersistedEvents(t *testing.T) {
	store := newFakeStore()
	store.recover = []persistence.Event{
		{ID: "old-1", EventType: "click", Timestamp: 1000, EventData: []byte(`{"a":1}`), Status: persistence.StatusSending},
		{ID: "old-2", EventType: "view", Timestamp: 2000, Status: persistence.StatusPending},
	}
	sender := newRecordingSender()
	cfg := testConfig()
	cfg.BatchSize = 100
	q := NewQueue(cfg, sender, WithStore(store))

	q.Start()
	if q.Len() != 2 {
		t.Fatalf("Expected 2 recovered events, got %d", q.Len())
	}
	if len(store.persisted) != 0 {
		t.Error("Recovered events must not be persisted again")
	}

	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	batch := <-sender.sent
	if batch[0].ID != "old-1" || batch[0].Data["a"] != 1.0 {
		t.Errorf("Unexpected recovered event: %+v", batch[0])
	}
	if s := store.statusOf("old-2"); s != "sent" {
		t.Errorf("Expected recovered event to be marked sent, got %s", s)
	}
}

func TestQueue_StopIsIdempotentAndRejectsAdds(t *testing.T) {
	q := NewQueue(testConfig(), newRecordingSender())
	q.Start()

	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
	if q.Add(Event{Type: "late"}) {
		t.Error("Expected Add after Stop to be rejected")
	}
}

func TestQueue_StopDuringConcurrentAdds(t *testing.T) {
	var mu sync.Mutex
	delivered := make(map[string]bool)
	sender := SenderFunc(func(_ context.Context, batch []Event) error {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range batch {
			delivered[ev.ID] = true
		}
		return nil
	})

	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.MaxQueueSize = 1000
	q := NewQueue(cfg, sender)
	q.Start()

	var accepted sync.Map
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("g%d-%d", g, i)
				if q.Add(Event{ID: id, Type: "click"}) {
					accepted.Store(id, true)
				}
			}
		}(g)
	}

	time.Sleep(time.Millisecond)
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	accepted.Range(func(k, _ any) bool {
		if !delivered[k.(string)] {
			t.Errorf("Accepted event %s was never delivered", k)
		}
		return true
	})
}

func TestQueue_RedactsBeforePersisting(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	cfg.BatchSize = 100
	q := NewQueue(cfg, newRecordingSender(), WithStore(store), WithRedactor(NewDefaultRedactor()))

	q.Add(Event{Type: "login", Data: map[string]any{"password": "hunter2", "plan": "pro"}})

	if len(store.persisted) != 1 {
		t.Fatalf("Expected 1 persisted event, got %d", len(store.persisted))
	}
	data := string(store.persisted[0].EventData)
	if data != `{"password":"[REDACTED]","plan":"pro"}` {
		t.Errorf("Unexpected persisted data: %s", data)
	}
}

func TestQueue_WithDiskStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.Open(persistence.Config{Dir: dir, BufferSize: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	failing := newRecordingSender()
	failing.err = errors.New("connection refused")
	cfg := testConfig()
	cfg.BatchSize = 100
	cfg.Retry.Retryable = func(error) bool { return false }

	q := NewQueue(cfg, failing, WithStore(store))
	q.Add(Event{ID: "keep-me", Type: "purchase"})
	q.Flush(context.Background())
	store.Close()

	store2, err := persistence.Open(persistence.Config{Dir: dir}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer store2.Close()

	ok := newRecordingSender()
	q2 := NewQueue(cfg, ok, WithStore(store2))
	q2.Start()
	if err := q2.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	batch := <-ok.sent
	if len(batch) != 1 || batch[0].ID != "keep-me" {
		t.Errorf("Expected recovered event keep-me, got %+v", batch)
	}
	if n, _ := store2.PendingCount(); n != 0 {
		t.Errorf("Expected no pending events after delivery, got %d", n)
	}
}

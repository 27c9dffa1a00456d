package flagship

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TimurManjosov/flagship-go/internal/devserver"
	"github.com/TimurManjosov/flagship-go/internal/flags"
)

func startDevServer(t *testing.T, cfg devserver.Config, initial ...flags.State) (*devserver.Server, string) {
	t.Helper()
	srv := devserver.New(cfg, devserver.NewStore(initial))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts.URL
}

func testOptions(baseURL string) Options {
	opts := DefaultOptions("sdk_test")
	opts.BaseURL = baseURL
	opts.StreamingEnabled = false
	opts.PollingInterval = time.Hour
	opts.PollingMaxInterval = time.Hour
	opts.EventFlushInterval = time.Hour
	opts.RetryAttempts = 1
	opts.LogLevel = "disabled"
	return opts
}

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func mustBootstrap(t *testing.T, raw string) *Bootstrap {
	t.Helper()
	b, err := ParseBootstrap([]byte(raw))
	if err != nil {
		t.Fatalf("ParseBootstrap failed: %v", err)
	}
	return b
}

func TestClient_BootstrapOffline(t *testing.T) {
	opts := DefaultOptions("")
	opts.Offline = true
	opts.LogLevel = "disabled"
	opts.Bootstrap = mustBootstrap(t, `{"flags":[{"key":"k","value":true}]}`)
	c := newTestClient(t, opts)

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	ctx := context.Background()

	if !c.GetBoolValue(ctx, "k", false) {
		t.Error("Expected bootstrap value true for k")
	}
	if res := c.Evaluate(ctx, "k", false); res.Reason != ReasonCached {
		t.Errorf("Expected reason CACHED, got %s", res.Reason)
	}

	if !c.GetBoolValue(ctx, "missing", true) {
		t.Error("Expected default true for missing")
	}
	if res := c.Evaluate(ctx, "missing", true); res.Reason != ReasonDefault {
		t.Errorf("Expected reason DEFAULT, got %s", res.Reason)
	}
}

func TestClient_BootstrapUnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	opts := testOptions(url)
	opts.Bootstrap = mustBootstrap(t, `{"flags":[{"key":"k","value":true}]}`)
	c := newTestClient(t, opts)

	if err := c.Initialize(context.Background()); err == nil {
		t.Error("Expected Initialize to report the connection failure")
	}
	ctx := context.Background()

	if res := c.Evaluate(ctx, "k", false); res.Value != true || res.Reason != ReasonCached {
		t.Errorf("Unexpected result for k: %+v", res)
	}
	if res := c.Evaluate(ctx, "missing", true); res.Value != true || res.Reason != ReasonDefault {
		t.Errorf("Unexpected result for missing: %+v", res)
	}
}

func TestClient_InitializeAndEvaluate(t *testing.T) {
	_, url := startDevServer(t, devserver.Config{},
		flags.State{Key: "checkout", Value: true, Enabled: true},
		flags.State{Key: "color", Value: "blue", Enabled: true},
		flags.State{Key: "limit", Value: 5.0, Enabled: true},
		flags.State{Key: "off", Value: true, Enabled: false},
		flags.State{Key: "layout", Value: map[string]any{"columns": 3.0}, Enabled: true},
	)
	c := newTestClient(t, testOptions(url))
	ctx := context.Background()

	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Initialize(ctx); err != nil {
		t.Errorf("Second Initialize should be a no-op, got %v", err)
	}

	tests := []struct {
		name   string
		key    string
		def    any
		want   any
		reason Reason
	}{
		{"bool", "checkout", false, true, ReasonCached},
		{"string", "color", "red", "blue", ReasonCached},
		{"number", "limit", 1.0, 5.0, ReasonCached},
		{"disabled", "off", false, false, ReasonDisabled},
		{"type mismatch", "color", false, false, ReasonTypeMismatch},
		{"unknown on server", "nope", "x", "x", ReasonFlagNotFound},
		{"empty key", "", "x", "x", ReasonError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Evaluate(ctx, tt.key, tt.def)
			if res.Value != tt.want || res.Reason != tt.reason {
				t.Errorf("Evaluate(%q) = %v/%s, want %v/%s", tt.key, res.Value, res.Reason, tt.want, tt.reason)
			}
		})
	}

	if got := c.GetIntValue(ctx, "limit", 0); got != 5 {
		t.Errorf("GetIntValue = %d, want 5", got)
	}
	if got := c.GetNumberValue(ctx, "limit", 0); got != 5 {
		t.Errorf("GetNumberValue = %v, want 5", got)
	}
	if got := c.GetStringValue(ctx, "color", ""); got != "blue" {
		t.Errorf("GetStringValue = %q, want blue", got)
	}
	if got := c.GetJSONValue(ctx, "layout", nil); got["columns"] != 3.0 {
		t.Errorf("GetJSONValue = %v", got)
	}
	if !c.HasFlag("checkout") || c.HasFlag("nope") {
		t.Error("Unexpected HasFlag results")
	}
	if len(c.AllFlags()) != 5 {
		t.Errorf("Expected 5 flags, got %d", len(c.AllFlags()))
	}

	stats := c.Stats()
	if !stats.Initialized || stats.Offline || stats.PollingState != "running" {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestClient_EvaluateFetchesOnMiss(t *testing.T) {
	srv, url := startDevServer(t, devserver.Config{})
	c := newTestClient(t, testOptions(url))
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	srv.Upsert(flags.State{Key: "late", Value: "v2", Enabled: true})

	if res := c.Evaluate(ctx, "late", ""); res.Value != "v2" || res.Reason != ReasonServer {
		t.Errorf("Expected server value, got %+v", res)
	}
	if res := c.Evaluate(ctx, "late", ""); res.Reason != ReasonCached {
		t.Errorf("Expected cached on second read, got %s", res.Reason)
	}
}

func TestClient_CancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sdk/evaluate" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"key":"slow","value":true,"enabled":true,"version":1}`)
	}))
	defer ts.Close()
	defer close(release)

	c := newTestClient(t, testOptions(ts.URL))

	firstCtx, cancel := context.WithCancel(context.Background())
	first := make(chan EvaluationResult, 1)
	go func() { first <- c.Evaluate(firstCtx, "slow", false) }()
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 })

	second := make(chan EvaluationResult, 1)
	go func() { second <- c.Evaluate(context.Background(), "slow", false) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if res := <-first; res.Reason != ReasonDefault {
		t.Errorf("Cancelled caller reason = %s, want %s", res.Reason, ReasonDefault)
	}

	release <- struct{}{}
	res := <-second
	if res.Reason != ReasonServer || res.Value != true {
		t.Errorf("Waiting caller got %+v, want the server value", res)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("Expected one shared request, got %d", n)
	}
}

func TestClient_EvaluateAll(t *testing.T) {
	srv, url := startDevServer(t, devserver.Config{},
		flags.State{Key: "a", Value: true, Enabled: true},
		flags.State{Key: "b", Value: "x", Enabled: true},
	)
	c := newTestClient(t, testOptions(url))
	ctx := context.Background()

	all := c.EvaluateAll(ctx)
	if len(all) != 2 || all["b"].Value != "x" {
		t.Fatalf("EvaluateAll = %v, want a and b", all)
	}
	if !c.HasFlag("a") {
		t.Error("Expected EvaluateAll to fill the cache")
	}

	srv.FailNext(100, http.StatusServiceUnavailable)
	if got := c.EvaluateAll(ctx); len(got) != 2 {
		t.Errorf("Expected cached flags while the server fails, got %v", got)
	}
}

func TestClient_StaleFallbackWhenServerFails(t *testing.T) {
	srv, url := startDevServer(t, devserver.Config{}, flags.State{Key: "banner", Value: "on", Enabled: true})
	opts := testOptions(url)
	opts.CacheTTL = 30 * time.Millisecond
	c := newTestClient(t, opts)
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	time.Sleep(60 * time.Millisecond)
	srv.FailNext(100, http.StatusServiceUnavailable)

	for i := 0; i < 2; i++ {
		res := c.Evaluate(ctx, "banner", "off")
		if res.Value != "on" || res.Reason != ReasonStaleCache {
			t.Errorf("Read %d: expected stale value, got %+v", i+1, res)
		}
	}
	if res := c.Evaluate(ctx, "never-seen", "fallback"); res.Value != "fallback" || res.Reason != ReasonDefault {
		t.Errorf("Expected default, got %+v", res)
	}
}

func TestClient_CircuitOpenServesStale(t *testing.T) {
	srv, url := startDevServer(t, devserver.Config{}, flags.State{Key: "banner", Value: "on", Enabled: true})
	opts := testOptions(url)
	opts.CacheTTL = 20 * time.Millisecond
	opts.CircuitBreakerThreshold = 1
	opts.CircuitBreakerResetTimeout = time.Hour
	c := newTestClient(t, opts)
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	time.Sleep(40 * time.Millisecond)
	srv.FailNext(1, http.StatusBadGateway)
	c.Evaluate(ctx, "banner", "off")
	if got := c.Stats().CircuitState; got != "open" {
		t.Fatalf("Expected open circuit, got %s", got)
	}

	if res := c.Evaluate(ctx, "banner", "off"); res.Value != "on" || res.Reason != ReasonStaleCache {
		t.Errorf("Expected stale value with open circuit, got %+v", res)
	}
}

func TestClient_RefreshAppliesUpdatesAndDeletes(t *testing.T) {
	srv, url := startDevServer(t, devserver.Config{}, flags.State{Key: "a", Value: true, Enabled: true})
	c := newTestClient(t, testOptions(url))
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	changes, unsub := c.Subscribe(4)
	defer unsub()

	time.Sleep(5 * time.Millisecond)
	srv.Upsert(flags.State{Key: "b", Value: "x", Enabled: true})
	srv.Delete("a")

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if c.HasFlag("a") || !c.HasFlag("b") {
		t.Errorf("Unexpected flags after refresh: %v", c.AllFlags())
	}

	select {
	case ch := <-changes:
		if ch.Source != "poll" || len(ch.Updated) != 1 || ch.Updated[0] != "b" || len(ch.Deleted) != 1 || ch.Deleted[0] != "a" {
			t.Errorf("Unexpected change: %+v", ch)
		}
		if ch.Version == "" {
			t.Error("Expected a set version")
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for change notification")
	}
}

func TestClient_StreamingUpdates(t *testing.T) {
	srv, url := startDevServer(t, devserver.Config{HeartbeatInterval: time.Second}, flags.State{Key: "color", Value: "blue", Enabled: true})
	opts := testOptions(url)
	opts.StreamingEnabled = true
	c := newTestClient(t, opts)
	ctx := context.Background()

	changes, unsub := c.Subscribe(8)
	defer unsub()
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.Stats().StreamState == "connected" })
	if !c.Stats().Streaming {
		t.Error("Expected Streaming to report the open connection")
	}
	if got := c.Stats().PollingState; got != "stopped" {
		t.Errorf("Expected polling idle while streaming, got %s", got)
	}

	srv.Upsert(flags.State{Key: "color", Value: "green", Enabled: true})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ch := <-changes:
			if ch.Source == "stream" && len(ch.Updated) > 0 && ch.Updated[0] == "color" {
				if got := c.GetStringValue(ctx, "color", ""); got != "green" {
					t.Errorf("Expected streamed value green, got %q", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("Timeout waiting for streamed change")
		}
	}
}

func TestClient_TrackAndFlush(t *testing.T) {
	srv, url := startDevServer(t, devserver.Config{})
	c := newTestClient(t, testOptions(url))
	ctx := context.Background()

	c.Identify("user-1", map[string]any{"plan": "pro"})
	c.Track("purchase", map[string]any{"amount": 42.0, "password": "hunter2"})
	c.Track("", nil)

	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	got := srv.Events()
	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}
	ev := got[0]
	if ev.Type != "purchase" || ev.UserID != "user-1" || ev.SessionID == "" || ev.ID == "" {
		t.Errorf("Unexpected event: %+v", ev)
	}
	if ev.Data["password"] != "[REDACTED]" || ev.Data["amount"] != 42.0 {
		t.Errorf("Unexpected event data: %v", ev.Data)
	}
}

func TestClient_OfflineEventsSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	offline := DefaultOptions("")
	offline.Offline = true
	offline.LogLevel = "disabled"
	offline.PersistEvents = true
	offline.EventStoragePath = dir
	offline.EventFlushInterval = time.Hour

	c, err := NewClient(offline)
	if err != nil {
		t.Fatal(err)
	}
	c.Track("view", nil)
	c.Track("click", nil)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	srv, url := startDevServer(t, devserver.Config{})
	online := testOptions(url)
	online.PersistEvents = true
	online.EventStoragePath = dir
	c2 := newTestClient(t, online)

	if got := c2.Stats().QueuedEvents; got != 2 {
		t.Fatalf("Expected 2 recovered events, got %d", got)
	}
	if err := c2.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := len(srv.Events()); got != 2 {
		t.Errorf("Expected server to receive 2 events, got %d", got)
	}
}

func TestClient_UnusableEventStorageKeepsEventsInMemory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	srv, url := startDevServer(t, devserver.Config{})
	opts := testOptions(url)
	opts.PersistEvents = true
	opts.EventStoragePath = filepath.Join(blocker, "events")
	c := newTestClient(t, opts)

	c.Track("view", nil)
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := len(srv.Events()); got != 1 {
		t.Errorf("Expected server to receive 1 event, got %d", got)
	}
}

func TestClient_SecondaryKeyFailover(t *testing.T) {
	_, url := startDevServer(t, devserver.Config{APIKeys: []string{"sdk_backup"}}, flags.State{Key: "a", Value: true, Enabled: true})
	opts := testOptions(url)
	opts.SecondaryAPIKey = "sdk_backup"
	c := newTestClient(t, opts)

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if !c.Stats().UsingSecondaryKey {
		t.Error("Expected failover to the secondary key")
	}
}

func TestClient_CloseIsIdempotentAndClosesSubscriptions(t *testing.T) {
	_, url := startDevServer(t, devserver.Config{})
	c, err := NewClient(testOptions(url))
	if err != nil {
		t.Fatal(err)
	}
	changes, _ := c.Subscribe(1)

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if _, ok := <-changes; ok {
		t.Error("Expected subscription channel closed")
	}
	if err := c.Initialize(context.Background()); !IsCode(err, ErrClosed) {
		t.Errorf("Expected closed error, got %v", err)
	}
	if res := c.Evaluate(context.Background(), "x", 1.0); res.Reason != ReasonDefault {
		t.Errorf("Expected default after close, got %s", res.Reason)
	}
}

func TestNewClient_Validation(t *testing.T) {
	opts := DefaultOptions("")
	_, err := NewClient(opts)
	var verr ValidationError
	if !errors.As(err, &verr) || verr.Field != "api_key" {
		t.Errorf("Expected api_key validation error, got %v", err)
	}

	opts = DefaultOptions("sdk_test")
	opts.Bootstrap = &Bootstrap{Flags: []FlagState{{Value: true}}}
	if _, err := NewClient(opts); !errors.As(err, &verr) || verr.Field != "bootstrap" {
		t.Errorf("Expected bootstrap validation error, got %v", err)
	}
}

func TestNewClient_RejectsTamperedBootstrap(t *testing.T) {
	b := BootstrapValues(map[string]any{"k": true})
	sig, err := SignBootstrap(b.Flags, 1700000000000, "sdk_test")
	if err != nil {
		t.Fatal(err)
	}
	b.Signature = sig
	b.Timestamp = 1700000000000
	b.Flags[0].Value = false

	opts := DefaultOptions("sdk_test")
	opts.Offline = true
	opts.LogLevel = "disabled"
	opts.Bootstrap = b
	if _, err := NewClient(opts); !IsCode(err, ErrConfigInvalid) {
		t.Errorf("Expected signature rejection, got %v", err)
	}
}

package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.Evaluation("CACHED")
	m.Request("init", 200, time.Millisecond)
	m.EventsDropped("queue_full", 3)
	m.StreamReconnect()

	if New(nil) != nil {
		t.Error("Expected nil metrics for nil registerer")
	}
}

func TestMetrics_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)
	b := New(reg)

	a.Evaluation("CACHED")
	b.Evaluation("CACHED")
	b.Evaluation("DEFAULT")

	if got := testutil.ToFloat64(a.evaluations.WithLabelValues("CACHED")); got != 2 {
		t.Errorf("Expected both clients to share the counter, got %v", got)
	}
	if got := testutil.ToFloat64(b.evaluations.WithLabelValues("DEFAULT")); got != 1 {
		t.Errorf("Expected 1 default evaluation, got %v", got)
	}
}

func TestMetrics_RequestLabels(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Request("events", 0, time.Millisecond)
	m.Request("events", 503, time.Millisecond)

	if got := testutil.ToFloat64(m.httpReqs.WithLabelValues("events", "error")); got != 1 {
		t.Errorf("Expected 1 transport error, got %v", got)
	}
	if got := testutil.ToFloat64(m.httpReqs.WithLabelValues("events", "503")); got != 1 {
		t.Errorf("Expected 1 server error, got %v", got)
	}
}

package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	flagship "github.com/TimurManjosov/flagship-go"
	"github.com/TimurManjosov/flagship-go/internal/persistence"
)

func sampleFlags() []flagship.FlagState {
	return []flagship.FlagState{
		{Key: "checkout", Value: true, Enabled: true, FlagType: flagship.TypeBoolean, Version: 2},
		{Key: "layout", Value: map[string]any{"columns": 3.0}, Enabled: false, FlagType: flagship.TypeJSON},
	}
}

func TestPrintFlags(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := PrintFlags(&buf, sampleFlags(), FormatJSON); err != nil {
			t.Fatal(err)
		}
		var out struct {
			Flags []flagship.FlagState `json:"flags"`
		}
		if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
			t.Fatalf("Invalid JSON: %v", err)
		}
		if len(out.Flags) != 2 || out.Flags[1].Enabled {
			t.Errorf("Unexpected flags: %+v", out.Flags)
		}
	})

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		if err := PrintFlags(&buf, sampleFlags(), FormatTable); err != nil {
			t.Fatal(err)
		}
		for _, want := range []string{"checkout", "layout", `{"columns":3}`} {
			if !strings.Contains(buf.String(), want) {
				t.Errorf("Table missing %q:\n%s", want, buf.String())
			}
		}
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		if err := PrintFlags(&buf, sampleFlags(), FormatYAML); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(buf.String(), "key: checkout") {
			t.Errorf("Unexpected YAML:\n%s", buf.String())
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		if err := PrintFlags(&bytes.Buffer{}, nil, "xml"); err == nil {
			t.Error("Expected error for unsupported format")
		}
	})
}

func TestPrintEvaluation(t *testing.T) {
	var buf bytes.Buffer
	res := flagship.EvaluationResult{FlagKey: "checkout", Value: true, Enabled: true, Reason: flagship.ReasonCached}
	if err := PrintEvaluation(&buf, res, FormatJSON); err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["reason"] != "CACHED" || out["value"] != true {
		t.Errorf("Unexpected output: %v", out)
	}
}

func TestPrintEvents(t *testing.T) {
	var buf bytes.Buffer
	evs := []persistence.Event{{ID: "e1", EventType: "click", UserID: "u1", Status: persistence.StatusPending, Timestamp: 1700000000000}}
	if err := PrintEvents(&buf, evs, FormatTable); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "click") || !strings.Contains(buf.String(), "pending") {
		t.Errorf("Unexpected table:\n%s", buf.String())
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"blue", "blue"},
		{true, "true"},
		{2.5, "2.5"},
		{[]any{1.0, 2.0}, "[1,2]"},
		{strings.Repeat("x", 50), strings.Repeat("x", 37) + "..."},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.in); got != tt.want {
			t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"42", 42.0},
		{`"quoted"`, "quoted"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := ParseValue(tt.in); got != tt.want {
			t.Errorf("ParseValue(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if m, ok := ParseValue(`{"a":1}`).(map[string]any); !ok || m["a"] != 1.0 {
		t.Errorf("Expected object, got %v", ParseValue(`{"a":1}`))
	}
}

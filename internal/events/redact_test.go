package events

import "testing"

func TestDefaultRedactor(t *testing.T) {
	r := NewDefaultRedactor("email")

	out := r.Redact(map[string]any{
		"Token": "abc",
		"email": "a@b.c",
		"plan":  "pro",
		"nested": map[string]any{
			"secret": "s",
			"ok":     1,
		},
		"items": []any{map[string]any{"password": "x"}, "plain"},
	})

	if out["Token"] != "[REDACTED]" || out["email"] != "[REDACTED]" {
		t.Errorf("Expected sensitive keys redacted, got %v", out)
	}
	if out["plan"] != "pro" {
		t.Errorf("Expected plan kept, got %v", out["plan"])
	}
	nested := out["nested"].(map[string]any)
	if nested["secret"] != "[REDACTED]" || nested["ok"] != 1 {
		t.Errorf("Unexpected nested result: %v", nested)
	}
	items := out["items"].([]any)
	if items[0].(map[string]any)["password"] != "[REDACTED]" || items[1] != "plain" {
		t.Errorf("Unexpected list result: %v", items)
	}

	if r.Redact(nil) != nil {
		t.Error("Expected nil for nil input")
	}
}

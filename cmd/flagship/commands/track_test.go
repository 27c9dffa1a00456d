package commands

import "testing"

func TestParseData(t *testing.T) {
	data, err := parseData([]string{"amount=42", "currency=EUR", "vip=true", "note=a=b"})
	if err != nil {
		t.Fatalf("parseData failed: %v", err)
	}
	if data["amount"] != 42.0 || data["currency"] != "EUR" || data["vip"] != true || data["note"] != "a=b" {
		t.Errorf("Unexpected data: %v", data)
	}

	if data, err := parseData(nil); err != nil || data != nil {
		t.Errorf("Expected nil data, got %v, %v", data, err)
	}
	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseData([]string{bad}); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

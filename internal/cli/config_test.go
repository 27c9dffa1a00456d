package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if err := InitConfig(path, false); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "cache_ttl: 5m0s") {
		t.Errorf("Expected defaults in config file, got:\n%s", data)
	}

	if err := InitConfig(path, false); err == nil {
		t.Error("Expected error when config file exists")
	}
	if err := InitConfig(path, true); err != nil {
		t.Errorf("Expected overwrite with force, got %v", err)
	}
}

func TestLoadOptions_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "api_key: sdk_file\nbase_url: http://file.example\npolling_interval: 1m\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	opts, err := LoadOptions(path, Overrides{BaseURL: "http://localhost:8080", Verbose: true})
	if err != nil {
		t.Fatalf("LoadOptions failed: %v", err)
	}
	if opts.APIKey != "sdk_file" {
		t.Errorf("Expected API key from file, got %q", opts.APIKey)
	}
	if opts.BaseURL != "http://localhost:8080" {
		t.Errorf("Expected flag to override base URL, got %q", opts.BaseURL)
	}
	if opts.PollingInterval != time.Minute || opts.LogLevel != "debug" {
		t.Errorf("Unexpected options: interval=%s level=%s", opts.PollingInterval, opts.LogLevel)
	}
}

func TestLoadOptions_Invalid(t *testing.T) {
	t.Setenv("FLAGSHIP_API_KEY", "")
	if _, err := LoadOptions("", Overrides{}); err == nil {
		t.Error("Expected error without an API key")
	}
	if _, err := LoadOptions("", Overrides{Offline: true}); err != nil {
		t.Errorf("Offline should not need an API key, got %v", err)
	}
}

func TestConfigRows_MasksSecrets(t *testing.T) {
	t.Setenv("FLAGSHIP_API_KEY", "sdk_live_abcdef")

	rows, err := ConfigRows("")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range rows {
		if r[0] == "api_key" {
			found = true
			if r[1] != "FLAGSHIP_API_KEY" || r[2] != "sdk_***" {
				t.Errorf("Unexpected api_key row: %v", r)
			}
		}
	}
	if !found {
		t.Error("api_key row missing")
	}

	v, err := ConfigValue("", "api_key")
	if err != nil || v != "sdk_live_abcdef" {
		t.Errorf("ConfigValue = %q, %v", v, err)
	}
	if _, err := ConfigValue("", "nope"); err == nil {
		t.Error("Expected error for unknown key")
	}
}

func TestMaskSecret(t *testing.T) {
	tests := map[string]string{"": "", "abc": "***", "abcdef": "abcd***"}
	for in, want := range tests {
		if got := MaskSecret(in); got != want {
			t.Errorf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

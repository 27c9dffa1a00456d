// Package config loads SDK settings from environment variables and an
// optional config file. It uses viper with sensible defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. FLAGSHIP_API_KEY.
const EnvPrefix = "FLAGSHIP"

const DefaultBaseURL = "https://api.flagship.dev/api/v1"

// Config holds every scalar SDK setting.
// Priority: environment variables > config file > defaults.
type Config struct {
	APIKey          string
	SecondaryAPIKey string
	BaseURL         string
	Offline         bool
	SignRequests    bool

	Timeout       time.Duration // per network call
	RetryAttempts int           // total attempts per call

	CacheEnabled bool
	CacheTTL     time.Duration
	MaxCacheSize int

	PollingEnabled     bool
	PollingInterval    time.Duration
	PollingMaxInterval time.Duration

	StreamingEnabled           bool
	StreamReconnectInterval    time.Duration
	StreamMaxReconnectAttempts int
	StreamHeartbeatInterval    time.Duration

	EventsEnabled      bool
	EventBatchSize     int
	EventFlushInterval time.Duration
	MaxQueueSize       int
	SampleRate         float64

	CircuitBreakerThreshold    int
	CircuitBreakerResetTimeout time.Duration

	PersistEvents            bool
	EventStoragePath         string
	MaxPersistedEvents       int
	PersistenceFlushInterval time.Duration

	LogLevel  string
	LogFormat string
}

// defaults maps config keys to their defaults. Env var names are the upper-cased
// keys with the FLAGSHIP_ prefix.
var defaults = map[string]any{
	"api_key":                       "",
	"secondary_api_key":             "",
	"base_url":                      DefaultBaseURL,
	"offline":                       false,
	"sign_requests":                 false,
	"timeout":                       5 * time.Second,
	"retry_attempts":                3,
	"cache_enabled":                 true,
	"cache_ttl":                     5 * time.Minute,
	"max_cache_size":                1000,
	"polling_enabled":               true,
	"polling_interval":              30 * time.Second,
	"polling_max_interval":          5 * time.Minute,
	"streaming_enabled":             true,
	"stream_reconnect_interval":     3 * time.Second,
	"stream_max_reconnect_attempts": 3,
	"stream_heartbeat_interval":     30 * time.Second,
	"events_enabled":                true,
	"event_batch_size":              10,
	"event_flush_interval":          30 * time.Second,
	"max_queue_size":                1000,
	"sample_rate":                   1.0,
	"circuit_breaker_threshold":     5,
	"circuit_breaker_reset_timeout": 30 * time.Second,
	"persist_events":                false,
	"event_storage_path":            "",
	"max_persisted_events":          10000,
	"persistence_flush_interval":    time.Second,
	"log_level":                     "warn",
	"log_format":                    "console",
}

// Default returns the built-in settings.
func Default() Config {
	v := viper.New()
	setConfigDefaults(v)
	return fromViper(v)
}

// Load reads settings from the FLAGSHIP_* environment and, when path is not
// empty, from that config file (yaml, json, toml or .env). A missing file is
// not an error.
func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}
	return fromViper(v), nil
}

// Resolved returns every key with its effective value as a string, after
// applying the config file and environment.
func Resolved(path string) (map[string]string, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(defaults))
	for k := range defaults {
		out[k] = v.GetString(k)
	}
	return out, nil
}

// Defaults returns the default value of every key. Durations are rendered
// as strings so the map can be written straight to a config file.
func Defaults() map[string]any {
	out := make(map[string]any, len(defaults))
	for k, val := range defaults {
		if d, ok := val.(time.Duration); ok {
			out[k] = d.String()
			continue
		}
		out[k] = val
	}
	return out
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setConfigDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}
	return v, nil
}

// Keys returns the known config keys in a stable order.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// EnvName returns the environment variable for a config key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

// setConfigDefaults sets default values for all configuration options.
func setConfigDefaults(v *viper.Viper) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

func fromViper(v *viper.Viper) Config {
	return Config{
		APIKey:                     v.GetString("api_key"),
		SecondaryAPIKey:            v.GetString("secondary_api_key"),
		BaseURL:                    v.GetString("base_url"),
		Offline:                    v.GetBool("offline"),
		SignRequests:               v.GetBool("sign_requests"),
		Timeout:                    v.GetDuration("timeout"),
		RetryAttempts:              v.GetInt("retry_attempts"),
		CacheEnabled:               v.GetBool("cache_enabled"),
		CacheTTL:                   v.GetDuration("cache_ttl"),
		MaxCacheSize:               v.GetInt("max_cache_size"),
		PollingEnabled:             v.GetBool("polling_enabled"),
		PollingInterval:            v.GetDuration("polling_interval"),
		PollingMaxInterval:         v.GetDuration("polling_max_interval"),
		StreamingEnabled:           v.GetBool("streaming_enabled"),
		StreamReconnectInterval:    v.GetDuration("stream_reconnect_interval"),
		StreamMaxReconnectAttempts: v.GetInt("stream_max_reconnect_attempts"),
		StreamHeartbeatInterval:    v.GetDuration("stream_heartbeat_interval"),
		EventsEnabled:              v.GetBool("events_enabled"),
		EventBatchSize:             v.GetInt("event_batch_size"),
		EventFlushInterval:         v.GetDuration("event_flush_interval"),
		MaxQueueSize:               v.GetInt("max_queue_size"),
		SampleRate:                 v.GetFloat64("sample_rate"),
		CircuitBreakerThreshold:    v.GetInt("circuit_breaker_threshold"),
		CircuitBreakerResetTimeout: v.GetDuration("circuit_breaker_reset_timeout"),
		PersistEvents:              v.GetBool("persist_events"),
		EventStoragePath:           v.GetString("event_storage_path"),
		MaxPersistedEvents:         v.GetInt("max_persisted_events"),
		PersistenceFlushInterval:   v.GetDuration("persistence_flush_interval"),
		LogLevel:                   v.GetString("log_level"),
		LogFormat:                  v.GetString("log_format"),
	}
}

// ValidationError represents a configuration validation error with details about what failed.
type ValidationError struct {
	Field   string // Name of the configuration field
	Message string // Human-readable error message
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed [%s]: %s", e.Field, e.Message)
}

// Validate checks every knob and returns the first violation as a
// ValidationError. Network settings are not checked in offline mode.
func (c Config) Validate() error {
	if !c.Offline {
		if strings.TrimSpace(c.APIKey) == "" {
			return ValidationError{Field: "api_key", Message: "API key is required unless offline"}
		}
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ValidationError{Field: "base_url", Message: fmt.Sprintf("must be an http(s) URL, got '%s'", c.BaseURL)}
		}
	}

	positiveDurations := []struct {
		field string
		value time.Duration
	}{
		{"timeout", c.Timeout},
		{"cache_ttl", c.CacheTTL},
		{"polling_interval", c.PollingInterval},
		{"polling_max_interval", c.PollingMaxInterval},
		{"stream_reconnect_interval", c.StreamReconnectInterval},
		{"stream_heartbeat_interval", c.StreamHeartbeatInterval},
		{"event_flush_interval", c.EventFlushInterval},
		{"circuit_breaker_reset_timeout", c.CircuitBreakerResetTimeout},
		{"persistence_flush_interval", c.PersistenceFlushInterval},
	}
	for _, d := range positiveDurations {
		if d.value <= 0 {
			return ValidationError{Field: d.field, Message: fmt.Sprintf("must be positive, got %s", d.value)}
		}
	}

	positiveInts := []struct {
		field string
		value int
	}{
		{"retry_attempts", c.RetryAttempts},
		{"max_cache_size", c.MaxCacheSize},
		{"event_batch_size", c.EventBatchSize},
		{"max_queue_size", c.MaxQueueSize},
		{"circuit_breaker_threshold", c.CircuitBreakerThreshold},
		{"max_persisted_events", c.MaxPersistedEvents},
	}
	for _, n := range positiveInts {
		if n.value <= 0 {
			return ValidationError{Field: n.field, Message: fmt.Sprintf("must be positive, got %d", n.value)}
		}
	}

	if c.StreamMaxReconnectAttempts < 0 {
		return ValidationError{Field: "stream_max_reconnect_attempts", Message: "cannot be negative"}
	}
	if c.PollingMaxInterval < c.PollingInterval {
		return ValidationError{Field: "polling_max_interval", Message: "must be at least polling_interval"}
	}
	if c.EventBatchSize > c.MaxQueueSize {
		return ValidationError{Field: "event_batch_size", Message: "cannot exceed max_queue_size"}
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		return ValidationError{Field: "sample_rate", Message: fmt.Sprintf("must be in (0, 1], got %v", c.SampleRate)}
	}
	if c.PersistEvents && strings.TrimSpace(c.EventStoragePath) == "" {
		return ValidationError{Field: "event_storage_path", Message: "required when persist_events is enabled"}
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return ValidationError{Field: "log_format", Message: fmt.Sprintf("must be 'console' or 'json', got '%s'", c.LogFormat)}
	}
	return nil
}

// Package flags holds the evaluated flag state exchanged with the server and
// stored in the cache.
package flags

import (
	"encoding/json"
	"math"
	"time"
)

// Type is the declared value type of a flag.
type Type string

const (
	TypeBoolean Type = "boolean"
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeJSON    Type = "json"
)

// Reason explains where an evaluation result came from.
type Reason string

const (
	ReasonCached       Reason = "CACHED"
	ReasonServer       Reason = "SERVER"
	ReasonStaleCache   Reason = "STALE_CACHE"
	ReasonDefault      Reason = "DEFAULT"
	ReasonFlagNotFound Reason = "FLAG_NOT_FOUND"
	ReasonTypeMismatch Reason = "TYPE_MISMATCH"
	ReasonDisabled     Reason = "DISABLED"
	ReasonOffline      Reason = "OFFLINE"
	ReasonError        Reason = "EVALUATION_ERROR"
)

// State is a server-evaluated flag.
type State struct {
	Key          string    `json:"key" yaml:"key"`
	Value        any       `json:"value" yaml:"value"`
	Enabled      bool      `json:"enabled" yaml:"enabled"`
	Version      int       `json:"version,omitempty" yaml:"version,omitempty"`
	FlagType     Type      `json:"flagType,omitempty" yaml:"flagType,omitempty"`
	Reason       Reason    `json:"reason,omitempty" yaml:"reason,omitempty"`
	LastModified time.Time `json:"lastModified,omitzero" yaml:"lastModified,omitempty"`
}

// UnmarshalJSON treats a missing "enabled" field as true, which is how
// bootstrap payloads like {"key":"k","value":true} are written.
func (s *State) UnmarshalJSON(data []byte) error {
	type alias State
	aux := struct {
		*alias
		Enabled *bool `json:"enabled"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.Enabled = aux.Enabled == nil || *aux.Enabled
	if s.FlagType == "" {
		s.FlagType = InferType(s.Value)
	}
	return nil
}

// InferType returns the flag type matching a decoded JSON value.
func InferType(v any) Type {
	switch v.(type) {
	case bool:
		return TypeBoolean
	case string:
		return TypeString
	case float64, float32, int, int32, int64, json.Number:
		return TypeNumber
	default:
		return TypeJSON
	}
}

// AsBool returns the value as a bool.
func (s State) AsBool() (bool, bool) {
	b, ok := s.Value.(bool)
	return b, ok
}

// AsString returns the value as a string.
func (s State) AsString() (string, bool) {
	str, ok := s.Value.(string)
	return str, ok
}

// AsNumber returns the value as a float64.
func (s State) AsNumber() (float64, bool) {
	return toFloat(s.Value)
}

// AsInt returns the value as an int64 when it is a whole number.
func (s State) AsInt() (int64, bool) {
	f, ok := toFloat(s.Value)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

// AsJSON returns the value as an object.
func (s State) AsJSON() (map[string]any, bool) {
	m, ok := s.Value.(map[string]any)
	return m, ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Changed reports whether next differs from prev in a way subscribers care about.
func Changed(prev, next State) bool {
	if prev.Version != 0 && next.Version != 0 {
		return prev.Version != next.Version || prev.Enabled != next.Enabled
	}
	a, _ := json.Marshal(prev.Value)
	b, _ := json.Marshal(next.Value)
	return string(a) != string(b) || prev.Enabled != next.Enabled
}

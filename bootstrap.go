package flagship

import (
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/TimurManjosov/flagship-go/internal/apierr"
	"github.com/TimurManjosov/flagship-go/internal/flags"
	"github.com/TimurManjosov/flagship-go/internal/transport"
)

// Bootstrap seeds the cache so flags evaluate before the first network call.
// The JSON form is {"flags":[{"key":"k","value":true}]}; a missing "enabled"
// means enabled.
//
// When Signature is set it must equal the HMAC-SHA256 of the canonical flags
// JSON keyed by the API key (see SignBootstrap).
type Bootstrap struct {
	Flags     []FlagState `json:"flags"`
	Signature string      `json:"signature,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"` // unix ms, part of the signed payload
}

// ParseBootstrap decodes a bootstrap payload.
func ParseBootstrap(data []byte) (*Bootstrap, error) {
	var b Bootstrap
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, apierr.Wrap(apierr.CodeConfigInvalid, err, "invalid bootstrap payload")
	}
	return &b, nil
}

// BootstrapValues builds an enabled flag per entry of values.
func BootstrapValues(values map[string]any) *Bootstrap {
	b := &Bootstrap{}
	for _, k := range slices.Sorted(maps.Keys(values)) {
		v := values[k]
		b.Flags = append(b.Flags, FlagState{Key: k, Value: v, Enabled: true, FlagType: flags.InferType(v)})
	}
	return b
}

// SignBootstrap returns the signature Verify expects for fl.
func SignBootstrap(fl []FlagState, timestampMs int64, secret string) (string, error) {
	payload, err := json.Marshal(fl)
	if err != nil {
		return "", fmt.Errorf("encode bootstrap flags: %w", err)
	}
	return transport.SignRequest(payload, timestampMs, secret), nil
}

// Verify checks the signature. Unsigned payloads pass.
func (b *Bootstrap) Verify(secret string) error {
	if b.Signature == "" {
		return nil
	}
	payload, err := json.Marshal(b.Flags)
	if err != nil {
		return apierr.Wrap(apierr.CodeConfigInvalid, err, "encode bootstrap flags")
	}
	expected := transport.SignRequest(payload, b.Timestamp, secret)
	if !hmac.Equal([]byte(expected), []byte(b.Signature)) {
		return apierr.New(apierr.CodeConfigInvalid, "bootstrap signature mismatch")
	}
	return nil
}

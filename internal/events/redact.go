package events

import "strings"

// Redactor removes sensitive data from event payloads before they are
// persisted or sent.
type Redactor interface {
	Redact(data map[string]any) map[string]any
}

// DefaultRedactor masks values stored under well-known sensitive keys.
type DefaultRedactor struct {
	sensitiveKeys map[string]struct{}
}

func NewDefaultRedactor(extraKeys ...string) *DefaultRedactor {
	keys := []string{
		"password", "secret", "token", "api_key", "apikey",
		"authorization", "cookie", "session", "ssn", "credit_card",
	}
	r := &DefaultRedactor{sensitiveKeys: make(map[string]struct{}, len(keys)+len(extraKeys))}
	for _, k := range append(keys, extraKeys...) {
		r.sensitiveKeys[strings.ToLower(k)] = struct{}{}
	}
	return r
}

func (r *DefaultRedactor) Redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}

	redacted := make(map[string]any, len(data))
	for k, v := range data {
		if _, sensitive := r.sensitiveKeys[strings.ToLower(k)]; sensitive {
			redacted[k] = "[REDACTED]"
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			redacted[k] = r.Redact(val)
		case []any:
			out := make([]any, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]any); ok {
					out[i] = r.Redact(m)
				} else {
					out[i] = item
				}
			}
			redacted[k] = out
		default:
			redacted[k] = v
		}
	}
	return redacted
}

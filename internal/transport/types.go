package transport

import (
	"time"

	"github.com/TimurManjosov/flagship-go/internal/events"
	"github.com/TimurManjosov/flagship-go/internal/flags"
)

// InitResponse is returned by GET /sdk/init.
type InitResponse struct {
	Flags                  []flags.State `json:"flags"`
	Environment            string        `json:"environment,omitempty"`
	EnvironmentID          string        `json:"environmentId,omitempty"`
	ProjectID              string        `json:"projectId,omitempty"`
	PollingIntervalSeconds int           `json:"pollingIntervalSeconds,omitempty"`
	StreamingEnabled       bool          `json:"streamingEnabled"`
	ServerTime             time.Time     `json:"serverTime,omitzero"`
	Metadata               Metadata      `json:"metadata"`
}

// Metadata carries SDK version advisories.
type Metadata struct {
	SDKVersionMin         string `json:"sdkVersionMin,omitempty"`
	SDKVersionRecommended string `json:"sdkVersionRecommended,omitempty"`
	SDKVersionLatest      string `json:"sdkVersionLatest,omitempty"`
	DeprecationWarning    string `json:"deprecationWarning,omitempty"`
}

// UpdatesResponse is returned by GET /sdk/updates.
type UpdatesResponse struct {
	Flags       []flags.State `json:"flags"`
	DeletedKeys []string      `json:"deletedKeys,omitempty"`
	CheckedAt   time.Time     `json:"checkedAt,omitzero"`
}

type evaluateRequest struct {
	Key     string         `json:"key"`
	Context map[string]any `json:"context,omitempty"`
}

type evaluateAllRequest struct {
	Context map[string]any `json:"context,omitempty"`
}

type evaluateAllResponse struct {
	Flags []flags.State `json:"flags"`
}

type eventsRequest struct {
	Events []events.Event `json:"events"`
}

type streamTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"` // seconds
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

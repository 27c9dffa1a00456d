package flagship

import (
	"time"

	"github.com/TimurManjosov/flagship-go/internal/cache"
	"github.com/TimurManjosov/flagship-go/internal/flags"
	"github.com/TimurManjosov/flagship-go/internal/snapshot"
)

// FlagState is a flag as evaluated by the server.
type FlagState = flags.State

// FlagType is the value type of a flag.
type FlagType = flags.Type

const (
	TypeBoolean = flags.TypeBoolean
	TypeString  = flags.TypeString
	TypeNumber  = flags.TypeNumber
	TypeJSON    = flags.TypeJSON
)

// Reason explains where an evaluation result came from.
type Reason = flags.Reason

const (
	ReasonCached       = flags.ReasonCached
	ReasonServer       = flags.ReasonServer
	ReasonStaleCache   = flags.ReasonStaleCache
	ReasonDefault      = flags.ReasonDefault
	ReasonFlagNotFound = flags.ReasonFlagNotFound
	ReasonTypeMismatch = flags.ReasonTypeMismatch
	ReasonDisabled     = flags.ReasonDisabled
	ReasonOffline      = flags.ReasonOffline
	ReasonError        = flags.ReasonError
)

// FlagChange is delivered to subscribers when flags change.
type FlagChange = snapshot.Change

// CacheStats describes the flag cache.
type CacheStats = cache.Stats

// EvaluationResult is the outcome of one evaluation. Value is always usable:
// it is the default whenever the flag could not be resolved.
type EvaluationResult struct {
	FlagKey   string
	Value     any
	Enabled   bool
	Reason    Reason
	Version   int
	Timestamp time.Time
}

// Stats is a point-in-time view of the client.
type Stats struct {
	Initialized       bool
	Offline           bool
	Cache             CacheStats
	CircuitState      string
	PollingState      string
	StreamState       string
	Streaming         bool
	QueuedEvents      int
	UsingSecondaryKey bool
	LastUpdate        time.Time
}

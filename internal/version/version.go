// Package version holds the SDK version and compares it against the
// advisories a server sends on init.
package version

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// SDK is the version reported in User-Agent and X-Flagship-SDK-Version.
const SDK = "1.0.0"

// Requirements are the server-side version hints. Empty fields are ignored.
type Requirements struct {
	Min                string
	Recommended        string
	Latest             string
	DeprecationWarning string
}

// Severity orders advisories.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "none"
	}
}

// Notice is one advisory message.
type Notice struct {
	Severity Severity
	Message  string
}

// Advisory is the outcome of Check.
type Advisory struct {
	Current  string
	Notices  []Notice
	Severity Severity // highest notice severity
}

// Unsupported reports whether the running version is below the minimum.
func (a Advisory) Unsupported() bool { return a.Severity == SeverityError }

func (a *Advisory) add(s Severity, format string, args ...any) {
	a.Notices = append(a.Notices, Notice{Severity: s, Message: fmt.Sprintf(format, args...)})
	if s > a.Severity {
		a.Severity = s
	}
}

// Check compares current against req. Unparseable versions are skipped.
func Check(current string, req Requirements) Advisory {
	adv := Advisory{Current: current}
	if req.DeprecationWarning != "" {
		adv.add(SeverityWarn, "%s", req.DeprecationWarning)
	}

	cur, err := semver.NewVersion(current)
	if err != nil {
		return adv
	}

	if floor, ok := parse(req.Min); ok && cur.LessThan(floor) {
		adv.add(SeverityError, "SDK version %s is below the minimum supported version %s", cur, floor)
		return adv
	}
	if rec, ok := parse(req.Recommended); ok && cur.LessThan(rec) {
		adv.add(SeverityWarn, "SDK version %s is older than the recommended version %s", cur, rec)
		return adv
	}
	if latest, ok := parse(req.Latest); ok && cur.LessThan(latest) {
		adv.add(SeverityInfo, "a newer SDK version is available: %s (running %s)", latest, cur)
	}
	return adv
}

func parse(v string) (*semver.Version, bool) {
	if v == "" {
		return nil, false
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return nil, false
	}
	return parsed, true
}

// Log writes each notice at a matching level.
func Log(logger zerolog.Logger, adv Advisory) {
	for _, n := range adv.Notices {
		var ev *zerolog.Event
		switch n.Severity {
		case SeverityError:
			ev = logger.Error()
		case SeverityWarn:
			ev = logger.Warn()
		default:
			ev = logger.Info()
		}
		ev.Str("sdk_version", adv.Current).Msg("[version] " + n.Message)
	}
}

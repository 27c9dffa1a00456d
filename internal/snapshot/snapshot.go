// Package snapshot versions flag sets and fans change notifications out to
// subscribers.
package snapshot

import (
	"encoding/json"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/TimurManjosov/flagship-go/internal/flags"
)

// Source identifies what produced a change.
type Source string

const (
	SourceBootstrap Source = "bootstrap"
	SourceInit      Source = "init"
	SourcePoll      Source = "poll"
	SourceStream    Source = "stream"
	SourceEvaluate  Source = "evaluate"
)

// Change describes one update to the flag set.
type Change struct {
	Source    Source
	Updated   []string
	Deleted   []string
	Version   string
	UpdatedAt time.Time
}

// Empty reports whether the change carries no keys.
func (c Change) Empty() bool { return len(c.Updated) == 0 && len(c.Deleted) == 0 }

// Version returns a weak ETag over the flag set. Equal sets produce equal
// versions regardless of map order.
func Version(set map[string]flags.State) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	d := xxhash.New()
	for _, k := range keys {
		st := set[k]
		value, _ := json.Marshal(st.Value)
		d.WriteString(k)
		d.Write([]byte{0})
		d.Write(value)
		d.WriteString(strconv.FormatBool(st.Enabled))
		d.WriteString(strconv.Itoa(st.Version))
		d.Write([]byte{0})
	}
	return `W/"` + strconv.FormatUint(d.Sum64(), 16) + `"`
}

// Diff lists keys added or changed in next and keys missing from it.
func Diff(prev, next map[string]flags.State) (updated, deleted []string) {
	for k, n := range next {
		p, ok := prev[k]
		if !ok || flags.Changed(p, n) {
			updated = append(updated, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			deleted = append(deleted, k)
		}
	}
	slices.Sort(updated)
	slices.Sort(deleted)
	return updated, deleted
}

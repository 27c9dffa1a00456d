package devserver

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/flagship-go/internal/flags"
)

// File is the YAML flag file served by the dev server.
//
//	environment: development
//	flags:
//	  - key: new-checkout
//	    value: true
//	  - key: banner-color
//	    value: blue
//	    enabled: false
type File struct {
	Environment string     `yaml:"environment"`
	Flags       []fileFlag `yaml:"flags"`
}

type fileFlag struct {
	Key     string     `yaml:"key"`
	Value   any        `yaml:"value"`
	Enabled *bool      `yaml:"enabled"`
	Version int        `yaml:"version"`
	Type    flags.Type `yaml:"type"`
}

// LoadFile reads a flag file. Flags without "enabled" are enabled.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flag file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse flag file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Flags))
	for i, fl := range f.Flags {
		if strings.TrimSpace(fl.Key) == "" {
			return nil, fmt.Errorf("flag #%d: key is required", i+1)
		}
		if seen[fl.Key] {
			return nil, fmt.Errorf("flag %q: duplicate key", fl.Key)
		}
		seen[fl.Key] = true
	}
	return &f, nil
}

// States converts the file entries to flag states.
func (f *File) States() []flags.State {
	out := make([]flags.State, 0, len(f.Flags))
	for _, fl := range f.Flags {
		st := flags.State{
			Key:      fl.Key,
			Value:    fl.Value,
			Enabled:  fl.Enabled == nil || *fl.Enabled,
			Version:  fl.Version,
			FlagType: fl.Type,
		}
		if st.FlagType == "" {
			st.FlagType = flags.InferType(st.Value)
		}
		out = append(out, st)
	}
	return out
}

// Store is the in-memory flag set. Deleted keys are remembered so
// /sdk/updates can report them.
type Store struct {
	mu         sync.RWMutex
	flags      map[string]flags.State
	tombstones map[string]time.Time
	now        func() time.Time
}

func NewStore(initial []flags.State) *Store {
	s := &Store{
		flags:      make(map[string]flags.State, len(initial)),
		tombstones: make(map[string]time.Time),
		now:        time.Now,
	}
	for _, st := range initial {
		s.Upsert(st)
	}
	return s
}

// Upsert stores st, bumping its version and modification time.
func (s *Store) Upsert(st flags.State) flags.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.flags[st.Key]; ok && st.Version <= prev.Version {
		st.Version = prev.Version + 1
	}
	if st.Version == 0 {
		st.Version = 1
	}
	if st.FlagType == "" {
		st.FlagType = flags.InferType(st.Value)
	}
	st.Reason = ""
	st.LastModified = s.now().UTC()
	s.flags[st.Key] = st
	delete(s.tombstones, st.Key)
	return st
}

// Delete removes key. It reports whether the key existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flags[key]; !ok {
		return false
	}
	delete(s.flags, key)
	s.tombstones[key] = s.now().UTC()
	return true
}

func (s *Store) Get(key string) (flags.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.flags[key]
	return st, ok
}

// All returns every flag sorted by key.
func (s *Store) All() []flags.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(time.Time{})
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flags)
}

// Since returns flags modified after t and keys deleted after t.
// A zero t returns everything.
func (s *Store) Since(t time.Time) (updated []flags.State, deleted []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	updated = s.sortedLocked(t)
	for k, at := range s.tombstones {
		if t.IsZero() || at.After(t) {
			deleted = append(deleted, k)
		}
	}
	slices.Sort(deleted)
	return updated, deleted
}

func (s *Store) sortedLocked(after time.Time) []flags.State {
	out := make([]flags.State, 0, len(s.flags))
	for _, st := range s.flags {
		if after.IsZero() || st.LastModified.After(after) {
			out = append(out, st)
		}
	}
	slices.SortFunc(out, func(a, b flags.State) int { return strings.Compare(a.Key, b.Key) })
	return out
}

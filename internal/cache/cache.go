// Package cache provides the TTL + LRU flag cache with stale-read fallback.
package cache

import (
	"sync"
	"time"
)

const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 1000
)

// Entry is a cached value with its timestamps. Entries never leave the cache;
// callers only ever receive copies of the value.
type Entry[V any] struct {
	Value          V
	FetchedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
}

func (e *Entry[V]) valid(now time.Time) bool {
	return !now.After(e.ExpiresAt)
}

// Config contains cache configuration.
type Config struct {
	TTL     time.Duration
	MaxSize int
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Size       int
	ValidCount int
	StaleCount int
	MaxSize    int
	Hits       uint64
	Misses     uint64
	Evictions  uint64
}

// Option customizes a Cache.
type Option func(*config)

type config struct {
	now     func() time.Time
	onEvict func(key string)
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithEvictHook registers a callback invoked for every key removed by eviction.
// It runs with the cache lock held and must not call back into the cache.
func WithEvictHook(fn func(key string)) Option {
	return func(c *config) { c.onEvict = fn }
}

// Cache is a bounded map of entries with per-entry TTL.
//
// A "valid" entry has now <= ExpiresAt. Expired entries stay in the map and
// remain readable through GetStale until they are evicted, deleted, or read
// through Get.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[V]
	ttl     time.Duration
	maxSize int

	now     func() time.Time
	onEvict func(key string)

	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a cache. Non-positive TTL or MaxSize fall back to defaults.
func New[V any](cfg Config, opts ...Option) *Cache[V] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	o := config{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{
		entries: make(map[string]*Entry[V], cfg.MaxSize),
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
		now:     o.now,
		onEvict: o.onEvict,
	}
}

// Get returns the value for key if it has not expired. An expired entry is
// removed and reported as a miss. A hit refreshes the entry's access time.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	now := c.now()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if !e.valid(now) {
		delete(c.entries, key)
		c.misses++
		return zero, false
	}
	e.LastAccessedAt = now
	c.hits++
	return e.Value, true
}

// GetStale returns the value for key regardless of expiry. It never evicts
// and does not touch the access time.
func (c *Cache[V]) GetStale(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Lookup returns the value for key and whether it is unexpired. Unlike Get
// it keeps expired entries so callers can fall back to them. Only fresh
// reads count as hits and refresh the access time.
func (c *Cache[V]) Lookup(key string) (value V, fresh, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return value, false, false
	}
	if !e.valid(now) {
		c.misses++
		return e.Value, false, true
	}
	e.LastAccessedAt = now
	c.hits++
	return e.Value, true, true
}

// Set stores value under key. A non-positive ttl uses the configured default.
// Inserting a new key into a full cache evicts first.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl, c.now())
}

// SetMany stores every value with the default TTL.
func (c *Cache[V]) SetMany(values map[string]V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, v := range values {
		c.setLocked(k, v, 0, now)
	}
}

func (c *Cache[V]) setLocked(key string, value V, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if _, exists := c.entries[key]; !exists {
		c.evictIfFullLocked(now)
	}
	c.entries[key] = &Entry[V]{
		Value:          value,
		FetchedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
	}
}

// evictIfFullLocked makes room for one insert: all expired entries go first;
// if the cache is still full, the least recently accessed entry is dropped.
func (c *Cache[V]) evictIfFullLocked(now time.Time) {
	if len(c.entries) < c.maxSize {
		return
	}

	for k, e := range c.entries {
		if !e.valid(now) {
			c.evictLocked(k)
		}
	}
	if len(c.entries) < c.maxSize {
		return
	}

	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.LastAccessedAt.Before(oldest) {
			oldestKey, oldest, found = k, e.LastAccessedAt, true
		}
	}
	if found {
		c.evictLocked(oldestKey)
	}
}

func (c *Cache[V]) evictLocked(key string) {
	delete(c.entries, key)
	c.evictions++
	if c.onEvict != nil {
		c.onEvict(key)
	}
}

// Has reports whether key holds a valid (unexpired) entry.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && e.valid(c.now())
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry[V], c.maxSize)
}

// Keys returns every key, stale ones included.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a copy of every value, stale ones included. valid reports
// which keys are unexpired.
func (c *Cache[V]) Snapshot() (values map[string]V, valid map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	values = make(map[string]V, len(c.entries))
	valid = make(map[string]bool, len(c.entries))
	for k, e := range c.entries {
		values[k] = e.Value
		valid[k] = e.valid(now)
	}
	return values, valid
}

// Len returns the number of entries, stale ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns counts of valid and stale entries plus hit/miss counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s := Stats{
		Size:      len(c.entries),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	for _, e := range c.entries {
		if e.valid(now) {
			s.ValidCount++
		} else {
			s.StaleCount++
		}
	}
	return s
}

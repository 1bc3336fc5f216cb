package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxEntries = 1024

// entry holds a cached result along with the timestamp it was stored.
type entry struct {
	value    string
	storedAt time.Time
	ttl      time.Duration
}

// Memory is an in-process LRU result cache with per-entry TTL.
type Memory struct {
	mu  sync.Mutex
	lru *lru.Cache[string, entry]
	now func() time.Time
}

// NewMemory creates an in-memory cache bounded to maxEntries.
// A non-positive maxEntries falls back to the default.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	// lru.New only errors on a non-positive size, which is guarded above.
	c, _ := lru.New[string, entry](maxEntries)
	return &Memory{lru: c, now: time.Now}
}

// SetClock replaces the cache clock. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Get returns the cached result, evicting it if expired.
func (m *Memory) Get(_ context.Context, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lru.Get(key)
	if !ok {
		return "", false
	}
	if m.now().Sub(e.storedAt) >= e.ttl {
		// Expired - evict so the LRU bookkeeping stays clean.
		m.lru.Remove(key)
		return "", false
	}
	return e.value, true
}

// Set stores a result. A non-positive TTL falls back to DefaultTTL.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Add(key, entry{value: value, storedAt: m.now(), ttl: ttl})
}

// Purge drops every entry. Used by the retention sweep when the cache is
// asked to clear wholesale.
func (m *Memory) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
}

var _ Cache = (*Memory)(nil)

// Package sshexec is the pooled-connection adapter for shell-based agents.
package sshexec

import (
	"sync"
	"time"
)

const (
	// DefaultPersistTimeout is how long a pooled connection may be reused
	// before it is discarded and recreated.
	DefaultPersistTimeout = 90 * time.Second
	// DefaultMaxSessions caps the pool. The oldest idle connection is
	// evicted when the cap is hit.
	DefaultMaxSessions = 32
)

// poolKey identifies a pooled connection by its login identity.
type poolKey struct {
	user string
	host string
}

// poolEntry wraps a live connection with reuse bookkeeping.
type poolEntry struct {
	conn      conn
	createdAt time.Time
	lastUsed  time.Time
	useCount  int
}

// pool holds reusable SSH connections keyed by (user, host).
type pool struct {
	mu      sync.Mutex
	entries map[poolKey]*poolEntry
	persist time.Duration
	max     int
	now     func() time.Time
}

func newPool(persist time.Duration, max int) *pool {
	if persist <= 0 {
		persist = DefaultPersistTimeout
	}
	if max <= 0 {
		max = DefaultMaxSessions
	}
	return &pool{
		entries: make(map[poolKey]*poolEntry),
		persist: persist,
		max:     max,
		now:     time.Now,
	}
}

// get returns a pooled connection younger than the persist timeout, or nil
// if the caller must dial a fresh one. Expired entries are closed eagerly.
func (p *pool) get(key poolKey) conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return nil
	}
	if p.now().Sub(e.createdAt) >= p.persist {
		e.conn.close()
		delete(p.entries, key)
		return nil
	}
	e.lastUsed = p.now()
	e.useCount++
	return e.conn
}

// put stores a freshly dialed connection, evicting the least recently used
// entry if the pool is full.
func (p *pool) put(key poolKey, c conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.entries[key]; ok {
		old.conn.close()
	} else if len(p.entries) >= p.max {
		p.evictOldestLocked()
	}

	now := p.now()
	p.entries[key] = &poolEntry{conn: c, createdAt: now, lastUsed: now, useCount: 1}
}

// discard drops the pooled connection for key, closing it.
func (p *pool) discard(key poolKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[key]; ok {
		e.conn.close()
		delete(p.entries, key)
	}
}

// evictOldestLocked removes the least recently used entry. Caller holds p.mu.
func (p *pool) evictOldestLocked() {
	var oldest poolKey
	var oldestAt time.Time
	first := true
	for key, e := range p.entries {
		if first || e.lastUsed.Before(oldestAt) {
			oldest = key
			oldestAt = e.lastUsed
			first = false
		}
	}
	if !first {
		p.entries[oldest].conn.close()
		delete(p.entries, oldest)
	}
}

// sweep closes entries that outlived the persist timeout. Returns the number
// of evicted connections.
func (p *pool) sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	now := p.now()
	for key, e := range p.entries {
		if now.Sub(e.createdAt) >= p.persist {
			e.conn.close()
			delete(p.entries, key)
			evicted++
		}
	}
	return evicted
}

// closeAll shuts every pooled connection down.
func (p *pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, e := range p.entries {
		e.conn.close()
		delete(p.entries, key)
	}
}

// size returns the number of pooled connections.
func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

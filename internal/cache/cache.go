// Package cache provides the content-addressed store for completed task
// results. Misses are a normal outcome, never an error, and backend failures
// degrade to "always miss" without failing the task.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/drover-dev/drover/pkg/models"
)

// DefaultTTL is how long a cached result remains valid.
const DefaultTTL = time.Hour

// Cache stores successful task results keyed by content hash.
type Cache interface {
	// Get returns the cached result for key, if present and unexpired.
	Get(ctx context.Context, key string) (string, bool)
	// Set stores a result under key for the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// Key derives the content-addressed cache key from a task's specialization
// and payload. encoding/json writes map keys in sorted order, so two
// payloads with equal contents canonicalize to the same bytes.
func Key(spec models.Specialization, payload map[string]any) string {
	h := sha256.New()
	h.Write([]byte(spec))
	h.Write([]byte{0})
	if payload != nil {
		// Marshal errors leave the payload contribution empty; the task
		// still dispatches, it just never hits the cache.
		if raw, err := json.Marshal(payload); err == nil {
			h.Write(raw)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Nop is a Cache that never hits. Used when caching is disabled.
type Nop struct{}

// Get always misses.
func (Nop) Get(context.Context, string) (string, bool) { return "", false }

// Set discards the value.
func (Nop) Set(context.Context, string, string, time.Duration) {}

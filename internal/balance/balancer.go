// Package balance ranks candidate agents using an adaptive weight.
package balance

import (
	"sync"
	"time"

	"github.com/drover-dev/drover/pkg/models"
)

const (
	// defaultAlpha controls how strongly the adaptive weight offsets
	// utilization during selection.
	defaultAlpha = 0.3
	// defaultLambda is the EMA smoothing factor for weight updates.
	defaultLambda = 0.1
	// defaultSampleWindow bounds the per-agent diagnostic sample ring.
	defaultSampleWindow = 100
	// initialWeight is the score assigned before any sample arrives.
	initialWeight = 1.0
)

// Sample is one raw performance observation retained for diagnostics.
type Sample struct {
	// Elapsed is the observed task duration.
	Elapsed time.Duration
	// At is when the sample was recorded.
	At time.Time
}

// agentStats holds the adaptive weight and diagnostic ring for one agent.
type agentStats struct {
	weight float64
	// ring is a bounded buffer of raw samples; next is the write cursor.
	ring []Sample
	next int
	full bool
}

// Balancer scores candidates by `utilization - alpha*weight` and keeps an
// exponential moving average of per-agent performance. Higher weight means
// better recent performance; a faster sample maps to a higher score.
type Balancer struct {
	mu     sync.RWMutex
	alpha  float64
	lambda float64
	window int
	stats  map[string]*agentStats
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithAlpha sets the weight influence on selection.
func WithAlpha(alpha float64) Option {
	return func(b *Balancer) { b.alpha = alpha }
}

// WithLambda sets the EMA smoothing factor.
func WithLambda(lambda float64) Option {
	return func(b *Balancer) { b.lambda = lambda }
}

// WithSampleWindow sets the diagnostic ring size per agent.
func WithSampleWindow(n int) Option {
	return func(b *Balancer) {
		if n > 0 {
			b.window = n
		}
	}
}

// New creates a Balancer with defaults (alpha 0.3, lambda 0.1, window 100).
func New(opts ...Option) *Balancer {
	b := &Balancer{
		alpha:  defaultAlpha,
		lambda: defaultLambda,
		window: defaultSampleWindow,
		stats:  make(map[string]*agentStats),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetAlpha adjusts the weight influence at runtime (config hot-reload).
func (b *Balancer) SetAlpha(alpha float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alpha = alpha
}

// Select returns the candidate minimizing utilization - alpha*weight.
// Ties are broken by agent ID so selection is deterministic. Returns nil if
// candidates is empty.
func (b *Balancer) Select(candidates []*models.Agent) *models.Agent {
	if len(candidates) == 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var best *models.Agent
	var bestScore float64
	for _, agent := range candidates {
		score := agent.Utilization() - b.alpha*b.weightLocked(agent.ID)
		if best == nil || score < bestScore || (score == bestScore && agent.ID < best.ID) {
			best = agent
			bestScore = score
		}
	}
	return best
}

// Weight returns the current adaptive weight for an agent.
func (b *Balancer) Weight(agentID string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.weightLocked(agentID)
}

func (b *Balancer) weightLocked(agentID string) float64 {
	if s, ok := b.stats[agentID]; ok {
		return s.weight
	}
	return initialWeight
}

// RecordSample folds a task duration into the agent's adaptive weight via
// EMA: weight = (1-lambda)*weight + lambda*score, where score is the inverse
// of the elapsed seconds. The raw sample lands in the diagnostic ring.
func (b *Balancer) RecordSample(agentID string, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.stats[agentID]
	if !ok {
		s = &agentStats{
			weight: initialWeight,
			ring:   make([]Sample, b.window),
		}
		b.stats[agentID] = s
	}

	secs := elapsed.Seconds()
	if secs < 0.001 {
		secs = 0.001
	}
	score := 1.0 / secs
	s.weight = (1-b.lambda)*s.weight + b.lambda*score

	s.ring[s.next] = Sample{Elapsed: elapsed, At: time.Now()}
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
}

// Samples returns the retained raw samples for an agent, oldest first.
// Diagnostics only; selection math never reads the ring.
func (b *Balancer) Samples(agentID string) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.stats[agentID]
	if !ok {
		return nil
	}

	var out []Sample
	if s.full {
		out = append(out, s.ring[s.next:]...)
	}
	out = append(out, s.ring[:s.next]...)
	return out
}

// Forget drops the stats for an agent, typically after unregistration.
func (b *Balancer) Forget(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stats, agentID)
}

// Weights returns a copy of every tracked agent weight.
func (b *Balancer) Weights() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]float64, len(b.stats))
	for id, s := range b.stats {
		out[id] = s.weight
	}
	return out
}

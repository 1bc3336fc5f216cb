// Package health probes agent liveness on a fixed interval and feeds the
// registry's availability gate.
package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/drover-dev/drover/internal/registry"
	"github.com/drover-dev/drover/internal/transport"
	"github.com/drover-dev/drover/pkg/models"
)

const (
	// DefaultInterval is the probe cadence.
	DefaultInterval = 30 * time.Second
	// DefaultProbeTimeout bounds one probe call.
	DefaultProbeTimeout = 10 * time.Second
	// DefaultStaleness is the maximum heartbeat age before an agent is
	// excluded from selection.
	DefaultStaleness = 300 * time.Second
)

// Monitor periodically probes every registered agent and records the result.
// A successful probe marks the agent healthy and refreshes its heartbeat;
// availability is then the single predicate models.Agent.Available, which
// folds the health state and the staleness check together.
type Monitor struct {
	reg          *registry.Registry
	probers      map[models.Transport]transport.Prober
	interval     time.Duration
	probeTimeout time.Duration
}

// New creates a Monitor. probers maps each transport kind to its prober.
func New(reg *registry.Registry, probers map[models.Transport]transport.Prober,
	interval, probeTimeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Monitor{
		reg:          reg,
		probers:      probers,
		interval:     interval,
		probeTimeout: probeTimeout,
	}
}

// Run probes on the configured interval until ctx is cancelled. The first
// sweep fires immediately so freshly started engines gate on real data.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every registered agent once, concurrently. Exported so the
// engine can force a sweep right after registration.
func (m *Monitor) Sweep(ctx context.Context) {
	agents := m.reg.Snapshot()

	var wg sync.WaitGroup
	for _, agent := range agents {
		prober, ok := m.probers[agent.Transport]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(agent *models.Agent) {
			defer wg.Done()
			m.probeOne(ctx, prober, agent)
		}(agent)
	}
	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, prober transport.Prober, agent *models.Agent) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := prober.Probe(probeCtx, agent)
	if err != nil {
		log.Printf("[health] agent %s probe failed: %v", agent.ID, err)
	}
	m.reg.SetHealth(agent.ID, err == nil, time.Now())
}

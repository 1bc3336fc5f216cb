// Package registry holds known agents and their live load counters.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drover-dev/drover/pkg/models"
)

// ErrDuplicateAgent indicates a registration reused an existing agent ID.
var ErrDuplicateAgent = errors.New("duplicate agent id")

// ErrUnknownAgent indicates an operation referenced an agent that is not
// registered.
var ErrUnknownAgent = errors.New("unknown agent id")

// Selector ranks candidate agents and returns the preferred one, or nil if
// the candidate list is empty. Implemented by the load balancer.
type Selector interface {
	Select(candidates []*models.Agent) *models.Agent
}

// Registry tracks registered agents and enforces the per-agent load
// invariant 0 <= CurrentLoad <= MaxConcurrent. All mutation of agent load
// and health goes through the registry's mutex; agent pointers handed out
// by Snapshot are copies.
type Registry struct {
	mu sync.RWMutex
	// agents maps agent ID to the live agent record.
	agents map[string]*models.Agent
	// staleness is the maximum heartbeat age before an agent is excluded
	// from selection.
	staleness time.Duration
	// now is the clock, replaceable in tests.
	now func() time.Time
}

// New creates an empty registry with the given staleness window.
func New(staleness time.Duration) *Registry {
	return &Registry{
		agents:    make(map[string]*models.Agent),
		staleness: staleness,
		now:       time.Now,
	}
}

// SetClock replaces the registry clock. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register adds an agent. Fails with ErrDuplicateAgent if the ID exists.
func (r *Registry) Register(agent *models.Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, agent.ID)
	}
	if agent.Health == "" {
		agent.Health = models.HealthUnknown
	}
	r.agents[agent.ID] = agent
	return nil
}

// Unregister removes the agent. In-flight tasks already assigned to it are
// not retroactively altered.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	delete(r.agents, id)
	return nil
}

// Get returns a copy of the agent record, or nil if not registered.
func (r *Registry) Get(id string) *models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil
	}
	cp := *agent
	return &cp
}

// Snapshot returns copies of all registered agents, sorted by ID.
func (r *Registry) Snapshot() []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		cp := *agent
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// candidatesLocked returns live agents serving the specialization. If none
// match, general-purpose agents are offered as a fallback. Caller must hold
// r.mu.
func (r *Registry) candidatesLocked(spec models.Specialization) []*models.Agent {
	now := r.now()

	var matched, general []*models.Agent
	for _, agent := range r.agents {
		if !agent.Available(now, r.staleness) {
			continue
		}
		if agent.HasSpecialization(spec) {
			matched = append(matched, agent)
		} else if agent.GeneralPurpose() {
			general = append(general, agent)
		}
	}
	if len(matched) > 0 {
		return matched
	}
	return general
}

// Candidates returns copies of the agents eligible for the specialization.
func (r *Registry) Candidates(spec models.Specialization) []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live := r.candidatesLocked(spec)
	out := make([]*models.Agent, 0, len(live))
	for _, agent := range live {
		cp := *agent
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AcquireFor atomically selects an eligible agent for the specialization and
// claims one load slot on it. Selection and acquisition happen under one
// lock so two concurrent dispatches cannot both claim an agent's last slot.
// Returns nil if no candidate has a free slot.
func (r *Registry) AcquireFor(spec models.Specialization, sel Selector) *models.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.candidatesLocked(spec)
	open := candidates[:0:0]
	for _, agent := range candidates {
		if agent.CurrentLoad < agent.MaxConcurrent {
			open = append(open, agent)
		}
	}
	if len(open) == 0 {
		return nil
	}

	chosen := sel.Select(open)
	if chosen == nil {
		return nil
	}
	chosen.CurrentLoad++

	cp := *chosen
	return &cp
}

// Release returns a load slot claimed by AcquireFor. Releasing below zero or
// an unregistered agent is a no-op: the agent may have been unregistered
// while its task was in flight.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return
	}
	if agent.CurrentLoad > 0 {
		agent.CurrentLoad--
	}
}

// SetHealth records a probe outcome for the agent. A successful probe also
// refreshes the heartbeat; a failed probe leaves the old heartbeat so the
// staleness gate keeps an accurate age.
func (r *Registry) SetHealth(id string, healthy bool, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return
	}
	if healthy {
		agent.Health = models.HealthHealthy
		agent.LastHeartbeat = at
	} else {
		agent.Health = models.HealthUnhealthy
	}
}

// SetWeight mirrors the balancer's adaptive weight onto the agent record so
// status snapshots carry it.
func (r *Registry) SetWeight(id string, weight float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agent, ok := r.agents[id]; ok {
		agent.Weight = weight
	}
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

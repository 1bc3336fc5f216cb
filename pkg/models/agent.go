package models

import (
	"fmt"
	"time"
)

// Transport identifies how an agent is reached.
type Transport string

const (
	// TransportNetwork is a request/response HTTP endpoint.
	TransportNetwork Transport = "network"
	// TransportShell is a remote host reached over an SSH session.
	TransportShell Transport = "shell"
)

// Valid returns true if the transport is a known value.
func (t Transport) Valid() bool {
	switch t {
	case TransportNetwork, TransportShell:
		return true
	default:
		return false
	}
}

// ParseTransport converts a string into a Transport.
// Unknown values are rejected rather than degraded to a default.
func ParseTransport(s string) (Transport, error) {
	t := Transport(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown transport %q", s)
	}
	return t, nil
}

// Health represents the last observed liveness of an agent.
type Health string

const (
	// HealthUnknown means the agent has never been probed.
	HealthUnknown Health = "unknown"
	// HealthHealthy means the last probe succeeded.
	HealthHealthy Health = "healthy"
	// HealthUnhealthy means the last probe failed.
	HealthUnhealthy Health = "unhealthy"
)

// Valid returns true if the health state is a known value.
func (h Health) Valid() bool {
	switch h {
	case HealthUnknown, HealthHealthy, HealthUnhealthy:
		return true
	default:
		return false
	}
}

// Agent represents a worker capable of executing tasks, reachable via a
// network endpoint or a remote-shell host, with a fixed concurrency capacity.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Transport is how the agent is reached (network or shell).
	Transport Transport `json:"transport"`
	// Address is the endpoint URL for network agents, or user@host for
	// shell agents.
	Address string `json:"address"`
	// Model is the model identifier served by this agent.
	Model string `json:"model,omitempty"`
	// Specializations lists the capability tags this agent can serve.
	Specializations []Specialization `json:"specializations"`
	// MaxConcurrent is the maximum number of tasks this agent may run at once.
	MaxConcurrent int `json:"max_concurrent"`
	// CurrentLoad is the number of tasks currently assigned.
	// Invariant: 0 <= CurrentLoad <= MaxConcurrent. Mutated only through
	// the registry's Acquire/Release.
	CurrentLoad int `json:"current_load"`
	// Weight is the adaptive performance score (higher = better).
	Weight float64 `json:"weight"`
	// LastHeartbeat is when the agent last answered a health probe.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// Health is the last observed probe result.
	Health Health `json:"health"`
}

// Utilization returns CurrentLoad / MaxConcurrent in [0, 1].
func (a *Agent) Utilization() float64 {
	if a.MaxConcurrent <= 0 {
		return 1.0
	}
	return float64(a.CurrentLoad) / float64(a.MaxConcurrent)
}

// HasSpecialization returns true if the agent serves the given tag.
func (a *Agent) HasSpecialization(s Specialization) bool {
	for _, have := range a.Specializations {
		if have == s {
			return true
		}
	}
	return false
}

// GeneralPurpose returns true if the agent carries the general tag and can
// act as a fallback for any specialization.
func (a *Agent) GeneralPurpose() bool {
	return a.HasSpecialization(SpecGeneral)
}

// Available is the single authoritative selection gate: the agent must be
// healthy AND its heartbeat must be younger than the staleness window.
func (a *Agent) Available(now time.Time, staleness time.Duration) bool {
	if a.Health != HealthHealthy {
		return false
	}
	return now.Sub(a.LastHeartbeat) < staleness
}

// Validate checks that the agent definition is internally consistent.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if !a.Transport.Valid() {
		return fmt.Errorf("agent %s: unknown transport %q", a.ID, a.Transport)
	}
	if a.Address == "" {
		return fmt.Errorf("agent %s: address is required", a.ID)
	}
	if a.MaxConcurrent < 1 {
		return fmt.Errorf("agent %s: max_concurrent must be at least 1", a.ID)
	}
	if len(a.Specializations) == 0 {
		return fmt.Errorf("agent %s: at least one specialization is required", a.ID)
	}
	for _, s := range a.Specializations {
		if !s.Valid() {
			return fmt.Errorf("agent %s: unknown specialization %q", a.ID, s)
		}
	}
	return nil
}

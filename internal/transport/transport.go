// Package transport defines the uniform execution contract the dispatcher
// uses for every agent, regardless of how the agent is reached.
package transport

import (
	"context"

	"github.com/drover-dev/drover/pkg/models"
)

// Outcome is the result of one transport invocation.
type Outcome struct {
	// Result is the agent's primary output: the response body for network
	// agents, stdout for shell agents.
	Result string
	// Stderr carries diagnostic output for shell agents.
	Stderr string
	// ExitCode is the remote command's exit code for shell agents.
	ExitCode int
}

// Invoker executes a task on an agent. Implementations must honor ctx
// cancellation and deadlines; the dispatcher applies the per-call timeout
// through the context.
type Invoker interface {
	Invoke(ctx context.Context, agent *models.Agent, task *models.Task) (*Outcome, error)
}

// Prober checks an agent's reachability with a lightweight request. Used by
// the health monitor and registration pre-flight, never for task execution.
type Prober interface {
	Probe(ctx context.Context, agent *models.Agent) error
}

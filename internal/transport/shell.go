package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/drover-dev/drover/internal/sshexec"
	"github.com/drover-dev/drover/pkg/models"
)

// Shell invokes remote-shell agents through the pooled SSH executor.
type Shell struct {
	exec *sshexec.Executor
}

// NewShell wraps the SSH executor as a transport.
func NewShell(exec *sshexec.Executor) *Shell {
	return &Shell{exec: exec}
}

// Invoke runs the task's command on the agent host. The payload must carry
// the command under the "command" key; shell tasks with no command fail
// before any connection is made.
func (s *Shell) Invoke(ctx context.Context, agent *models.Agent, task *models.Task) (*Outcome, error) {
	command, err := commandFromPayload(task.Payload)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}

	user, host := s.exec.ParseAddress(agent.Address)
	// Timeout rides on ctx; the executor applies no additional one here.
	res, err := s.exec.Execute(ctx, user, host, command, 0)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agent.ID, err)
	}
	if !res.Ok() {
		return nil, fmt.Errorf("agent %s: command exited %d: %s",
			agent.ID, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return &Outcome{Result: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// Probe runs the canned liveness command on the agent host.
func (s *Shell) Probe(ctx context.Context, agent *models.Agent) error {
	return s.exec.TestConnection(ctx, agent.Address)
}

// commandFromPayload extracts the shell command from an opaque payload.
func commandFromPayload(payload map[string]any) (string, error) {
	raw, ok := payload["command"]
	if !ok {
		return "", fmt.Errorf("payload has no command")
	}
	command, ok := raw.(string)
	if !ok || strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("payload command is not a non-empty string")
	}
	return command, nil
}

var (
	_ Invoker = (*Shell)(nil)
	_ Prober  = (*Shell)(nil)
)

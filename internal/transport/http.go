package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/drover-dev/drover/pkg/models"
)

const (
	// executePath is the invocation endpoint relative to the agent address.
	executePath = "/v1/execute"
	// healthPath is the liveness endpoint relative to the agent address.
	healthPath = "/healthz"
	// maxResponseBytes bounds how much of an agent response is read.
	maxResponseBytes = 8 << 20
)

// HTTP invokes network agents over a JSON request/response endpoint.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates the network transport. The per-call timeout comes from the
// dispatcher's context, so the underlying client carries none of its own.
func NewHTTP() *HTTP {
	return &HTTP{client: &http.Client{}}
}

// invokeRequest is the wire format sent to a network agent.
type invokeRequest struct {
	TaskID         string         `json:"task_id"`
	Model          string         `json:"model,omitempty"`
	Specialization string         `json:"specialization"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// invokeResponse is the wire format returned by a network agent.
type invokeResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Invoke POSTs the task to the agent's execute endpoint.
func (h *HTTP) Invoke(ctx context.Context, agent *models.Agent, task *models.Task) (*Outcome, error) {
	body, err := json.Marshal(invokeRequest{
		TaskID:         task.ID,
		Model:          agent.Model,
		Specialization: string(task.Specialization),
		Payload:        task.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(agent.Address, "/") + executePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call agent %s: %w", agent.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response from agent %s: %w", agent.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent %s returned status %d: %s",
			agent.ID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out invokeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response from agent %s: %w", agent.ID, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("agent %s reported error: %s", agent.ID, out.Error)
	}
	return &Outcome{Result: out.Result}, nil
}

// Probe issues a lightweight GET against the agent's health endpoint.
func (h *HTTP) Probe(ctx context.Context, agent *models.Agent) error {
	url := strings.TrimRight(agent.Address, "/") + healthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe agent %s: %w", agent.ID, err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent %s health returned status %d", agent.ID, resp.StatusCode)
	}
	return nil
}

var (
	_ Invoker = (*HTTP)(nil)
	_ Prober  = (*HTTP)(nil)
)

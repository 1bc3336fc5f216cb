package models

import (
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates the task is being executed by an agent.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before or during
	// execution. Cancellation is cooperative: an in-flight remote call is
	// not interrupted, only the bookkeeping changes.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Specialization is a capability tag used to route tasks to suitable agents.
// The set is closed: unknown tags are rejected at the boundary instead of
// silently degrading to a generic category.
type Specialization string

const (
	// SpecCode is code generation and review work.
	SpecCode Specialization = "code"
	// SpecReasoning is multi-step reasoning and planning work.
	SpecReasoning Specialization = "reasoning"
	// SpecResearch is retrieval and summarization work.
	SpecResearch Specialization = "research"
	// SpecToolUse is tool-execution work (shell commands, scripts).
	SpecToolUse Specialization = "tooluse"
	// SpecEmbedding is embedding computation work.
	SpecEmbedding Specialization = "embedding"
	// SpecGeneral marks an agent as a fallback for any specialization.
	SpecGeneral Specialization = "general"
)

// Valid returns true if the specialization is a known value.
func (s Specialization) Valid() bool {
	switch s {
	case SpecCode, SpecReasoning, SpecResearch, SpecToolUse, SpecEmbedding, SpecGeneral:
		return true
	default:
		return false
	}
}

// ParseSpecialization converts a string into a Specialization.
func ParseSpecialization(s string) (Specialization, error) {
	spec := Specialization(s)
	if !spec.Valid() {
		return "", fmt.Errorf("unknown specialization %q", s)
	}
	return spec, nil
}

// Task represents a unit of work routed to an agent.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Specialization is the capability tag used for agent selection.
	Specialization Specialization `json:"specialization"`
	// Priority orders dispatch: lower integer = more urgent.
	// Ties are broken by submission order (FIFO).
	Priority int `json:"priority"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Payload is the opaque task input handed to the transport.
	Payload map[string]any `json:"payload,omitempty"`
	// DependsOn lists task IDs that must complete before this task runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// AssignedAgent is the ID of the agent the task was dispatched to.
	AssignedAgent string `json:"assigned_agent,omitempty"`
	// Result holds the agent's output for a completed task.
	Result string `json:"result,omitempty"`
	// Error holds the failure description for a failed task.
	Error string `json:"error,omitempty"`
	// WorkflowID links the task to a workflow, if any.
	WorkflowID string `json:"workflow_id,omitempty"`
	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Seq is the submission sequence number, used as the FIFO tiebreak.
	Seq uint64 `json:"-"`
	// Requeues counts how many dispatch cycles found no available agent.
	Requeues int `json:"-"`
}

// Clone returns a shallow snapshot of the task safe to hand to callers.
func (t *Task) Clone() *Task {
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Payload != nil {
		cp.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			cp.Payload[k] = v
		}
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

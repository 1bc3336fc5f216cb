package models

import "time"

// WorkflowStatus is the aggregate status derived from a workflow's tasks.
type WorkflowStatus string

const (
	// WorkflowStatusPending means no task has started yet.
	WorkflowStatusPending WorkflowStatus = "pending"
	// WorkflowStatusRunning means at least one task is in progress.
	WorkflowStatusRunning WorkflowStatus = "running"
	// WorkflowStatusCompleted means every task completed successfully.
	WorkflowStatusCompleted WorkflowStatus = "completed"
	// WorkflowStatusFailed means at least one task failed. This is reported
	// as soon as the first failure lands, even while siblings still run.
	WorkflowStatusFailed WorkflowStatus = "failed"
	// WorkflowStatusCancelled means every task is terminal, none failed,
	// and at least one was cancelled.
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Workflow is a set of tasks related by dependency edges, submitted and
// tracked as a unit. Its status is always derived from its tasks.
type Workflow struct {
	// ID is the unique identifier for this workflow.
	ID string `json:"id"`
	// TaskIDs lists the tasks belonging to this workflow.
	TaskIDs []string `json:"task_ids"`
	// CreatedAt is when the workflow was submitted.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when every task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AggregateStatus derives a workflow status from its tasks.
// Failure wins immediately; otherwise the workflow is terminal only once
// every task is terminal.
func AggregateStatus(tasks []*Task) WorkflowStatus {
	if len(tasks) == 0 {
		return WorkflowStatusPending
	}

	allTerminal := true
	anyRunning := false
	anyCancelled := false
	for _, t := range tasks {
		switch t.Status {
		case TaskStatusFailed:
			return WorkflowStatusFailed
		case TaskStatusInProgress:
			anyRunning = true
			allTerminal = false
		case TaskStatusPending:
			allTerminal = false
		case TaskStatusCancelled:
			anyCancelled = true
		}
	}

	if allTerminal {
		if anyCancelled {
			return WorkflowStatusCancelled
		}
		return WorkflowStatusCompleted
	}
	if anyRunning {
		return WorkflowStatusRunning
	}
	return WorkflowStatusPending
}

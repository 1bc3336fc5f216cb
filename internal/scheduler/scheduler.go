// Package scheduler turns task and workflow submissions into a
// dependency-respecting ready queue and owns every task state transition.
package scheduler

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drover-dev/drover/internal/graph"
	"github.com/drover-dev/drover/pkg/models"
)

// ErrUnknownTask indicates an operation referenced a task that does not exist.
var ErrUnknownTask = errors.New("unknown task id")

// ErrUnknownWorkflow indicates an operation referenced a workflow that does
// not exist.
var ErrUnknownWorkflow = errors.New("unknown workflow id")

// ErrUnknownID indicates a cancel target matched neither a task nor a
// workflow.
var ErrUnknownID = errors.New("id matches no task or workflow")

// TaskDef is a task submission.
type TaskDef struct {
	// Ref optionally names the task within a workflow submission so sibling
	// defs can depend on it before IDs are assigned.
	Ref string `yaml:"ref,omitempty" json:"ref,omitempty"`
	// Specialization routes the task to suitable agents.
	Specialization string `yaml:"specialization" json:"specialization"`
	// Priority orders dispatch: lower integer = more urgent.
	Priority int `yaml:"priority" json:"priority"`
	// Payload is the opaque task input.
	Payload map[string]any `yaml:"payload" json:"payload"`
	// DependsOn lists refs of sibling defs (workflow submission) or IDs of
	// existing tasks.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// WorkflowID attaches a single-task submission to an existing workflow.
	WorkflowID string `yaml:"workflow_id,omitempty" json:"workflow_id,omitempty"`
}

// Store is the persistence collaborator. Calls are best-effort: the
// scheduler's in-memory view stays authoritative and a failing store never
// blocks scheduling.
type Store interface {
	SaveTask(task *models.Task) error
	UpdateTask(task *models.Task) error
}

// Scheduler owns the task and workflow records and the dependency graph.
// All task mutation goes through its mutex; the dispatcher only observes
// tasks through the transition methods here.
type Scheduler struct {
	mu        sync.Mutex
	graph     *graph.DependencyGraph
	tasks     map[string]*models.Task
	workflows map[string]*models.Workflow
	seq       uint64
	store     Store
	now       func() time.Time
	// trigger wakes the dispatcher when a terminal transition may have
	// unblocked dependents.
	trigger chan struct{}
}

// New creates an empty scheduler. store may be nil.
func New(store Store) *Scheduler {
	return &Scheduler{
		graph:     graph.New(),
		tasks:     make(map[string]*models.Task),
		workflows: make(map[string]*models.Workflow),
		store:     store,
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
	}
}

// SetClock replaces the scheduler clock. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Trigger returns a channel that receives a tick whenever new work may be
// ready, so the dispatcher can wake before its next cycle.
func (s *Scheduler) Trigger() <-chan struct{} {
	return s.trigger
}

func (s *Scheduler) kick() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// SubmitTask registers a single task. Dependencies must reference existing
// tasks. Returns the assigned task ID.
func (s *Scheduler) SubmitTask(def TaskDef) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.buildTaskLocked(def, def.WorkflowID)
	if err != nil {
		return "", err
	}
	if def.WorkflowID != "" {
		if _, ok := s.workflows[def.WorkflowID]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownWorkflow, def.WorkflowID)
		}
	}

	if err := s.graph.Add([]*models.Task{task}); err != nil {
		return "", err
	}
	s.tasks[task.ID] = task
	if def.WorkflowID != "" {
		wf := s.workflows[def.WorkflowID]
		wf.TaskIDs = append(wf.TaskIDs, task.ID)
	}

	s.persist(task, true)
	s.settleTerminalDepsLocked(task)
	s.kick()
	return task.ID, nil
}

// SubmitWorkflow registers a set of tasks as one workflow. Sibling defs
// reference each other through their Ref names; dependencies may also name
// existing task IDs. Returns the assigned workflow ID.
func (s *Scheduler) SubmitWorkflow(defs []TaskDef) (string, error) {
	if len(defs) == 0 {
		return "", fmt.Errorf("workflow has no tasks")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wfID := uuid.New().String()

	// First pass: assign IDs so refs can resolve.
	refs := make(map[string]string, len(defs))
	batch := make([]*models.Task, 0, len(defs))
	for i := range defs {
		task, err := s.buildTaskLocked(defs[i], wfID)
		if err != nil {
			return "", err
		}
		if defs[i].Ref != "" {
			if _, dup := refs[defs[i].Ref]; dup {
				return "", fmt.Errorf("duplicate ref %q in workflow", defs[i].Ref)
			}
			refs[defs[i].Ref] = task.ID
		}
		batch = append(batch, task)
	}

	// Second pass: rewrite ref dependencies to assigned IDs.
	for _, task := range batch {
		for i, dep := range task.DependsOn {
			if id, ok := refs[dep]; ok {
				task.DependsOn[i] = id
			}
		}
	}

	if err := s.graph.Add(batch); err != nil {
		return "", err
	}

	wf := &models.Workflow{ID: wfID, CreatedAt: s.now()}
	for _, task := range batch {
		s.tasks[task.ID] = task
		wf.TaskIDs = append(wf.TaskIDs, task.ID)
		s.persist(task, true)
	}
	s.workflows[wfID] = wf

	for _, task := range batch {
		s.settleTerminalDepsLocked(task)
	}

	s.kick()
	return wfID, nil
}

// buildTaskLocked validates a def and constructs the task record.
// Ref-based dependencies are left for the caller to resolve.
func (s *Scheduler) buildTaskLocked(def TaskDef, workflowID string) (*models.Task, error) {
	spec, err := models.ParseSpecialization(def.Specialization)
	if err != nil {
		return nil, err
	}

	s.seq++
	return &models.Task{
		ID:             uuid.New().String(),
		Specialization: spec,
		Priority:       def.Priority,
		Status:         models.TaskStatusPending,
		Payload:        def.Payload,
		DependsOn:      append([]string(nil), def.DependsOn...),
		WorkflowID:     workflowID,
		CreatedAt:      s.now(),
		Seq:            s.seq,
	}, nil
}

// Ready returns up to max pending tasks whose dependencies have all
// completed, ordered by priority (lower first) then submission order.
func (s *Scheduler) Ready(max int) []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.graph.Ready()
	ready := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		if task, ok := s.tasks[id]; ok && task.Status == models.TaskStatusPending {
			ready = append(ready, task)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].Seq < ready[j].Seq
	})

	if max > 0 && len(ready) > max {
		ready = ready[:max]
	}

	// Hand out snapshots; transitions go through scheduler methods.
	out := make([]*models.Task, len(ready))
	for i, task := range ready {
		out[i] = task.Clone()
	}
	return out
}

// MarkDispatched transitions a pending task to in_progress on the given
// agent. Fails if the task was cancelled (or otherwise left pending) since
// the ready snapshot was taken.
func (s *Scheduler) MarkDispatched(taskID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if task.Status != models.TaskStatusPending {
		return fmt.Errorf("task %s is %s, not pending", taskID, task.Status)
	}
	task.Status = models.TaskStatusInProgress
	task.AssignedAgent = agentID
	s.persist(task, false)
	return nil
}

// Undispatch reverts an in_progress task back to pending. Only used when a
// dispatch was admitted but its transport call never started.
func (s *Scheduler) Undispatch(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if task.Status != models.TaskStatusInProgress {
		return fmt.Errorf("task %s is %s, not in_progress", taskID, task.Status)
	}
	task.Status = models.TaskStatusPending
	task.AssignedAgent = ""
	s.persist(task, false)
	return nil
}

// Complete records a successful result. Pending tasks may complete directly
// (cache short-circuit). Returns false when the task was already terminal:
// a task cancelled while in flight stays cancelled and the late result is
// dropped.
func (s *Scheduler) Complete(taskID, result string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if task.Status.Terminal() {
		return false, nil
	}
	task.Status = models.TaskStatusCompleted
	task.Result = result
	s.stampLocked(task)
	s.graph.MarkComplete(task.ID)
	s.persist(task, false)
	s.finishWorkflowLocked(task.WorkflowID)
	s.kick()
	return true, nil
}

// Fail records a failure and propagates it: pending dependents can never
// become ready, so they transition to failed immediately instead of
// stalling silently.
func (s *Scheduler) Fail(taskID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if task.Status.Terminal() {
		return nil
	}
	s.failLocked(task, errMsg)
	s.kick()
	return nil
}

// failLocked marks the task failed and cascades to pending dependents.
func (s *Scheduler) failLocked(task *models.Task, errMsg string) {
	task.Status = models.TaskStatusFailed
	task.Error = errMsg
	s.stampLocked(task)
	s.persist(task, false)
	s.cascadeLocked(task.ID, models.TaskStatusFailed)
	s.finishWorkflowLocked(task.WorkflowID)
}

// cascadeLocked propagates a terminal dependency to its pending dependents.
// A failed dependency fails them; a cancelled dependency cancels them.
func (s *Scheduler) cascadeLocked(taskID string, cause models.TaskStatus) {
	for _, depID := range s.graph.Dependents(taskID) {
		dep, ok := s.tasks[depID]
		if !ok || dep.Status != models.TaskStatusPending {
			continue
		}
		switch cause {
		case models.TaskStatusFailed:
			dep.Status = models.TaskStatusFailed
			dep.Error = "dependency failed: " + taskID
		case models.TaskStatusCancelled:
			dep.Status = models.TaskStatusCancelled
			dep.Error = "dependency cancelled: " + taskID
		default:
			continue
		}
		s.stampLocked(dep)
		s.persist(dep, false)
		s.cascadeLocked(dep.ID, cause)
		s.finishWorkflowLocked(dep.WorkflowID)
	}
}

// settleTerminalDepsLocked fails or cancels a freshly submitted task whose
// dependency already reached a terminal state. Cascades only fire when a
// dependency transitions, so a dependent arriving afterwards must be settled
// at submission or it would stay pending forever.
func (s *Scheduler) settleTerminalDepsLocked(task *models.Task) {
	if task.Status != models.TaskStatusPending {
		return
	}
	for _, depID := range task.DependsOn {
		dep, ok := s.tasks[depID]
		if !ok {
			continue
		}
		switch dep.Status {
		case models.TaskStatusFailed:
			task.Status = models.TaskStatusFailed
			task.Error = "dependency failed: " + depID
		case models.TaskStatusCancelled:
			task.Status = models.TaskStatusCancelled
			task.Error = "dependency cancelled: " + depID
		default:
			continue
		}
		s.stampLocked(task)
		s.persist(task, false)
		s.cascadeLocked(task.ID, task.Status)
		s.finishWorkflowLocked(task.WorkflowID)
		return
	}
}

// NoteRequeue counts a dispatch cycle that found no available agent for the
// task and returns the updated count.
func (s *Scheduler) NoteRequeue(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return 0
	}
	task.Requeues++
	return task.Requeues
}

// Cancel cancels the task or workflow with the given ID. Pending tasks are
// cancelled outright and their dependents cascade; in-progress tasks are
// cancelled in bookkeeping only, since the in-flight remote call cannot be
// interrupted.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.tasks[id]; ok {
		s.cancelTaskLocked(task)
		s.kick()
		return nil
	}
	if wf, ok := s.workflows[id]; ok {
		for _, taskID := range wf.TaskIDs {
			if task, ok := s.tasks[taskID]; ok {
				s.cancelTaskLocked(task)
			}
		}
		s.kick()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownID, id)
}

func (s *Scheduler) cancelTaskLocked(task *models.Task) {
	switch task.Status {
	case models.TaskStatusPending, models.TaskStatusInProgress:
		task.Status = models.TaskStatusCancelled
		s.stampLocked(task)
		s.persist(task, false)
		s.cascadeLocked(task.ID, models.TaskStatusCancelled)
		s.finishWorkflowLocked(task.WorkflowID)
	}
}

// Task returns a snapshot of the task record.
func (s *Scheduler) Task(id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return task.Clone(), nil
}

// WorkflowSnapshot is a point-in-time view of a workflow and its tasks.
type WorkflowSnapshot struct {
	Workflow models.Workflow
	Status   models.WorkflowStatus
	Tasks    []*models.Task
}

// WorkflowStatus returns a snapshot of the workflow, its derived status, and
// copies of its tasks.
func (s *Scheduler) WorkflowStatus(id string) (*WorkflowSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
	}

	snap := &WorkflowSnapshot{Workflow: *wf}
	members := make([]*models.Task, 0, len(wf.TaskIDs))
	for _, taskID := range wf.TaskIDs {
		if task, ok := s.tasks[taskID]; ok {
			members = append(members, task)
			snap.Tasks = append(snap.Tasks, task.Clone())
		}
	}
	snap.Status = models.AggregateStatus(members)
	return snap, nil
}

// stampLocked sets CompletedAt for a task entering a terminal state.
func (s *Scheduler) stampLocked(task *models.Task) {
	at := s.now()
	task.CompletedAt = &at
}

// finishWorkflowLocked stamps the workflow's CompletedAt once every member
// task is terminal.
func (s *Scheduler) finishWorkflowLocked(workflowID string) {
	if workflowID == "" {
		return
	}
	wf, ok := s.workflows[workflowID]
	if !ok || wf.CompletedAt != nil {
		return
	}
	for _, taskID := range wf.TaskIDs {
		task, ok := s.tasks[taskID]
		if !ok || !task.Status.Terminal() {
			return
		}
	}
	at := s.now()
	wf.CompletedAt = &at
}

// Cleanup purges terminal tasks past the retention window, then workflows
// whose tasks are all gone. A task is kept while any dependent is still
// non-terminal, since removing it would erase the completion record its
// dependents wait on.
func (s *Scheduler) Cleanup(retention time.Duration) (tasksRemoved, workflowsRemoved int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-retention)
	for id, task := range s.tasks {
		if !task.Status.Terminal() || task.CompletedAt == nil || task.CompletedAt.After(cutoff) {
			continue
		}

		blocked := false
		for _, depID := range s.graph.Dependents(id) {
			if dep, ok := s.tasks[depID]; ok && !dep.Status.Terminal() {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}

		delete(s.tasks, id)
		s.graph.Remove(id)
		tasksRemoved++
	}

	for id, wf := range s.workflows {
		remaining := 0
		for _, taskID := range wf.TaskIDs {
			if _, ok := s.tasks[taskID]; ok {
				remaining++
			}
		}
		if remaining == 0 && wf.CompletedAt != nil && wf.CompletedAt.Before(cutoff) {
			delete(s.workflows, id)
			workflowsRemoved++
		}
	}
	return tasksRemoved, workflowsRemoved
}

// Counts returns the number of tasks per status. Used by gauges and status
// output.
func (s *Scheduler) Counts() map[models.TaskStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[models.TaskStatus]int)
	for _, task := range s.tasks {
		out[task.Status]++
	}
	return out
}

// persist writes a task to the store, logging failures. The in-memory view
// stays authoritative.
func (s *Scheduler) persist(task *models.Task, created bool) {
	if s.store == nil {
		return
	}
	var err error
	if created {
		err = s.store.SaveTask(task)
	} else {
		err = s.store.UpdateTask(task)
	}
	if err != nil {
		log.Printf("[scheduler] persist task %s failed: %v", task.ID, err)
	}
}

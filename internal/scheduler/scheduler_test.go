package scheduler

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/drover-dev/drover/pkg/models"
)

func def(ref string, deps ...string) TaskDef {
	return TaskDef{Ref: ref, Specialization: "code", DependsOn: deps}
}

func submitChain(t *testing.T, s *Scheduler) (wfID string, ids map[string]string) {
	t.Helper()
	wfID, err := s.SubmitWorkflow([]TaskDef{
		def("a"),
		def("b", "a"),
		def("c", "b"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, err := s.WorkflowStatus(wfID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids = make(map[string]string)
	for i, name := range []string{"a", "b", "c"} {
		ids[name] = snap.Tasks[i].ID
	}
	return wfID, ids
}

func TestSubmitTask(t *testing.T) {
	s := New(nil)
	id, err := s.SubmitTask(TaskDef{Specialization: "reasoning", Priority: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	task, err := s.Task(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Status != models.TaskStatusPending {
		t.Errorf("expected pending, got %s", task.Status)
	}
	if task.Specialization != models.SpecReasoning {
		t.Errorf("expected reasoning, got %s", task.Specialization)
	}
	if task.Priority != 2 {
		t.Errorf("expected priority 2, got %d", task.Priority)
	}
}

func TestSubmitTaskUnknownSpecialization(t *testing.T) {
	s := New(nil)
	if _, err := s.SubmitTask(TaskDef{Specialization: "quantum"}); err == nil {
		t.Error("expected error for unknown specialization")
	}
}

func TestSubmitTaskUnknownDependency(t *testing.T) {
	s := New(nil)
	if _, err := s.SubmitTask(TaskDef{Specialization: "code", DependsOn: []string{"ghost"}}); err == nil {
		t.Error("expected error for unknown dependency")
	}
}

func TestSubmitTaskDependsOnExistingTask(t *testing.T) {
	s := New(nil)
	first, err := s.SubmitTask(TaskDef{Specialization: "code"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.SubmitTask(TaskDef{Specialization: "code", DependsOn: []string{first}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ready := s.Ready(0)
	if len(ready) != 1 || ready[0].ID != first {
		t.Fatalf("expected only first task ready, got %v", ready)
	}

	if err := s.MarkDispatched(first, "agent"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Complete(first, "done"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ready = s.Ready(0)
	if len(ready) != 1 || ready[0].ID != second {
		t.Errorf("expected second task ready after first completes, got %v", ready)
	}
}

func TestSubmitTaskAttachToWorkflow(t *testing.T) {
	s := New(nil)
	wfID, _ := submitChain(t, s)

	id, err := s.SubmitTask(TaskDef{Specialization: "code", WorkflowID: wfID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, err := s.WorkflowStatus(wfID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Tasks) != 4 {
		t.Errorf("expected 4 workflow tasks, got %d", len(snap.Tasks))
	}
	task, _ := s.Task(id)
	if task.WorkflowID != wfID {
		t.Errorf("expected task linked to workflow %s, got %s", wfID, task.WorkflowID)
	}
}

func TestSubmitTaskToUnknownWorkflow(t *testing.T) {
	s := New(nil)
	_, err := s.SubmitTask(TaskDef{Specialization: "code", WorkflowID: "ghost"})
	if !errors.Is(err, ErrUnknownWorkflow) {
		t.Errorf("expected ErrUnknownWorkflow, got %v", err)
	}
}

func TestSubmitWorkflowRefResolution(t *testing.T) {
	s := New(nil)
	_, ids := submitChain(t, s)

	task, _ := s.Task(ids["b"])
	if len(task.DependsOn) != 1 || task.DependsOn[0] != ids["a"] {
		t.Errorf("expected ref dependency rewritten to task ID, got %v", task.DependsOn)
	}
}

func TestSubmitWorkflowEmpty(t *testing.T) {
	s := New(nil)
	if _, err := s.SubmitWorkflow(nil); err == nil {
		t.Error("expected error for empty workflow")
	}
}

func TestSubmitWorkflowDuplicateRef(t *testing.T) {
	s := New(nil)
	_, err := s.SubmitWorkflow([]TaskDef{def("a"), def("a")})
	if err == nil || !strings.Contains(err.Error(), "duplicate ref") {
		t.Errorf("expected duplicate ref error, got %v", err)
	}
}

func TestSubmitWorkflowCycle(t *testing.T) {
	s := New(nil)
	_, err := s.SubmitWorkflow([]TaskDef{def("a", "b"), def("b", "a")})
	if err == nil {
		t.Error("expected error for cyclic workflow")
	}
}

func TestReadyOrderPriorityThenFIFO(t *testing.T) {
	s := New(nil)
	low, _ := s.SubmitTask(TaskDef{Specialization: "code", Priority: 5})
	urgentFirst, _ := s.SubmitTask(TaskDef{Specialization: "code", Priority: 1})
	urgentSecond, _ := s.SubmitTask(TaskDef{Specialization: "code", Priority: 1})

	ready := s.Ready(0)
	if len(ready) != 3 {
		t.Fatalf("expected 3 ready tasks, got %d", len(ready))
	}
	want := []string{urgentFirst, urgentSecond, low}
	for i, id := range want {
		if ready[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, ready[i].ID)
		}
	}
}

func TestReadyRespectsMax(t *testing.T) {
	s := New(nil)
	for i := 0; i < 5; i++ {
		s.SubmitTask(TaskDef{Specialization: "code"})
	}
	if got := len(s.Ready(2)); got != 2 {
		t.Errorf("expected 2 ready tasks with max 2, got %d", got)
	}
	if got := len(s.Ready(0)); got != 5 {
		t.Errorf("expected all 5 ready tasks with max 0, got %d", got)
	}
}

func TestMarkDispatchedTransitions(t *testing.T) {
	s := New(nil)
	id, _ := s.SubmitTask(TaskDef{Specialization: "code"})

	if err := s.MarkDispatched(id, "agent-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task, _ := s.Task(id)
	if task.Status != models.TaskStatusInProgress || task.AssignedAgent != "agent-1" {
		t.Errorf("unexpected task state: %+v", task)
	}

	// Double dispatch is rejected.
	if err := s.MarkDispatched(id, "agent-2"); err == nil {
		t.Error("expected error dispatching a non-pending task")
	}
	if err := s.MarkDispatched("ghost", "agent-1"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}

func TestUndispatch(t *testing.T) {
	s := New(nil)
	id, _ := s.SubmitTask(TaskDef{Specialization: "code"})
	s.MarkDispatched(id, "agent-1")

	if err := s.Undispatch(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task, _ := s.Task(id)
	if task.Status != models.TaskStatusPending || task.AssignedAgent != "" {
		t.Errorf("expected task back to pending, got %+v", task)
	}

	if err := s.Undispatch(id); err == nil {
		t.Error("expected error undispatching a pending task")
	}
}

func TestCompleteUnblocksDependents(t *testing.T) {
	s := New(nil)
	_, ids := submitChain(t, s)

	s.MarkDispatched(ids["a"], "agent")
	if _, err := s.Complete(ids["a"], "out-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ready := s.Ready(0)
	if len(ready) != 1 || ready[0].ID != ids["b"] {
		t.Errorf("expected b ready after a completes, got %v", ready)
	}
	task, _ := s.Task(ids["a"])
	if task.Result != "out-a" || task.CompletedAt == nil {
		t.Errorf("expected completed task with result, got %+v", task)
	}
}

func TestCompletePendingDirectly(t *testing.T) {
	// Cache hits complete a task that was never dispatched.
	s := New(nil)
	id, _ := s.SubmitTask(TaskDef{Specialization: "code"})
	applied, err := s.Complete(id, "cached")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Error("expected completion applied to a pending task")
	}
	task, _ := s.Task(id)
	if task.Status != models.TaskStatusCompleted || task.Result != "cached" {
		t.Errorf("unexpected task state: %+v", task)
	}
}

func TestCompleteAfterCancelIsDropped(t *testing.T) {
	s := New(nil)
	id, _ := s.SubmitTask(TaskDef{Specialization: "code"})
	s.MarkDispatched(id, "agent")
	s.Cancel(id)

	applied, err := s.Complete(id, "late result")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Error("expected late completion reported as not applied")
	}
	task, _ := s.Task(id)
	if task.Status != models.TaskStatusCancelled {
		t.Errorf("expected cancelled to stick, got %s", task.Status)
	}
	if task.Result != "" {
		t.Errorf("expected late result dropped, got %q", task.Result)
	}
}

func TestSubmitTaskDependencyAlreadyFailed(t *testing.T) {
	s := New(nil)
	first, _ := s.SubmitTask(TaskDef{Specialization: "code"})
	s.MarkDispatched(first, "agent")
	if err := s.Fail(first, "boom"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := s.SubmitTask(TaskDef{Specialization: "code", DependsOn: []string{first}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	task, _ := s.Task(second)
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("expected dependent failed at submission, got %s", task.Status)
	}
	if task.Error != "dependency failed: "+first {
		t.Errorf("unexpected error message %q", task.Error)
	}
	if task.CompletedAt == nil {
		t.Error("expected completion stamped")
	}
	if len(s.Ready(0)) != 0 {
		t.Error("expected nothing ready")
	}
}

func TestSubmitTaskDependencyAlreadyCancelled(t *testing.T) {
	s := New(nil)
	first, _ := s.SubmitTask(TaskDef{Specialization: "code"})
	if err := s.Cancel(first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := s.SubmitTask(TaskDef{Specialization: "code", DependsOn: []string{first}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	task, _ := s.Task(second)
	if task.Status != models.TaskStatusCancelled {
		t.Fatalf("expected dependent cancelled at submission, got %s", task.Status)
	}
	if task.Error != "dependency cancelled: "+first {
		t.Errorf("unexpected error message %q", task.Error)
	}
}

func TestSubmitWorkflowDependencyAlreadyFailed(t *testing.T) {
	s := New(nil)
	first, _ := s.SubmitTask(TaskDef{Specialization: "code"})
	s.MarkDispatched(first, "agent")
	s.Fail(first, "boom")

	// b depends on the failed existing task, c on b: both settle at
	// submission, recursively.
	wfID, err := s.SubmitWorkflow([]TaskDef{
		def("b", first),
		def("c", "b"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, _ := s.WorkflowStatus(wfID)
	for _, task := range snap.Tasks {
		if task.Status != models.TaskStatusFailed {
			t.Errorf("expected %s failed, got %s", task.ID, task.Status)
		}
		if !strings.HasPrefix(task.Error, "dependency failed:") {
			t.Errorf("expected dependency failure error, got %q", task.Error)
		}
	}
	if snap.Status != models.WorkflowStatusFailed {
		t.Errorf("expected workflow failed, got %s", snap.Status)
	}
	if snap.Workflow.CompletedAt == nil {
		t.Error("expected workflow completion stamped")
	}
}

func TestFailCascadesToDependents(t *testing.T) {
	s := New(nil)
	_, ids := submitChain(t, s)

	s.MarkDispatched(ids["a"], "agent")
	if err := s.Fail(ids["a"], "agent exploded"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range []string{"b", "c"} {
		task, _ := s.Task(ids[name])
		if task.Status != models.TaskStatusFailed {
			t.Errorf("expected %s failed by cascade, got %s", name, task.Status)
		}
		if !strings.HasPrefix(task.Error, "dependency failed:") {
			t.Errorf("expected dependency failure error on %s, got %q", name, task.Error)
		}
	}
	if len(s.Ready(0)) != 0 {
		t.Error("expected nothing ready after cascade")
	}
}

func TestFailCascadeSkipsInProgressSiblings(t *testing.T) {
	s := New(nil)
	wfID, err := s.SubmitWorkflow([]TaskDef{
		def("a"),
		def("b"),
		def("c", "a"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, _ := s.WorkflowStatus(wfID)
	a, b := snap.Tasks[0].ID, snap.Tasks[1].ID

	s.MarkDispatched(a, "agent")
	s.MarkDispatched(b, "agent")
	s.Fail(a, "boom")

	// b has no dependency on a and keeps running.
	task, _ := s.Task(b)
	if task.Status != models.TaskStatusInProgress {
		t.Errorf("expected independent sibling untouched, got %s", task.Status)
	}
}

func TestCancelWorkflow(t *testing.T) {
	s := New(nil)
	wfID, ids := submitChain(t, s)

	s.MarkDispatched(ids["a"], "agent")
	if err := s.Cancel(wfID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range []string{"a", "b", "c"} {
		task, _ := s.Task(ids[name])
		if task.Status != models.TaskStatusCancelled {
			t.Errorf("expected %s cancelled, got %s", name, task.Status)
		}
	}

	snap, _ := s.WorkflowStatus(wfID)
	if snap.Status != models.WorkflowStatusCancelled {
		t.Errorf("expected workflow cancelled, got %s", snap.Status)
	}
	if snap.Workflow.CompletedAt == nil {
		t.Error("expected workflow completion stamped")
	}
}

func TestCancelUnknownID(t *testing.T) {
	s := New(nil)
	if err := s.Cancel("ghost"); !errors.Is(err, ErrUnknownID) {
		t.Errorf("expected ErrUnknownID, got %v", err)
	}
}

func TestCancelCompletedTaskIsNoOp(t *testing.T) {
	s := New(nil)
	id, _ := s.SubmitTask(TaskDef{Specialization: "code"})
	s.MarkDispatched(id, "agent")
	s.Complete(id, "done")

	if err := s.Cancel(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task, _ := s.Task(id)
	if task.Status != models.TaskStatusCompleted {
		t.Errorf("expected completed to stick, got %s", task.Status)
	}
}

func TestWorkflowStatusLifecycle(t *testing.T) {
	s := New(nil)
	wfID, ids := submitChain(t, s)

	snap, _ := s.WorkflowStatus(wfID)
	if snap.Status != models.WorkflowStatusPending {
		t.Errorf("expected pending, got %s", snap.Status)
	}

	s.MarkDispatched(ids["a"], "agent")
	snap, _ = s.WorkflowStatus(wfID)
	if snap.Status != models.WorkflowStatusRunning {
		t.Errorf("expected running, got %s", snap.Status)
	}

	for _, name := range []string{"a", "b", "c"} {
		if name != "a" {
			s.MarkDispatched(ids[name], "agent")
		}
		s.Complete(ids[name], "out")
	}
	snap, _ = s.WorkflowStatus(wfID)
	if snap.Status != models.WorkflowStatusCompleted {
		t.Errorf("expected completed, got %s", snap.Status)
	}
	if snap.Workflow.CompletedAt == nil {
		t.Error("expected workflow completion stamped")
	}
}

func TestWorkflowStatusUnknown(t *testing.T) {
	s := New(nil)
	if _, err := s.WorkflowStatus("ghost"); !errors.Is(err, ErrUnknownWorkflow) {
		t.Errorf("expected ErrUnknownWorkflow, got %v", err)
	}
}

func TestNoteRequeue(t *testing.T) {
	s := New(nil)
	id, _ := s.SubmitTask(TaskDef{Specialization: "code"})

	if got := s.NoteRequeue(id); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
	if got := s.NoteRequeue(id); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got := s.NoteRequeue("ghost"); got != 0 {
		t.Errorf("expected 0 for unknown task, got %d", got)
	}
}

func TestTriggerFiresOnCompletion(t *testing.T) {
	s := New(nil)
	id, _ := s.SubmitTask(TaskDef{Specialization: "code"})

	// Drain the submission kick.
	select {
	case <-s.Trigger():
	default:
	}

	s.MarkDispatched(id, "agent")
	s.Complete(id, "done")

	select {
	case <-s.Trigger():
	case <-time.After(time.Second):
		t.Error("expected trigger tick after completion")
	}
}

func TestCleanupPurgesAgedTerminalTasks(t *testing.T) {
	s := New(nil)
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	id, _ := s.SubmitTask(TaskDef{Specialization: "code"})
	s.MarkDispatched(id, "agent")
	s.Complete(id, "done")

	// Not yet past retention.
	if removed, _ := s.Cleanup(time.Hour); removed != 0 {
		t.Errorf("expected nothing purged inside retention, got %d", removed)
	}

	now = now.Add(2 * time.Hour)
	removed, _ := s.Cleanup(time.Hour)
	if removed != 1 {
		t.Errorf("expected 1 task purged, got %d", removed)
	}
	if _, err := s.Task(id); !errors.Is(err, ErrUnknownTask) {
		t.Error("expected purged task unknown")
	}
}

func TestCleanupKeepsCompletionRecordForPendingDependents(t *testing.T) {
	s := New(nil)
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	first, _ := s.SubmitTask(TaskDef{Specialization: "code"})
	s.SubmitTask(TaskDef{Specialization: "code", DependsOn: []string{first}})

	s.MarkDispatched(first, "agent")
	s.Complete(first, "done")

	now = now.Add(2 * time.Hour)
	if removed, _ := s.Cleanup(time.Hour); removed != 0 {
		t.Errorf("expected completed task kept while dependent is pending, got %d removed", removed)
	}
}

func TestCleanupPurgesFinishedWorkflows(t *testing.T) {
	s := New(nil)
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	wfID, ids := submitChain(t, s)
	for _, name := range []string{"a", "b", "c"} {
		s.MarkDispatched(ids[name], "agent")
		s.Complete(ids[name], "out")
	}

	now = now.Add(2 * time.Hour)
	tasksRemoved, workflowsRemoved := s.Cleanup(time.Hour)
	if tasksRemoved != 3 || workflowsRemoved != 1 {
		t.Errorf("expected 3 tasks and 1 workflow purged, got %d/%d", tasksRemoved, workflowsRemoved)
	}
	if _, err := s.WorkflowStatus(wfID); !errors.Is(err, ErrUnknownWorkflow) {
		t.Error("expected purged workflow unknown")
	}
}

func TestCounts(t *testing.T) {
	s := New(nil)
	a, _ := s.SubmitTask(TaskDef{Specialization: "code"})
	s.SubmitTask(TaskDef{Specialization: "code"})
	s.MarkDispatched(a, "agent")

	counts := s.Counts()
	if counts[models.TaskStatusPending] != 1 || counts[models.TaskStatusInProgress] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/orchestrator/internal/checkpoint"
	"github.com/swarmguard/orchestrator/internal/decomposer"
	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/eventbus"
	"github.com/swarmguard/orchestrator/internal/evaluator"
	"github.com/swarmguard/orchestrator/internal/ids"
	"github.com/swarmguard/orchestrator/internal/review"
	"github.com/swarmguard/orchestrator/internal/scheduler"
	"github.com/swarmguard/orchestrator/internal/store/boltstore"
	"github.com/swarmguard/orchestrator/internal/workerreg"
)

// fakeDispatcher records every dispatch instead of talking to a real
// worker channel.
type fakeDispatcher struct {
	mu       sync.Mutex
	dispatch []ids.ID
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, workerID ids.ID, s *domain.Subtask, attempt int) error {
	d.mu.Lock()
	d.dispatch = append(d.dispatch, s.ID)
	d.mu.Unlock()
	return nil
}

func (d *fakeDispatcher) Cancel(ctx context.Context, workerID ids.ID, subtaskID ids.ID) error {
	return nil
}

func newHarness(t *testing.T) (*Orchestrator, *fakeDispatcher, *workerreg.Registry) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")
	st, err := boltstore.Open(dbPath, otel.Meter("orchestrator-test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New(16)
	workers := workerreg.New(st, bus, 2*time.Minute, 4)
	disp := &fakeDispatcher{}
	sched := scheduler.New(st, bus, workers, disp)
	dec := decomposer.New(nil, 0) // nil LLM: falls back to a single complete-task subtask
	pipeline := evaluator.New(0)  // no dimensions registered: Overall is always 0
	rev := review.New(st)
	ckpt := checkpoint.New(st, bus)

	orch := New(st, bus, dec, sched, pipeline, rev, ckpt, workers, disp)
	return orch, disp, workers
}

func mustRegisterWorker(t *testing.T, workers *workerreg.Registry, tools ...string) *domain.Worker {
	t.Helper()
	w, err := workers.Register(context.Background(), "worker-1", tools, true)
	if err != nil {
		t.Fatalf("register worker: %v", err)
	}
	return w
}

func workSubtask(t *testing.T, orch *Orchestrator, taskID ids.ID) *domain.Subtask {
	t.Helper()
	subs, err := orch.store.ListSubtasksByTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("list subtasks: %v", err)
	}
	for _, s := range subs {
		if s.Kind == domain.KindWork {
			return s
		}
	}
	t.Fatalf("no work subtask found for task %s", taskID)
	return nil
}

func reviewSubtaskFor(t *testing.T, orch *Orchestrator, taskID, target ids.ID) *domain.Subtask {
	t.Helper()
	subs, err := orch.store.ListSubtasksByTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("list subtasks: %v", err)
	}
	for _, s := range subs {
		if s.Kind == domain.KindReview && s.ReviewTarget != nil && *s.ReviewTarget == target {
			return s
		}
	}
	t.Fatalf("no review subtask found targeting %s", target)
	return nil
}

func TestSubmitTaskDecomposesAndSchedulesWithoutWorkers(t *testing.T) {
	orch, disp, _ := newHarness(t)
	ctx := context.Background()

	task, err := orch.SubmitTask(ctx, "do the thing", domain.TaskConfig{CheckpointFrequency: domain.FrequencyLow})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if task.State != domain.TaskRunning {
		t.Fatalf("expected task Running with no workers available, got %s", task.State)
	}
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.dispatch) != 0 {
		t.Fatalf("expected no dispatch with zero registered workers, got %v", disp.dispatch)
	}
}

// TestWorkCompletionAlwaysReviewsThenCheckpointsThenCompletes covers
// spec.md §8 scenario 1 end to end: the decomposer fallback always
// produces a complexity-3 subtask, which always triggers peer review
// regardless of score; an approving verdict raises a frequency
// checkpoint (FrequencyHigh fires on every completion); approving that
// checkpoint completes the task since nothing else is left to run.
func TestWorkCompletionAlwaysReviewsThenCheckpointsThenCompletes(t *testing.T) {
	orch, _, workers := newHarness(t)
	ctx := context.Background()
	mustRegisterWorker(t, workers)

	task, err := orch.SubmitTask(ctx, "run the xyzzy report", domain.TaskConfig{CheckpointFrequency: domain.FrequencyHigh})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	work := workSubtask(t, orch, task.ID)
	if work.Complexity < 3 {
		t.Fatalf("expected decomposer fallback complexity to force review, got %d", work.Complexity)
	}

	if err := orch.HandleSubtaskResult(ctx, task.ID, work.ID, domain.Output{Text: "done"}, "", false); err != nil {
		t.Fatalf("handle work result: %v", err)
	}

	task, err = orch.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != domain.TaskRunning {
		t.Fatalf("expected task still Running while review is in flight, got %s", task.State)
	}

	rev := reviewSubtaskFor(t, orch, task.ID, work.ID)
	verdict := `{"score":9,"auto_fix_feasible":false,"issues":[]}`
	if err := orch.HandleSubtaskResult(ctx, task.ID, rev.ID, domain.Output{Text: verdict}, "", false); err != nil {
		t.Fatalf("handle review result: %v", err)
	}

	task, err = orch.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != domain.TaskCheckpointPending {
		t.Fatalf("expected CheckpointPending after an approving review, got %s", task.State)
	}

	ckpt, err := orch.store.PendingCheckpointForTask(ctx, task.ID)
	if err != nil || ckpt == nil {
		t.Fatalf("expected a pending checkpoint, got %v err=%v", ckpt, err)
	}

	if err := orch.ApproveCheckpoint(ctx, ckpt.ID, domain.CheckpointApproved, "ship it"); err != nil {
		t.Fatalf("approve checkpoint: %v", err)
	}

	task, err = orch.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != domain.TaskCompleted {
		t.Fatalf("expected task Completed once its last checkpoint is approved, got %s", task.State)
	}
}

// TestReviewEscalationRaisesCheckpoint covers the escalate branch of the
// peer-review decision tree: a low-score verdict with no auto-fix option
// escalates straight to a checkpoint rather than spawning a correction.
func TestReviewEscalationRaisesCheckpoint(t *testing.T) {
	orch, _, workers := newHarness(t)
	ctx := context.Background()
	mustRegisterWorker(t, workers)

	task, err := orch.SubmitTask(ctx, "run the plugh report", domain.TaskConfig{CheckpointFrequency: domain.FrequencyLow})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	work := workSubtask(t, orch, task.ID)
	if err := orch.HandleSubtaskResult(ctx, task.ID, work.ID, domain.Output{Text: "done"}, "", false); err != nil {
		t.Fatalf("handle work result: %v", err)
	}
	rev := reviewSubtaskFor(t, orch, task.ID, work.ID)

	verdict := `{"score":3,"auto_fix_feasible":false,"issues":[{"severity":"critical","message":"broken"}]}`
	if err := orch.HandleSubtaskResult(ctx, task.ID, rev.ID, domain.Output{Text: verdict}, "", false); err != nil {
		t.Fatalf("handle review result: %v", err)
	}

	task, err = orch.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != domain.TaskCheckpointPending {
		t.Fatalf("expected CheckpointPending after review escalation, got %s", task.State)
	}
	ckpt, err := orch.store.PendingCheckpointForTask(ctx, task.ID)
	if err != nil || ckpt == nil {
		t.Fatalf("expected a pending checkpoint, got %v err=%v", ckpt, err)
	}
	if ckpt.Trigger != domain.TriggerReviewEscalate {
		t.Fatalf("expected review-escalation trigger, got %s", ckpt.Trigger)
	}
}

// TestCorrectCheckpointOnlyWhilePendingReview covers spec.md §8 scenario
// 6: submitting a correction against a checkpoint that isn't
// PendingReview is a conflict, not a silent no-op.
func TestCorrectCheckpointOnlyWhilePendingReview(t *testing.T) {
	orch, _, workers := newHarness(t)
	ctx := context.Background()
	mustRegisterWorker(t, workers)

	task, err := orch.SubmitTask(ctx, "run the plugh report", domain.TaskConfig{CheckpointFrequency: domain.FrequencyHigh})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	work := workSubtask(t, orch, task.ID)
	if err := orch.HandleSubtaskResult(ctx, task.ID, work.ID, domain.Output{Text: "done"}, "", false); err != nil {
		t.Fatalf("handle work result: %v", err)
	}
	rev := reviewSubtaskFor(t, orch, task.ID, work.ID)
	verdict := `{"score":9,"auto_fix_feasible":false,"issues":[]}`
	if err := orch.HandleSubtaskResult(ctx, task.ID, rev.ID, domain.Output{Text: verdict}, "", false); err != nil {
		t.Fatalf("handle review result: %v", err)
	}

	ckpt, err := orch.store.PendingCheckpointForTask(ctx, task.ID)
	if err != nil || ckpt == nil {
		t.Fatalf("expected pending checkpoint, got %v err=%v", ckpt, err)
	}
	if err := orch.ApproveCheckpoint(ctx, ckpt.ID, domain.CheckpointApproved, ""); err != nil {
		t.Fatalf("approve checkpoint: %v", err)
	}

	if _, err := orch.CorrectCheckpoint(ctx, ckpt.ID, work.ID, domain.CategoryStyle, "fix the tone"); err == nil {
		t.Fatalf("expected conflict correcting an already-resolved checkpoint")
	}
}

// TestCorrectCheckpointResumesTaskAndAdmitsCorrectionSubtask covers the
// success path CorrectCheckpoint's own conflict test doesn't: submitting
// a correction while PendingReview must resume the task to Running (not
// leave it stuck in CheckpointPending forever) and admit the spawned
// correction subtask for dispatch.
func TestCorrectCheckpointResumesTaskAndAdmitsCorrectionSubtask(t *testing.T) {
	orch, disp, workers := newHarness(t)
	ctx := context.Background()
	mustRegisterWorker(t, workers)

	task, err := orch.SubmitTask(ctx, "run the plugh report", domain.TaskConfig{CheckpointFrequency: domain.FrequencyHigh})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	work := workSubtask(t, orch, task.ID)
	if err := orch.HandleSubtaskResult(ctx, task.ID, work.ID, domain.Output{Text: "done"}, "", false); err != nil {
		t.Fatalf("handle work result: %v", err)
	}
	rev := reviewSubtaskFor(t, orch, task.ID, work.ID)
	verdict := `{"score":9,"auto_fix_feasible":false,"issues":[]}`
	if err := orch.HandleSubtaskResult(ctx, task.ID, rev.ID, domain.Output{Text: verdict}, "", false); err != nil {
		t.Fatalf("handle review result: %v", err)
	}

	ckpt, err := orch.store.PendingCheckpointForTask(ctx, task.ID)
	if err != nil || ckpt == nil {
		t.Fatalf("expected pending checkpoint, got %v err=%v", ckpt, err)
	}

	correction, err := orch.CorrectCheckpoint(ctx, ckpt.ID, work.ID, domain.CategoryStyle, "fix the tone")
	if err != nil {
		t.Fatalf("correct checkpoint: %v", err)
	}
	if correction == nil {
		t.Fatalf("expected a correction record")
	}

	task, err = orch.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != domain.TaskRunning {
		t.Fatalf("expected the task to resume Running after Correct, got %s", task.State)
	}

	subs, err := orch.store.ListSubtasksByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("list subtasks: %v", err)
	}
	var sawCorrection bool
	for _, s := range subs {
		if s.Kind == domain.KindCorrection {
			sawCorrection = true
		}
	}
	if !sawCorrection {
		t.Fatalf("expected a correction subtask to be created")
	}
	disp.mu.Lock()
	dispatched := len(disp.dispatch)
	disp.mu.Unlock()
	if dispatched == 0 {
		t.Fatalf("expected the correction subtask to be dispatched now the task is Running again")
	}
}

// TestCancelTaskIsIdempotent covers spec.md §8: cancelling an
// already-Cancelled task is a no-op, not an error.
func TestCancelTaskIsIdempotent(t *testing.T) {
	orch, _, workers := newHarness(t)
	ctx := context.Background()
	mustRegisterWorker(t, workers)

	task, err := orch.SubmitTask(ctx, "run the fred report", domain.TaskConfig{CheckpointFrequency: domain.FrequencyLow})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if err := orch.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := orch.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("second cancel should be a no-op, got error: %v", err)
	}
	got, err := orch.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != domain.TaskCancelled {
		t.Fatalf("expected Cancelled, got %s", got.State)
	}
}

// TestCancelTerminalTaskConflicts ensures a completed task can't be
// cancelled after the fact.
func TestCancelTerminalTaskConflicts(t *testing.T) {
	orch, _, workers := newHarness(t)
	ctx := context.Background()
	mustRegisterWorker(t, workers)

	task, err := orch.SubmitTask(ctx, "run the waldo report", domain.TaskConfig{CheckpointFrequency: domain.FrequencyHigh})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	work := workSubtask(t, orch, task.ID)
	if err := orch.HandleSubtaskResult(ctx, task.ID, work.ID, domain.Output{Text: "done"}, "", false); err != nil {
		t.Fatalf("handle work result: %v", err)
	}
	rev := reviewSubtaskFor(t, orch, task.ID, work.ID)
	verdict := `{"score":9,"auto_fix_feasible":false,"issues":[]}`
	if err := orch.HandleSubtaskResult(ctx, task.ID, rev.ID, domain.Output{Text: verdict}, "", false); err != nil {
		t.Fatalf("handle review result: %v", err)
	}
	ckpt, err := orch.store.PendingCheckpointForTask(ctx, task.ID)
	if err != nil || ckpt == nil {
		t.Fatalf("expected pending checkpoint, got %v err=%v", ckpt, err)
	}
	if err := orch.ApproveCheckpoint(ctx, ckpt.ID, domain.CheckpointApproved, ""); err != nil {
		t.Fatalf("approve checkpoint: %v", err)
	}

	if err := orch.CancelTask(ctx, task.ID); err == nil {
		t.Fatalf("expected conflict cancelling a Completed task")
	}
}

// Package orchestrator implements the Task Orchestrator (spec.md §4.4):
// the lifecycle sequencing that wires decomposition, scheduling,
// evaluation, peer review, and checkpointing into one task state
// machine. Grounded on the teacher's CancellationManager
// (services/orchestrator/cancellation.go) for idempotent cancellation,
// generalized from a single in-process WorkflowExecution map to the
// store-backed Task entity.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator/internal/apierror"
	"github.com/swarmguard/orchestrator/internal/checkpoint"
	"github.com/swarmguard/orchestrator/internal/decomposer"
	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/eventbus"
	"github.com/swarmguard/orchestrator/internal/evaluator"
	"github.com/swarmguard/orchestrator/internal/ids"
	"github.com/swarmguard/orchestrator/internal/review"
	"github.com/swarmguard/orchestrator/internal/scheduler"
	"github.com/swarmguard/orchestrator/internal/store"
)

// Orchestrator sequences a task's lifecycle: Pending -> Initializing ->
// Running -> (CheckpointPending -> Running)* -> Completed | Failed |
// Cancelled.
type Orchestrator struct {
	store      store.Store
	bus        *eventbus.Bus
	decomposer *decomposer.Decomposer
	scheduler  *scheduler.Scheduler
	evaluator  *evaluator.Pipeline
	review     *review.Controller
	checkpoint *checkpoint.Controller
	workers    scheduler.WorkerSource
	dispatcher scheduler.Dispatcher

	tasksSubmitted metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
}

// New constructs an Orchestrator. dispatcher may be nil until
// cmd/orchestrator wires the worker channel; cancellation will then
// only mark state without sending a cancel_task message.
func New(
	st store.Store,
	bus *eventbus.Bus,
	dec *decomposer.Decomposer,
	sched *scheduler.Scheduler,
	eval *evaluator.Pipeline,
	rev *review.Controller,
	ckpt *checkpoint.Controller,
	workers scheduler.WorkerSource,
	dispatcher scheduler.Dispatcher,
) *Orchestrator {
	meter := otel.Meter("orchestrator")
	submitted, _ := meter.Int64Counter("orchestrator_tasks_submitted_total")
	completed, _ := meter.Int64Counter("orchestrator_tasks_completed_total")
	failed, _ := meter.Int64Counter("orchestrator_tasks_failed_total")
	return &Orchestrator{
		store:          st,
		bus:            bus,
		decomposer:     dec,
		scheduler:      sched,
		evaluator:      eval,
		review:         rev,
		checkpoint:     ckpt,
		workers:        workers,
		dispatcher:     dispatcher,
		tasksSubmitted: submitted,
		tasksCompleted: completed,
		tasksFailed:    failed,
	}
}

// SubmitTask admits a new task: Pending -> Initializing (decomposition)
// -> Running (scheduler admitted).
func (o *Orchestrator) SubmitTask(ctx context.Context, description string, cfg domain.TaskConfig) (*domain.Task, error) {
	if description == "" {
		return nil, apierror.Validation("description must not be empty")
	}
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "orchestrator.submit_task")
	defer span.End()

	now := time.Now().UTC()
	task := &domain.Task{
		ID:          ids.New(),
		Description: description,
		Config:      cfg,
		State:       domain.TaskPending,
		CreatedAt:   now,
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	o.tasksSubmitted.Add(ctx, 1)
	o.bus.Publish("tasks", eventbus.KindTaskUpdate, task.ID, task)

	if err := o.store.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
		t.State = domain.TaskInitializing
		t.StartedAt = &now
		return nil
	}); err != nil {
		return nil, err
	}

	subtasks, err := o.decomposer.Decompose(ctx, task.ID, description, nil, cfg.PreferredTools)
	if err != nil {
		_ = o.store.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
			t.State = domain.TaskFailed
			return nil
		})
		o.tasksFailed.Add(ctx, 1)
		return nil, err
	}
	for _, s := range subtasks {
		if err := o.store.CreateSubtask(ctx, s); err != nil {
			return nil, err
		}
	}

	if err := o.store.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
		t.State = domain.TaskRunning
		return nil
	}); err != nil {
		return nil, err
	}
	o.bus.Publish("tasks", eventbus.KindTaskUpdate, task.ID, map[string]any{"state": domain.TaskRunning})

	if err := o.scheduler.Submit(ctx, task.ID, subtasks); err != nil {
		return nil, err
	}
	return o.store.GetTask(ctx, task.ID)
}

// CancelTask marks task Cancelled, cancels every Running subtask, and
// releases their workers. Idempotent: cancelling an already-Cancelled
// task is a no-op (spec.md §8).
func (o *Orchestrator) CancelTask(ctx context.Context, taskID ids.ID) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return apierror.NotFound("task", string(taskID))
	}
	if task.State == domain.TaskCancelled {
		return nil
	}
	if task.State == domain.TaskCompleted || task.State == domain.TaskFailed {
		return apierror.Conflict(fmt.Sprintf("cannot cancel task in terminal state %s", task.State))
	}

	subs, err := o.store.ListSubtasksByTask(ctx, taskID)
	if err != nil {
		return err
	}
	for _, s := range subs {
		if s.State != domain.SubtaskRunning {
			continue
		}
		worker := s.AssignedWorker
		if worker != nil && o.dispatcher != nil {
			if err := o.dispatcher.Cancel(ctx, *worker, s.ID); err != nil {
				slog.Warn("orchestrator: cancel dispatch failed", "subtask", s.ID, "error", err)
			}
		}
		if err := o.store.UpdateSubtask(ctx, s.ID, func(st *domain.Subtask) error {
			st.State = domain.SubtaskFailed
			st.ErrorText = "task cancelled"
			st.UpdatedAt = time.Now().UTC()
			return nil
		}); err != nil {
			return err
		}
		if worker != nil {
			_ = o.store.UpdateWorker(ctx, *worker, func(w *domain.Worker) error {
				if w.Load > 0 {
					w.Load--
				}
				return nil
			})
		}
	}

	if err := o.store.UpdateTask(ctx, taskID, func(t *domain.Task) error {
		t.State = domain.TaskCancelled
		now := time.Now().UTC()
		t.CompletedAt = &now
		return nil
	}); err != nil {
		return err
	}
	o.bus.Publish("tasks", eventbus.KindTaskUpdate, taskID, map[string]any{"state": domain.TaskCancelled})
	return nil
}

// ApproveCheckpoint resolves a pending checkpoint per the user's
// decision and resumes or fails the task.
func (o *Orchestrator) ApproveCheckpoint(ctx context.Context, checkpointID ids.ID, decision domain.CheckpointStatus, notes string) error {
	switch decision {
	case domain.CheckpointApproved:
		if err := o.checkpoint.Approve(ctx, checkpointID, notes); err != nil {
			return err
		}
		ckpt, err := o.store.GetCheckpoint(ctx, checkpointID)
		if err != nil {
			return err
		}
		if err := o.scheduler.Resume(ctx, ckpt.TaskID); err != nil {
			return err
		}
		// Resume only redrives subtasks already Ready; when the checkpoint
		// was the last thing blocking completion, nothing becomes Ready and
		// maybeComplete would otherwise never run.
		return o.maybeComplete(ctx, ckpt.TaskID)
	case domain.CheckpointRejected:
		return o.checkpoint.Reject(ctx, checkpointID, notes)
	default:
		return apierror.Validation(fmt.Sprintf("unsupported checkpoint decision %q", decision))
	}
}

// CorrectCheckpoint submits human guidance against a specific subtask
// while checkpointID is PendingReview; the guidance re-enters the
// scheduler as a Correction subtask assigned back to the original
// author (spec.md §4.7).
func (o *Orchestrator) CorrectCheckpoint(ctx context.Context, checkpointID ids.ID, subtaskID ids.ID, category domain.CorrectionCategory, guidance string) (*domain.Correction, error) {
	correction, err := o.checkpoint.Correct(ctx, checkpointID, subtaskID, category, guidance)
	if err != nil {
		return nil, err
	}
	original, err := o.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, apierror.NotFound("subtask", string(subtaskID))
	}
	now := time.Now().UTC()
	correctionSubtask := &domain.Subtask{
		ID:              ids.New(),
		TaskID:          original.TaskID,
		Kind:            domain.KindCorrection,
		Name:            "correction:" + original.Name,
		Description:     guidance,
		State:           domain.SubtaskReady,
		ReviewTarget:    &original.ID,
		AssignedWorker:  original.AssignedWorker,
		Complexity:      original.Complexity,
		RecommendedTool: original.RecommendedTool,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.CreateSubtask(ctx, correctionSubtask); err != nil {
		return nil, err
	}
	if err := o.scheduler.AdmitSubtasks(ctx, original.TaskID, []*domain.Subtask{correctionSubtask}); err != nil {
		return nil, err
	}
	return correction, nil
}

// HandleSubtaskResult is the entry point for worker-reported results
// (via internal/workerchannel): it advances the DAG, runs evaluation,
// peer review, and checkpoint policy, and checks for task completion.
// A result for a subtask that is already Completed is ignored.
func (o *Orchestrator) HandleSubtaskResult(ctx context.Context, taskID ids.ID, subtaskID ids.ID, output domain.Output, failErr string, transient bool) error {
	if failErr != "" {
		return o.scheduler.OnSubtaskFailed(ctx, taskID, subtaskID, failErr, transient)
	}
	if prior, err := o.store.GetSubtask(ctx, subtaskID); err != nil {
		return err
	} else if prior == nil || prior.State == domain.SubtaskCompleted {
		return nil
	}
	if err := o.scheduler.OnSubtaskComplete(ctx, taskID, subtaskID, output); err != nil {
		return err
	}

	sub, err := o.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}

	switch sub.Kind {
	case domain.KindReview:
		return o.handleReviewCompletion(ctx, taskID, sub)
	case domain.KindCorrection:
		return o.handleCorrectionCompletion(ctx, taskID, sub)
	case domain.KindWork:
		return o.handleWorkCompletion(ctx, taskID, sub)
	}
	return nil
}

func (o *Orchestrator) handleWorkCompletion(ctx context.Context, taskID ids.ID, sub *domain.Subtask) error {
	eval, err := o.evaluator.Evaluate(ctx, sub)
	if err != nil {
		return err
	}
	if err := o.store.CreateEvaluation(ctx, eval); err != nil {
		return err
	}
	score := eval.Overall
	if err := o.store.UpdateSubtask(ctx, sub.ID, func(s *domain.Subtask) error {
		s.EvaluationScore = &score
		return nil
	}); err != nil {
		return err
	}

	if review.ShouldReview(sub, &score) && !review.CycleExhausted(sub) {
		return o.spawnReviewFor(ctx, taskID, sub)
	}
	if review.CycleExhausted(sub) {
		return o.raiseCheckpoint(ctx, taskID, &score, true)
	}
	return o.raiseCheckpoint(ctx, taskID, &score, false)
}

func (o *Orchestrator) spawnReviewFor(ctx context.Context, taskID ids.ID, original *domain.Subtask) error {
	candidates, err := o.workers.OnlineCapable(ctx, "")
	if err != nil {
		return err
	}
	var exclude ids.ID
	if original.AssignedWorker != nil {
		exclude = *original.AssignedWorker
	}
	reviewer := review.DistinctReviewer(candidates, exclude)
	if reviewer == nil {
		return apierror.Unavailable("no workers available to perform peer review")
	}
	reviewSub, err := o.review.SpawnReview(ctx, original, candidates)
	if err != nil {
		return err
	}
	return o.scheduler.AssignSubtask(ctx, taskID, reviewSub, reviewer)
}

func (o *Orchestrator) handleReviewCompletion(ctx context.Context, taskID ids.ID, reviewSub *domain.Subtask) error {
	if reviewSub.ReviewTarget == nil {
		return fmt.Errorf("review subtask %s has no target", reviewSub.ID)
	}
	original, err := o.store.GetSubtask(ctx, *reviewSub.ReviewTarget)
	if err != nil {
		return err
	}
	if original == nil {
		return apierror.NotFound("subtask", string(*reviewSub.ReviewTarget))
	}
	verdict, err := review.ParseVerdict(reviewSub.Output)
	if err != nil {
		return err
	}

	rec := &domain.Review{
		ID:               ids.New(),
		OriginalSubtask:  original.ID,
		ReviewSubtask:    reviewSub.ID,
		Score:            verdict.Score,
		Issues:           verdict.Issues,
		AutoFixFeasible:  verdict.AutoFixFeasible,
		CreatedAt:        time.Now().UTC(),
	}
	if original.AssignedWorker != nil {
		rec.OriginalWorker = *original.AssignedWorker
	}
	if reviewSub.AssignedWorker != nil {
		rec.ReviewerWorker = *reviewSub.AssignedWorker
	}

	decision := review.Decide(verdict, original)
	rec.Decision = decision.Kind
	if err := o.store.CreateReview(ctx, rec); err != nil {
		return err
	}

	switch decision.Kind {
	case domain.ReviewApproved:
		return o.raiseCheckpoint(ctx, taskID, &verdict.Score, false)
	case domain.ReviewNeedsRevision:
		return o.spawnCorrection(ctx, taskID, original, verdict)
	default: // Escalate
		if err := o.store.UpdateSubtask(ctx, original.ID, func(s *domain.Subtask) error {
			s.ReviewCycleCount++
			return nil
		}); err != nil {
			return err
		}
		return o.raiseCheckpoint(ctx, taskID, &verdict.Score, true)
	}
}

func (o *Orchestrator) spawnCorrection(ctx context.Context, taskID ids.ID, original *domain.Subtask, verdict review.Verdict) error {
	now := time.Now().UTC()
	correction := &domain.Subtask{
		ID:              ids.New(),
		TaskID:          taskID,
		Kind:            domain.KindCorrection,
		Name:            "correction:" + original.Name,
		Description:     correctionPrompt(original, verdict),
		State:           domain.SubtaskReady,
		Dependencies:    []ids.ID{},
		ReviewTarget:    &original.ID,
		AssignedWorker:  original.AssignedWorker,
		Complexity:      original.Complexity,
		RecommendedTool: original.RecommendedTool,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.CreateSubtask(ctx, correction); err != nil {
		return err
	}
	if err := o.store.UpdateSubtask(ctx, original.ID, func(s *domain.Subtask) error {
		s.ReviewCycleCount++
		return nil
	}); err != nil {
		return err
	}
	return o.scheduler.AdmitSubtasks(ctx, taskID, []*domain.Subtask{correction})
}

func correctionPrompt(original *domain.Subtask, verdict review.Verdict) string {
	return fmt.Sprintf("Apply the reviewer's fix to %q (original: %s). Reported issues: %v",
		original.Name, original.Description, verdict.Issues)
}

func (o *Orchestrator) handleCorrectionCompletion(ctx context.Context, taskID ids.ID, correction *domain.Subtask) error {
	if correction.ReviewTarget == nil {
		return fmt.Errorf("correction subtask %s has no target", correction.ID)
	}
	original, err := o.store.GetSubtask(ctx, *correction.ReviewTarget)
	if err != nil {
		return err
	}
	if original == nil {
		return apierror.NotFound("subtask", string(*correction.ReviewTarget))
	}
	if review.CycleExhausted(original) {
		return o.raiseCheckpoint(ctx, taskID, original.EvaluationScore, true)
	}
	return o.spawnReviewFor(ctx, taskID, original)
}

func (o *Orchestrator) raiseCheckpoint(ctx context.Context, taskID ids.ID, score *float64, escalated bool) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return apierror.NotFound("task", string(taskID))
	}
	all, err := o.store.ListSubtasksByTask(ctx, taskID)
	if err != nil {
		return err
	}
	var completedIDs, nextIDs []ids.ID
	completed, total := 0, 0
	for _, s := range all {
		if s.Kind != domain.KindWork {
			continue
		}
		total++
		switch s.State {
		case domain.SubtaskCompleted:
			completed++
			completedIDs = append(completedIDs, s.ID)
		case domain.SubtaskReady, domain.SubtaskPending:
			nextIDs = append(nextIDs, s.ID)
		}
	}
	snapshot := domain.CheckpointSnapshot{CompletedSubtasks: completedIDs, NextSubtasks: nextIDs}
	if score != nil {
		snapshot.AggregateScore = *score
	}
	ckpt, err := o.checkpoint.Evaluate(ctx, task, completed, total, score, escalated, snapshot)
	if err != nil {
		return err
	}
	if ckpt != nil {
		return nil // scheduling suspended until user decision
	}
	return o.maybeComplete(ctx, taskID)
}

// maybeComplete transitions the task to Completed when every subtask is
// Done and no checkpoint is pending.
func (o *Orchestrator) maybeComplete(ctx context.Context, taskID ids.ID) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil || task.State.Terminal() || task.State == domain.TaskCheckpointPending {
		return nil
	}
	all, err := o.store.ListSubtasksByTask(ctx, taskID)
	if err != nil {
		return err
	}
	for _, s := range all {
		if !s.State.Terminal() {
			return nil
		}
		if s.State == domain.SubtaskFailed {
			return nil // failure already transitioned the task via OnSubtaskFailed
		}
	}
	now := time.Now().UTC()
	if err := o.store.UpdateTask(ctx, taskID, func(t *domain.Task) error {
		t.State = domain.TaskCompleted
		t.CompletedAt = &now
		t.Progress = 100
		return nil
	}); err != nil {
		return err
	}
	o.tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("task", string(taskID))))
	o.bus.Publish("tasks", eventbus.KindTaskComplete, taskID, map[string]any{"state": domain.TaskCompleted})
	return nil
}

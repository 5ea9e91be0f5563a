// Package checkpoint implements the Checkpoint Controller (spec.md §4.7):
// frequency-policy and score/escalation triggers that pause a task for
// human review, with at most one PendingReview checkpoint live per task.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmguard/orchestrator/internal/apierror"
	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/eventbus"
	"github.com/swarmguard/orchestrator/internal/ids"
	"github.com/swarmguard/orchestrator/internal/store"
)

// Controller evaluates trigger policy and drives checkpoint lifecycle.
type Controller struct {
	store store.Store
	bus   *eventbus.Bus
}

// New constructs a Controller.
func New(st store.Store, bus *eventbus.Bus) *Controller {
	return &Controller{store: st, bus: bus}
}

// FrequencyTriggered evaluates the frequency policy from spec.md §4.7
// after a work subtask completes. completed and total count only Work
// subtasks (Review/Correction subtasks don't participate in the
// frequency count).
func FrequencyTriggered(freq domain.CheckpointFrequency, completed, total int) bool {
	remaining := total - completed
	switch freq {
	case domain.FrequencyLow:
		return remaining == 1
	case domain.FrequencyMedium:
		if completed%3 == 0 && completed > 0 {
			return true
		}
		if total > 0 && crossed50(completed, total) {
			return true
		}
		return remaining == 1
	case domain.FrequencyHigh:
		return true
	default:
		return false
	}
}

func crossed50(completed, total int) bool {
	if total == 0 {
		return false
	}
	before := float64(completed-1) / float64(total)
	after := float64(completed) / float64(total)
	return before < 0.5 && after >= 0.5
}

// Evaluate decides whether a checkpoint should be raised for task after a
// work subtask completes, applying the frequency policy plus the
// additional score/escalation triggers, and enforcing "at most one
// PendingReview per task". Returns nil, nil when no checkpoint should be
// raised.
func (c *Controller) Evaluate(ctx context.Context, task *domain.Task, completed, total int, lastScore *float64, reviewEscalated bool, snapshot domain.CheckpointSnapshot) (*domain.Checkpoint, error) {
	if task.State == domain.TaskCheckpointPending {
		return nil, nil
	}
	existing, err := c.store.PendingCheckpointForTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}

	var trigger domain.CheckpointTrigger
	switch {
	case reviewEscalated:
		trigger = domain.TriggerReviewEscalate
	case lastScore != nil && *lastScore < 7:
		trigger = domain.TriggerLowScore
	case FrequencyTriggered(task.Config.CheckpointFrequency, completed, total):
		trigger = domain.TriggerFrequency
	default:
		return nil, nil
	}

	ckpt := &domain.Checkpoint{
		ID:        ids.New(),
		TaskID:    task.ID,
		Trigger:   trigger,
		Snapshot:  snapshot,
		Status:    domain.CheckpointPendingReview,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.CreateCheckpoint(ctx, ckpt); err != nil {
		return nil, err
	}
	if err := c.store.UpdateTask(ctx, task.ID, func(t *domain.Task) error {
		t.State = domain.TaskCheckpointPending
		return nil
	}); err != nil {
		return nil, err
	}
	c.bus.Publish("tasks", eventbus.KindCheckpointReady, task.ID, ckpt)
	return ckpt, nil
}

// Approve resumes the task after human approval. A no-op on an
// already-Approved checkpoint (spec.md §8 idempotence law).
func (c *Controller) Approve(ctx context.Context, checkpointID ids.ID, notes string) error {
	ckpt, err := c.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	if ckpt == nil {
		return apierror.NotFound("checkpoint", string(checkpointID))
	}
	if ckpt.Status == domain.CheckpointApproved {
		return nil
	}
	if ckpt.Status != domain.CheckpointPendingReview {
		return apierror.Conflict(fmt.Sprintf("cannot approve checkpoint in status %s", ckpt.Status))
	}
	if err := c.store.UpdateCheckpoint(ctx, checkpointID, func(c *domain.Checkpoint) error {
		c.Status = domain.CheckpointApproved
		c.UserNotes = notes
		now := time.Now().UTC()
		c.ResolvedAt = &now
		return nil
	}); err != nil {
		return err
	}
	return c.store.UpdateTask(ctx, ckpt.TaskID, func(t *domain.Task) error {
		t.State = domain.TaskRunning
		return nil
	})
}

// Reject fails the task on human rejection.
func (c *Controller) Reject(ctx context.Context, checkpointID ids.ID, notes string) error {
	ckpt, err := c.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	if ckpt == nil {
		return apierror.NotFound("checkpoint", string(checkpointID))
	}
	if ckpt.Status != domain.CheckpointPendingReview {
		return apierror.Conflict(fmt.Sprintf("cannot reject checkpoint in status %s", ckpt.Status))
	}
	if err := c.store.UpdateCheckpoint(ctx, checkpointID, func(c *domain.Checkpoint) error {
		c.Status = domain.CheckpointRejected
		c.UserNotes = notes
		now := time.Now().UTC()
		c.ResolvedAt = &now
		return nil
	}); err != nil {
		return err
	}
	return c.store.UpdateTask(ctx, ckpt.TaskID, func(t *domain.Task) error {
		t.State = domain.TaskFailed
		return nil
	})
}

// Correct submits guidance against a specific subtask while the
// checkpoint is PendingReview; rejecting otherwise is a conflict error
// per spec.md §8 scenario 6.
func (c *Controller) Correct(ctx context.Context, checkpointID ids.ID, subtaskID ids.ID, category domain.CorrectionCategory, guidance string) (*domain.Correction, error) {
	ckpt, err := c.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if ckpt == nil {
		return nil, apierror.NotFound("checkpoint", string(checkpointID))
	}
	if ckpt.Status != domain.CheckpointPendingReview {
		return nil, apierror.Conflict("corrections are only accepted while the checkpoint is PendingReview")
	}

	correction := &domain.Correction{
		ID:           ids.New(),
		CheckpointID: &checkpointID,
		SubtaskID:    subtaskID,
		Category:     category,
		UserGuidance: guidance,
		Result:       domain.CorrectionPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.store.CreateCorrection(ctx, correction); err != nil {
		return nil, err
	}
	if err := c.store.UpdateSubtask(ctx, subtaskID, func(s *domain.Subtask) error {
		s.State = domain.SubtaskCorrecting
		return nil
	}); err != nil {
		return nil, err
	}
	if err := c.store.UpdateCheckpoint(ctx, checkpointID, func(c *domain.Checkpoint) error {
		c.Status = domain.CheckpointCorrected
		now := time.Now().UTC()
		c.ResolvedAt = &now
		return nil
	}); err != nil {
		return nil, err
	}
	// Resume the task the same way Approve does: the correction subtask
	// re-enters the scheduler and runs under the ordinary Running state,
	// otherwise Evaluate's and maybeComplete's CheckpointPending guards
	// would block the task forever.
	if err := c.store.UpdateTask(ctx, ckpt.TaskID, func(t *domain.Task) error {
		t.State = domain.TaskRunning
		return nil
	}); err != nil {
		return nil, err
	}
	return correction, nil
}

package domain

import (
	"time"

	"github.com/swarmguard/orchestrator/internal/ids"
)

// CheckpointTrigger records why a checkpoint was raised.
type CheckpointTrigger string

const (
	TriggerFrequency       CheckpointTrigger = "frequency"
	TriggerLowScore        CheckpointTrigger = "low-score"
	TriggerPeerReviewIssue CheckpointTrigger = "peer-review-issues"
	TriggerReviewEscalate  CheckpointTrigger = "review-escalation"
)

// CheckpointStatus is the checkpoint's own lifecycle.
type CheckpointStatus string

const (
	CheckpointPendingReview CheckpointStatus = "PendingReview"
	CheckpointApproved      CheckpointStatus = "Approved"
	CheckpointCorrected     CheckpointStatus = "Corrected"
	CheckpointRejected      CheckpointStatus = "Rejected"
)

// CheckpointSnapshot captures the task state at the moment a checkpoint
// was raised, so a reviewer can judge progress without re-querying
// everything.
type CheckpointSnapshot struct {
	CompletedSubtasks []ids.ID
	AggregateScore    float64
	NextSubtasks      []ids.ID
	RelevantIssues    []string
}

// Checkpoint is a human-review pause point for a task.
type Checkpoint struct {
	ID         ids.ID
	TaskID     ids.ID
	Trigger    CheckpointTrigger
	Snapshot   CheckpointSnapshot
	Status     CheckpointStatus
	UserNotes  string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

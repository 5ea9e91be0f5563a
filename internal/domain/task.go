// Package domain defines the core entities of the orchestration engine —
// Task, Subtask, Worker, Checkpoint, Review, Evaluation, and Correction —
// along with the invariants the rest of the engine relies on to hold.
package domain

import (
	"time"

	"github.com/swarmguard/orchestrator/internal/ids"
)

// CheckpointFrequency controls how often the Checkpoint Controller pauses
// a task for human review.
type CheckpointFrequency string

const (
	FrequencyLow    CheckpointFrequency = "low"
	FrequencyMedium CheckpointFrequency = "medium"
	FrequencyHigh   CheckpointFrequency = "high"
)

// PrivacyLevel governs whether a task's subtasks must stay on
// locally-resident workers.
type PrivacyLevel string

const (
	PrivacyNormal    PrivacyLevel = "normal"
	PrivacySensitive PrivacyLevel = "sensitive"
)

// TaskState is the task lifecycle state machine from spec.md §3/§4.4.
type TaskState string

const (
	TaskPending           TaskState = "Pending"
	TaskInitializing      TaskState = "Initializing"
	TaskRunning           TaskState = "Running"
	TaskCheckpointPending TaskState = "CheckpointPending"
	TaskCompleted         TaskState = "Completed"
	TaskFailed            TaskState = "Failed"
	TaskCancelled         TaskState = "Cancelled"
)

// Terminal reports whether s is an absorbing state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskConfig holds the per-task knobs the submitter may set.
type TaskConfig struct {
	CheckpointFrequency CheckpointFrequency
	PrivacyLevel        PrivacyLevel
	PreferredTools      []string
}

// Task is the root entity of the orchestration engine. Owned by the
// orchestrator; mutated by the scheduler and worker-facing handlers.
type Task struct {
	ID          ids.ID
	Description string
	Config      TaskConfig
	State       TaskState
	Progress    int // 0..100, derived from children, never decreases except on reset after rejection
	Version     int64
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecomputeProgress derives Progress from the completed/total subtask
// counts, rounding down per spec.md §8. It never lowers progress unless
// reset is true (used only on checkpoint rejection).
func (t *Task) RecomputeProgress(completed, total int, reset bool) {
	if total == 0 {
		return
	}
	next := (100 * completed) / total
	if reset || next > t.Progress {
		t.Progress = next
	}
}

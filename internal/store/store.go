// Package store defines the persistence contract for every entity in the
// orchestration domain: transactional storage for tasks, subtasks,
// workers, checkpoints, reviews, evaluations, and corrections, with
// row-level locking and optimistic versioning on tasks (spec.md §3/§6).
package store

import (
	"context"

	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/ids"
)

// TaskFilter narrows ListTasks by status and supports simple pagination.
type TaskFilter struct {
	State  domain.TaskState // empty means any
	Limit  int
	Offset int
}

// ErrVersionConflict is the error UpdateTask wraps when the task to update
// does not exist. The boltstore implementation holds a per-task lock across
// read, mutate and write, so concurrent writers never see a stale version
// and do not get this error.
var ErrVersionConflict = versionConflictError{}

type versionConflictError struct{}

func (versionConflictError) Error() string { return "task version conflict" }

// Store is the full persistence contract. All methods are safe for
// concurrent use.
type Store interface {
	// CreateTask inserts a new task at version 1.
	CreateTask(ctx context.Context, t *domain.Task) error
	// GetTask returns the task by id.
	GetTask(ctx context.Context, id ids.ID) (*domain.Task, error)
	// UpdateTask acquires the task's row-level lock, applies mutate, and
	// persists the result with the version counter bumped. mutate must not
	// perform external I/O; the lock is held only for the duration of the
	// in-memory mutation and the BoltDB write.
	UpdateTask(ctx context.Context, id ids.ID, mutate func(*domain.Task) error) error
	// ListTasks returns tasks matching filter.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)

	CreateSubtask(ctx context.Context, s *domain.Subtask) error
	GetSubtask(ctx context.Context, id ids.ID) (*domain.Subtask, error)
	UpdateSubtask(ctx context.Context, id ids.ID, mutate func(*domain.Subtask) error) error
	ListSubtasksByTask(ctx context.Context, taskID ids.ID) ([]*domain.Subtask, error)

	UpsertWorker(ctx context.Context, w *domain.Worker) error
	GetWorker(ctx context.Context, id ids.ID) (*domain.Worker, error)
	UpdateWorker(ctx context.Context, id ids.ID, mutate func(*domain.Worker) error) error
	ListWorkers(ctx context.Context) ([]*domain.Worker, error)
	DeleteWorker(ctx context.Context, id ids.ID) error

	CreateCheckpoint(ctx context.Context, c *domain.Checkpoint) error
	GetCheckpoint(ctx context.Context, id ids.ID) (*domain.Checkpoint, error)
	UpdateCheckpoint(ctx context.Context, id ids.ID, mutate func(*domain.Checkpoint) error) error
	// PendingCheckpointForTask returns the task's PendingReview checkpoint,
	// if any — used to enforce "at most one PendingReview per task".
	PendingCheckpointForTask(ctx context.Context, taskID ids.ID) (*domain.Checkpoint, error)

	CreateReview(ctx context.Context, r *domain.Review) error
	GetReview(ctx context.Context, id ids.ID) (*domain.Review, error)
	UpdateReview(ctx context.Context, id ids.ID, mutate func(*domain.Review) error) error

	CreateEvaluation(ctx context.Context, e *domain.Evaluation) error
	GetEvaluation(ctx context.Context, id ids.ID) (*domain.Evaluation, error)

	CreateCorrection(ctx context.Context, c *domain.Correction) error
	GetCorrection(ctx context.Context, id ids.ID) (*domain.Correction, error)
	UpdateCorrection(ctx context.Context, id ids.ID, mutate func(*domain.Correction) error) error

	Close() error
}

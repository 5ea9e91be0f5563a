package domain

import (
	"time"

	"github.com/swarmguard/orchestrator/internal/ids"
)

// SubtaskKind distinguishes ordinary work from the peer-review workflow's
// own subtasks.
type SubtaskKind string

const (
	KindWork       SubtaskKind = "Work"
	KindReview     SubtaskKind = "Review"
	KindCorrection SubtaskKind = "Correction"
)

// SubtaskState is the per-subtask state machine from spec.md §4.2.
type SubtaskState string

const (
	SubtaskPending    SubtaskState = "Pending"
	SubtaskReady      SubtaskState = "Ready"
	SubtaskAssigned   SubtaskState = "Assigned"
	SubtaskRunning    SubtaskState = "Running"
	SubtaskCompleted  SubtaskState = "Completed"
	SubtaskFailed     SubtaskState = "Failed"
	SubtaskCorrecting SubtaskState = "Correcting"
)

// Terminal reports whether s ends the subtask's lifecycle (barring retry).
func (s SubtaskState) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed
}

// Output is the opaque structured result a worker reports for a
// completed subtask.
type Output struct {
	Files map[string]string `json:"files,omitempty"`
	Text  string             `json:"text,omitempty"`
	Usage map[string]float64 `json:"usage,omitempty"`
}

// Subtask is a single unit of dispatchable work within a task's DAG.
type Subtask struct {
	ID               ids.ID
	TaskID           ids.ID
	Kind             SubtaskKind
	Name             string
	Description      string
	State            SubtaskState
	Dependencies     []ids.ID // subtask ids within the same task
	RecommendedTool  string
	AssignedWorker   *ids.ID
	Complexity       int // 1..5
	Priority         int
	Output           *Output
	ErrorText        string
	EvaluationScore  *float64
	ReviewCycleCount int
	ReviewTarget     *ids.ID // for Review/Correction kinds
	RetryCount       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DependenciesSatisfied reports whether every dependency of s is present
// in done.
func (s *Subtask) DependenciesSatisfied(done map[ids.ID]bool) bool {
	for _, dep := range s.Dependencies {
		if !done[dep] {
			return false
		}
	}
	return true
}

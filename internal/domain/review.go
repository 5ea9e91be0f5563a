package domain

import (
	"time"

	"github.com/swarmguard/orchestrator/internal/ids"
)

// IssueSeverity classifies a single review finding.
type IssueSeverity string

const (
	SeverityLow      IssueSeverity = "low"
	SeverityMedium   IssueSeverity = "medium"
	SeverityHigh     IssueSeverity = "high"
	SeverityCritical IssueSeverity = "critical"
)

// Issue is one finding raised by a review or evaluator.
type Issue struct {
	Severity IssueSeverity
	Message  string
}

// ReviewDecision is the controller's verdict interpretation.
type ReviewDecision string

const (
	ReviewApproved      ReviewDecision = "Approved"
	ReviewNeedsRevision ReviewDecision = "NeedsRevision"
	ReviewEscalate      ReviewDecision = "Escalate"
)

// Review records one peer-review pass over a work or correction subtask.
type Review struct {
	ID               ids.ID
	OriginalSubtask  ids.ID
	ReviewSubtask    ids.ID
	ReviewerWorker   ids.ID
	OriginalWorker   ids.ID
	Score            float64
	Issues           []Issue
	Decision         ReviewDecision
	AutoFixFeasible  bool
	CreatedAt        time.Time
}

// HasCriticalOrHigh reports whether the review found anything at high or
// critical severity.
func (r *Review) HasCriticalOrHigh() bool {
	for _, iss := range r.Issues {
		if iss.Severity == SeverityCritical || iss.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

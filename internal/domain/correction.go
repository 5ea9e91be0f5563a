package domain

import (
	"time"

	"github.com/swarmguard/orchestrator/internal/ids"
)

// CorrectionCategory classifies the kind of guidance a correction
// addresses.
type CorrectionCategory string

const (
	CategoryWrongApproach   CorrectionCategory = "wrong-approach"
	CategoryIncomplete      CorrectionCategory = "incomplete"
	CategoryBug             CorrectionCategory = "bug"
	CategoryStyle           CorrectionCategory = "style"
	CategoryMissingFeature  CorrectionCategory = "missing-feature"
	CategoryOther           CorrectionCategory = "other"
)

// CorrectionResult is the outcome of applying a correction.
type CorrectionResult string

const (
	CorrectionPending CorrectionResult = "pending"
	CorrectionSuccess CorrectionResult = "success"
	CorrectionFailed  CorrectionResult = "failed"
)

// Correction is a subtask spawned to apply fixes from a peer review or a
// human checkpoint, assigned back to the original author.
type Correction struct {
	ID           ids.ID
	CheckpointID *ids.ID // nil when spawned directly from peer review
	SubtaskID    ids.ID
	Category     CorrectionCategory
	UserGuidance string
	Result       CorrectionResult
	RetryIndex   int
	LearningMode bool
	CreatedAt    time.Time
}

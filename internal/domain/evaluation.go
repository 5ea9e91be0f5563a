package domain

import (
	"time"

	"github.com/swarmguard/orchestrator/internal/ids"
)

// DimensionScore is one evaluator's output for a single quality
// dimension.
type DimensionScore struct {
	Dimension string
	Score     float64 // 0..10
	Issues    []Issue
	Suggestions []string
}

// Evaluation is the aggregated result of running the applicable
// evaluators over a completed subtask's output.
type Evaluation struct {
	ID         ids.ID
	SubtaskID  ids.ID
	Dimensions []DimensionScore
	Overall    float64 // weight-normalized sum, 0..10
	CreatedAt  time.Time
}

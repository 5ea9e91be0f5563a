// Package review implements the Peer-Review Controller (spec.md §4.6):
// trigger policy, reviewer allocation distinct from the original author,
// verdict interpretation, and the accept/auto-fix/escalate decision
// tree. The phase-tracked flow below is grounded on the same active-review
// status-map shape a code-review coordinator elsewhere in the corpus
// uses to track one review at a time per subtask.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/ids"
	"github.com/swarmguard/orchestrator/internal/store"
)

// Phase tracks where an in-flight review sits.
type Phase string

const (
	PhaseSpawned   Phase = "spawned"
	PhaseRunning   Phase = "running"
	PhaseDecided   Phase = "decided"
	PhaseEscalated Phase = "escalated"
)

// Verdict is the structured output a review subtask's worker reports.
type Verdict struct {
	Score           float64
	Issues          []domain.Issue
	AutoFixFeasible bool
}

// Decision is what the controller decided to do after interpreting a
// verdict.
type Decision struct {
	Kind              domain.ReviewDecision
	CorrectionNeeded  bool
	CheckpointNeeded  bool
	CheckpointTrigger domain.CheckpointTrigger
}

const reviewCycleCeiling = 3 // spec.md §4.6 default
const autoFixScoreFloor = 6.0

// Controller decides when to spawn peer review, routes to a distinct
// worker, and interprets verdicts.
type Controller struct {
	store store.Store

	mu     sync.Mutex
	phases map[ids.ID]Phase // keyed by original subtask id
}

// New constructs a Controller.
func New(st store.Store) *Controller {
	return &Controller{store: st, phases: make(map[ids.ID]Phase)}
}

// ShouldReview applies the trigger policy from spec.md §4.6: complexity
// >= 4 always reviews; complexity 3 or score in [7,9) reviews; complexity
// <= 2 with score >= 9 skips. evaluationScore may be nil if no evaluation
// ran yet, in which case only the complexity rule applies.
func ShouldReview(s *domain.Subtask, evaluationScore *float64) bool {
	if s.Complexity >= 4 {
		return true
	}
	if s.Complexity == 3 {
		return true
	}
	if evaluationScore != nil {
		score := *evaluationScore
		if score >= 7 && score < 9 {
			return true
		}
		if s.Complexity <= 2 && score >= 9 {
			return false
		}
	}
	return false
}

// CycleExhausted reports whether s has hit the shared review-cycle
// ceiling (spec.md §9: correction and review cycles share one budget).
func CycleExhausted(s *domain.Subtask) bool {
	return s.ReviewCycleCount >= reviewCycleCeiling
}

// SpawnReview creates a Review subtask targeting original, allocated to
// a worker distinct from original's assigned worker when possible.
func (c *Controller) SpawnReview(ctx context.Context, original *domain.Subtask, candidates []*domain.Worker) (*domain.Subtask, error) {
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "review.spawn")
	defer span.End()

	c.mu.Lock()
	c.phases[original.ID] = PhaseSpawned
	c.mu.Unlock()

	reviewID := ids.New()
	now := time.Now().UTC()
	target := original.ID
	reviewSubtask := &domain.Subtask{
		ID:           reviewID,
		TaskID:       original.TaskID,
		Kind:         domain.KindReview,
		Name:         "review:" + original.Name,
		Description:  reviewPrompt(original),
		State:        domain.SubtaskReady,
		Dependencies: []ids.ID{original.ID},
		ReviewTarget: &target,
		Complexity:   original.Complexity,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.CreateSubtask(ctx, reviewSubtask); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.phases[original.ID] = PhaseRunning
	c.mu.Unlock()
	return reviewSubtask, nil
}

func reviewPrompt(original *domain.Subtask) string {
	return "Review the output of subtask \"" + original.Name + "\": " + original.Description +
		". Respond with a structured JSON verdict: score (0-10), issues classified by severity, " +
		"auto_fix_feasible (bool), and a suggested fix if applicable."
}

// DistinctReviewer picks a candidate worker other than exclude when at
// least one other capable worker exists; otherwise it falls back to
// exclude itself (spec.md §3 Review invariant is best-effort, not
// absolute).
func DistinctReviewer(candidates []*domain.Worker, exclude ids.ID) *domain.Worker {
	for _, w := range candidates {
		if w.ID != exclude {
			return w
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return nil
}

// Decide interprets a verdict against original's current cycle count per
// the decision tree in spec.md §4.6.
func Decide(v Verdict, original *domain.Subtask) Decision {
	if v.Score >= 8 && !v.hasCriticalOrHigh() {
		return Decision{Kind: domain.ReviewApproved}
	}
	cyclesRemaining := original.ReviewCycleCount < reviewCycleCeiling
	if v.AutoFixFeasible && !v.hasCritical() && v.Score >= autoFixScoreFloor && cyclesRemaining {
		return Decision{Kind: domain.ReviewNeedsRevision, CorrectionNeeded: true}
	}
	return Decision{
		Kind:              domain.ReviewEscalate,
		CheckpointNeeded:  true,
		CheckpointTrigger: domain.TriggerPeerReviewIssue,
	}
}

func (v Verdict) hasCriticalOrHigh() bool {
	for _, iss := range v.Issues {
		if iss.Severity == domain.SeverityCritical || iss.Severity == domain.SeverityHigh {
			return true
		}
	}
	return false
}

func (v Verdict) hasCritical() bool {
	for _, iss := range v.Issues {
		if iss.Severity == domain.SeverityCritical {
			return true
		}
	}
	return false
}

// rawVerdict mirrors the structured JSON verdict reviewPrompt asks a
// review subtask's worker to emit.
type rawVerdict struct {
	Score           float64 `json:"score"`
	AutoFixFeasible bool    `json:"auto_fix_feasible"`
	Issues          []struct {
		Severity string `json:"severity"`
		Message  string `json:"message"`
	} `json:"issues"`
}

// ParseVerdict decodes a review subtask's output text as the structured
// JSON verdict reviewPrompt requested.
func ParseVerdict(out *domain.Output) (Verdict, error) {
	if out == nil || out.Text == "" {
		return Verdict{}, fmt.Errorf("review output has no verdict text")
	}
	var raw rawVerdict
	if err := json.Unmarshal([]byte(out.Text), &raw); err != nil {
		return Verdict{}, fmt.Errorf("parse verdict: %w", err)
	}
	v := Verdict{Score: raw.Score, AutoFixFeasible: raw.AutoFixFeasible}
	for _, iss := range raw.Issues {
		v.Issues = append(v.Issues, domain.Issue{Severity: domain.IssueSeverity(iss.Severity), Message: iss.Message})
	}
	return v, nil
}

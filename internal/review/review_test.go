package review

import (
	"context"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/ids"
	"github.com/swarmguard/orchestrator/internal/store/boltstore"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "review.db")
	st, err := boltstore.Open(dbPath, otel.Meter("review-test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st)
}

func TestShouldReviewHighComplexityAlwaysReviews(t *testing.T) {
	if !ShouldReview(&domain.Subtask{Complexity: 4}, nil) {
		t.Fatalf("expected complexity 4 to always trigger review")
	}
}

func TestShouldReviewLowComplexityHighScoreSkips(t *testing.T) {
	score := 9.5
	if ShouldReview(&domain.Subtask{Complexity: 2}, &score) {
		t.Fatalf("expected low complexity with a high score to skip review")
	}
}

func TestShouldReviewMidScoreBandReviews(t *testing.T) {
	score := 7.5
	if !ShouldReview(&domain.Subtask{Complexity: 1}, &score) {
		t.Fatalf("expected a score in [7,9) to trigger review regardless of complexity")
	}
}

func TestShouldReviewComplexity3AlwaysReviews(t *testing.T) {
	if !ShouldReview(&domain.Subtask{Complexity: 3}, nil) {
		t.Fatalf("expected complexity 3 to always trigger review")
	}
}

func TestCycleExhausted(t *testing.T) {
	if CycleExhausted(&domain.Subtask{ReviewCycleCount: 2}) {
		t.Fatalf("expected 2 cycles to be under the ceiling")
	}
	if !CycleExhausted(&domain.Subtask{ReviewCycleCount: 3}) {
		t.Fatalf("expected 3 cycles to hit the ceiling")
	}
}

func TestSpawnReviewCreatesDependentSubtask(t *testing.T) {
	c := newTestController(t)
	original := &domain.Subtask{ID: ids.New(), TaskID: ids.New(), Name: "implement-thing", Complexity: 3}

	reviewSub, err := c.SpawnReview(context.Background(), original, nil)
	if err != nil {
		t.Fatalf("spawn review: %v", err)
	}
	if reviewSub.Kind != domain.KindReview {
		t.Fatalf("expected a review-kind subtask, got %s", reviewSub.Kind)
	}
	if len(reviewSub.Dependencies) != 1 || reviewSub.Dependencies[0] != original.ID {
		t.Fatalf("expected the review subtask to depend on the original, got %+v", reviewSub.Dependencies)
	}
	if reviewSub.ReviewTarget == nil || *reviewSub.ReviewTarget != original.ID {
		t.Fatalf("expected ReviewTarget to point at the original subtask")
	}
}

func TestDistinctReviewerPrefersNonExcluded(t *testing.T) {
	author := ids.New()
	other := &domain.Worker{ID: ids.New()}
	picked := DistinctReviewer([]*domain.Worker{{ID: author}, other}, author)
	if picked.ID != other.ID {
		t.Fatalf("expected the non-author worker to be picked, got %v", picked.ID)
	}
}

func TestDistinctReviewerFallsBackToExcludedWhenNoOtherExists(t *testing.T) {
	author := ids.New()
	only := &domain.Worker{ID: author}
	picked := DistinctReviewer([]*domain.Worker{only}, author)
	if picked == nil || picked.ID != author {
		t.Fatalf("expected the only candidate to be returned even though excluded")
	}
}

func TestDistinctReviewerNilWhenNoCandidates(t *testing.T) {
	if DistinctReviewer(nil, ids.New()) != nil {
		t.Fatalf("expected nil when there are no candidates")
	}
}

func TestDecideApprovesHighScoreNoCriticalIssues(t *testing.T) {
	d := Decide(Verdict{Score: 9}, &domain.Subtask{})
	if d.Kind != domain.ReviewApproved {
		t.Fatalf("expected approval, got %+v", d)
	}
}

func TestDecideRoutesToCorrectionWhenAutoFixFeasible(t *testing.T) {
	d := Decide(Verdict{Score: 6.5, AutoFixFeasible: true}, &domain.Subtask{ReviewCycleCount: 0})
	if d.Kind != domain.ReviewNeedsRevision || !d.CorrectionNeeded {
		t.Fatalf("expected a needs-revision decision with correction needed, got %+v", d)
	}
}

func TestDecideEscalatesOnCriticalIssue(t *testing.T) {
	d := Decide(Verdict{Score: 9, Issues: []domain.Issue{{Severity: domain.SeverityCritical}}}, &domain.Subtask{})
	if d.Kind != domain.ReviewEscalate || !d.CheckpointNeeded {
		t.Fatalf("expected escalation on a critical issue even with a high score, got %+v", d)
	}
}

func TestDecideEscalatesWhenCyclesExhausted(t *testing.T) {
	d := Decide(Verdict{Score: 6.5, AutoFixFeasible: true}, &domain.Subtask{ReviewCycleCount: 3})
	if d.Kind != domain.ReviewEscalate {
		t.Fatalf("expected escalation once the review-cycle ceiling is hit, got %+v", d)
	}
}

func TestParseVerdictRoundTrips(t *testing.T) {
	out := &domain.Output{Text: `{"score":7.5,"auto_fix_feasible":true,"issues":[{"severity":"high","message":"missing check"}]}`}
	v, err := ParseVerdict(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.Score != 7.5 || !v.AutoFixFeasible || len(v.Issues) != 1 || v.Issues[0].Severity != domain.SeverityHigh {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestParseVerdictRejectsEmptyOutput(t *testing.T) {
	if _, err := ParseVerdict(nil); err == nil {
		t.Fatalf("expected an error for nil output")
	}
	if _, err := ParseVerdict(&domain.Output{}); err == nil {
		t.Fatalf("expected an error for empty output text")
	}
}

func TestParseVerdictRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseVerdict(&domain.Output{Text: "not json"}); err == nil {
		t.Fatalf("expected an error for malformed JSON")
	}
}

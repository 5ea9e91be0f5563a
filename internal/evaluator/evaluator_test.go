package evaluator

import (
	"context"
	"testing"

	"github.com/swarmguard/orchestrator/internal/domain"
)

func alwaysApplicable(*domain.Subtask) bool { return true }

func TestEvaluateAggregatesWeightedScores(t *testing.T) {
	p := New(0)
	p.Register("correctness", alwaysApplicable, func(ctx context.Context, s *domain.Subtask) (float64, []domain.Issue, []string, error) {
		return 8, nil, nil, nil
	}, 0.6)
	p.Register("quality", alwaysApplicable, func(ctx context.Context, s *domain.Subtask) (float64, []domain.Issue, []string, error) {
		return 4, nil, nil, nil
	}, 0.4)

	eval, err := p.Evaluate(context.Background(), &domain.Subtask{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	want := 0.6*8 + 0.4*4
	if diff := eval.Overall - want; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("expected overall %.4f, got %.4f", want, eval.Overall)
	}
	if len(eval.Dimensions) != 2 {
		t.Fatalf("expected 2 dimension scores, got %d", len(eval.Dimensions))
	}
}

func TestEvaluateSkipsInapplicableDimensionsWithoutZeroingScore(t *testing.T) {
	p := New(0)
	p.Register("correctness", alwaysApplicable, func(ctx context.Context, s *domain.Subtask) (float64, []domain.Issue, []string, error) {
		return 10, nil, nil, nil
	}, 0.5)
	p.Register("policy", func(*domain.Subtask) bool { return false }, func(ctx context.Context, s *domain.Subtask) (float64, []domain.Issue, []string, error) {
		return 0, nil, nil, nil
	}, 0.5)

	eval, err := p.Evaluate(context.Background(), &domain.Subtask{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Overall != 10 {
		t.Fatalf("expected an inapplicable dimension to contribute zero weight, not drag the average down; got %v", eval.Overall)
	}
	if len(eval.Dimensions) != 1 {
		t.Fatalf("expected only the applicable dimension's score to be recorded, got %d", len(eval.Dimensions))
	}
}

func TestSetWeightsRejectsSumNotEqualToOne(t *testing.T) {
	p := New(0)
	p.Register("correctness", alwaysApplicable, nil, 0.5)
	if err := p.SetWeights(map[string]float64{"correctness": 0.7}); err == nil {
		t.Fatalf("expected an error for weights not summing to 1")
	}
}

func TestSetWeightsUpdatesRegisteredDimension(t *testing.T) {
	p := New(0)
	p.Register("correctness", alwaysApplicable, func(ctx context.Context, s *domain.Subtask) (float64, []domain.Issue, []string, error) {
		return 6, nil, nil, nil
	}, 1)
	if err := p.SetWeights(map[string]float64{"correctness": 1}); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}

	eval, err := p.Evaluate(context.Background(), &domain.Subtask{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Overall != 6 {
		t.Fatalf("expected overall score 6, got %v", eval.Overall)
	}
}

func TestEvaluateTreatsEvaluatorErrorAsZeroScore(t *testing.T) {
	p := New(0)
	p.Register("correctness", alwaysApplicable, func(ctx context.Context, s *domain.Subtask) (float64, []domain.Issue, []string, error) {
		return 0, nil, nil, errToolUnavailable
	}, 1)

	eval, err := p.Evaluate(context.Background(), &domain.Subtask{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Overall != 0 {
		t.Fatalf("expected a failing evaluator call to score 0, got %v", eval.Overall)
	}
}

func TestClamp10(t *testing.T) {
	if clamp10(-1) != 0 {
		t.Fatalf("expected negative scores to clamp to 0")
	}
	if clamp10(11) != 10 {
		t.Fatalf("expected scores above 10 to clamp to 10")
	}
	if clamp10(5) != 5 {
		t.Fatalf("expected in-range scores to pass through unchanged")
	}
}

var errToolUnavailable = errFixture("tool unavailable")

type errFixture string

func (e errFixture) Error() string { return string(e) }

// Package evaluator implements the Evaluator Pipeline (spec.md §4.5): a
// table of function pointers keyed by dimension, each an applicability
// predicate paired with a scoring function, run concurrently and
// aggregated with configurable weights that must sum to 1.
package evaluator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/ids"
	"github.com/swarmguard/orchestrator/internal/resilience"
)

// Applicable reports whether an evaluator's dimension applies to s.
type Applicable func(s *domain.Subtask) bool

// Score runs the evaluator's scoring function, returning a 0-10 score,
// issues, and suggestions. Implementations may invoke external tools but
// must respect the context deadline the pipeline sets (spec.md §5
// evaluator call timeout, default 30s).
type Score func(ctx context.Context, s *domain.Subtask) (float64, []domain.Issue, []string, error)

// entry is one row of the dimension table: applicability, scoring
// function, and weight. Per spec.md §9, this replaces an
// object-oriented evaluator registry.
type entry struct {
	dimension   string
	applicable  Applicable
	score       Score
	weight      float64
}

// Pipeline runs the registered evaluators and aggregates their scores.
type Pipeline struct {
	mu      sync.RWMutex
	table   []entry
	timeout time.Duration
}

// New constructs an empty Pipeline. callTimeout bounds each evaluator
// call (spec.md default 30s).
func New(callTimeout time.Duration) *Pipeline {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Pipeline{timeout: callTimeout}
}

// Register adds or replaces the entry for dimension. Weights are
// re-validated by SetWeights, not here, so registration order doesn't
// matter.
func (p *Pipeline) Register(dimension string, applicable Applicable, score Score, weight float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.table {
		if e.dimension == dimension {
			p.table[i] = entry{dimension, applicable, score, weight}
			return
		}
	}
	p.table = append(p.table, entry{dimension, applicable, score, weight})
}

// SetWeights overwrites the weight column for dimensions present in the
// table, rejecting any map whose values don't sum to 1 (spec.md §4.5,
// §8).
func (p *Pipeline) SetWeights(weights map[string]float64) error {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("evaluator weights must sum to 1, got %v", sum)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.table {
		if w, ok := weights[p.table[i].dimension]; ok {
			p.table[i].weight = w
		}
	}
	return nil
}

// Evaluate runs every applicable evaluator concurrently and aggregates
// with weight normalization: missing dimensions (inapplicable to s)
// contribute zero weight, not zero score (spec.md §3 Evaluation
// invariant).
func (p *Pipeline) Evaluate(ctx context.Context, s *domain.Subtask) (*domain.Evaluation, error) {
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "evaluator.evaluate")
	defer span.End()

	p.mu.RLock()
	entries := make([]entry, len(p.table))
	copy(entries, p.table)
	p.mu.RUnlock()

	type result struct {
		dimension string
		weight    float64
		score     domain.DimensionScore
	}
	type evalOutcome struct {
		score       float64
		issues      []domain.Issue
		suggestions []string
	}

	var wg sync.WaitGroup
	results := make([]result, 0, len(entries))
	var mu sync.Mutex

	for _, e := range entries {
		if !e.applicable(s) {
			continue
		}
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			out, err := resilience.Retry(callCtx, resilience.Policy{MaxAttempts: 1}, func() (evalOutcome, error) {
				sc, iss, sugg, e2 := e.score(callCtx, s)
				return evalOutcome{score: sc, issues: iss, suggestions: sugg}, e2
			})
			if err != nil {
				out = evalOutcome{}
			}
			mu.Lock()
			results = append(results, result{
				dimension: e.dimension,
				weight:    e.weight,
				score:     domain.DimensionScore{Dimension: e.dimension, Score: clamp10(out.score), Issues: out.issues, Suggestions: out.suggestions},
			})
			mu.Unlock()
		}()
	}
	wg.Wait()

	var totalWeight, weighted float64
	dims := make([]domain.DimensionScore, 0, len(results))
	for _, r := range results {
		totalWeight += r.weight
		weighted += r.weight * r.score.Score
		dims = append(dims, r.score)
	}
	overall := 0.0
	if totalWeight > 0 {
		overall = weighted / totalWeight
	}

	return &domain.Evaluation{
		ID:         ids.New(),
		SubtaskID:  s.ID,
		Dimensions: dims,
		Overall:    clamp10(overall),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func clamp10(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

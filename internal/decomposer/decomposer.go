// Package decomposer implements the Task Decomposer (spec.md §4.1):
// converting a free-text task description into a validated, acyclic
// subtask DAG via an LLM call with deterministic template and
// single-subtask fallbacks. The decomposer always returns a non-empty,
// acyclic DAG; the only error surfaced upstream is a validation failure
// on malformed caller input.
package decomposer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/orchestrator/internal/apierror"
	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/ids"
)

// LLMClient is the narrow contract the decomposer depends on. Concrete
// AI-tool adapters live outside the orchestration engine's scope; the
// decomposer only needs a stateless call that may time out or return
// malformed output, both of which it treats as recoverable.
type LLMClient interface {
	// Decompose asks the model to break description into subtasks. The
	// implementation must itself honor ctx's deadline; the decomposer
	// additionally wraps the call in its own bounded timeout.
	Decompose(ctx context.Context, description string, requirements, preferences []string) ([]Draft, error)
}

// Draft is one LLM- or template-produced subtask record prior to
// validation and ID assignment.
type Draft struct {
	Name            string
	Description     string
	DependsOn       []int // indices into the draft list
	RecommendedTool string
	Complexity      int
}

// Decomposer converts task input into a domain subtask DAG.
type Decomposer struct {
	llm     LLMClient
	timeout time.Duration
}

// New constructs a Decomposer. timeout bounds the LLM call (spec.md §6
// default 10s).
func New(llm LLMClient, timeout time.Duration) *Decomposer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Decomposer{llm: llm, timeout: timeout}
}

// Decompose produces an ordered, acyclic list of subtasks for taskID. The
// caller-provided description must be non-empty; everything else is
// handled by degrading through the fallback chain.
func (d *Decomposer) Decompose(ctx context.Context, taskID ids.ID, description string, requirements, preferences []string) ([]*domain.Subtask, error) {
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "decomposer.decompose")
	defer span.End()

	description = strings.TrimSpace(description)
	if description == "" {
		return nil, apierror.Validation("task description must not be empty")
	}

	drafts, err := d.tryLLM(ctx, description, requirements, preferences)
	if err != nil || len(drafts) == 0 {
		drafts = matchTemplate(description)
	}
	if len(drafts) == 0 {
		drafts = []Draft{{Name: "complete-task", Description: description, Complexity: 3}}
	}

	if err := validateDAG(drafts); err != nil {
		drafts = []Draft{{Name: "complete-task", Description: description, Complexity: 3}}
	}

	return toSubtasks(taskID, drafts), nil
}

func (d *Decomposer) tryLLM(ctx context.Context, description string, requirements, preferences []string) ([]Draft, error) {
	if d.llm == nil {
		return nil, fmt.Errorf("no llm client configured")
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	drafts, err := d.llm.Decompose(ctx, description, requirements, preferences)
	if err != nil {
		return nil, err
	}
	if err := validateDraftFields(drafts); err != nil {
		return nil, err
	}
	if err := validateDAG(drafts); err != nil {
		return nil, err
	}
	return drafts, nil
}

func validateDraftFields(drafts []Draft) error {
	for i, dr := range drafts {
		if dr.Name == "" || dr.Description == "" {
			return fmt.Errorf("draft %d missing required fields", i)
		}
		for _, dep := range dr.DependsOn {
			if dep < 0 || dep >= len(drafts) {
				return fmt.Errorf("draft %d has out-of-range dependency %d", i, dep)
			}
		}
		if dr.Complexity < 1 || dr.Complexity > 5 {
			drafts[i].Complexity = 3
		}
	}
	return nil
}

// validateDAG runs depth-first cycle detection over the index graph.
func validateDAG(drafts []Draft) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(drafts))
	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, dep := range drafts[i].DependsOn {
			switch color[dep] {
			case gray:
				return fmt.Errorf("cycle detected at draft %d", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}
	for i := range drafts {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

func toSubtasks(taskID ids.ID, drafts []Draft) []*domain.Subtask {
	out := make([]*domain.Subtask, len(drafts))
	idByIndex := make([]ids.ID, len(drafts))
	for i := range drafts {
		idByIndex[i] = ids.New()
	}
	now := time.Now().UTC()
	for i, dr := range drafts {
		deps := make([]ids.ID, 0, len(dr.DependsOn))
		for _, dep := range dr.DependsOn {
			deps = append(deps, idByIndex[dep])
		}
		out[i] = &domain.Subtask{
			ID:              idByIndex[i],
			TaskID:          taskID,
			Kind:            domain.KindWork,
			Name:            dr.Name,
			Description:     dr.Description,
			State:           domain.SubtaskPending,
			Dependencies:    deps,
			RecommendedTool: dr.RecommendedTool,
			Complexity:      dr.Complexity,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if len(deps) == 0 {
			out[i].State = domain.SubtaskReady
		}
	}
	return out
}

package decomposer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/ids"
)

type stubLLM struct {
	drafts []Draft
	err    error
}

func (s stubLLM) Decompose(ctx context.Context, description string, requirements, preferences []string) ([]Draft, error) {
	return s.drafts, s.err
}

func TestDecomposeUsesLLMDraftsWhenValid(t *testing.T) {
	d := New(stubLLM{drafts: []Draft{
		{Name: "step-1", Description: "first step", Complexity: 2},
		{Name: "step-2", Description: "second step", DependsOn: []int{0}, Complexity: 2},
	}}, time.Second)

	subs, err := d.Decompose(context.Background(), ids.New(), "do the thing", nil, nil)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subtasks from the LLM drafts, got %d", len(subs))
	}
	if subs[0].State != domain.SubtaskReady {
		t.Fatalf("expected the dependency-free subtask to be Ready, got %s", subs[0].State)
	}
	if subs[1].State != domain.SubtaskPending {
		t.Fatalf("expected the dependent subtask to be Pending, got %s", subs[1].State)
	}
	if len(subs[1].Dependencies) != 1 || subs[1].Dependencies[0] != subs[0].ID {
		t.Fatalf("expected subtask 1 to depend on subtask 0's assigned id, got %+v", subs[1].Dependencies)
	}
}

func TestDecomposeFallsBackToTemplateOnLLMError(t *testing.T) {
	d := New(stubLLM{err: errors.New("model unavailable")}, time.Second)

	subs, err := d.Decompose(context.Background(), ids.New(), "add user login and signin", nil, nil)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(subs) != 6 {
		t.Fatalf("expected the 6-subtask auth template, got %d", len(subs))
	}
}

func TestDecomposeFallsBackToSingleSubtaskWithNoLLMAndNoTemplateMatch(t *testing.T) {
	d := New(nil, time.Second)

	subs, err := d.Decompose(context.Background(), ids.New(), "do something obscure", nil, nil)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected the single-subtask fallback, got %d", len(subs))
	}
}

func TestDecomposeRejectsEmptyDescription(t *testing.T) {
	d := New(nil, time.Second)
	if _, err := d.Decompose(context.Background(), ids.New(), "   ", nil, nil); err == nil {
		t.Fatalf("expected an error for an empty description")
	}
}

func TestDecomposeFallsBackOnLLMCycle(t *testing.T) {
	d := New(stubLLM{drafts: []Draft{
		{Name: "a", Description: "a", DependsOn: []int{1}},
		{Name: "b", Description: "b", DependsOn: []int{0}},
	}}, time.Second)

	subs, err := d.Decompose(context.Background(), ids.New(), "do something obscure", nil, nil)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected a cyclic LLM draft to fall back to the single-subtask plan, got %d subtasks", len(subs))
	}
}

func TestMatchTemplateIsCaseInsensitiveAndKeyworded(t *testing.T) {
	if matchTemplate("Implement a CRUD resource for widgets") == nil {
		t.Fatalf("expected the crud template to match")
	}
	if matchTemplate("completely unrelated description") != nil {
		t.Fatalf("expected no template match")
	}
}

func TestValidateDraftFieldsRejectsOutOfRangeDependency(t *testing.T) {
	err := validateDraftFields([]Draft{{Name: "a", Description: "a", DependsOn: []int{5}}})
	if err == nil {
		t.Fatalf("expected an error for an out-of-range dependency index")
	}
}

func TestValidateDraftFieldsClampsComplexity(t *testing.T) {
	drafts := []Draft{{Name: "a", Description: "a", Complexity: 99}}
	if err := validateDraftFields(drafts); err != nil {
		t.Fatalf("validateDraftFields: %v", err)
	}
	if drafts[0].Complexity != 3 {
		t.Fatalf("expected out-of-range complexity to clamp to 3, got %d", drafts[0].Complexity)
	}
}

package evaluator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/swarmguard/orchestrator/internal/domain"
)

// PolicyEvaluator backs the policy-conformance dimension with a Rego
// query compiled once by NewPolicyEvaluator; the policy is not reloaded
// afterwards. Input is the subtask's output and
// complexity; the policy must define `data.orchestrator.score` (0-10)
// and may define `data.orchestrator.issues` (array of strings).
type PolicyEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewPolicyEvaluator compiles the given Rego modules (path -> source)
// into a prepared query against data.orchestrator.
func NewPolicyEvaluator(ctx context.Context, modules map[string]string) (*PolicyEvaluator, error) {
	opts := []func(*rego.Rego){
		rego.Query("data.orchestrator"),
	}
	for path, src := range modules {
		opts = append(opts, rego.Module(path, src))
	}
	q, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	return &PolicyEvaluator{query: q}, nil
}

// Applicable reports true for every work subtask with a non-nil output;
// policy conformance is meaningless before output exists.
func (pe *PolicyEvaluator) Applicable(s *domain.Subtask) bool {
	return s.Kind == domain.KindWork && s.Output != nil
}

// Score evaluates the compiled policy against the subtask's output.
func (pe *PolicyEvaluator) Score(ctx context.Context, s *domain.Subtask) (float64, []domain.Issue, []string, error) {
	input := map[string]any{
		"complexity": s.Complexity,
		"text":       s.Output.Text,
		"files":      s.Output.Files,
	}
	results, err := pe.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return 0, nil, nil, fmt.Errorf("policy produced no result")
	}
	doc, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return 0, nil, nil, fmt.Errorf("policy result is not an object")
	}
	var score float64
	switch v := doc["score"].(type) {
	case json.Number:
		score, _ = v.Float64()
	case float64:
		score = v
	}
	var issues []domain.Issue
	if rawIssues, ok := doc["issues"].([]any); ok {
		for _, ri := range rawIssues {
			if msg, ok := ri.(string); ok {
				issues = append(issues, domain.Issue{Severity: domain.SeverityMedium, Message: msg})
			}
		}
	}
	return score, issues, nil, nil
}

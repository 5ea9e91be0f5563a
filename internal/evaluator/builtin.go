package evaluator

import (
	"context"
	"strings"

	"github.com/swarmguard/orchestrator/internal/domain"
)

// CorrectnessApplicable and QualityApplicable report true for completed
// work output; correctness and quality, unlike the policy dimension,
// don't need a compiled Rego bundle so they're always available to
// Register in cmd/orchestrator.
func CorrectnessApplicable(s *domain.Subtask) bool {
	return s.Kind == domain.KindWork && s.Output != nil
}

// QualityApplicable mirrors CorrectnessApplicable.
func QualityApplicable(s *domain.Subtask) bool {
	return s.Kind == domain.KindWork && s.Output != nil
}

// CorrectnessScore is the built-in "correctness" dimension: it penalizes
// empty output and output containing obvious failure markers. It is a
// heuristic floor, not a substitute for the policy or peer-review
// dimensions — grounded on the teacher's sigmoid risk heuristic
// (services/threat-intel/internal/scoring.go), reused here as a bounded
// penalty accumulator instead of a risk score.
func CorrectnessScore(_ context.Context, s *domain.Subtask) (float64, []domain.Issue, []string, error) {
	out := s.Output
	score := 10.0
	var issues []domain.Issue

	text := strings.TrimSpace(out.Text)
	if text == "" && len(out.Files) == 0 {
		issues = append(issues, domain.Issue{Severity: domain.SeverityHigh, Message: "output is empty"})
		return 0, issues, nil, nil
	}

	lower := strings.ToLower(text)
	for _, marker := range []string{"traceback", "panic:", "exception", "fatal error", "cannot find", "undefined"} {
		if strings.Contains(lower, marker) {
			issues = append(issues, domain.Issue{Severity: domain.SeverityHigh, Message: "output contains a failure marker: " + marker})
			score -= 4
		}
	}
	if s.ErrorText != "" {
		issues = append(issues, domain.Issue{Severity: domain.SeverityMedium, Message: s.ErrorText})
		score -= 2
	}
	return clamp10(score), issues, nil, nil
}

// QualityScore is the built-in "quality" dimension: it rewards output that
// looks substantive (non-trivial text or file content) and flags output
// that's suspiciously terse for the subtask's complexity.
func QualityScore(_ context.Context, s *domain.Subtask) (float64, []domain.Issue, []string, error) {
	out := s.Output
	length := len(out.Text)
	for _, content := range out.Files {
		length += len(content)
	}

	var issues []domain.Issue
	var suggestions []string
	floor := s.Complexity * 40
	switch {
	case length == 0:
		issues = append(issues, domain.Issue{Severity: domain.SeverityMedium, Message: "output has no content to assess"})
		return 2, issues, suggestions, nil
	case length < floor:
		suggestions = append(suggestions, "output is short relative to the subtask's complexity; consider more detail")
		return 6, issues, suggestions, nil
	default:
		return 9, issues, suggestions, nil
	}
}

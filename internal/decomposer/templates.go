package decomposer

import "strings"

// template is a keyword family mapped to a fixed, linear-then-fan-out
// subtask skeleton, used when the LLM call times out or returns invalid
// output (spec.md §4.1, scenario 4 in §8: a six-subtask authentication
// template with a linear-then-fan-out dependency graph).
type template struct {
	keywords []string
	drafts   func(description string) []Draft
}

var templates = []template{
	{
		keywords: []string{"auth", "login", "signin", "authentication"},
		drafts: func(description string) []Draft {
			return []Draft{
				{Name: "design-auth-schema", Description: "Design the user/credential schema for: " + description, Complexity: 2},
				{Name: "implement-password-hashing", Description: "Implement password hashing and storage", DependsOn: []int{0}, Complexity: 3, RecommendedTool: "claude"},
				{Name: "implement-session-tokens", Description: "Implement session/token issuance", DependsOn: []int{0}, Complexity: 3, RecommendedTool: "claude"},
				{Name: "implement-login-endpoint", Description: "Implement the login endpoint", DependsOn: []int{1, 2}, Complexity: 3, RecommendedTool: "claude"},
				{Name: "implement-logout-endpoint", Description: "Implement the logout endpoint", DependsOn: []int{2}, Complexity: 2, RecommendedTool: "claude"},
				{Name: "write-auth-tests", Description: "Write tests covering login/logout flows", DependsOn: []int{3, 4}, Complexity: 2, RecommendedTool: "claude"},
			}
		},
	},
	{
		keywords: []string{"crud", "create", "update", "delete", "resource"},
		drafts: func(description string) []Draft {
			return []Draft{
				{Name: "design-data-model", Description: "Design the data model for: " + description, Complexity: 2},
				{Name: "implement-create", Description: "Implement create operation", DependsOn: []int{0}, Complexity: 2, RecommendedTool: "claude"},
				{Name: "implement-read", Description: "Implement read/list operations", DependsOn: []int{0}, Complexity: 2, RecommendedTool: "claude"},
				{Name: "implement-update", Description: "Implement update operation", DependsOn: []int{0}, Complexity: 2, RecommendedTool: "claude"},
				{Name: "implement-delete", Description: "Implement delete operation", DependsOn: []int{0}, Complexity: 2, RecommendedTool: "claude"},
			}
		},
	},
	{
		keywords: []string{"refactor", "cleanup", "restructure"},
		drafts: func(description string) []Draft {
			return []Draft{
				{Name: "survey-current-structure", Description: "Survey the code to refactor: " + description, Complexity: 2},
				{Name: "apply-refactor", Description: "Apply the refactor", DependsOn: []int{0}, Complexity: 4, RecommendedTool: "claude"},
				{Name: "verify-behavior-preserved", Description: "Verify behavior is unchanged", DependsOn: []int{1}, Complexity: 3, RecommendedTool: "claude"},
			}
		},
	},
	{
		keywords: []string{"ui", "frontend", "page", "component", "screen"},
		drafts: func(description string) []Draft {
			return []Draft{
				{Name: "design-layout", Description: "Design the layout for: " + description, Complexity: 2},
				{Name: "implement-component", Description: "Implement the UI component", DependsOn: []int{0}, Complexity: 3, RecommendedTool: "gemini"},
				{Name: "wire-state", Description: "Wire component state and interactions", DependsOn: []int{1}, Complexity: 3, RecommendedTool: "gemini"},
			}
		},
	},
}

// matchTemplate returns the drafts for the first keyword family found in
// description, or nil if none match.
func matchTemplate(description string) []Draft {
	lower := strings.ToLower(description)
	for _, t := range templates {
		for _, kw := range t.keywords {
			if strings.Contains(lower, kw) {
				return t.drafts(description)
			}
		}
	}
	return nil
}

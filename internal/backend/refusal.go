package backend

import "strings"

// RefusalMatcher detects soft refusals: responses that arrive with a 200 but
// are content-policy refusals. Matched tasks are failed so the refusal text
// never pollutes future conversation context. Matching is plain substring
// containment, case-insensitive.
type RefusalMatcher struct {
	patterns []string
}

// NewRefusalMatcher builds a matcher over the configured patterns. Empty
// patterns are dropped.
func NewRefusalMatcher(patterns []string) *RefusalMatcher {
	kept := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			kept = append(kept, strings.ToLower(trimmed))
		}
	}
	return &RefusalMatcher{patterns: kept}
}

// Match returns the first matching pattern and true when the text is a
// refusal.
func (m *RefusalMatcher) Match(text string) (string, bool) {
	lowered := strings.ToLower(text)
	for _, p := range m.patterns {
		if strings.Contains(lowered, p) {
			return p, true
		}
	}
	return "", false
}

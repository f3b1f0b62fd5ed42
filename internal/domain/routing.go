package domain

import "strings"

// RoutingRule maps a model-name substring to a model family.
type RoutingRule struct {
	Contains string
	Family   string
}

// RoutingTable classifies model identifiers into families. It is immutable
// after construction and injected into the dispatcher, so tests can supply
// their own rules.
type RoutingTable struct {
	rules         []RoutingRule
	defaultFamily string
}

// NewRoutingTable builds a table from ordered rules. First match wins.
// defaultFamily may be empty, in which case unmatched models are rejected.
func NewRoutingTable(rules []RoutingRule, defaultFamily string) *RoutingTable {
	cp := make([]RoutingRule, len(rules))
	copy(cp, rules)
	return &RoutingTable{rules: cp, defaultFamily: defaultFamily}
}

// DefaultRoutingRules mirrors the production routing policy.
func DefaultRoutingRules() []RoutingRule {
	return []RoutingRule{
		{Contains: "qwen", Family: "qwen"},
		{Contains: "deepseek", Family: "deepseek"},
		{Contains: "gemini", Family: "gemini"},
		{Contains: "stable", Family: "sd"},
		{Contains: "sd", Family: "sd"},
	}
}

// FamilyFor resolves the model family for a model identifier. Matching is
// case-insensitive substring containment.
func (t *RoutingTable) FamilyFor(modelName string) (string, error) {
	name := strings.ToLower(modelName)
	for _, r := range t.rules {
		if strings.Contains(name, r.Contains) {
			return r.Family, nil
		}
	}
	if t.defaultFamily != "" {
		return t.defaultFamily, nil
	}
	return "", &UnroutableModelError{ModelName: modelName}
}

// SplitModels parses the comma-separated model list from a submit request.
func SplitModels(models string) []string {
	parts := strings.Split(models, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

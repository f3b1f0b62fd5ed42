package domain

import "time"

// Conversation is a multi-turn session. Turns are not stored separately; they
// are derived from the conversation's task rows ordered by creation time, so
// per-conversation write serialization reduces to the task rows' own
// conditional-update discipline.
type Conversation struct {
	ID           string    `json:"conversation_id"`
	Title        string    `json:"title,omitempty"`
	StickyNodeID string    `json:"sticky_node_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Turn is one message in a conversation's reconstructed history.
type Turn struct {
	Role      string   `json:"role"` // "user" or "assistant"
	Content   string   `json:"content"`
	ModelName string   `json:"model,omitempty"`
	Files     []string `json:"files,omitempty"`
	Pending   bool     `json:"is_loading,omitempty"` // unresolved task placeholder
}

// TitleFromPrompt derives a conversation title from its first prompt.
func TitleFromPrompt(prompt string) string {
	const maxTitle = 20
	runes := []rune(prompt)
	if len(runes) <= maxTitle {
		return prompt
	}
	return string(runes[:maxTitle]) + "..."
}

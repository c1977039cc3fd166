package domain

import "time"

// Message sender roles as persisted. LLM prompt assembly maps RoleAI to the
// provider's "assistant" role; the store keeps the shorter form.
const (
	RoleUser = "user"
	RoleAI   = "ai"
)

type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is immutable once written. Ordering inside a conversation is
// defined solely by CreatedAt ascending.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	Role           string            `json:"role"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

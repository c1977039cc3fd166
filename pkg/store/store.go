package store

import "supportchat/pkg/domain"

// Store defines persistence operations for conversations and their messages.
type Store interface {
	CreateConversation(domain.Conversation) error
	// GetConversation returns the conversation and whether it exists.
	GetConversation(id string) (domain.Conversation, bool, error)
	// AppendMessage records a message under a conversation.
	AppendMessage(conversationID string, msg domain.Message) error
	// ListRecentMessages returns the newest limit messages of a conversation
	// in chronological (ascending) order.
	ListRecentMessages(conversationID string, limit int) ([]domain.Message, error)
	// ListMessages returns every message of a conversation in chronological order.
	ListMessages(conversationID string) ([]domain.Message, error)
}

package domain

import "time"

// Message is a single persisted conversation entry.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Payload        map[string]any `json:"payload"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// ConversationMeta stores the free-form metadata attached to a conversation.
type ConversationMeta struct {
	ConversationID string         `json:"conversationId"`
	Metadata       map[string]any `json:"metadata"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Package model defines data structures for the messaging engine.
package model

// Conversation summarizes the message history with one counterparty. The
// counterparty pubkey is the primary key: no two summaries for the same
// identity share one.
type Conversation struct {
	Pubkey string `json:"pubkey"`

	// LastMessage is the most recent message by CreatedAt.
	LastMessage *Message `json:"last_message,omitempty"`

	// LastMessageAt mirrors LastMessage.CreatedAt and never decreases
	// for a given conversation.
	LastMessageAt int64 `json:"last_message_at"`

	// UnreadCount counts messages received since the last read mark.
	UnreadCount int `json:"unread_count"`

	// LastViewedAt is the unix-seconds timestamp of the last read mark.
	LastViewedAt int64 `json:"last_viewed_at,omitempty"`
}

// Identity is the authenticated user state read at the time of each
// operation.
type Identity struct {
	Pubkey        string `json:"pubkey"`
	Authenticated bool   `json:"authenticated"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}

package model

// EventType identifies the kind of state change carried by an Event.
type EventType string

const (
	EventTypeMessage        EventType = "message"
	EventTypeMessageRemoved EventType = "message_removed"
	EventTypeConversation   EventType = "conversation"
)

// Event is a reconciled state change fanned out to stream subscribers.
// Peer is the counterparty pubkey the change belongs to. Message is set
// for message and message_removed events, Conversation for conversation
// events.
type Event struct {
	Type         EventType     `json:"type"`
	Peer         string        `json:"peer"`
	Message      *Message      `json:"message,omitempty"`
	Conversation *Conversation `json:"conversation,omitempty"`
}

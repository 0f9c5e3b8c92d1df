package model

import (
	"errors"
	"fmt"
)

// Source identifies the delivery channel a message arrived through.
type Source string

const (
	// SourceSubscription marks messages pushed by the live relay feed.
	SourceSubscription Source = "subscription"
	// SourceCache marks messages confirmed by a publish ack or restored
	// from a cached batch.
	SourceCache Source = "cache"
	// SourceOptimistic marks messages inserted locally before any relay
	// has acknowledged them.
	SourceOptimistic Source = "optimistic"
)

// ErrAlreadyConfirmed is returned when a confirm transition is applied to a
// message that already carries a durable id.
var ErrAlreadyConfirmed = errors.New("model: message already confirmed")

// Message is a direct message between two identities.
//
// A message is identified by exactly one of ID or TempID at any time. It is
// born with only TempID (optimistic local insert), gains ID once a relay
// confirms durable storage, and finally drops TempID when the reconciler
// retires the placeholder. The transition is one-way.
type Message struct {
	// ID is the durable identifier assigned on relay confirmation.
	// Empty while the message is in flight.
	ID string `json:"id,omitempty"`

	// TempID is the client-generated placeholder used before ID exists.
	TempID string `json:"temp_id,omitempty"`

	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`

	// Content is the plain-text body. It may carry an appended attachment
	// manifest block; see StripAttachmentManifest.
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// CreatedAt is a unix-seconds timestamp and the ordering source of
	// truth for conversation views.
	CreatedAt int64 `json:"created_at"`

	// IsSent is true when the current identity authored the message.
	IsSent bool `json:"is_sent"`

	// Context optionally references another content item for deep
	// linking, e.g. "product:123".
	Context string `json:"context,omitempty"`
}

// NewPending builds an optimistic message identified only by a placeholder.
func NewPending(tempID, sender, recipient, content string, createdAt int64) Message {
	return Message{
		TempID:    tempID,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		CreatedAt: createdAt,
		IsSent:    true,
	}
}

// Confirm returns a copy carrying the durable id alongside the placeholder.
// Confirming twice is rejected so the lifecycle can never run backwards.
func (m Message) Confirm(id string) (Message, error) {
	if id == "" {
		return Message{}, errors.New("model: confirm requires an id")
	}
	if m.ID != "" {
		return Message{}, ErrAlreadyConfirmed
	}
	m.ID = id
	return m, nil
}

// Pending reports whether the message still awaits relay confirmation.
func (m Message) Pending() bool {
	return m.ID == ""
}

// Key is the merge key reconcilers deduplicate on: the durable id when
// present, the placeholder otherwise, and a composite fingerprint as the
// last resort for records carrying neither.
func (m Message) Key() string {
	if m.ID != "" {
		return "id:" + m.ID
	}
	if m.TempID != "" {
		return "tmp:" + m.TempID
	}
	return m.Fingerprint()
}

// Fingerprint is the fallback composite key built from the participant pair
// and the creation timestamp.
func (m Message) Fingerprint() string {
	return fmt.Sprintf("fp:%s:%s:%d", m.Sender, m.Recipient, m.CreatedAt)
}

// CounterpartyOf returns the other participant relative to self.
func (m Message) CounterpartyOf(self string) string {
	if m.Sender == self {
		return m.Recipient
	}
	return m.Sender
}

// SelfAddressed reports whether sender and recipient are the same identity.
func (m Message) SelfAddressed() bool {
	return m.Sender == m.Recipient
}

// SendMessageRequest is the request to send a new direct message.
type SendMessageRequest struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Context     string       `json:"context,omitempty"`
}

// SendMessageResponse is the response after a send has been accepted.
type SendMessageResponse struct {
	Message *Message `json:"message"`
}

// ListMessagesResponse is the response for listing conversation messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
}

package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/psam21/ncoin-messaging/internal/model"
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidatePubkey validates a signer pubkey: 64 lowercase hex characters.
func ValidatePubkey(pubkey string) error {
	if len(pubkey) != 64 {
		return errors.New("pubkey must be 64 characters")
	}
	for _, c := range pubkey {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return errors.New("pubkey must be lowercase hex")
		}
	}
	return nil
}

// ValidateMessageRef validates a message reference: either a durable
// message ID or a local temp ID.
func ValidateMessageRef(ref string) error {
	if _, err := uuid.Parse(strings.TrimPrefix(ref, "local-")); err != nil {
		return errors.New("invalid message reference format")
	}
	return nil
}

// ValidateAttachments validates attachment descriptors on a send request.
func ValidateAttachments(attachments []model.Attachment) error {
	if len(attachments) > 10 {
		return errors.New("too many attachments")
	}
	for _, a := range attachments {
		if a.Type == "" {
			return errors.New("attachment type cannot be empty")
		}
		if a.URL != "" && !strings.HasPrefix(a.URL, "https://") && !strings.HasPrefix(a.URL, "http://") {
			return errors.New("attachment URL must be http or https")
		}
	}
	return nil
}

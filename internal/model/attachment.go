package model

import "strings"

// Attachment describes one media item carried by a message. URL is set once
// the item is uploaded; LocalPath points at the source file while the
// upload is still pending.
type Attachment struct {
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
}

// Uploaded reports whether the attachment already has a durable URL.
func (a Attachment) Uploaded() bool {
	return a.URL != ""
}

// attachmentManifestHeader delimits the manifest block appended to message
// content. Everything from the header onward is manifest, not body.
const attachmentManifestHeader = "\n\n--- attachments ---\n"

// AppendAttachmentManifest appends a delimited manifest block listing the
// uploaded attachments to the message body. Content is returned unchanged
// when there is nothing to list.
func AppendAttachmentManifest(content string, attachments []Attachment) string {
	var lines []string
	for _, a := range attachments {
		if a.URL == "" {
			continue
		}
		lines = append(lines, a.Type+" "+a.URL)
	}
	if len(lines) == 0 {
		return content
	}
	return content + attachmentManifestHeader + strings.Join(lines, "\n")
}

// StripAttachmentManifest returns the message body without any appended
// manifest block. Used when comparing content across delivery channels,
// where one side may carry the manifest and the other may not.
func StripAttachmentManifest(content string) string {
	if i := strings.Index(content, attachmentManifestHeader); i >= 0 {
		return content[:i]
	}
	return content
}

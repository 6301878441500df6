package domain

import (
	"path"
	"strings"
	"time"

	qfit_errors "qfit-chat/pkg/errors"
)

// AttachmentKind is the coarse file type tag carried on the wire.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

// Message is one chat message. Field tags match the socket payload shape
// (`message` event outbound, `newMessage` inbound) and the REST history
// endpoint, so the same struct crosses both boundaries.
type Message struct {
	GroupID        string         `json:"groupId"`
	SenderEmail    string         `json:"userEmail"`
	SenderName     string         `json:"username"`
	Body           string         `json:"message"`
	SentAt         time.Time      `json:"timestamp"`
	AttachmentURL  string         `json:"url,omitempty"`
	AttachmentKind AttachmentKind `json:"fileType,omitempty"`
}

// Validate enforces the message invariant: a body or an attachment,
// never both empty.
func (m Message) Validate() error {
	if m.GroupID == "" || m.SenderEmail == "" {
		return qfit_errors.ErrInvalidInput
	}
	if m.Body == "" && m.AttachmentURL == "" {
		return qfit_errors.ErrInvalidInput
	}
	return nil
}

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".heic": true,
}

// KindForFile classifies an attachment by its filename extension.
func KindForFile(name string) AttachmentKind {
	if imageExts[strings.ToLower(path.Ext(name))] {
		return AttachmentImage
	}
	return AttachmentFile
}

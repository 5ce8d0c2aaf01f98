package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// MessageStatus is the outcome of a single send as reported to the caller.
type MessageStatus string

const (
	MessageStatusSent   MessageStatus = "sent"
	MessageStatusFailed MessageStatus = "failed"
)

func (s MessageStatus) String() string { return string(s) }

// Attachment limits.
const (
	MaxRecipients     = 1000
	MaxSubjectLength  = 998
	MaxAttachmentSize = 10 << 20
)

// Attachment is a file carried with a message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
	ContentID   string `json:"contentId,omitempty"`
}

// Message is the provider-agnostic email handed to the coordinator.
type Message struct {
	ID          string            `json:"id"`
	To          []string          `json:"to"`
	From        string            `json:"from"`
	ReplyTo     string            `json:"replyTo,omitempty"`
	Subject     string            `json:"subject"`
	HTML        string            `json:"html,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	TrackOpens  bool              `json:"trackOpens"`
	TrackClicks bool              `json:"trackClicks"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SendAt      *time.Time        `json:"sendAt,omitempty"`
}

func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	if len(m.To) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrValidation)
	}
	if len(m.To) > MaxRecipients {
		return fmt.Errorf("%w: recipients exceed %d (got %d)", ErrValidation, MaxRecipients, len(m.To))
	}
	for _, to := range m.To {
		if _, err := mail.ParseAddress(strings.TrimSpace(to)); err != nil {
			return fmt.Errorf("%w: invalid recipient %q", ErrValidation, to)
		}
	}
	if strings.TrimSpace(m.From) == "" {
		return fmt.Errorf("%w: sender is required", ErrValidation)
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(m.From)); err != nil {
		return fmt.Errorf("%w: invalid sender %q", ErrValidation, m.From)
	}
	if m.ReplyTo != "" {
		if _, err := mail.ParseAddress(strings.TrimSpace(m.ReplyTo)); err != nil {
			return fmt.Errorf("%w: invalid reply-to %q", ErrValidation, m.ReplyTo)
		}
	}
	if strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if len([]rune(m.Subject)) > MaxSubjectLength {
		return fmt.Errorf("%w: subject exceeds %d characters", ErrValidation, MaxSubjectLength)
	}
	if strings.TrimSpace(m.HTML) == "" && strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("%w: html or text body is required", ErrValidation)
	}
	for _, a := range m.Attachments {
		if strings.TrimSpace(a.Filename) == "" {
			return fmt.Errorf("%w: attachment filename is required", ErrValidation)
		}
		if len(a.Content) > MaxAttachmentSize {
			return fmt.Errorf("%w: attachment %q exceeds %d bytes", ErrValidation, a.Filename, MaxAttachmentSize)
		}
	}

	return nil
}

// HasAttachments reports whether the message needs an attachment-capable provider.
func (m *Message) HasAttachments() bool {
	return m != nil && len(m.Attachments) > 0
}

// PrimaryRecipient is the first address of the message, used for per-recipient reporting.
func (m *Message) PrimaryRecipient() string {
	if m == nil || len(m.To) == 0 {
		return ""
	}
	return strings.TrimSpace(m.To[0])
}

// Clone returns a deep copy so callers never observe coordinator-side normalization.
func (m Message) Clone() Message {
	out := m
	out.To = append([]string(nil), m.To...)
	if m.Attachments != nil {
		out.Attachments = make([]Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			a.Content = append([]byte(nil), a.Content...)
			out.Attachments[i] = a
		}
	}
	out.Headers = cloneStringMap(m.Headers)
	out.Metadata = cloneStringMap(m.Metadata)
	if m.SendAt != nil {
		sendAt := *m.SendAt
		out.SendAt = &sendAt
	}
	return out
}

// MessageResponse is produced once per send attempt. The final response returned to
// the caller may name a fallback provider rather than the requested one.
type MessageResponse struct {
	MessageID string        `json:"messageId,omitempty"`
	Recipient string        `json:"recipient,omitempty"`
	Status    MessageStatus `json:"status"`
	Provider  string        `json:"provider,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Attempts  int           `json:"attempts,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func (r MessageResponse) Succeeded() bool {
	return r.Status == MessageStatusSent
}

// FailedResponse is the sentinel used for batch items that could not be sent.
func FailedResponse(recipient, provider string, err error, at time.Time) MessageResponse {
	resp := MessageResponse{
		Recipient: recipient,
		Status:    MessageStatusFailed,
		Provider:  provider,
		Timestamp: at,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMessageValidate(t *testing.T) {
	t.Parallel()

	base := Message{
		To:      []string{"jane@example.com"},
		From:    "noreply@example.com",
		Subject: "Welcome",
		HTML:    "<p>hello</p>",
	}

	tests := []struct {
		name    string
		mutate  func(*Message)
		wantErr bool
	}{
		{
			name:   "valid message",
			mutate: func(m *Message) {},
		},
		{
			name: "text only body",
			mutate: func(m *Message) {
				m.HTML = ""
				m.Text = "hello"
			},
		},
		{
			name: "display name recipient",
			mutate: func(m *Message) {
				m.To = []string{"Jane Doe <jane@example.com>"}
			},
		},
		{
			name: "missing recipients",
			mutate: func(m *Message) {
				m.To = nil
			},
			wantErr: true,
		},
		{
			name: "malformed recipient",
			mutate: func(m *Message) {
				m.To = []string{"jane@example.com", "not-an-address"}
			},
			wantErr: true,
		},
		{
			name: "missing sender",
			mutate: func(m *Message) {
				m.From = " "
			},
			wantErr: true,
		},
		{
			name: "invalid reply-to",
			mutate: func(m *Message) {
				m.ReplyTo = "nope"
			},
			wantErr: true,
		},
		{
			name: "missing subject",
			mutate: func(m *Message) {
				m.Subject = ""
			},
			wantErr: true,
		},
		{
			name: "subject over limit",
			mutate: func(m *Message) {
				m.Subject = strings.Repeat("s", MaxSubjectLength+1)
			},
			wantErr: true,
		},
		{
			name: "missing body",
			mutate: func(m *Message) {
				m.HTML = ""
				m.Text = ""
			},
			wantErr: true,
		},
		{
			name: "attachment without filename",
			mutate: func(m *Message) {
				m.Attachments = []Attachment{{ContentType: "text/plain", Content: []byte("x")}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			current := base.Clone()
			tt.mutate(&current)

			err := current.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("Validate() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error = %v", err)
			}
		})
	}
}

func TestMessageCloneIsDeep(t *testing.T) {
	t.Parallel()

	sendAt := time.Unix(1_700_000_000, 0)
	original := Message{
		To:          []string{"a@example.com"},
		Headers:     map[string]string{"X-A": "1"},
		Metadata:    map[string]string{"campaign": "c1"},
		Attachments: []Attachment{{Filename: "a.txt", Content: []byte("abc")}},
		SendAt:      &sendAt,
	}

	clone := original.Clone()
	clone.To[0] = "b@example.com"
	clone.Headers["X-A"] = "2"
	clone.Metadata["campaign"] = "c2"
	clone.Attachments[0].Content[0] = 'z'
	*clone.SendAt = sendAt.Add(time.Hour)

	if original.To[0] != "a@example.com" {
		t.Fatalf("original recipients mutated: %v", original.To)
	}
	if original.Headers["X-A"] != "1" || original.Metadata["campaign"] != "c1" {
		t.Fatal("original maps mutated")
	}
	if string(original.Attachments[0].Content) != "abc" {
		t.Fatalf("original attachment mutated: %s", original.Attachments[0].Content)
	}
	if !original.SendAt.Equal(sendAt) {
		t.Fatal("original send time mutated")
	}
}

func TestEvaluateBatchThreshold(t *testing.T) {
	t.Parallel()

	build := func(successes, failures int) []MessageResponse {
		out := make([]MessageResponse, 0, successes+failures)
		for i := 0; i < successes; i++ {
			out = append(out, MessageResponse{Status: MessageStatusSent, Recipient: "ok@example.com"})
		}
		for i := 0; i < failures; i++ {
			out = append(out, MessageResponse{Status: MessageStatusFailed, Recipient: "bad@example.com"})
		}
		return out
	}

	tests := []struct {
		name      string
		successes int
		failures  int
		want      bool
	}{
		{name: "nine of ten meets threshold", successes: 9, failures: 1, want: true},
		{name: "eight of ten misses threshold", successes: 8, failures: 2, want: false},
		{name: "all succeed", successes: 10, want: true},
		{name: "empty batch is not successful", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := EvaluateBatch("b1", build(tt.successes, tt.failures), DefaultAcceptanceThreshold)
			if result.Success != tt.want {
				t.Fatalf("Success = %v, want %v (rate=%v)", result.Success, tt.want, result.SuccessRate)
			}
			if result.Failed != tt.failures {
				t.Fatalf("Failed = %d, want %d", result.Failed, tt.failures)
			}
			if got := len(result.FailedRecipients()); got != tt.failures {
				t.Fatalf("FailedRecipients() len = %d, want %d", got, tt.failures)
			}
		})
	}
}

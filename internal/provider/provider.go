package provider

import (
	"context"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Capabilities advertises optional features of an adapter.
type Capabilities struct {
	Batch       bool `json:"batch"`
	Webhooks    bool `json:"webhooks"`
	Attachments bool `json:"attachments"`
	Tracking    bool `json:"tracking"`
	Scheduling  bool `json:"scheduling"`
	Analytics   bool `json:"analytics"`
}

// Supports reports whether the adapter can carry msg as-is.
func (c Capabilities) Supports(msg *domain.Message) bool {
	if msg == nil {
		return true
	}
	if msg.HasAttachments() && !c.Attachments {
		return false
	}
	if msg.SendAt != nil && !c.Scheduling {
		return false
	}
	return true
}

// Adapter is the outbound email delivery port. Implementations are safe for concurrent use.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	SendEmail(ctx context.Context, msg domain.Message) (*domain.MessageResponse, error)
	ValidateWebhookSignature(payload []byte, signature string) bool
	HealthCheck(ctx context.Context) bool
}

// BatchSender is implemented by adapters with a native multi-message API. Responses are
// returned in input order, one per message.
type BatchSender interface {
	SendBatch(ctx context.Context, msgs []domain.Message) ([]domain.MessageResponse, error)
	MaxBatchSize() int
}

// AnalyticsProvider exposes aggregate delivery statistics for a time range.
type AnalyticsProvider interface {
	Analytics(ctx context.Context, from, to time.Time) (*Analytics, error)
}

type Analytics struct {
	Provider   string    `json:"provider"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Requests   int64     `json:"requests"`
	Delivered  int64     `json:"delivered"`
	Opened     int64     `json:"opened"`
	Clicked    int64     `json:"clicked"`
	Bounced    int64     `json:"bounced"`
	Complained int64     `json:"complained"`
}

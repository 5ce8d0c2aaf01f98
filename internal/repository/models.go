package repository

import (
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// AuditEventModel is the persistence model for the audit_events table.
type AuditEventModel struct {
	ID            string    `gorm:"type:uuid;primaryKey"`
	Type          string    `gorm:"type:varchar(64);not null"`
	Subject       string    `gorm:"type:varchar(255);not null"`
	Provider      *string   `gorm:"type:varchar(64)"`
	Outcome       string    `gorm:"type:varchar(20);not null"`
	Detail        *string   `gorm:"type:text"`
	CorrelationID *string   `gorm:"type:varchar(64)"`
	Attributes    string    `gorm:"type:jsonb;not null;default:'{}'"`
	OccurredAt    time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt     time.Time
}

func (AuditEventModel) TableName() string {
	return "audit_events"
}

// WebhookAttemptModel is one row of the webhook attempt log.
type WebhookAttemptModel struct {
	ID            string  `gorm:"type:uuid;primaryKey"`
	DeliveryID    string  `gorm:"type:varchar(255);not null"`
	EndpointID    string  `gorm:"type:varchar(128);not null"`
	EventID       string  `gorm:"type:varchar(128);not null"`
	AttemptNumber int     `gorm:"not null"`
	Outcome       string  `gorm:"type:varchar(20);not null"`
	StatusCode    *int    `gorm:"type:int"`
	Error         *string `gorm:"type:text"`
	DurationMs    int64   `gorm:"not null;default:0"`
	CreatedAt     time.Time
}

func (WebhookAttemptModel) TableName() string {
	return "webhook_attempts"
}

// ProviderAttemptModel is one row of the provider send log.
type ProviderAttemptModel struct {
	ID            string  `gorm:"type:uuid;primaryKey"`
	MessageID     string  `gorm:"type:varchar(255);not null"`
	Provider      string  `gorm:"type:varchar(64);not null"`
	Recipient     string  `gorm:"type:varchar(255);not null"`
	AttemptNumber int     `gorm:"not null"`
	Outcome       string  `gorm:"type:varchar(20);not null"`
	Error         *string `gorm:"type:text"`
	CreatedAt     time.Time
}

func (ProviderAttemptModel) TableName() string {
	return "provider_attempts"
}

// BatchModel is the persistence model for dispatched batch verdicts.
type BatchModel struct {
	ID          string  `gorm:"type:varchar(64);primaryKey"`
	Total       int     `gorm:"not null"`
	Succeeded   int     `gorm:"not null"`
	Failed      int     `gorm:"not null"`
	SuccessRate float64 `gorm:"not null"`
	Threshold   float64 `gorm:"not null"`
	Success     bool    `gorm:"not null"`
	CreatedAt   time.Time
}

func (BatchModel) TableName() string {
	return "batches"
}

func batchModelFromDomain(b *domain.BatchResult, now time.Time) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:          b.BatchID,
		Total:       b.Total,
		Succeeded:   b.Succeeded,
		Failed:      b.Failed,
		SuccessRate: b.SuccessRate,
		Threshold:   b.Threshold,
		Success:     b.Success,
		CreatedAt:   now,
	}
}

// batchModelToDomain restores the verdict only; per-recipient responses are not stored.
func batchModelToDomain(m *BatchModel) *domain.BatchResult {
	if m == nil {
		return nil
	}

	return &domain.BatchResult{
		BatchID:     m.ID,
		Success:     m.Success,
		Total:       m.Total,
		Succeeded:   m.Succeeded,
		Failed:      m.Failed,
		SuccessRate: m.SuccessRate,
		Threshold:   m.Threshold,
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"gorm.io/gorm"
)

type AuditRepository interface {
	observability.AuditSink
	ListBySubject(ctx context.Context, subject string, limit int) ([]AuditEventModel, error)
}

// GormAuditRepo stores every audit record in audit_events. Attempt records are also
// projected into the webhook or provider attempt log in the same transaction.
type GormAuditRepo struct {
	db  *gorm.DB
	now func() time.Time
}

var _ AuditRepository = (*GormAuditRepo)(nil)

func NewGormAuditRepo(db *gorm.DB) *GormAuditRepo {
	return &GormAuditRepo{db: db, now: time.Now}
}

func (r *GormAuditRepo) LogEvent(ctx context.Context, record observability.AuditRecord) error {
	event, err := auditEventFromRecord(ctx, record, r.now().UTC())
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}

		switch record.Type {
		case observability.AuditWebhookAttempt:
			if err := tx.Create(webhookAttemptFromRecord(record, event.OccurredAt)).Error; err != nil {
				return fmt.Errorf("failed to insert webhook attempt: %w", err)
			}
		case observability.AuditProviderAttempt:
			if err := tx.Create(providerAttemptFromRecord(record, event.OccurredAt)).Error; err != nil {
				return fmt.Errorf("failed to insert provider attempt: %w", err)
			}
		}
		return nil
	})
}

func (r *GormAuditRepo) ListBySubject(ctx context.Context, subject string, limit int) ([]AuditEventModel, error) {
	if limit <= 0 {
		limit = 100
	}

	var models []AuditEventModel
	err := r.db.WithContext(ctx).
		Where("subject = ?", subject).
		Order("occurred_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return models, nil
}

func auditEventFromRecord(ctx context.Context, record observability.AuditRecord, now time.Time) (*AuditEventModel, error) {
	attributes := "{}"
	if len(record.Attributes) > 0 {
		raw, err := json.Marshal(record.Attributes)
		if err != nil {
			return nil, fmt.Errorf("failed to encode audit attributes: %w", err)
		}
		attributes = string(raw)
	}

	occurredAt := record.Timestamp
	if occurredAt.IsZero() {
		occurredAt = now
	}

	model := &AuditEventModel{
		ID:         uuid.NewString(),
		Type:       record.Type,
		Subject:    record.Subject,
		Provider:   optionalString(record.Provider),
		Outcome:    record.Outcome,
		Detail:     optionalString(record.Detail),
		Attributes: attributes,
		OccurredAt: occurredAt,
		CreatedAt:  now,
	}
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		model.CorrelationID = &correlationID
	}
	return model, nil
}

func webhookAttemptFromRecord(record observability.AuditRecord, at time.Time) *WebhookAttemptModel {
	model := &WebhookAttemptModel{
		ID:            uuid.NewString(),
		DeliveryID:    record.Subject,
		EndpointID:    stringAttr(record.Attributes, "endpointId"),
		EventID:       stringAttr(record.Attributes, "eventId"),
		AttemptNumber: int(intAttr(record.Attributes, "attempts")),
		Outcome:       record.Outcome,
		Error:         optionalString(record.Detail),
		DurationMs:    intAttr(record.Attributes, "durationMs"),
		CreatedAt:     at,
	}
	if _, ok := record.Attributes["statusCode"]; ok {
		code := int(intAttr(record.Attributes, "statusCode"))
		model.StatusCode = &code
	}
	return model
}

func providerAttemptFromRecord(record observability.AuditRecord, at time.Time) *ProviderAttemptModel {
	return &ProviderAttemptModel{
		ID:            uuid.NewString(),
		MessageID:     record.Subject,
		Provider:      record.Provider,
		Recipient:     stringAttr(record.Attributes, "recipient"),
		AttemptNumber: int(intAttr(record.Attributes, "attempt")),
		Outcome:       record.Outcome,
		Error:         optionalString(record.Detail),
		CreatedAt:     at,
	}
}

func stringAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}

func intAttr(attrs map[string]any, key string) int64 {
	switch v := attrs[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

package observability

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeRetry   = "retry"
	OutcomeDenied  = "denied"
)

// Audit record types.
const (
	AuditWebhookAttempt  = "webhook.attempt"
	AuditWebhookRearm    = "webhook.rearm"
	AuditProviderAttempt = "provider.attempt"
	AuditEventPublish    = "event.publish"
	AuditBatchDispatch   = "batch.dispatch"
	AuditProviderEvent   = "provider.callback"
	AuditSendFailure     = "delivery.send_failed"
)

// AuditRecord is one business-relevant fact, e.g. a provider send or a webhook attempt.
type AuditRecord struct {
	Type       string
	Subject    string
	Provider   string
	Outcome    string
	Detail     string
	Attributes map[string]any
	Timestamp  time.Time
}

type AuditSink interface {
	LogEvent(ctx context.Context, record AuditRecord) error
}

type NopAudit struct{}

func (NopAudit) LogEvent(context.Context, AuditRecord) error { return nil }

// ZapAuditSink writes audit records as structured log lines.
type ZapAuditSink struct {
	logger *zap.Logger
}

func NewZapAuditSink(logger *zap.Logger) *ZapAuditSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAuditSink{logger: logger.Named("audit")}
}

func (s *ZapAuditSink) LogEvent(ctx context.Context, record AuditRecord) error {
	fields := []zap.Field{
		zap.String("type", record.Type),
		zap.String("subject", record.Subject),
		zap.String("outcome", record.Outcome),
		zap.Time("at", record.Timestamp),
	}
	if record.Provider != "" {
		fields = append(fields, zap.String("provider", record.Provider))
	}
	if record.Detail != "" {
		fields = append(fields, zap.String("detail", record.Detail))
	}
	if len(record.Attributes) > 0 {
		fields = append(fields, zap.Any("attributes", record.Attributes))
	}

	WithContextLogger(s.logger, ctx).Info("audit event", fields...)
	return nil
}

// FanOutAuditSink forwards each record to every sink and joins their errors.
type FanOutAuditSink struct {
	sinks []AuditSink
}

func NewFanOutAuditSink(sinks ...AuditSink) *FanOutAuditSink {
	kept := make([]AuditSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &FanOutAuditSink{sinks: kept}
}

func (f *FanOutAuditSink) LogEvent(ctx context.Context, record AuditRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	var errs []error
	for _, s := range f.sinks {
		if err := s.LogEvent(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

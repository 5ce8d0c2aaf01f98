package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"go.uber.org/zap"
)

// providerEvent is the common subset of provider callback bodies. Providers post either a
// single object or an array of them.
type providerEvent struct {
	ID        string          `json:"id"`
	EventID   string          `json:"sg_event_id"`
	Event     string          `json:"event"`
	EventType string          `json:"eventType"`
	MessageID string          `json:"messageId"`
	SGMessage string          `json:"sg_message_id"`
	Email     string          `json:"email"`
	Reason    string          `json:"reason"`
	URL       string          `json:"url"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// callbackEventTypes maps provider event names onto the engine's event types.
var callbackEventTypes = map[string]string{
	"delivered":  domain.EventDelivered,
	"delivery":   domain.EventDelivered,
	"bounce":     domain.EventBounced,
	"bounced":    domain.EventBounced,
	"open":       domain.EventOpened,
	"opened":     domain.EventOpened,
	"click":      domain.EventClicked,
	"clicked":    domain.EventClicked,
	"spamreport": domain.EventComplained,
	"complaint":  domain.EventComplained,
	"complained": domain.EventComplained,
	"dropped":    domain.EventFailed,
	"reject":     domain.EventFailed,
	"failed":     domain.EventFailed,
}

// IngestProviderEvents validates a provider callback signature and republishes every
// recognized event. Unknown event names are skipped. It returns the number published.
func (c *DeliveryCoordinator) IngestProviderEvents(ctx context.Context, providerName string, payload []byte, signature string) (int, error) {
	adapter, ok := c.registry.Get(providerName)
	if !ok {
		return 0, fmt.Errorf("%w: provider %q", domain.ErrNotFound, providerName)
	}
	if !adapter.Capabilities().Webhooks {
		return 0, fmt.Errorf("%w: provider %q does not send callbacks", domain.ErrValidation, providerName)
	}
	if !adapter.ValidateWebhookSignature(payload, signature) {
		c.metrics.IncrementCounter("callbacks.invalid_signature", 1)
		_ = c.audit.LogEvent(ctx, observability.AuditRecord{
			Type:      observability.AuditProviderEvent,
			Subject:   providerName,
			Provider:  adapter.Name(),
			Outcome:   observability.OutcomeDenied,
			Detail:    domain.ErrInvalidSignature.Error(),
			Timestamp: c.now().UTC(),
		})
		return 0, fmt.Errorf("%w: provider %q callback", domain.ErrInvalidSignature, providerName)
	}

	raw, err := decodeProviderEvents(payload)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, pe := range raw {
		event, ok := c.toWebhookEvent(adapter.Name(), pe)
		if !ok {
			c.metrics.IncrementCounter("callbacks.skipped", 1)
			continue
		}
		if err := c.events.Publish(ctx, event); err != nil {
			observability.WithContextLogger(c.logger, ctx).Warn("provider callback event dropped",
				zap.String("provider", adapter.Name()),
				zap.String("eventId", event.ID),
				zap.Error(err),
			)
			continue
		}
		published++
	}

	c.metrics.IncrementCounter("callbacks.published", float64(published))
	return published, nil
}

func decodeProviderEvents(payload []byte) ([]providerEvent, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty callback body", domain.ErrValidation)
	}

	if trimmed[0] == '[' {
		var events []providerEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("%w: invalid callback body: %v", domain.ErrValidation, err)
		}
		return events, nil
	}

	var event providerEvent
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, fmt.Errorf("%w: invalid callback body: %v", domain.ErrValidation, err)
	}
	return []providerEvent{event}, nil
}

func (c *DeliveryCoordinator) toWebhookEvent(providerName string, pe providerEvent) (domain.WebhookEvent, bool) {
	name := pe.Event
	if name == "" {
		name = pe.EventType
	}
	eventType, ok := callbackEventTypes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return domain.WebhookEvent{}, false
	}

	id := firstNonEmpty(pe.ID, pe.EventID)
	if id == "" {
		id = uuid.NewString()
	}

	data := map[string]any{
		"provider":          providerName,
		"providerMessageId": firstNonEmpty(pe.MessageID, pe.SGMessage),
		"recipient":         pe.Email,
		"providerEvent":     name,
	}
	if pe.Reason != "" {
		data["reason"] = pe.Reason
	}
	if pe.URL != "" {
		data["url"] = pe.URL
	}

	return domain.WebhookEvent{
		ID:        id,
		Type:      eventType,
		Timestamp: parseCallbackTime(pe.Timestamp, c.now().UTC()),
		Data:      data,
	}, true
}

// parseCallbackTime accepts unix seconds or an RFC 3339 string.
func parseCallbackTime(raw json.RawMessage, fallback time.Time) time.Time {
	if len(raw) == 0 {
		return fallback
	}

	var seconds int64
	if err := json.Unmarshal(raw, &seconds); err == nil && seconds > 0 {
		return time.Unix(seconds, 0).UTC()
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

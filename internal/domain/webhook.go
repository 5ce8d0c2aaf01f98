package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Event types emitted by the coordinator or received from provider callbacks.
const (
	EventDelivered  = "delivered"
	EventFailed     = "failed"
	EventBounced    = "bounced"
	EventOpened     = "opened"
	EventClicked    = "clicked"
	EventComplained = "complained"
)

// PayloadFormat selects how a webhook body is serialized.
type PayloadFormat string

const (
	PayloadFormatJSON PayloadFormat = "json"
	PayloadFormatForm PayloadFormat = "form"
	PayloadFormatXML  PayloadFormat = "xml"
)

func (f PayloadFormat) String() string { return string(f) }

func (f PayloadFormat) IsValid() bool {
	switch f {
	case PayloadFormatJSON, PayloadFormatForm, PayloadFormatXML:
		return true
	}
	return false
}

func ParsePayloadFormat(s string) (PayloadFormat, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if normalized == "" {
		return PayloadFormatJSON, nil
	}
	f := PayloadFormat(normalized)
	if !f.IsValid() {
		return "", fmt.Errorf("%w: invalid payload format %q", ErrValidation, s)
	}
	return f, nil
}

// ContentType is the MIME type sent for the format.
func (f PayloadFormat) ContentType() string {
	switch f {
	case PayloadFormatForm:
		return "application/x-www-form-urlencoded"
	case PayloadFormatXML:
		return "application/xml"
	default:
		return "application/json"
	}
}

// DeliveryStatus is the webhook delivery state. A delivery is in exactly one state.
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusSuccess || s == DeliveryStatusFailed
}

// WebhookEndpoint is a subscriber configured outside this subsystem.
type WebhookEndpoint struct {
	ID          string            `json:"id" yaml:"id"`
	URL         string            `json:"url" yaml:"url"`
	Events      []string          `json:"events" yaml:"events"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	MaxAttempts *int              `json:"maxAttempts,omitempty" yaml:"max_attempts"`
	Format      PayloadFormat     `json:"format" yaml:"format"`
	Version     string            `json:"version" yaml:"version"`
	Timeout     time.Duration     `json:"timeout,omitempty" yaml:"timeout"`
	Secret      string            `json:"-" yaml:"secret"`
}

// Subscribes reports whether the endpoint wants events of the given type.
func (e WebhookEndpoint) Subscribes(eventType string) bool {
	return e.Enabled && slices.Contains(e.Events, eventType)
}

// EffectiveMaxAttempts resolves the endpoint override against the global default.
func (e WebhookEndpoint) EffectiveMaxAttempts(fallback int) int {
	if e.MaxAttempts != nil && *e.MaxAttempts > 0 {
		return *e.MaxAttempts
	}
	return fallback
}

func (e WebhookEndpoint) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: endpoint id is required", ErrValidation)
	}
	if strings.TrimSpace(e.URL) == "" {
		return fmt.Errorf("%w: endpoint %q url is required", ErrValidation, e.ID)
	}
	if len(e.Events) == 0 {
		return fmt.Errorf("%w: endpoint %q must subscribe to at least one event", ErrValidation, e.ID)
	}
	if !e.Format.IsValid() {
		return fmt.Errorf("%w: endpoint %q has invalid format %q", ErrValidation, e.ID, e.Format)
	}
	if e.MaxAttempts != nil && *e.MaxAttempts < 1 {
		return fmt.Errorf("%w: endpoint %q max attempts must be >= 1", ErrValidation, e.ID)
	}
	return nil
}

// WebhookEvent is a delivery-relevant fact fanned out to subscribed endpoints.
type WebhookEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (e WebhookEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: event id is required", ErrValidation)
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: event type is required", ErrValidation)
	}
	return nil
}

// AttemptResult records the outcome of the most recent webhook attempt.
type AttemptResult struct {
	Timestamp  time.Time `json:"timestamp"`
	StatusCode *int      `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
}

// WebhookDelivery is the durable unit of work for one (event, endpoint) pair.
type WebhookDelivery struct {
	ID          string          `json:"id"`
	Endpoint    WebhookEndpoint `json:"endpoint"`
	Event       WebhookEvent    `json:"event"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Status      DeliveryStatus  `json:"status"`
	LastAttempt *AttemptResult  `json:"lastAttempt,omitempty"`
	NextRetry   time.Time       `json:"nextRetry"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// DeliveryID joins event and endpoint ids; one delivery exists per pair.
func DeliveryID(eventID, endpointID string) string {
	return eventID + "_" + endpointID
}

func NewWebhookDelivery(event WebhookEvent, endpoint WebhookEndpoint, maxAttempts int, now time.Time) *WebhookDelivery {
	return &WebhookDelivery{
		ID:          DeliveryID(event.ID, endpoint.ID),
		Endpoint:    endpoint,
		Event:       event,
		Attempts:    0,
		MaxAttempts: endpoint.EffectiveMaxAttempts(maxAttempts),
		Status:      DeliveryStatusPending,
		NextRetry:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsDue reports whether a pending delivery may be attempted at now.
func (d *WebhookDelivery) IsDue(now time.Time) bool {
	return d.Status == DeliveryStatusPending && !d.NextRetry.After(now)
}

func (d *WebhookDelivery) RecordSuccess(result AttemptResult) {
	d.Attempts++
	d.Status = DeliveryStatusSuccess
	d.LastAttempt = &result
	d.UpdatedAt = result.Timestamp
}

// RecordFailure applies a failed attempt. backoff maps the attempt count to a delay and is
// only consulted while attempts remain. NextRetry never moves backwards.
func (d *WebhookDelivery) RecordFailure(result AttemptResult, backoff func(attempt int) time.Duration) {
	if d.Attempts < d.MaxAttempts {
		d.Attempts++
	}
	d.LastAttempt = &result
	d.UpdatedAt = result.Timestamp

	if d.Attempts >= d.MaxAttempts {
		d.Status = DeliveryStatusFailed
		return
	}

	next := result.Timestamp.Add(backoff(d.Attempts))
	if next.Before(d.NextRetry) {
		next = d.NextRetry
	}
	d.NextRetry = next
	d.Status = DeliveryStatusPending
}

// Rearm resets a failed delivery for a manual retry.
func (d *WebhookDelivery) Rearm(now time.Time) error {
	if d.Status != DeliveryStatusFailed {
		return fmt.Errorf("%w: delivery %s is %s, only failed deliveries can be retried", ErrConflict, d.ID, d.Status)
	}
	d.Attempts = 0
	d.Status = DeliveryStatusPending
	d.NextRetry = now
	d.UpdatedAt = now
	return nil
}

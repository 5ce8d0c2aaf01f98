package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// EventMessage is the broker envelope for a delivery event.
type EventMessage struct {
	Event         domain.WebhookEvent `json:"event"`
	CorrelationID string              `json:"correlationId,omitempty"`
	PublishedAt   time.Time           `json:"publishedAt"`
}

func (m EventMessage) Validate() error {
	if err := m.Event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return nil
}

func decodeEventMessage(body []byte) (EventMessage, error) {
	var msg EventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return EventMessage{}, fmt.Errorf("failed to decode event message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return EventMessage{}, err
	}
	return msg, nil
}

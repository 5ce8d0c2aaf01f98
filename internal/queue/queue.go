package queue

import (
	"context"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Publisher publishes delivery events to the webhook fan-out.
type Publisher interface {
	Publish(ctx context.Context, event domain.WebhookEvent) error
	Close() error
}

// EventHandler handles a consumed delivery event.
type EventHandler func(ctx context.Context, event domain.WebhookEvent) error

// Consumer delivers published events to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, handler EventHandler) error
	Close() error
}

const (
	// EventsQueueName is the durable work queue for delivery events.
	EventsQueueName = "webhook.events"
	// EventsDLQName receives events rejected by the consumer.
	EventsDLQName = "dlq.webhook.events"

	// queueMaxPriority is the RabbitMQ x-max-priority value for the events queue.
	queueMaxPriority int32 = 2
)

// PriorityValue ranks negative outcomes ahead of engagement events.
func PriorityValue(eventType string) uint8 {
	switch eventType {
	case domain.EventFailed, domain.EventBounced, domain.EventComplained:
		return 2
	case domain.EventDelivered, domain.EventOpened, domain.EventClicked:
		return 1
	default:
		return 0
	}
}

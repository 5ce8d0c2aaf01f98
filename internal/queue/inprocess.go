package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"go.uber.org/zap"
)

const defaultBusCapacity = 1024

var (
	ErrBusFull   = errors.New("event bus is full")
	ErrBusClosed = errors.New("event bus is closed")
)

type busItem struct {
	event         domain.WebhookEvent
	correlationID string
}

// InProcessBus is a bounded channel between the send path and the webhook queue of the
// same process. Publish never blocks.
type InProcessBus struct {
	items  chan busItem
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func NewInProcessBus(capacity int, logger *zap.Logger) *InProcessBus {
	if capacity <= 0 {
		capacity = defaultBusCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InProcessBus{
		items:  make(chan busItem, capacity),
		logger: logger,
	}
}

func (b *InProcessBus) Publish(ctx context.Context, event domain.WebhookEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	item := busItem{event: event}
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		item.correlationID = correlationID
	}

	select {
	case b.items <- item:
		return nil
	default:
		return ErrBusFull
	}
}

// Consume hands events to handler one at a time until ctx is done or the bus is closed
// and drained. Handler errors are logged; the event is not redelivered.
func (b *InProcessBus) Consume(ctx context.Context, handler EventHandler) error {
	if handler == nil {
		return errors.New("event handler is required")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-b.items:
			if !ok {
				return nil
			}
			handlerCtx := ctx
			if item.correlationID != "" {
				handlerCtx = observability.WithCorrelationID(ctx, item.correlationID)
			}
			if err := handler(handlerCtx, item.event); err != nil {
				observability.WithContextLogger(b.logger, handlerCtx).Error("event handler failed",
					zap.String("eventId", item.event.ID),
					zap.String("eventType", item.event.Type),
					zap.Error(err),
				)
			}
		}
	}
}

// Len is the number of buffered events.
func (b *InProcessBus) Len() int {
	return len(b.items)
}

func (b *InProcessBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.items)
	}
	return nil
}

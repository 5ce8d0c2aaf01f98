package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultAsyncBudget         = 256
	defaultAsyncPublishTimeout = 5 * time.Second
)

// ErrPublisherSaturated is returned when every publish slot is busy; the event is dropped
// and counted.
var ErrPublisherSaturated = errors.New("event publisher saturated")

// AsyncPublisher publishes in the background with a bounded number of concurrent
// publishes, so the caller never waits on the broker.
type AsyncPublisher struct {
	inner   Publisher
	slots   *semaphore.Weighted
	timeout time.Duration
	metrics observability.MetricsSink
	audit   observability.AuditSink
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewAsyncPublisher(
	inner Publisher,
	budget int,
	timeout time.Duration,
	metrics observability.MetricsSink,
	audit observability.AuditSink,
	logger *zap.Logger,
) *AsyncPublisher {
	if budget <= 0 {
		budget = defaultAsyncBudget
	}
	if timeout <= 0 {
		timeout = defaultAsyncPublishTimeout
	}
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	if audit == nil {
		audit = observability.NopAudit{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AsyncPublisher{
		inner:   inner,
		slots:   semaphore.NewWeighted(int64(budget)),
		timeout: timeout,
		metrics: metrics,
		audit:   audit,
		logger:  logger,
	}
}

func (p *AsyncPublisher) Publish(ctx context.Context, event domain.WebhookEvent) error {
	if !p.slots.TryAcquire(1) {
		p.metrics.IncrementCounter("events.publish_overflow", 1)
		_ = p.audit.LogEvent(ctx, observability.AuditRecord{
			Type:    observability.AuditEventPublish,
			Subject: event.ID,
			Outcome: observability.OutcomeDenied,
			Detail:  ErrPublisherSaturated.Error(),
		})
		return ErrPublisherSaturated
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.slots.Release(1)
		defer cancel()

		if err := p.inner.Publish(publishCtx, event); err != nil {
			p.metrics.RecordError("events.publish", err.Error(), map[string]string{
				"eventId":   event.ID,
				"eventType": event.Type,
			})
			observability.WithContextLogger(p.logger, publishCtx).Error("failed to publish delivery event",
				zap.String("eventId", event.ID),
				zap.Error(err),
			)
			return
		}
		p.metrics.IncrementCounter("events.published", 1)
	}()

	return nil
}

// Wait blocks until every background publish has finished.
func (p *AsyncPublisher) Wait() {
	p.wg.Wait()
}

func (p *AsyncPublisher) Close() error {
	p.wg.Wait()
	return p.inner.Close()
}

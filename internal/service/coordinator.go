package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	"github.com/kursadbilgin/delivery-engine/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// RateLimitPolicy decides what a send does when a provider has no tokens left.
type RateLimitPolicy string

const (
	// RateLimitFailFast rejects the attempt on that provider immediately.
	RateLimitFailFast RateLimitPolicy = "fail_fast"
	// RateLimitWait waits up to MaxWait for tokens. At most MaxWaiters sends wait at once;
	// the rest are rejected.
	RateLimitWait RateLimitPolicy = "wait"
)

func ParseRateLimitPolicy(s string) (RateLimitPolicy, error) {
	switch p := RateLimitPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return RateLimitFailFast, nil
	case RateLimitFailFast, RateLimitWait:
		return p, nil
	default:
		return "", fmt.Errorf("%w: invalid rate limit policy %q", domain.ErrValidation, s)
	}
}

const (
	defaultMaxWait          = 5 * time.Second
	defaultMaxWaiters       = 64
	defaultBatchConcurrency = 10
)

type Options struct {
	RateLimitPolicy     RateLimitPolicy
	MaxWait             time.Duration
	MaxWaiters          int
	BatchConcurrency    int
	AcceptanceThreshold float64
	// PublishBudget caps concurrent event publishes; zero uses the publisher default.
	PublishBudget int
}

func (o Options) normalize() Options {
	if o.RateLimitPolicy == "" {
		o.RateLimitPolicy = RateLimitFailFast
	}
	if o.MaxWait <= 0 {
		o.MaxWait = defaultMaxWait
	}
	if o.MaxWaiters <= 0 {
		o.MaxWaiters = defaultMaxWaiters
	}
	if o.BatchConcurrency <= 0 {
		o.BatchConcurrency = defaultBatchConcurrency
	}
	if o.AcceptanceThreshold <= 0 || o.AcceptanceThreshold > 1 {
		o.AcceptanceThreshold = domain.DefaultAcceptanceThreshold
	}
	return o
}

// BatchRecorder persists dispatched batch verdicts.
type BatchRecorder interface {
	Save(ctx context.Context, result *domain.BatchResult) error
}

type Dependencies struct {
	Registry  *provider.Registry
	Limiter   ratelimit.RateLimiter
	Publisher queue.Publisher
	Batches   BatchRecorder
	Metrics   observability.MetricsSink
	Audit     observability.AuditSink
	Logger    *zap.Logger
}

// DeliveryCoordinator sends messages through the registry's provider chain, applying
// per-provider rate limits and retry policies, and emits delivery events.
type DeliveryCoordinator struct {
	registry *provider.Registry
	limiter  ratelimit.RateLimiter
	events   queue.Publisher
	batches  BatchRecorder
	metrics  observability.MetricsSink
	audit    observability.AuditSink
	logger   *zap.Logger
	opts     Options
	waiters  *semaphore.Weighted
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewDeliveryCoordinator(deps Dependencies, opts Options) (*DeliveryCoordinator, error) {
	if deps.Registry == nil {
		return nil, errors.New("provider registry is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("event publisher is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NopMetrics{}
	}
	if deps.Audit == nil {
		deps.Audit = observability.NopAudit{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	opts = opts.normalize()
	if _, err := ParseRateLimitPolicy(string(opts.RateLimitPolicy)); err != nil {
		return nil, err
	}

	events := deps.Publisher
	if _, async := events.(*queue.AsyncPublisher); !async {
		events = queue.NewAsyncPublisher(events, opts.PublishBudget, 0, deps.Metrics, deps.Audit, deps.Logger)
	}

	return &DeliveryCoordinator{
		registry: deps.Registry,
		limiter:  deps.Limiter,
		events:   events,
		batches:  deps.Batches,
		metrics:  deps.Metrics,
		audit:    deps.Audit,
		logger:   deps.Logger,
		opts:     opts,
		waiters:  semaphore.NewWeighted(int64(opts.MaxWaiters)),
		now:      time.Now,
		sleep:    sleepWithContext,
	}, nil
}

// Close flushes in-flight event publishes and closes the publisher.
func (c *DeliveryCoordinator) Close() error {
	return c.events.Close()
}

// Send delivers one message. The chain is the selected provider followed by its healthy
// fallbacks. Retryable failures are retried per provider policy and then fall over to the
// next provider; a non-retryable failure ends the send.
func (c *DeliveryCoordinator) Send(ctx context.Context, msg domain.Message, preferred string) (*domain.MessageResponse, error) {
	start := c.now()
	defer func() {
		c.metrics.RecordLatency("delivery.send", observability.Since(start))
	}()

	msg = msg.Clone()
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.NewString()
	}
	if err := msg.Validate(); err != nil {
		c.recordFailure(ctx, msg, "", err)
		return nil, err
	}

	chain, err := c.registry.Route(ctx, preferred, &msg)
	if err != nil {
		c.recordFailure(ctx, msg, "", err)
		if errors.Is(err, domain.ErrNoAvailableProvider) {
			c.emit(ctx, domain.EventFailed, msg, nil, err)
		}
		return nil, err
	}

	var (
		lastErr     error
		lastName    string
		rateDenied  int
		attemptsSum int
	)
	for _, adapter := range chain {
		name := adapter.Name()
		resp, attempts, err := c.sendVia(ctx, adapter, msg)
		attemptsSum += attempts
		if err == nil {
			resp.Attempts = attemptsSum
			c.metrics.IncrementCounter("delivery.sent", 1)
			if lastName != "" {
				c.metrics.IncrementCounter("delivery.failover", 1)
			}
			c.emit(ctx, domain.EventDelivered, msg, resp, nil)
			return resp, nil
		}

		lastErr, lastName = err, name
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.recordFailure(ctx, msg, name, err)
			return nil, ctxErr
		}

		switch {
		case errors.Is(err, domain.ErrRateLimitExceeded):
			rateDenied++
		case errors.Is(err, provider.ErrCircuitOpen), provider.IsRetryable(err):
		default:
			c.recordFailure(ctx, msg, name, err)
			c.emit(ctx, domain.EventFailed, msg, nil, err)
			return nil, err
		}

		observability.WithContextLogger(c.logger, ctx).Warn("provider exhausted, trying next",
			zap.String("messageId", msg.ID),
			zap.String("provider", name),
			zap.Error(err),
		)
	}

	var finalErr error
	if rateDenied == len(chain) {
		finalErr = fmt.Errorf("%w: every provider in the chain denied the send", domain.ErrRateLimitExceeded)
	} else {
		finalErr = fmt.Errorf("%w: last provider %s: %w", domain.ErrNoAvailableProvider, lastName, lastErr)
	}
	c.recordFailure(ctx, msg, lastName, finalErr)
	c.emit(ctx, domain.EventFailed, msg, nil, finalErr)
	return nil, finalErr
}

// sendVia runs the retry loop against one provider and reports how many calls it made.
func (c *DeliveryCoordinator) sendVia(ctx context.Context, adapter provider.Adapter, msg domain.Message) (*domain.MessageResponse, int, error) {
	name := adapter.Name()
	cfg, _ := c.registry.Config(name)
	policy := retry.FromProviderConfig(cfg.Retry)

	var lastErr error
	calls := 0
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := c.acquire(ctx, name, 1); err != nil {
			c.auditAttempt(ctx, msg, name, attempt, observability.OutcomeDenied, err)
			return nil, calls, err
		}

		calls++
		started := c.now()
		resp, err := c.registry.Execute(name, func() (*domain.MessageResponse, error) {
			return adapter.SendEmail(ctx, msg)
		})
		c.metrics.RecordLatency("provider.send."+name, observability.Since(started))

		if err == nil {
			if resp == nil {
				resp = &domain.MessageResponse{Status: domain.MessageStatusSent}
			}
			resp.Provider = name
			if resp.Recipient == "" {
				resp.Recipient = msg.PrimaryRecipient()
			}
			if resp.Timestamp.IsZero() {
				resp.Timestamp = c.now().UTC()
			}
			c.auditAttempt(ctx, msg, name, attempt, observability.OutcomeSuccess, nil)
			return resp, calls, nil
		}

		lastErr = err
		c.metrics.RecordError("provider.send", err.Error(), map[string]string{
			"provider":  name,
			"messageId": msg.ID,
		})

		if errors.Is(err, provider.ErrCircuitOpen) || !provider.IsRetryable(err) {
			c.auditAttempt(ctx, msg, name, attempt, observability.OutcomeFailure, err)
			return nil, calls, err
		}
		if attempt == policy.MaxAttempts {
			c.auditAttempt(ctx, msg, name, attempt, observability.OutcomeFailure, err)
			break
		}

		c.auditAttempt(ctx, msg, name, attempt, observability.OutcomeRetry, err)
		c.metrics.IncrementCounter("provider.retry", 1)
		if err := c.sleep(ctx, policy.Delay(attempt)); err != nil {
			return nil, calls, err
		}
	}

	return nil, calls, lastErr
}

// acquire takes n tokens for provider according to the configured policy.
func (c *DeliveryCoordinator) acquire(ctx context.Context, name string, n int) error {
	if c.limiter == nil {
		return nil
	}

	if c.opts.RateLimitPolicy == RateLimitWait {
		if !c.waiters.TryAcquire(1) {
			c.metrics.IncrementCounter("ratelimit.waiters_full", 1)
			return fmt.Errorf("%w: provider %s has too many waiting sends", domain.ErrRateLimitExceeded, name)
		}
		defer c.waiters.Release(1)

		waitCtx, cancel := context.WithTimeout(ctx, c.opts.MaxWait)
		defer cancel()

		err := c.limiter.Acquire(waitCtx, name, n)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			c.metrics.IncrementCounter("ratelimit.denied", 1)
			return fmt.Errorf("%w: provider %s: no tokens within %s", domain.ErrRateLimitExceeded, name, c.opts.MaxWait)
		default:
			return err
		}
	}

	ok, err := c.limiter.TryAcquire(ctx, name, n)
	if err != nil {
		return err
	}
	if !ok {
		c.metrics.IncrementCounter("ratelimit.denied", 1)
		return fmt.Errorf("%w: provider %s", domain.ErrRateLimitExceeded, name)
	}
	return nil
}

func (c *DeliveryCoordinator) auditAttempt(ctx context.Context, msg domain.Message, providerName string, attempt int, outcome string, err error) {
	record := observability.AuditRecord{
		Type:     observability.AuditProviderAttempt,
		Subject:  msg.ID,
		Provider: providerName,
		Outcome:  outcome,
		Attributes: map[string]any{
			"recipient": msg.PrimaryRecipient(),
			"attempt":   attempt,
		},
		Timestamp: c.now().UTC(),
	}
	if err != nil {
		record.Detail = err.Error()
	}
	if auditErr := c.audit.LogEvent(ctx, record); auditErr != nil {
		observability.WithContextLogger(c.logger, ctx).Warn("failed to write provider audit record",
			zap.String("messageId", msg.ID),
			zap.Error(auditErr),
		)
	}
}

// recordFailure reports a send that is about to return an error to the caller.
func (c *DeliveryCoordinator) recordFailure(ctx context.Context, msg domain.Message, providerName string, err error) {
	kind := failureKind(err)
	c.metrics.IncrementCounter("delivery.failed", 1)
	c.metrics.RecordError("delivery.send", err.Error(), map[string]string{
		"messageId": msg.ID,
		"provider":  providerName,
		"kind":      kind,
	})
	observability.WithContextLogger(c.logger, ctx).Warn("message send failed",
		zap.String("messageId", msg.ID),
		zap.String("provider", providerName),
		zap.String("kind", kind),
		zap.Error(err),
	)

	outcome := observability.OutcomeFailure
	if kind == "rate_limited" {
		outcome = observability.OutcomeDenied
	}
	if auditErr := c.audit.LogEvent(ctx, observability.AuditRecord{
		Type:     observability.AuditSendFailure,
		Subject:  msg.ID,
		Provider: providerName,
		Outcome:  outcome,
		Detail:   err.Error(),
		Attributes: map[string]any{
			"recipient": msg.PrimaryRecipient(),
			"kind":      kind,
		},
		Timestamp: c.now().UTC(),
	}); auditErr != nil {
		observability.WithContextLogger(c.logger, ctx).Warn("failed to write send failure audit record",
			zap.String("messageId", msg.ID),
			zap.Error(auditErr),
		)
	}
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrNoAvailableProvider):
		return "no_provider"
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "provider"
	}
}

// emit hands a delivery event to the publisher. It never blocks or fails the send.
func (c *DeliveryCoordinator) emit(ctx context.Context, eventType string, msg domain.Message, resp *domain.MessageResponse, cause error) {
	data := map[string]any{
		"messageId":  msg.ID,
		"recipients": append([]string(nil), msg.To...),
		"subject":    msg.Subject,
	}
	if resp != nil {
		data["provider"] = resp.Provider
		data["providerMessageId"] = resp.MessageID
		data["attempts"] = resp.Attempts
	}
	if cause != nil {
		data["error"] = cause.Error()
	}

	event := domain.WebhookEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: c.now().UTC(),
		Data:      data,
	}
	if len(msg.Metadata) > 0 {
		event.Metadata = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			event.Metadata[k] = v
		}
	}

	if err := c.events.Publish(ctx, event); err != nil {
		observability.WithContextLogger(c.logger, ctx).Warn("delivery event dropped",
			zap.String("messageId", msg.ID),
			zap.String("eventType", eventType),
			zap.Error(err),
		)
	}
}

// Analytics returns provider statistics when the adapter supports them.
func (c *DeliveryCoordinator) Analytics(ctx context.Context, providerName string, from, to time.Time) (*provider.Analytics, error) {
	adapter, ok := c.registry.Get(providerName)
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", domain.ErrNotFound, providerName)
	}
	analytics, ok := adapter.(provider.AnalyticsProvider)
	if !ok || !adapter.Capabilities().Analytics {
		return nil, fmt.Errorf("%w: provider %q does not expose analytics", domain.ErrValidation, providerName)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: from must be before to", domain.ErrValidation)
	}
	return analytics.Analytics(ctx, from, to)
}

// ProviderHealth reports the cached health of every registered provider.
func (c *DeliveryCoordinator) ProviderHealth(ctx context.Context) map[string]bool {
	return c.registry.Health(ctx)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

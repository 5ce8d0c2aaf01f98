package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/retry"
	"github.com/kursadbilgin/delivery-engine/internal/signing"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultBatchSize       = 10
	defaultInterval        = time.Second
	defaultResyncInterval  = 30 * time.Second
	defaultTimeout         = 10 * time.Second
	defaultSignatureHeader = "X-Webhook-Signature"

	eventHeader    = "X-Webhook-Event"
	deliveryHeader = "X-Webhook-Delivery"
	tickKey        = "tick"
)

// Options configures the queue. Zero values fall back to defaults.
type Options struct {
	BatchSize       int
	Interval        time.Duration
	ResyncInterval  time.Duration
	Timeout         time.Duration
	Retry           retry.Policy
	Secret          string
	SignatureHeader string
}

func (o Options) normalize() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = defaultResyncInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	o.Retry = o.Retry.Normalize()
	if strings.TrimSpace(o.SignatureHeader) == "" {
		o.SignatureHeader = defaultSignatureHeader
	}
	return o
}

// Queue fans events out to subscribed endpoints and drives each delivery through
// pending -> success | failed. Pending deliveries are kept in a hot set; the store
// is the source of truth on restart.
type Queue struct {
	store     Store
	endpoints []domain.WebhookEndpoint
	client    *resty.Client
	opts      Options
	metrics   observability.MetricsSink
	audit     observability.AuditSink
	logger    *zap.Logger
	now       func() time.Time

	mu  sync.Mutex
	hot map[string]*domain.WebhookDelivery
	// inFlight maps a claimed id to the hot entry it was claimed from.
	inFlight map[string]*domain.WebhookDelivery
	// settled holds the UpdatedAt of deliveries finalized while a Recover was reading
	// the store, so its snapshot cannot resurrect them.
	settled    map[string]time.Time
	recovering int

	ticks singleflight.Group
}

type Dependencies struct {
	Store     Store
	Endpoints []domain.WebhookEndpoint
	Client    *resty.Client
	Metrics   observability.MetricsSink
	Audit     observability.AuditSink
	Logger    *zap.Logger
}

func NewQueue(deps Dependencies, opts Options) (*Queue, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("delivery store is required")
	}
	for _, ep := range deps.Endpoints {
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		if ep.Enabled && strings.TrimSpace(ep.Secret) == "" && strings.TrimSpace(opts.Secret) == "" {
			return nil, fmt.Errorf("%w: webhook endpoint %q has no signing secret", domain.ErrValidation, ep.ID)
		}
	}

	client := deps.Client
	if client == nil {
		client = resty.New()
	}
	client.SetRetryCount(0)

	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	audit := deps.Audit
	if audit == nil {
		audit = observability.NopAudit{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Queue{
		store:     deps.Store,
		endpoints: append([]domain.WebhookEndpoint(nil), deps.Endpoints...),
		client:    client,
		opts:      opts.normalize(),
		metrics:   metrics,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
		hot:       make(map[string]*domain.WebhookDelivery),
		inFlight:  make(map[string]*domain.WebhookDelivery),
		settled:   make(map[string]time.Time),
	}, nil
}

// Enqueue creates one pending delivery per enabled endpoint subscribed to the event
// type and persists each before returning. Already known deliveries are left untouched.
// It returns the ids of the deliveries it created.
func (q *Queue) Enqueue(ctx context.Context, event domain.WebhookEvent) ([]string, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	now := q.now().UTC()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	var created []string
	for _, endpoint := range q.endpoints {
		if !endpoint.Subscribes(event.Type) {
			continue
		}

		d := domain.NewWebhookDelivery(event, endpoint, q.opts.Retry.MaxAttempts, now)
		ok, err := q.store.Create(ctx, d)
		if err != nil {
			q.metrics.RecordError("webhook.enqueue", err.Error(), map[string]string{"deliveryId": d.ID})
			return created, fmt.Errorf("failed to persist delivery %s: %w", d.ID, err)
		}
		if !ok {
			q.logger.Debug("webhook delivery already exists", zap.String("deliveryId", d.ID))
			continue
		}

		q.mu.Lock()
		q.hot[d.ID] = d
		q.mu.Unlock()

		created = append(created, d.ID)
	}

	if len(created) > 0 {
		q.metrics.IncrementCounter("webhook.enqueued", float64(len(created)))
	}
	return created, nil
}

// HandleEvent adapts Enqueue to an event bus consumer.
func (q *Queue) HandleEvent(ctx context.Context, event domain.WebhookEvent) error {
	_, err := q.Enqueue(ctx, event)
	return err
}

// Recover loads every pending delivery from the store into the hot set and returns how
// many were added. Deliveries in flight, or finalized after the store was read, are
// skipped.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	q.mu.Lock()
	q.recovering++
	q.mu.Unlock()

	pending, err := q.store.ListPending(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.recovering--
	if q.recovering == 0 {
		defer clear(q.settled)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load pending deliveries: %w", err)
	}

	added := 0
	for _, d := range pending {
		if _, known := q.hot[d.ID]; known {
			continue
		}
		if _, busy := q.inFlight[d.ID]; busy {
			continue
		}
		if settledAt, ok := q.settled[d.ID]; ok && !d.UpdatedAt.After(settledAt) {
			continue
		}
		q.hot[d.ID] = d
		added++
	}
	return added, nil
}

// Tick attempts up to BatchSize due deliveries. Overlapping calls share one run, so a
// delivery is never attempted twice at once.
func (q *Queue) Tick(ctx context.Context) (int, error) {
	result, err, _ := q.ticks.Do(tickKey, func() (any, error) {
		return q.dispatchDue(ctx)
	})
	if err != nil {
		return 0, err
	}
	n, _ := result.(int)
	return n, nil
}

func (q *Queue) dispatchDue(ctx context.Context) (int, error) {
	batch := q.claimDue()
	if len(batch) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(q.opts.BatchSize)
	for _, d := range batch {
		d := d
		g.Go(func() error {
			q.process(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	return len(batch), ctx.Err()
}

// claimDue marks due deliveries in flight and returns working copies of them.
func (q *Queue) claimDue() []*domain.WebhookDelivery {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]*domain.WebhookDelivery, 0, q.opts.BatchSize)
	for id, d := range q.hot {
		if _, busy := q.inFlight[id]; busy {
			continue
		}
		if d.IsDue(now) {
			due = append(due, d)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetry.Before(due[j].NextRetry)
	})
	if len(due) > q.opts.BatchSize {
		due = due[:q.opts.BatchSize]
	}

	out := make([]*domain.WebhookDelivery, 0, len(due))
	for _, d := range due {
		q.inFlight[d.ID] = d
		working := *d
		out = append(out, &working)
	}
	return out
}

func (q *Queue) process(ctx context.Context, d *domain.WebhookDelivery) {
	start := time.Now()
	result, ok := q.attempt(ctx, d)
	q.metrics.RecordLatency("webhook.attempt", observability.Since(start))

	fields := map[string]string{
		"deliveryId": d.ID,
		"endpointId": d.Endpoint.ID,
		"eventType":  d.Event.Type,
	}

	outcome := observability.OutcomeSuccess
	if ok {
		d.RecordSuccess(result)
		q.metrics.IncrementCounter("webhook.delivered", 1)
	} else {
		d.RecordFailure(result, q.opts.Retry.Delay)
		q.metrics.RecordError("webhook.attempt", result.Error, fields)
		if d.Status == domain.DeliveryStatusFailed {
			outcome = observability.OutcomeFailure
			q.metrics.IncrementCounter("webhook.failed", 1)
			q.logger.Warn("webhook delivery failed permanently",
				zap.String("deliveryId", d.ID),
				zap.Int("attempts", d.Attempts),
				zap.String("error", result.Error),
				zap.Error(domain.ErrWebhookDeliveryFailed),
			)
		} else {
			outcome = observability.OutcomeRetry
			q.metrics.IncrementCounter("webhook.retry_scheduled", 1)
		}
	}

	if err := q.store.Save(ctx, d); err != nil {
		q.metrics.RecordError("webhook.persist", err.Error(), fields)
		q.logger.Error("failed to persist webhook delivery", zap.String("deliveryId", d.ID), zap.Error(err))
	}

	q.mu.Lock()
	claimed := q.inFlight[d.ID]
	delete(q.inFlight, d.ID)
	switch current, ok := q.hot[d.ID]; {
	case ok && current != claimed:
		// re-armed by RetryDelivery after the save above; keep the newer entry.
	case d.Status.IsTerminal():
		delete(q.hot, d.ID)
		if q.recovering > 0 {
			q.settled[d.ID] = d.UpdatedAt
		}
	default:
		q.hot[d.ID] = d
	}
	q.mu.Unlock()

	attrs := map[string]any{
		"endpointId": d.Endpoint.ID,
		"eventId":    d.Event.ID,
		"attempts":   d.Attempts,
		"status":     d.Status.String(),
		"durationMs": result.DurationMs,
	}
	if result.StatusCode != nil {
		attrs["statusCode"] = *result.StatusCode
	}
	if err := q.audit.LogEvent(ctx, observability.AuditRecord{
		Type:       observability.AuditWebhookAttempt,
		Subject:    d.ID,
		Outcome:    outcome,
		Detail:     result.Error,
		Attributes: attrs,
		Timestamp:  result.Timestamp,
	}); err != nil {
		q.logger.Warn("failed to write webhook audit record", zap.String("deliveryId", d.ID), zap.Error(err))
	}
}

// attempt performs one signed POST. It never returns an error; failures are carried in
// the result.
func (q *Queue) attempt(ctx context.Context, d *domain.WebhookDelivery) (domain.AttemptResult, bool) {
	startedAt := q.now().UTC()
	result := domain.AttemptResult{Timestamp: startedAt}

	body, contentType, err := Encode(d.Event, d.Endpoint)
	if err != nil {
		result.Error = err.Error()
		return result, false
	}

	secret := q.secretFor(d.Endpoint)
	if secret == "" {
		result.Error = fmt.Sprintf("no signing secret for endpoint %s", d.Endpoint.ID)
		return result, false
	}

	timeout := d.Endpoint.Timeout
	if timeout <= 0 {
		timeout = q.opts.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := q.client.R().
		SetContext(reqCtx).
		SetHeaders(d.Endpoint.Headers).
		SetHeader("Content-Type", contentType).
		SetHeader(eventHeader, d.Event.Type).
		SetHeader(deliveryHeader, d.ID).
		SetHeader(q.opts.SignatureHeader, signing.Sign(secret, body)).
		SetBody(body)

	started := time.Now()
	response, err := req.Post(d.Endpoint.URL)
	result.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			result.Error = fmt.Sprintf("request timed out after %s", timeout)
		} else {
			result.Error = err.Error()
		}
		return result, false
	}

	code := response.StatusCode()
	result.StatusCode = &code
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return result, true
	}

	result.Error = "endpoint returned status " + strconv.Itoa(code)
	return result, false
}

// secretFor prefers the configured endpoint's secret; stored deliveries do not carry it.
func (q *Queue) secretFor(endpoint domain.WebhookEndpoint) string {
	for _, ep := range q.endpoints {
		if ep.ID == endpoint.ID && ep.Secret != "" {
			return ep.Secret
		}
	}
	if endpoint.Secret != "" {
		return endpoint.Secret
	}
	return q.opts.Secret
}

// GetDeliveryStatus returns the freshest known state of a delivery.
func (q *Queue) GetDeliveryStatus(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	q.mu.Lock()
	if d, ok := q.hot[id]; ok {
		snapshot := *d
		q.mu.Unlock()
		return &snapshot, nil
	}
	q.mu.Unlock()

	return q.store.Get(ctx, id)
}

// RetryDelivery re-arms a failed delivery so the next tick attempts it again.
func (q *Queue) RetryDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	d, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := d.Rearm(q.now().UTC()); err != nil {
		return nil, err
	}
	if err := q.store.Save(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to persist re-armed delivery %s: %w", id, err)
	}

	q.mu.Lock()
	q.hot[d.ID] = d
	q.mu.Unlock()

	q.metrics.IncrementCounter("webhook.manual_retry", 1)
	if err := q.audit.LogEvent(ctx, observability.AuditRecord{
		Type:      observability.AuditWebhookRearm,
		Subject:   d.ID,
		Outcome:   observability.OutcomeRetry,
		Timestamp: d.UpdatedAt,
	}); err != nil {
		q.logger.Warn("failed to write webhook audit record", zap.String("deliveryId", d.ID), zap.Error(err))
	}

	snapshot := *d
	return &snapshot, nil
}

func (q *Queue) ListFailed(ctx context.Context, limit int) ([]*domain.WebhookDelivery, error) {
	return q.store.ListFailed(ctx, limit)
}

// PendingCount is the size of the hot set.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.hot)
}

package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/retry"
	"github.com/kursadbilgin/delivery-engine/internal/signing"
)

type recordingAudit struct {
	mu      sync.Mutex
	records []observability.AuditRecord
}

func (a *recordingAudit) LogEvent(_ context.Context, r observability.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
	return nil
}

func (a *recordingAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, store Store, url string, audit observability.AuditSink) (*Queue, *testClock) {
	t.Helper()

	q, err := NewQueue(Dependencies{
		Store: store,
		Endpoints: []domain.WebhookEndpoint{
			{ID: "ep1", URL: url, Events: []string{domain.EventDelivered, domain.EventBounced}, Enabled: true, Format: domain.PayloadFormatJSON, Version: "1.0"},
			{ID: "ep2", URL: url, Events: []string{domain.EventOpened}, Enabled: true, Format: domain.PayloadFormatForm},
			{ID: "ep3", URL: url, Events: []string{domain.EventDelivered}, Enabled: false, Format: domain.PayloadFormatJSON},
		},
		Audit: audit,
	}, Options{
		BatchSize:       5,
		Timeout:         time.Second,
		Secret:          "shared-secret",
		SignatureHeader: "X-Signature",
		Retry: retry.Policy{
			MaxAttempts:   3,
			InitialDelay:  time.Second,
			MaxDelay:      time.Minute,
			BackoffFactor: 2,
		},
	})
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}

	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	q.now = clock.Now
	return q, clock
}

func TestQueueEnqueueCreatesOnePendingDelivery(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	q, _ := newTestQueue(t, store, "http://unused.local", nil)

	ids, err := q.Enqueue(context.Background(), domain.WebhookEvent{ID: "evt1", Type: domain.EventDelivered})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "evt1_ep1" {
		t.Fatalf("Enqueue() ids = %v, want [evt1_ep1]", ids)
	}

	d, err := store.Get(context.Background(), "evt1_ep1")
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	if d.Status != domain.DeliveryStatusPending || d.Attempts != 0 {
		t.Fatalf("delivery = %s/%d, want pending/0", d.Status, d.Attempts)
	}

	ids, err = q.Enqueue(context.Background(), domain.WebhookEvent{ID: "evt1", Type: domain.EventDelivered})
	if err != nil {
		t.Fatalf("Enqueue() duplicate error = %v", err)
	}
	if len(ids) != 0 || q.PendingCount() != 1 {
		t.Fatalf("duplicate enqueue ids=%v pending=%d, want none/1", ids, q.PendingCount())
	}

	ids, _ = q.Enqueue(context.Background(), domain.WebhookEvent{ID: "evt2", Type: domain.EventComplained})
	if len(ids) != 0 {
		t.Fatalf("unsubscribed event created %v", ids)
	}
}

func TestQueueFailsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := NewMemoryStore()
	audit := &recordingAudit{}
	q, clock := newTestQueue(t, store, server.URL, audit)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, domain.WebhookEvent{ID: "evt1", Type: domain.EventDelivered}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	var previous time.Time
	for i := 1; i <= 3; i++ {
		n, err := q.Tick(ctx)
		if err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
		if n != 1 {
			t.Fatalf("tick %d attempted %d, want 1", i, n)
		}

		d, _ := q.GetDeliveryStatus(ctx, "evt1_ep1")
		if d.Attempts != i {
			t.Fatalf("attempts = %d, want %d", d.Attempts, i)
		}
		if d.NextRetry.Before(previous) {
			t.Fatalf("nextRetry moved backwards")
		}
		if d.NextRetry.Sub(clock.Now()) > time.Minute {
			t.Fatalf("nextRetry beyond maxDelay: %v", d.NextRetry.Sub(clock.Now()))
		}
		previous = d.NextRetry

		// not due yet: the next tick must not attempt it.
		if i < 3 {
			if n, _ := q.Tick(ctx); n != 0 {
				t.Fatalf("tick before nextRetry attempted %d", n)
			}
		}
		clock.Advance(time.Minute)
	}

	d, err := store.Get(ctx, "evt1_ep1")
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	if d.Status != domain.DeliveryStatusFailed || d.Attempts != 3 {
		t.Fatalf("delivery = %s/%d, want failed/3", d.Status, d.Attempts)
	}
	if d.LastAttempt == nil || d.LastAttempt.StatusCode == nil || *d.LastAttempt.StatusCode != 500 {
		t.Fatalf("lastAttempt = %+v", d.LastAttempt)
	}
	if calls.Load() != 3 {
		t.Fatalf("endpoint calls = %d, want 3", calls.Load())
	}
	if q.PendingCount() != 0 {
		t.Fatalf("failed delivery should leave the hot set")
	}
	if audit.count() != 3 {
		t.Fatalf("audit records = %d, want 3", audit.count())
	}

	if n, _ := q.Tick(ctx); n != 0 {
		t.Fatalf("failed delivery attempted again: %d", n)
	}

	failed, err := q.ListFailed(ctx, 10)
	if err != nil || len(failed) != 1 {
		t.Fatalf("ListFailed() = %d, %v; want 1", len(failed), err)
	}
}

func TestQueueRetryDeliveryReattemptsOnNextTick(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	store := NewMemoryStore()
	q, clock := newTestQueue(t, store, server.URL, nil)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, domain.WebhookEvent{ID: "evt1", Type: domain.EventBounced}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := q.Tick(ctx); err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
		clock.Advance(time.Minute)
	}

	if _, err := q.RetryDelivery(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("RetryDelivery(missing) error = %v, want ErrNotFound", err)
	}

	d, err := q.RetryDelivery(ctx, "evt1_ep1")
	if err != nil {
		t.Fatalf("RetryDelivery() error = %v", err)
	}
	if d.Status != domain.DeliveryStatusPending || d.Attempts != 0 {
		t.Fatalf("re-armed delivery = %s/%d, want pending/0", d.Status, d.Attempts)
	}
	if _, err := q.RetryDelivery(ctx, "evt1_ep1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("RetryDelivery() on pending error = %v, want ErrConflict", err)
	}

	healthy.Store(true)
	if n, err := q.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("Tick() = %d, %v; want 1, nil", n, err)
	}

	d, _ = q.GetDeliveryStatus(ctx, "evt1_ep1")
	if d.Status != domain.DeliveryStatusSuccess || d.Attempts != 1 {
		t.Fatalf("delivery = %s/%d, want success/1", d.Status, d.Attempts)
	}
}

func TestQueueRecoverReloadsPendingDeliveries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewMemoryStore()
	ctx := context.Background()

	first, _ := newTestQueue(t, store, server.URL, nil)
	if _, err := first.Enqueue(ctx, domain.WebhookEvent{ID: "evt1", Type: domain.EventDelivered}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := first.Enqueue(ctx, domain.WebhookEvent{ID: "evt2", Type: domain.EventOpened}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// simulated restart: a new queue over the same store.
	second, _ := newTestQueue(t, store, server.URL, nil)
	added, err := second.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if added != 2 {
		t.Fatalf("Recover() added %d, want 2", added)
	}
	if added, _ := second.Recover(ctx); added != 0 {
		t.Fatalf("second Recover() added %d, want 0", added)
	}

	if n, err := second.Tick(ctx); err != nil || n != 2 {
		t.Fatalf("Tick() = %d, %v; want 2, nil", n, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("endpoint calls = %d, want 2", calls.Load())
	}

	pending, _ := store.ListPending(ctx)
	if len(pending) != 0 {
		t.Fatalf("pending after delivery = %d, want 0", len(pending))
	}
}

func TestQueueSignsPayload(t *testing.T) {
	t.Parallel()

	type captured struct {
		body      []byte
		signature string
		headers   http.Header
	}
	got := make(chan captured, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{body: body, signature: r.Header.Get("X-Signature"), headers: r.Header.Clone()}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	q, _ := newTestQueue(t, NewMemoryStore(), server.URL, nil)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, domain.WebhookEvent{ID: "evt1", Type: domain.EventOpened, Data: map[string]any{"messageId": "m1"}}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	c := <-got
	if !signing.Verify("shared-secret", c.body, c.signature) {
		t.Fatalf("signature %q does not verify", c.signature)
	}
	if signing.Verify("shared-secret", append(c.body, '&'), c.signature) {
		t.Fatal("tampered payload must not verify")
	}
	if ct := c.headers.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
		t.Fatalf("Content-Type = %s", ct)
	}
	if c.headers.Get(eventHeader) != domain.EventOpened || c.headers.Get(deliveryHeader) != "evt1_ep2" {
		t.Fatalf("headers = %v", c.headers)
	}
}

func TestQueueTickIsSingleFlight(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	arrived := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(arrived)
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	q, _ := newTestQueue(t, NewMemoryStore(), server.URL, nil)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, domain.WebhookEvent{ID: "evt1", Type: domain.EventDelivered}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Tick(ctx)
	}()
	<-arrived

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Tick(ctx)
	}()

	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("endpoint calls = %d, want 1", calls.Load())
	}
}

func TestQueueStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewMemoryStore()
	seed, _ := newTestQueue(t, store, server.URL, nil)
	if _, err := seed.Enqueue(context.Background(), domain.WebhookEvent{ID: "evt1", Type: domain.EventDelivered}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	q, _ := newTestQueue(t, store, server.URL, nil)
	q.opts.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		d, err := store.Get(context.Background(), "evt1_ep1")
		if err == nil && d.Status == domain.DeliveryStatusSuccess {
			break
		}
		select {
		case <-deadline:
			t.Fatal("recovered delivery was not dispatched")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

// hookedStore runs callbacks around terminal saves and pending listings so tests can
// interleave store access with an in-flight attempt.
type hookedStore struct {
	*MemoryStore
	beforeTerminalSave func()
	afterTerminalSave  func(d *domain.WebhookDelivery)
	afterListPending   func()
}

func (s *hookedStore) Save(ctx context.Context, d *domain.WebhookDelivery) error {
	terminal := d.Status.IsTerminal()
	if terminal && s.beforeTerminalSave != nil {
		s.beforeTerminalSave()
	}
	if err := s.MemoryStore.Save(ctx, d); err != nil {
		return err
	}
	if terminal && s.afterTerminalSave != nil {
		s.afterTerminalSave(d)
	}
	return nil
}

func (s *hookedStore) ListPending(ctx context.Context) ([]*domain.WebhookDelivery, error) {
	pending, err := s.MemoryStore.ListPending(ctx)
	if s.afterListPending != nil {
		s.afterListPending()
	}
	return pending, err
}

type auditFunc func()

func (f auditFunc) LogEvent(context.Context, observability.AuditRecord) error {
	f()
	return nil
}

func TestQueueResyncSkipsDeliveryFinalizedAfterSnapshot(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx := context.Background()
	store := &hookedStore{MemoryStore: NewMemoryStore()}
	captured := make(chan struct{})
	release := make(chan struct{})
	var releaseOnce sync.Once

	q, _ := newTestQueue(t, store, server.URL, auditFunc(func() {
		releaseOnce.Do(func() { close(release) })
	}))
	if _, err := q.Enqueue(ctx, domain.WebhookEvent{ID: "evt1", Type: domain.EventDelivered}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// A resync reads the still-pending record, then waits until the attempt has been
	// saved and dropped from the hot set before it merges its snapshot.
	resynced := make(chan int, 1)
	var resyncOnce sync.Once
	store.beforeTerminalSave = func() {
		resyncOnce.Do(func() {
			store.afterListPending = func() {
				close(captured)
				<-release
			}
			go func() {
				added, err := q.Recover(ctx)
				if err != nil {
					t.Errorf("Recover() error = %v", err)
				}
				resynced <- added
			}()
			<-captured
		})
	}

	if n, err := q.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("Tick() = %d, %v; want 1, nil", n, err)
	}
	if added := <-resynced; added != 0 {
		t.Fatalf("Recover() added %d, want 0", added)
	}

	store.afterListPending = nil
	if n, err := q.Tick(ctx); err != nil || n != 0 {
		t.Fatalf("second Tick() = %d, %v; want 0, nil", n, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("endpoint calls = %d, want 1", calls.Load())
	}

	d, err := store.Get(ctx, "evt1_ep1")
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	if d.Status != domain.DeliveryStatusSuccess || d.Attempts != 1 {
		t.Fatalf("delivery = %s/%d, want success/1", d.Status, d.Attempts)
	}
}

func TestQueueRetryDuringFinalizeStaysHot(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx := context.Background()
	store := &hookedStore{MemoryStore: NewMemoryStore()}
	q, clock := newTestQueue(t, store, server.URL, nil)

	var rearmErr error
	store.afterTerminalSave = func(d *domain.WebhookDelivery) {
		if d.Status == domain.DeliveryStatusFailed {
			_, rearmErr = q.RetryDelivery(ctx, d.ID)
		}
	}

	if _, err := q.Enqueue(ctx, domain.WebhookEvent{ID: "evt1", Type: domain.EventDelivered}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := q.Tick(ctx); err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
		clock.Advance(time.Minute)
	}
	if rearmErr != nil {
		t.Fatalf("RetryDelivery() error = %v", rearmErr)
	}
	if got := q.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d, want 1 (re-armed delivery dropped)", got)
	}

	store.afterTerminalSave = nil
	healthy.Store(true)
	if n, err := q.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("Tick() = %d, %v; want 1, nil", n, err)
	}
	d, _ := store.Get(ctx, "evt1_ep1")
	if d.Status != domain.DeliveryStatusSuccess || d.Attempts != 1 {
		t.Fatalf("delivery = %s/%d, want success/1", d.Status, d.Attempts)
	}
}

func TestNewQueueRequiresSigningSecret(t *testing.T) {
	t.Parallel()

	endpoint := func(enabled bool, secret string) domain.WebhookEndpoint {
		return domain.WebhookEndpoint{
			ID: "ep", URL: "https://hooks.example.com", Events: []string{domain.EventDelivered},
			Enabled: enabled, Format: domain.PayloadFormatJSON, Secret: secret,
		}
	}

	tests := []struct {
		name     string
		endpoint domain.WebhookEndpoint
		global   string
		wantErr  bool
	}{
		{name: "no secret anywhere", endpoint: endpoint(true, ""), wantErr: true},
		{name: "global secret", endpoint: endpoint(true, ""), global: "shared"},
		{name: "endpoint secret", endpoint: endpoint(true, "ep-secret")},
		{name: "disabled endpoint", endpoint: endpoint(false, "")},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewQueue(Dependencies{
				Store:     NewMemoryStore(),
				Endpoints: []domain.WebhookEndpoint{tt.endpoint},
			}, Options{Secret: tt.global})
			if tt.wantErr {
				if !errors.Is(err, domain.ErrValidation) {
					t.Fatalf("NewQueue() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewQueue() error = %v", err)
			}
		})
	}
}

func TestQueueRecoveredDeliverySignsWithEndpointSecret(t *testing.T) {
	t.Parallel()

	signatures := make(chan bool, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		signatures <- signing.Verify("ep-secret", body, r.Header.Get(defaultSignatureHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx := context.Background()
	store := NewMemoryStore()
	newQueue := func() *Queue {
		q, err := NewQueue(Dependencies{
			Store: store,
			Endpoints: []domain.WebhookEndpoint{{
				ID: "ep", URL: server.URL, Events: []string{domain.EventDelivered},
				Enabled: true, Format: domain.PayloadFormatJSON, Secret: "ep-secret",
			}},
		}, Options{})
		if err != nil {
			t.Fatalf("NewQueue() error = %v", err)
		}
		return q
	}

	if _, err := newQueue().Enqueue(ctx, domain.WebhookEvent{ID: "evt1", Type: domain.EventDelivered}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	// durable records never carry endpoint secrets.
	d, _ := store.Get(ctx, "evt1_ep")
	d.Endpoint.Secret = ""
	if err := store.Save(ctx, d); err != nil {
		t.Fatalf("store.Save() error = %v", err)
	}

	q := newQueue()
	if added, err := q.Recover(ctx); err != nil || added != 1 {
		t.Fatalf("Recover() = %d, %v; want 1, nil", added, err)
	}
	if n, err := q.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("Tick() = %d, %v; want 1, nil", n, err)
	}
	if !<-signatures {
		t.Fatal("recovered delivery was not signed with the endpoint secret")
	}
}

package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

func newTestDelivery(eventID string, now time.Time) *domain.WebhookDelivery {
	return domain.NewWebhookDelivery(
		domain.WebhookEvent{ID: eventID, Type: domain.EventDelivered, Timestamp: now},
		domain.WebhookEndpoint{ID: "ep1", URL: "http://hooks.local", Events: []string{domain.EventDelivered}, Enabled: true, Format: domain.PayloadFormatJSON},
		3,
		now,
	)
}

func TestDeliveryStoreCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	rdb, mr := newTestRedisClient(t)
	store, err := NewDeliveryStore(rdb, 0)
	if err != nil {
		t.Fatalf("NewDeliveryStore() error = %v", err)
	}

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	d := newTestDelivery("evt1", now)

	created, err := store.Create(ctx, d)
	if err != nil || !created {
		t.Fatalf("Create() = %v, %v; want true, nil", created, err)
	}

	dup := newTestDelivery("evt1", now.Add(time.Minute))
	created, err = store.Create(ctx, dup)
	if err != nil {
		t.Fatalf("Create() duplicate error = %v", err)
	}
	if created {
		t.Fatal("duplicate Create() should report false")
	}

	if ttl := mr.TTL(DeliveryKey(d.ID)); ttl != DefaultDeliveryTTL {
		t.Fatalf("ttl = %v, want %v", ttl, DefaultDeliveryTTL)
	}

	got, err := store.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.CreatedAt.Equal(now) || got.Attempts != 0 || got.Status != domain.DeliveryStatusPending {
		t.Fatalf("Get() = %+v, want original pending delivery", got)
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("ListPending() len = %d, want 1", len(pending))
	}
}

func TestDeliveryStoreCreateLeavesNoUnindexedRecord(t *testing.T) {
	t.Parallel()

	rdb, mr := newTestRedisClient(t)
	store, err := NewDeliveryStore(rdb, time.Hour)
	if err != nil {
		t.Fatalf("NewDeliveryStore() error = %v", err)
	}

	// A pending index of the wrong type makes SADD fail inside the script.
	if err := mr.Set(pendingIndexKey, "corrupt"); err != nil {
		t.Fatalf("seed index: %v", err)
	}

	d := newTestDelivery("evt-broken-index", time.Unix(1_700_000_000, 0).UTC())
	created, err := store.Create(context.Background(), d)
	if err == nil || created {
		t.Fatalf("Create() = %v, %v; want false and error", created, err)
	}
	if mr.Exists(DeliveryKey(d.ID)) {
		t.Fatal("Create() stored the record without indexing it")
	}

	mr.Del(pendingIndexKey)
	created, err = store.Create(context.Background(), d)
	if err != nil || !created {
		t.Fatalf("Create() after repair = %v, %v; want true, nil", created, err)
	}
	if ok, _ := mr.SIsMember(pendingIndexKey, d.ID); !ok {
		t.Fatal("created delivery missing from pending index")
	}
	if ttl := mr.TTL(DeliveryKey(d.ID)); ttl != time.Hour {
		t.Fatalf("ttl = %v, want 1h", ttl)
	}
}

func TestDeliveryStoreSaveMovesIndexes(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	store, err := NewDeliveryStore(rdb, time.Hour)
	if err != nil {
		t.Fatalf("NewDeliveryStore() error = %v", err)
	}

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	d := newTestDelivery("evt2", now)
	if _, err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	backoff := func(int) time.Duration { return time.Second }
	for i := 0; i < 3; i++ {
		d.RecordFailure(domain.AttemptResult{Timestamp: now.Add(time.Duration(i) * time.Second), Error: "boom"}, backoff)
	}
	if err := store.Save(ctx, d); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("ListPending() len = %d, want 0", len(pending))
	}

	failed, err := store.ListFailed(ctx, 10)
	if err != nil {
		t.Fatalf("ListFailed() error = %v", err)
	}
	if len(failed) != 1 || failed[0].Attempts != 3 || failed[0].LastAttempt == nil {
		t.Fatalf("ListFailed() = %+v, want one failed delivery with 3 attempts", failed)
	}

	if err := d.Rearm(now.Add(time.Minute)); err != nil {
		t.Fatalf("Rearm() error = %v", err)
	}
	if err := store.Save(ctx, d); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	failed, _ = store.ListFailed(ctx, 10)
	pending, _ = store.ListPending(ctx)
	if len(failed) != 0 || len(pending) != 1 {
		t.Fatalf("after rearm failed=%d pending=%d, want 0/1", len(failed), len(pending))
	}
}

func TestDeliveryStoreGetMissing(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	store, err := NewDeliveryStore(rdb, 0)
	if err != nil {
		t.Fatalf("NewDeliveryStore() error = %v", err)
	}

	_, err = store.Get(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestDeliveryStorePrunesExpiredIndexEntries(t *testing.T) {
	t.Parallel()

	rdb, mr := newTestRedisClient(t)
	store, err := NewDeliveryStore(rdb, time.Minute)
	if err != nil {
		t.Fatalf("NewDeliveryStore() error = %v", err)
	}

	ctx := context.Background()
	if _, err := store.Create(ctx, newTestDelivery("evt3", time.Now())); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	mr.FastForward(2 * time.Minute)

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("ListPending() len = %d, want 0", len(pending))
	}

	size, err := rdb.SCard(ctx, pendingIndexKey).Result()
	if err != nil {
		t.Fatalf("SCard() error = %v", err)
	}
	if size != 0 {
		t.Fatalf("pending index size = %d, want 0", size)
	}
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/webhook"
	goredis "github.com/redis/go-redis/v9"
)

const (
	deliveryKeyPrefix    = "webhook_delivery:"
	pendingIndexKey      = "webhook_delivery_index:pending"
	failedIndexKey       = "webhook_delivery_index:failed"
	DefaultDeliveryTTL   = 30 * 24 * time.Hour
	pendingLoadBatchSize = 200
)

var _ webhook.Store = (*DeliveryStore)(nil)

// DeliveryStore persists webhook deliveries as JSON under webhook_delivery:<id> with a
// retention TTL. Pending and failed ids are indexed in sets for recovery and listing.
type DeliveryStore struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewDeliveryStore(client *goredis.Client, ttl time.Duration) (*DeliveryStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultDeliveryTTL
	}
	return &DeliveryStore{client: client, ttl: ttl}, nil
}

func DeliveryKey(id string) string {
	return deliveryKeyPrefix + id
}

// createScript writes the record and its pending index entry as one step. The index is
// written first so a failing SADD leaves no unindexed record behind.
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

func (s *DeliveryStore) Create(ctx context.Context, d *domain.WebhookDelivery) (bool, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("failed to marshal delivery %s: %w", d.ID, err)
	}

	created, err := createScript.Run(ctx, s.client,
		[]string{DeliveryKey(d.ID), pendingIndexKey},
		d.ID, payload, s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to create delivery %s: %w", d.ID, err)
	}
	return created == 1, nil
}

func (s *DeliveryStore) Save(ctx context.Context, d *domain.WebhookDelivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery %s: %w", d.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, DeliveryKey(d.ID), payload, s.ttl)
		switch d.Status {
		case domain.DeliveryStatusPending:
			pipe.SAdd(ctx, pendingIndexKey, d.ID)
			pipe.SRem(ctx, failedIndexKey, d.ID)
		case domain.DeliveryStatusFailed:
			pipe.SRem(ctx, pendingIndexKey, d.ID)
			pipe.SAdd(ctx, failedIndexKey, d.ID)
		default:
			pipe.SRem(ctx, pendingIndexKey, d.ID)
			pipe.SRem(ctx, failedIndexKey, d.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save delivery %s: %w", d.ID, err)
	}
	return nil
}

func (s *DeliveryStore) Get(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	raw, err := s.client.Get(ctx, DeliveryKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: delivery %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery %s: %w", id, err)
	}

	var d domain.WebhookDelivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to decode delivery %s: %w", id, err)
	}
	return &d, nil
}

func (s *DeliveryStore) ListPending(ctx context.Context) ([]*domain.WebhookDelivery, error) {
	return s.listIndex(ctx, pendingIndexKey, 0)
}

func (s *DeliveryStore) ListFailed(ctx context.Context, limit int) ([]*domain.WebhookDelivery, error) {
	return s.listIndex(ctx, failedIndexKey, limit)
}

func (s *DeliveryStore) listIndex(ctx context.Context, indexKey string, limit int) ([]*domain.WebhookDelivery, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", indexKey, err)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*domain.WebhookDelivery, 0, len(ids))
	for start := 0; start < len(ids); start += pendingLoadBatchSize {
		end := min(start+pendingLoadBatchSize, len(ids))
		chunk := ids[start:end]

		keys := make([]string, len(chunk))
		for i, id := range chunk {
			keys[i] = DeliveryKey(id)
		}

		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load deliveries: %w", err)
		}

		var expired []any
		for i, value := range values {
			raw, ok := value.(string)
			if !ok {
				// Record expired past retention; drop the dangling index entry.
				expired = append(expired, chunk[i])
				continue
			}
			var d domain.WebhookDelivery
			if err := json.Unmarshal([]byte(raw), &d); err != nil {
				return nil, fmt.Errorf("failed to decode delivery %s: %w", chunk[i], err)
			}
			out = append(out, &d)
		}

		if len(expired) > 0 {
			if err := s.client.SRem(ctx, indexKey, expired...).Err(); err != nil {
				return nil, fmt.Errorf("failed to prune index %s: %w", indexKey, err)
			}
		}
	}

	return out, nil
}

package webhook

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Store is the durable source of truth for deliveries.
type Store interface {
	// Create persists a new delivery. It reports false without error when a delivery with
	// the same id already exists.
	Create(ctx context.Context, d *domain.WebhookDelivery) (bool, error)
	Save(ctx context.Context, d *domain.WebhookDelivery) error
	Get(ctx context.Context, id string) (*domain.WebhookDelivery, error)
	ListPending(ctx context.Context) ([]*domain.WebhookDelivery, error)
	ListFailed(ctx context.Context, limit int) ([]*domain.WebhookDelivery, error)
}

// MemoryStore keeps deliveries in process memory. Records are copied on the way in and
// out.
type MemoryStore struct {
	mu         sync.RWMutex
	deliveries map[string]domain.WebhookDelivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deliveries: make(map[string]domain.WebhookDelivery)}
}

func (s *MemoryStore) Create(_ context.Context, d *domain.WebhookDelivery) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deliveries[d.ID]; exists {
		return false, nil
	}
	s.deliveries[d.ID] = *d
	return true, nil
}

func (s *MemoryStore) Save(_ context.Context, d *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deliveries[d.ID] = *d
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("%w: delivery %s", domain.ErrNotFound, id)
	}
	return &d, nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]*domain.WebhookDelivery, error) {
	return s.list(domain.DeliveryStatusPending, 0), nil
}

func (s *MemoryStore) ListFailed(_ context.Context, limit int) ([]*domain.WebhookDelivery, error) {
	return s.list(domain.DeliveryStatusFailed, limit), nil
}

func (s *MemoryStore) list(status domain.DeliveryStatus, limit int) []*domain.WebhookDelivery {
	s.mu.RLock()
	out := make([]*domain.WebhookDelivery, 0)
	for _, d := range s.deliveries {
		if d.Status == status {
			d := d
			out = append(out, &d)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

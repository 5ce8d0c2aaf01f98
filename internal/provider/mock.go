package provider

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/signing"
)

// MockAdapter accepts every message in memory. It is used for local runs and as a
// stand-in provider in tests.
type MockAdapter struct {
	name          string
	caps          Capabilities
	webhookSecret string
	failureRate   float64
	now           func() time.Time

	mu      sync.Mutex
	sent    []domain.Message
	failErr error
	healthy bool
}

func NewMockAdapter(cfg domain.ProviderConfig) *MockAdapter {
	return &MockAdapter{
		name:          cfg.Name,
		caps:          Capabilities{Webhooks: true, Attachments: true, Tracking: true, Scheduling: true},
		webhookSecret: cfg.WebhookSecret,
		now:           time.Now,
		healthy:       true,
	}
}

// SetFailureRate makes a random share of sends fail with a retryable error.
func (a *MockAdapter) SetFailureRate(rate float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failureRate = rate
}

// FailWith makes every send return err until cleared with nil.
func (a *MockAdapter) FailWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failErr = err
}

func (a *MockAdapter) SetHealthy(healthy bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy = healthy
}

// Sent returns a copy of every accepted message.
func (a *MockAdapter) Sent() []domain.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Message(nil), a.sent...)
}

func (a *MockAdapter) Name() string { return a.name }

func (a *MockAdapter) Capabilities() Capabilities { return a.caps }

func (a *MockAdapter) SendEmail(ctx context.Context, msg domain.Message) (*domain.MessageResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failErr != nil {
		return nil, a.failErr
	}
	if a.failureRate > 0 && rand.Float64() < a.failureRate {
		return nil, &ProviderError{Provider: a.name, Message: "simulated failure", Retryable: true}
	}

	a.sent = append(a.sent, msg.Clone())
	return &domain.MessageResponse{
		MessageID: fmt.Sprintf("mock-%s", uuid.NewString()),
		Recipient: msg.PrimaryRecipient(),
		Status:    domain.MessageStatusSent,
		Provider:  a.name,
		Timestamp: a.now().UTC(),
	}, nil
}

func (a *MockAdapter) ValidateWebhookSignature(payload []byte, signature string) bool {
	return signing.Verify(a.webhookSecret, payload, signature)
}

func (a *MockAdapter) HealthCheck(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthy
}

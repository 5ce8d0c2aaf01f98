package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
)

func messagesFor(addrs []string) []domain.Message {
	out := make([]domain.Message, len(addrs))
	for i, addr := range addrs {
		out[i] = testMessage(addr)
	}
	return out
}

func TestSendBatchUsesNativeBatchInChunks(t *testing.T) {
	t.Parallel()

	a := &scriptedAdapter{name: "A", batchSize: 2, caps: provider.Capabilities{Batch: true}}
	tc := newTestCoordinator(t, coordinatorSetup{},
		provider.Registration{Adapter: a, Config: providerConfig("A", 1)},
	)

	addrs := recipients(5, "user")
	responses, err := tc.SendBatch(context.Background(), messagesFor(addrs), "")
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if got := a.batchCalls.Load(); got != 3 {
		t.Fatalf("batch calls = %d, want 3", got)
	}
	if got := a.calls.Load(); got != 0 {
		t.Fatalf("single calls = %d, want 0", got)
	}
	for i, resp := range responses {
		if !resp.Succeeded() || resp.Provider != "A" || resp.Recipient != addrs[i] {
			t.Fatalf("responses[%d] = %+v", i, resp)
		}
	}

	tc.flush(t)
	if got := len(tc.events.types()); got != 5 {
		t.Fatalf("events = %d, want 5", got)
	}
}

func TestSendBatchPropagatesNativeItemStatuses(t *testing.T) {
	t.Parallel()

	a := &scriptedAdapter{name: "A", batchSize: 10, caps: provider.Capabilities{Batch: true}}
	a.batchFn = func(_ context.Context, msgs []domain.Message) ([]domain.MessageResponse, error) {
		out := make([]domain.MessageResponse, len(msgs))
		for i := range msgs {
			out[i] = domain.MessageResponse{Status: domain.MessageStatusSent, MessageID: "m"}
		}
		out[1] = domain.MessageResponse{Status: domain.MessageStatusFailed, Error: "MessageRejected"}
		return out, nil
	}

	tc := newTestCoordinator(t, coordinatorSetup{},
		provider.Registration{Adapter: a, Config: providerConfig("A", 1)},
	)

	responses, err := tc.SendBatch(context.Background(), messagesFor(recipients(3, "user")), "")
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if responses[1].Succeeded() || responses[1].Error != "MessageRejected" {
		t.Fatalf("responses[1] = %+v, want failed item", responses[1])
	}
	if !responses[0].Succeeded() || !responses[2].Succeeded() {
		t.Fatal("other items should succeed")
	}
	if a.calls.Load() != 0 {
		t.Fatal("per-item statuses must not trigger single sends")
	}
}

func TestSendBatchFallsBackToSinglesWhenChunkFails(t *testing.T) {
	t.Parallel()

	a := &scriptedAdapter{name: "A", batchSize: 10, caps: provider.Capabilities{Batch: true}}
	a.batchFn = func(context.Context, []domain.Message) ([]domain.MessageResponse, error) {
		return nil, &provider.ProviderError{Provider: "A", StatusCode: 502, Retryable: true}
	}

	tc := newTestCoordinator(t, coordinatorSetup{},
		provider.Registration{Adapter: a, Config: providerConfig("A", 1)},
	)

	responses, err := tc.SendBatch(context.Background(), messagesFor(recipients(3, "user")), "")
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if got := a.calls.Load(); got != 3 {
		t.Fatalf("single calls = %d, want 3", got)
	}
	for i, resp := range responses {
		if !resp.Succeeded() {
			t.Fatalf("responses[%d] = %+v, want sent", i, resp)
		}
	}
}

func TestSendBatchBoundsConcurrencyAndNeverAborts(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	a := &scriptedAdapter{name: "A"}
	bad := failBadRecipients("A")
	a.sendFn = func(ctx context.Context, msg domain.Message) (*domain.MessageResponse, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return bad(ctx, msg)
	}

	tc := newTestCoordinator(t, coordinatorSetup{opts: Options{BatchConcurrency: 3}},
		provider.Registration{Adapter: a, Config: providerConfig("A", 1)},
	)

	msgs := messagesFor(append(recipients(10, "user"), recipients(2, "bad")...))
	msgs = append(msgs, domain.Message{Subject: "missing recipients"})

	responses, err := tc.SendBatch(context.Background(), msgs, "")
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if len(responses) != len(msgs) {
		t.Fatalf("responses = %d, want %d", len(responses), len(msgs))
	}
	if got := peak.Load(); got > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", got)
	}

	failed := 0
	for _, resp := range responses {
		if !resp.Succeeded() {
			failed++
		}
	}
	if failed != 3 {
		t.Fatalf("failed = %d, want 3", failed)
	}
	if responses[12].Status != domain.MessageStatusFailed || responses[12].Error == "" {
		t.Fatalf("invalid message response = %+v", responses[12])
	}
}

type recordingBatches struct {
	mu      sync.Mutex
	results []*domain.BatchResult
	err     error
}

func (r *recordingBatches) Save(_ context.Context, result *domain.BatchResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return r.err
}

func TestDispatchBatchAcceptanceThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		good        int
		bad         int
		wantSuccess bool
	}{
		{name: "nine of ten", good: 9, bad: 1, wantSuccess: true},
		{name: "eight of ten", good: 8, bad: 2, wantSuccess: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := &scriptedAdapter{name: "A", sendFn: failBadRecipients("A")}
			batches := &recordingBatches{err: errors.New("db down")}
			tc := newTestCoordinator(t, coordinatorSetup{batches: batches},
				provider.Registration{Adapter: a, Config: providerConfig("A", 1)},
			)

			result, err := tc.DispatchBatch(context.Background(), domain.BatchRequest{
				ID:         "batch-1",
				Template:   testMessage("template@example.com"),
				Recipients: append(recipients(tt.good, "user"), recipients(tt.bad, "bad")...),
			})
			if err != nil {
				t.Fatalf("DispatchBatch() error = %v", err)
			}
			if result.Success != tt.wantSuccess {
				t.Fatalf("Success = %v, want %v (rate %.2f)", result.Success, tt.wantSuccess, result.SuccessRate)
			}
			if result.Total != 10 || result.Failed != tt.bad {
				t.Fatalf("total/failed = %d/%d, want 10/%d", result.Total, result.Failed, tt.bad)
			}
			failed := result.FailedRecipients()
			if len(failed) != tt.bad || failed[0] != "bad0@example.com" {
				t.Fatalf("FailedRecipients() = %v", failed)
			}

			batches.mu.Lock()
			defer batches.mu.Unlock()
			if len(batches.results) != 1 || batches.results[0].BatchID != "batch-1" {
				t.Fatalf("recorded batches = %v", batches.results)
			}
		})
	}
}

func TestDispatchBatchTagsMessagesWithBatchID(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[string]string{}
	a := &scriptedAdapter{name: "A"}
	a.sendFn = func(_ context.Context, msg domain.Message) (*domain.MessageResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[msg.PrimaryRecipient()] = msg.Metadata["batch_id"]
		return &domain.MessageResponse{Status: domain.MessageStatusSent}, nil
	}

	tc := newTestCoordinator(t, coordinatorSetup{},
		provider.Registration{Adapter: a, Config: providerConfig("A", 1)},
	)

	template := testMessage("template@example.com")
	result, err := tc.DispatchBatch(context.Background(), domain.BatchRequest{
		Template:   template,
		Recipients: recipients(2, "user"),
	})
	if err != nil {
		t.Fatalf("DispatchBatch() error = %v", err)
	}
	if result.BatchID == "" {
		t.Fatal("expected generated batch id")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen["user0@example.com"] != result.BatchID {
		t.Fatalf("seen = %v, want batch id %s", seen, result.BatchID)
	}
	if template.Metadata != nil {
		t.Fatal("template metadata must not be mutated")
	}
}

func TestDispatchBatchRejectsEmptyRecipients(t *testing.T) {
	t.Parallel()

	tc := newTestCoordinator(t, coordinatorSetup{},
		provider.Registration{Adapter: &scriptedAdapter{name: "A"}, Config: providerConfig("A", 1)},
	)

	_, err := tc.DispatchBatch(context.Background(), domain.BatchRequest{Template: testMessage("a@example.com")})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("DispatchBatch() error = %v, want ErrValidation", err)
	}
}

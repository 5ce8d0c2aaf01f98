package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SendBatch sends every message and returns one response per input, in input order.
// Item failures are reported as failed responses and never abort the rest of the batch.
// When the selected provider has a native batch API it is used in chunks; a chunk that
// fails as a whole is retried item by item.
func (c *DeliveryCoordinator) SendBatch(ctx context.Context, msgs []domain.Message, preferred string) ([]domain.MessageResponse, error) {
	responses := make([]domain.MessageResponse, len(msgs))
	if len(msgs) == 0 {
		return responses, nil
	}

	start := c.now()
	defer func() {
		c.metrics.RecordLatency("delivery.batch", observability.Since(start))
	}()

	prepared := make([]domain.Message, len(msgs))
	valid := make([]int, 0, len(msgs))
	for i := range msgs {
		prepared[i] = msgs[i].Clone()
		if strings.TrimSpace(prepared[i].ID) == "" {
			prepared[i].ID = uuid.NewString()
		}
		if err := prepared[i].Validate(); err != nil {
			responses[i] = domain.FailedResponse(prepared[i].PrimaryRecipient(), "", err, c.now().UTC())
			c.recordFailure(ctx, prepared[i], "", err)
			continue
		}
		valid = append(valid, i)
	}

	if batcher, adapter, ok := c.nativeBatcher(ctx, preferred, prepared, valid); ok {
		c.sendNative(ctx, adapter, batcher, prepared, valid, responses, preferred)
	} else {
		c.sendEach(ctx, prepared, valid, responses, preferred)
	}

	if err := ctx.Err(); err != nil {
		return responses, err
	}
	return responses, nil
}

// nativeBatcher returns the primary provider when it can batch every valid message.
func (c *DeliveryCoordinator) nativeBatcher(ctx context.Context, preferred string, msgs []domain.Message, indexes []int) (provider.BatchSender, provider.Adapter, bool) {
	if len(indexes) < 2 {
		return nil, nil, false
	}
	primary, err := c.registry.Select(ctx, preferred)
	if err != nil || !primary.Capabilities().Batch {
		return nil, nil, false
	}
	batcher, ok := primary.(provider.BatchSender)
	if !ok || batcher.MaxBatchSize() < 1 {
		return nil, nil, false
	}
	caps := primary.Capabilities()
	for _, i := range indexes {
		if !caps.Supports(&msgs[i]) {
			return nil, nil, false
		}
	}
	return batcher, primary, true
}

func (c *DeliveryCoordinator) sendNative(
	ctx context.Context,
	adapter provider.Adapter,
	batcher provider.BatchSender,
	msgs []domain.Message,
	indexes []int,
	responses []domain.MessageResponse,
	preferred string,
) {
	name := adapter.Name()
	size := batcher.MaxBatchSize()

	for lo := 0; lo < len(indexes); lo += size {
		if ctx.Err() != nil {
			c.failRemaining(indexes[lo:], msgs, responses, name, ctx.Err())
			return
		}

		chunkIdx := indexes[lo:min(lo+size, len(indexes))]
		chunk := make([]domain.Message, len(chunkIdx))
		for j, i := range chunkIdx {
			chunk[j] = msgs[i]
		}

		results, err := c.sendChunk(ctx, name, batcher, chunk)
		if err != nil {
			c.metrics.IncrementCounter("delivery.batch_fallback", 1)
			observability.WithContextLogger(c.logger, ctx).Warn("native batch failed, sending items individually",
				zap.String("provider", name),
				zap.Int("size", len(chunk)),
				zap.Error(err),
			)
			c.sendEach(ctx, msgs, chunkIdx, responses, preferred)
			continue
		}

		for j, i := range chunkIdx {
			resp := results[j]
			resp.Provider = name
			resp.Attempts = 1
			if resp.Recipient == "" {
				resp.Recipient = msgs[i].PrimaryRecipient()
			}
			if resp.Timestamp.IsZero() {
				resp.Timestamp = c.now().UTC()
			}
			responses[i] = resp

			if resp.Succeeded() {
				c.metrics.IncrementCounter("delivery.sent", 1)
				c.emit(ctx, domain.EventDelivered, msgs[i], &resp, nil)
			} else {
				itemErr := errors.New(resp.Error)
				c.recordFailure(ctx, msgs[i], name, itemErr)
				c.emit(ctx, domain.EventFailed, msgs[i], nil, itemErr)
			}
		}
	}
}

// sendChunk takes one rate-limit token per message and calls the native batch API once.
func (c *DeliveryCoordinator) sendChunk(ctx context.Context, name string, batcher provider.BatchSender, chunk []domain.Message) ([]domain.MessageResponse, error) {
	if err := c.acquire(ctx, name, len(chunk)); err != nil {
		return nil, err
	}

	started := c.now()
	results, err := c.registry.ExecuteBatch(name, func() ([]domain.MessageResponse, error) {
		return batcher.SendBatch(ctx, chunk)
	})
	c.metrics.RecordLatency("provider.batch."+name, observability.Since(started))
	if err != nil {
		return nil, err
	}
	if len(results) != len(chunk) {
		return nil, fmt.Errorf("provider %s returned %d results for %d messages", name, len(results), len(chunk))
	}
	return results, nil
}

// sendEach fans single sends out with bounded concurrency.
func (c *DeliveryCoordinator) sendEach(ctx context.Context, msgs []domain.Message, indexes []int, responses []domain.MessageResponse, preferred string) {
	var g errgroup.Group
	g.SetLimit(c.opts.BatchConcurrency)

	for _, i := range indexes {
		g.Go(func() error {
			resp, err := c.Send(ctx, msgs[i], preferred)
			if err != nil {
				responses[i] = domain.FailedResponse(msgs[i].PrimaryRecipient(), "", err, c.now().UTC())
				return nil
			}
			responses[i] = *resp
			return nil
		})
	}

	_ = g.Wait()
}

func (c *DeliveryCoordinator) failRemaining(indexes []int, msgs []domain.Message, responses []domain.MessageResponse, name string, err error) {
	for _, i := range indexes {
		responses[i] = domain.FailedResponse(msgs[i].PrimaryRecipient(), name, err, c.now().UTC())
	}
}

// DispatchBatch sends the template to every recipient and applies the acceptance
// threshold. The verdict is returned even when it is unsuccessful; callers retry the
// failed subset via FailedRecipients.
func (c *DeliveryCoordinator) DispatchBatch(ctx context.Context, req domain.BatchRequest) (*domain.BatchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}

	msgs := make([]domain.Message, len(req.Recipients))
	for i, recipient := range req.Recipients {
		msg := req.Template.Clone()
		msg.ID = ""
		msg.To = []string{strings.TrimSpace(recipient)}
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]string, 1)
		}
		msg.Metadata["batch_id"] = req.ID
		msgs[i] = msg
	}

	responses, err := c.SendBatch(ctx, msgs, req.Preferred)
	if err != nil {
		return nil, err
	}

	result := domain.EvaluateBatch(req.ID, responses, c.opts.AcceptanceThreshold)
	outcome := observability.OutcomeSuccess
	if result.Success {
		c.metrics.IncrementCounter("batch.accepted", 1)
	} else {
		outcome = observability.OutcomeFailure
		c.metrics.IncrementCounter("batch.rejected", 1)
		c.metrics.RecordError("batch.dispatch", "success rate below threshold", map[string]string{
			"batchId":     req.ID,
			"successRate": fmt.Sprintf("%.4f", result.SuccessRate),
		})
	}

	if err := c.audit.LogEvent(ctx, observability.AuditRecord{
		Type:    observability.AuditBatchDispatch,
		Subject: req.ID,
		Outcome: outcome,
		Attributes: map[string]any{
			"total":       result.Total,
			"succeeded":   result.Succeeded,
			"failed":      result.Failed,
			"successRate": result.SuccessRate,
			"threshold":   result.Threshold,
		},
		Timestamp: c.now().UTC(),
	}); err != nil {
		observability.WithContextLogger(c.logger, ctx).Warn("failed to write batch audit record",
			zap.String("batchId", req.ID),
			zap.Error(err),
		)
	}

	if c.batches != nil {
		if err := c.batches.Save(ctx, result); err != nil {
			observability.WithContextLogger(c.logger, ctx).Error("failed to persist batch result",
				zap.String("batchId", req.ID),
				zap.Error(err),
			)
		}
	}

	return result, nil
}

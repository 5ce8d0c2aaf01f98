package webhook

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Start recovers pending deliveries, then ticks every Interval until ctx is done. Every
// ResyncInterval it reloads pending deliveries so re-arms made by other processes sharing
// the store are picked up.
func (q *Queue) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	recovered, err := q.Recover(ctx)
	if err != nil {
		return err
	}
	q.logger.Info("webhook dispatcher started",
		zap.Int("recovered", recovered),
		zap.Int("batchSize", q.opts.BatchSize),
		zap.Duration("interval", q.opts.Interval),
	)

	// Run an initial tick so recovered deliveries do not wait for the first ticker edge.
	q.runTick(ctx)

	ticker := time.NewTicker(q.opts.Interval)
	defer ticker.Stop()
	resync := time.NewTicker(q.opts.ResyncInterval)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("webhook dispatcher stopped", zap.Int("pending", q.PendingCount()))
			return nil
		case <-ticker.C:
			q.runTick(ctx)
		case <-resync.C:
			added, err := q.Recover(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				q.logger.Error("webhook dispatcher resync failed", zap.Error(err))
				continue
			}
			if added > 0 {
				q.logger.Info("webhook dispatcher resynced pending deliveries", zap.Int("added", added))
			}
		}
	}
}

func (q *Queue) runTick(ctx context.Context) {
	n, err := q.Tick(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		q.logger.Error("webhook dispatcher tick failed", zap.Error(err))
		return
	}
	if n > 0 {
		q.logger.Debug("webhook dispatcher tick", zap.Int("attempted", n))
	}
}

package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/extraction-backend/pkg/logger"
	"github.com/instill-ai/extraction-backend/pkg/types"
)

const sweepBatchSize = 100

func (w *Worker) runSweeper(ctx context.Context) error {
	logger, _ := logger.GetZapLogger(ctx)

	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	logger.Info("Sweeper started", zap.Duration("interval", w.cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			logger.Info("Sweeper received termination signal")
			return nil
		case <-ticker.C:
			if _, err := w.Sweep(ctx, time.Now()); err != nil {
				logger.Error("Sweeping stale tasks failed", zap.Error(err))
			}
		}
	}
}

// runHeartbeat keeps the process alive on the queues and requeues the
// unacknowledged tasks of peers that stopped beating.
func (w *Worker) runHeartbeat(ctx context.Context) error {
	logger, _ := logger.GetZapLogger(ctx)

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.heartbeat(ctx); err != nil {
				logger.Error("Queue heartbeat failed", zap.Error(err))
				continue
			}
			if err := w.Recover(ctx); err != nil {
				logger.Error("Recovering tasks of dead peers failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context) error {
	if err := w.cfg.ExtractionQueue.Heartbeat(ctx); err != nil {
		return err
	}
	return w.cfg.IndexingQueue.Heartbeat(ctx)
}

// Sweep fails the tasks that outlived their budget and returns how many it
// found. Their owner is assumed dead. An extracting task has TaskTimeout
// from its start. An indexing task has the whole end-to-end budget:
// TaskTimeout plus IndexingTimeout plus IndexingGrace for the wait in the
// indexing queue.
func (w *Worker) Sweep(ctx context.Context, now time.Time) (int, error) {
	if w.cfg.TaskTimeout <= 0 {
		return 0, nil
	}

	swept := 0
	for _, phase := range []struct {
		status types.TaskStatus
		budget time.Duration
	}{
		{types.TaskStatusExtracting, w.cfg.TaskTimeout},
		{types.TaskStatusIndexing, w.indexingBudget()},
	} {
		stale, err := w.cfg.Repository.ListStaleTasks(ctx,
			[]types.TaskStatus{phase.status},
			now.Add(-phase.budget),
			sweepBatchSize)
		if err != nil {
			return swept, err
		}

		for _, t := range stale {
			w.fail(ctx, t.TaskID, &types.TaskError{
				Kind:    types.ErrorKindTimeout,
				Message: fmt.Sprintf("task still %s after %s", t.Status, phase.budget),
			})
		}
		swept += len(stale)
	}
	return swept, nil
}

func (w *Worker) indexingBudget() time.Duration {
	return w.cfg.TaskTimeout + w.cfg.IndexingTimeout + w.cfg.IndexingGrace
}

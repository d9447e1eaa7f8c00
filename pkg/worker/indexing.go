package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/instill-ai/extraction-backend/internal/ai"
	"github.com/instill-ai/extraction-backend/pkg/logger"
	"github.com/instill-ai/extraction-backend/pkg/repository"
	"github.com/instill-ai/extraction-backend/pkg/types"

	errdomain "github.com/instill-ai/extraction-backend/pkg/errors"
)

// runIndexingPool dequeues the indexing queue and runs each task on a
// bounded goroutine pool. Submission blocks while every worker is busy.
func (w *Worker) runIndexingPool(ctx context.Context) error {
	logger, _ := logger.GetZapLogger(ctx)

	pool, err := ants.NewPool(w.cfg.IndexingWorkers, ants.WithPanicHandler(func(r any) {
		logger.Error("Panic recovered in indexing worker",
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())))
	}))
	if err != nil {
		return fmt.Errorf("creating indexing pool: %w", err)
	}
	defer pool.Release()

	var inFlight sync.WaitGroup
	defer inFlight.Wait()

	logger.Info("Indexing dispatcher started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("Indexing dispatcher received termination signal")
			return nil
		default:
		}

		taskID := w.dequeue(ctx, w.cfg.IndexingQueue)
		if taskID == "" {
			continue
		}

		inFlight.Add(1)
		err := pool.Submit(func() {
			defer inFlight.Done()
			err := w.processIndexing(context.WithoutCancel(ctx), taskID)
			w.release(ctx, w.cfg.IndexingQueue, taskID, err)
		})
		if err != nil {
			inFlight.Done()
			w.release(ctx, w.cfg.IndexingQueue, taskID, fmt.Errorf("submitting to the indexing pool: %w", err))
		}
	}
}

// processIndexing embeds the items of an extracted task and writes them to
// the tenant collection. Task failures are recorded on the task, the
// returned error is an infrastructure failure after which the task must be
// delivered again.
func (w *Worker) processIndexing(ctx context.Context, taskID string) error {
	ctx, span := w.tracer.Start(ctx, "IndexTask", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	logger, _ := logger.GetZapLogger(ctx)
	logger = logger.With(zap.String("task_id", taskID))

	task, err := w.cfg.Repository.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, errdomain.ErrNotFound) {
			logger.Info("Task not found, skipping")
			return nil
		}
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("loading task: %w", err)
	}
	if task.Status != types.TaskStatusIndexing {
		logger.Info("Task isn't waiting for indexing, skipping", zap.String("status", task.Status.String()))
		return nil
	}
	span.SetAttributes(attribute.String("tenant_id", task.TenantID))
	logger = logger.With(zap.String("tenant_id", task.TenantID))

	indexCtx, cancel := withTimeout(ctx, w.cfg.IndexingTimeout)
	defer cancel()

	units, taskErr := w.indexUnits(indexCtx, task)
	if taskErr != nil {
		span.SetStatus(codes.Error, taskErr.Error())
		w.fail(ctx, taskID, taskErr)
		return nil
	}

	completed, err := w.cfg.Repository.TransitionTo(ctx, taskID, types.TaskStatusCompleted, repository.TaskUpdate{
		Note:   fmt.Sprintf("Indexed %d units.", units),
		Result: task.Result,
	})
	if err != nil {
		if errors.Is(err, errdomain.ErrInvalidTransition) {
			logger.Info("Task finished while indexing, completion dropped")
			return nil
		}
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("completing task: %w", err)
	}

	logger.Info("Task completed", zap.Int("units", units))
	w.notify(ctx, completed)
	return nil
}

// indexUnits embeds and upserts the units of a task and returns how many
// were written.
func (w *Worker) indexUnits(ctx context.Context, task *types.Task) (int, *types.TaskError) {
	units := BuildIndexUnits(task)
	if len(units) == 0 {
		return 0, nil
	}

	texts := make([]string, len(units))
	for i, u := range units {
		texts[i] = u.EmbeddingText
	}

	embedded, err := w.cfg.Embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return 0, &types.TaskError{Kind: embeddingErrorKind(err), Message: fmt.Sprintf("embedding units: %v", err)}
	}
	if len(embedded.Vectors) != len(units) {
		return 0, &types.TaskError{
			Kind:    types.ErrorKindEmbeddingFailed,
			Message: fmt.Sprintf("embedding returned %d vectors for %d units", len(embedded.Vectors), len(units)),
		}
	}

	collection := repository.CollectionName(w.cfg.CollectionPrefix, task.TenantID)
	for i := range units {
		units[i].CollectionID = collection
		units[i].Vector = embedded.Vectors[i]
	}

	if err := w.ensureCollection(ctx, collection, int32(len(embedded.Vectors[0]))); err != nil {
		return 0, &types.TaskError{Kind: types.ErrorKindStorageError, Message: err.Error()}
	}
	if err := w.cfg.VectorDB.UpsertUnits(ctx, collection, units); err != nil {
		return 0, &types.TaskError{Kind: types.ErrorKindStorageError, Message: fmt.Sprintf("writing units: %v", err)}
	}
	return len(units), nil
}

// ensureCollection creates the collection the first time this process
// writes to it.
func (w *Worker) ensureCollection(ctx context.Context, collection string, dim int32) error {
	if _, ok := w.collections.Load(collection); ok {
		return nil
	}
	if err := w.cfg.VectorDB.CreateCollection(ctx, collection, dim); err != nil {
		return fmt.Errorf("creating collection %s: %w", collection, err)
	}
	w.collections.Store(collection, struct{}{})
	return nil
}

func embeddingErrorKind(err error) types.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrorKindTimeout
	case errors.Is(err, ai.ErrRateLimited):
		return types.ErrorKindRateLimited
	default:
		return types.ErrorKindEmbeddingFailed
	}
}

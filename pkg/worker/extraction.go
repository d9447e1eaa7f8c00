package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/instill-ai/extraction-backend/pkg/extraction"
	"github.com/instill-ai/extraction-backend/pkg/logger"
	"github.com/instill-ai/extraction-backend/pkg/repository"
	"github.com/instill-ai/extraction-backend/pkg/types"

	errdomain "github.com/instill-ai/extraction-backend/pkg/errors"
)

func (w *Worker) runExtractionPool(ctx context.Context) error {
	for i := 0; i < w.cfg.ExtractionWorkers; i++ {
		w.extractionWorkers.Add(1)
		go w.startExtractionWorker(ctx, i+1)
	}
	w.extractionWorkers.Wait()
	return nil
}

func (w *Worker) startExtractionWorker(ctx context.Context, workerID int) {
	logger, _ := logger.GetZapLogger(ctx)
	logger.Info("Extraction worker started", zap.Int("worker_id", workerID))
	defer w.extractionWorkers.Done()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in extraction worker",
				zap.Int("worker_id", workerID),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			if ctx.Err() != nil {
				return
			}
			logger.Info("Restarting extraction worker after panic", zap.Int("worker_id", workerID))
			w.extractionWorkers.Add(1)
			go w.startExtractionWorker(ctx, workerID)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Extraction worker received termination signal", zap.Int("worker_id", workerID))
			return
		default:
		}

		taskID := w.dequeue(ctx, w.cfg.ExtractionQueue)
		if taskID == "" {
			continue
		}

		// A task in flight finishes even if the pool is stopping.
		err := w.processExtraction(context.WithoutCancel(ctx), taskID)
		w.release(ctx, w.cfg.ExtractionQueue, taskID, err)
		if err != nil {
			pause(ctx, retryDelay)
		}
	}
}

// processExtraction claims a queued task, extracts its items and hands it
// over to the indexing queue. Task failures are recorded on the task, the
// returned error is an infrastructure failure after which the task must be
// delivered again.
func (w *Worker) processExtraction(ctx context.Context, taskID string) error {
	ctx, span := w.tracer.Start(ctx, "ExtractTask", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	logger, _ := logger.GetZapLogger(ctx)
	logger = logger.With(zap.String("task_id", taskID))

	task, err := w.cfg.Repository.TransitionTo(ctx, taskID, types.TaskStatusExtracting, repository.TaskUpdate{})
	if err != nil {
		if errors.Is(err, errdomain.ErrInvalidTransition) || errors.Is(err, errdomain.ErrNotFound) {
			logger.Info("Task can't be claimed, skipping", zap.Error(err))
			return nil
		}
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("claiming task: %w", err)
	}
	span.SetAttributes(attribute.String("tenant_id", task.TenantID))
	logger = logger.With(zap.String("tenant_id", task.TenantID))

	tmpl := w.cfg.Registry.GetSchema(task.Industry, task.DataCategory)
	logger.Info("Task extraction started", zap.String("template", tmpl.Key()), zap.String("mime_type", task.MimeType))

	extractCtx, cancel := withTimeout(ctx, w.cfg.TaskTimeout)
	result, err := w.cfg.Extractor.Extract(extractCtx, extraction.Request{
		TaskID:    task.TaskID,
		SourceRef: task.SourceRef,
		FileName:  task.FileName,
		MimeType:  task.MimeType,
		Category:  task.DataCategory,
		Template:  tmpl,
	})
	cancel()
	if err != nil {
		taskErr := extraction.TaskError(err)
		span.SetStatus(codes.Error, taskErr.Error())
		w.fail(ctx, taskID, taskErr)
		return nil
	}
	span.SetAttributes(attribute.String("provider", string(result.ProviderUsed)))

	note := fmt.Sprintf("Extracted %d items (%d invalid) with %s using template %s.",
		result.ItemCount, result.InvalidItemCount, result.ProviderUsed, result.TemplateUsed)
	if result.Truncated {
		note += " The document was truncated."
	}
	if _, err := w.cfg.Repository.TransitionTo(ctx, taskID, types.TaskStatusIndexing, repository.TaskUpdate{
		Note:   note,
		Result: result,
	}); err != nil {
		if errors.Is(err, errdomain.ErrInvalidTransition) {
			logger.Info("Task finished while extracting, result dropped")
			return nil
		}
		w.fail(ctx, taskID, &types.TaskError{
			Kind:    types.ErrorKindInternal,
			Message: fmt.Sprintf("recording extraction result: %v", err),
		})
		return nil
	}

	if err := w.cfg.IndexingQueue.Enqueue(ctx, taskID); err != nil {
		w.fail(ctx, taskID, &types.TaskError{
			Kind:    types.ErrorKindInternal,
			Message: fmt.Sprintf("enqueuing task for indexing: %v", err),
		})
		return nil
	}

	logger.Info("Task extraction finished",
		zap.String("provider", string(result.ProviderUsed)),
		zap.Int("items", result.ItemCount))
	return nil
}

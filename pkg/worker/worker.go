// Package worker runs the extraction and indexing worker pools and the
// sweeper that fails tasks whose owner died.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/instill-ai/extraction-backend/internal/ai"
	"github.com/instill-ai/extraction-backend/pkg/extraction"
	"github.com/instill-ai/extraction-backend/pkg/logger"
	"github.com/instill-ai/extraction-backend/pkg/queue"
	"github.com/instill-ai/extraction-backend/pkg/repository"
	"github.com/instill-ai/extraction-backend/pkg/template"
	"github.com/instill-ai/extraction-backend/pkg/types"

	errdomain "github.com/instill-ai/extraction-backend/pkg/errors"
)

const tracerName = "github.com/instill-ai/extraction-backend/pkg/worker"

// retryDelay is the pause of a worker after a queue or store error.
const retryDelay = time.Second

// Extractor turns the source file of a task into structured items.
type Extractor interface {
	Extract(ctx context.Context, req extraction.Request) (*types.ExtractionResult, error)
}

// Notifier delivers the notification of a task that reached a terminal
// status.
type Notifier interface {
	Notify(ctx context.Context, task *types.Task) error
}

// Config holds the dependencies and the tuning of the worker pools.
type Config struct {
	Repository      repository.Repository
	ExtractionQueue queue.Queue
	IndexingQueue   queue.Queue
	Registry        *template.Registry
	Extractor       Extractor
	Embedder        ai.Embedder
	VectorDB        repository.VectorDatabase
	// Notifier is optional.
	Notifier Notifier

	ExtractionWorkers int
	IndexingWorkers   int
	DequeueTimeout    time.Duration
	// TaskTimeout bounds the extraction of a task. The sweeper fails
	// extracting tasks that started longer than TaskTimeout ago, and
	// indexing tasks once TaskTimeout, IndexingTimeout and IndexingGrace
	// have elapsed.
	TaskTimeout     time.Duration
	IndexingTimeout time.Duration
	// IndexingGrace is the time an extracted task may wait in the indexing
	// queue.
	IndexingGrace time.Duration
	SweepInterval time.Duration
	// HeartbeatInterval is the period at which the process marks itself
	// alive on the queues and requeues the tasks of dead peers. Zero
	// disables it.
	HeartbeatInterval time.Duration
	CollectionPrefix  string
}

// Worker owns the worker pools of a process.
type Worker struct {
	cfg    Config
	tracer trace.Tracer

	// collections caches the collections known to exist.
	collections sync.Map
	// notifications tracks in-flight callbacks.
	notifications sync.WaitGroup
	// extractionWorkers tracks the extraction goroutines, including the
	// ones restarted after a panic.
	extractionWorkers sync.WaitGroup
}

// New creates a new worker instance.
func New(cfg Config) (*Worker, error) {
	switch {
	case cfg.Repository == nil:
		return nil, errors.New("worker: repository is required")
	case cfg.ExtractionQueue == nil || cfg.IndexingQueue == nil:
		return nil, errors.New("worker: extraction and indexing queues are required")
	case cfg.Registry == nil || cfg.Extractor == nil:
		return nil, errors.New("worker: template registry and extractor are required")
	case cfg.Embedder == nil || cfg.VectorDB == nil:
		return nil, errors.New("worker: embedder and vector database are required")
	}
	if cfg.ExtractionWorkers < 1 {
		cfg.ExtractionWorkers = 1
	}
	if cfg.IndexingWorkers < 1 {
		cfg.IndexingWorkers = 1
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}

	return &Worker{
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Recover makes the tasks that dead processes dequeued without
// acknowledging available again. Tasks held by live peers stay with them.
func (w *Worker) Recover(ctx context.Context) error {
	logger, _ := logger.GetZapLogger(ctx)

	for name, q := range map[string]queue.Queue{"extraction": w.cfg.ExtractionQueue, "indexing": w.cfg.IndexingQueue} {
		n, err := q.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recovering %s queue: %w", name, err)
		}
		if n > 0 {
			logger.Info("Unacknowledged tasks requeued", zap.String("queue", name), zap.Int("count", n))
		}
	}
	return nil
}

// Run starts the extraction pool, the indexing pool and, if a sweep
// interval is set, the sweeper. It blocks until ctx is done and the tasks
// in flight are over.
func (w *Worker) Run(ctx context.Context) error {
	logger, _ := logger.GetZapLogger(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.runExtractionPool(ctx) })
	g.Go(func() error { return w.runIndexingPool(ctx) })
	if w.cfg.SweepInterval > 0 {
		g.Go(func() error { return w.runSweeper(ctx) })
	}
	if w.cfg.HeartbeatInterval > 0 {
		g.Go(func() error { return w.runHeartbeat(ctx) })
	}

	logger.Info("Worker pools started",
		zap.Int("extraction_workers", w.cfg.ExtractionWorkers),
		zap.Int("indexing_workers", w.cfg.IndexingWorkers))

	err := g.Wait()
	w.notifications.Wait()
	logger.Info("Worker pools exited")
	return err
}

// dequeue waits for the next task ID. It returns an empty ID when nothing
// was dequeued and the caller should loop.
func (w *Worker) dequeue(ctx context.Context, q queue.Queue) string {
	taskID, err := q.Dequeue(ctx, w.cfg.DequeueTimeout)
	switch {
	case err == nil:
		return taskID
	case errors.Is(err, errdomain.ErrQueueEmpty), ctx.Err() != nil:
		return ""
	}

	logger, _ := logger.GetZapLogger(ctx)
	logger.Error("Dequeuing task failed", zap.Error(err))
	pause(ctx, retryDelay)
	return ""
}

// release acknowledges a processed task. When processing failed on an
// infrastructure error the task is put back in the queue first.
func (w *Worker) release(ctx context.Context, q queue.Queue, taskID string, processErr error) {
	logger, _ := logger.GetZapLogger(ctx)
	ctx = context.WithoutCancel(ctx)

	if processErr != nil {
		logger.Error("Processing task failed, requeuing it", zap.String("task_id", taskID), zap.Error(processErr))
		if err := q.Enqueue(ctx, taskID); err != nil {
			logger.Error("Requeuing task failed", zap.String("task_id", taskID), zap.Error(err))
		} else if err := w.cfg.Repository.AppendProgress(ctx, taskID, "Processing interrupted, task requeued."); err != nil {
			logger.Warn("Recording requeue note failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	if err := q.Ack(ctx, taskID); err != nil {
		logger.Error("Acknowledging task failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// fail moves a task to FAILED and notifies the caller. A task that already
// reached a terminal status is left untouched.
func (w *Worker) fail(ctx context.Context, taskID string, taskErr *types.TaskError) {
	logger, _ := logger.GetZapLogger(ctx)
	logger = logger.With(zap.String("task_id", taskID))

	task, err := w.cfg.Repository.TransitionTo(ctx, taskID, types.TaskStatusFailed, repository.TaskUpdate{
		Note:  fmt.Sprintf("Task failed: %s.", taskErr.Kind),
		Error: taskErr,
	})
	if err != nil {
		if errors.Is(err, errdomain.ErrInvalidTransition) {
			logger.Info("Task already finished, failure dropped", zap.String("kind", string(taskErr.Kind)))
			return
		}
		logger.Error("Recording task failure failed", zap.Error(err))
		return
	}

	logger.Warn("Task failed", zap.String("kind", string(taskErr.Kind)), zap.String("message", taskErr.Message))
	w.notify(ctx, task)
}

// notify sends the callback of a terminal task in the background. Delivery
// outlives the task context.
func (w *Worker) notify(ctx context.Context, task *types.Task) {
	if w.cfg.Notifier == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	w.notifications.Add(1)
	go func() {
		defer w.notifications.Done()
		if err := w.cfg.Notifier.Notify(ctx, task); err != nil {
			logger.ForTask(ctx, task.TaskID, task.TenantID).Warn("Task notification not delivered", zap.Error(err))
		}
	}()
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/extraction-backend/internal/ai"
	"github.com/instill-ai/extraction-backend/pkg/extraction"
	"github.com/instill-ai/extraction-backend/pkg/queue"
	"github.com/instill-ai/extraction-backend/pkg/repository"
	"github.com/instill-ai/extraction-backend/pkg/repository/object"
	"github.com/instill-ai/extraction-backend/pkg/router"
	"github.com/instill-ai/extraction-backend/pkg/template"
	"github.com/instill-ai/extraction-backend/pkg/types"

	mockpkg "github.com/instill-ai/extraction-backend/pkg/mock"
)

const menuText = `Trattoria Roma
Margherita - tomato, mozzarella, basil - 9.50
Diavola - spicy salami, chili - 11.00
Tiramisu - 6.00`

const menuAnswer = `{
  "raw_text": "Trattoria Roma",
  "items": {
    "products": [
      {"name": "Margherita", "price": 9.5, "description": "Pizza with tomato, mozzarella and basil"},
      {"name": "Diavola", "price": 11, "description": "Pizza with spicy salami and chili"},
      {"name": "Tiramisu", "price": 6}
    ]
  }
}`

const dim = 4

type fixture struct {
	repo        repository.Repository
	extractionQ queue.Queue
	indexingQ   queue.Queue
	fetcher     *mockpkg.Fetcher
	openai      *mockpkg.Provider
	gemini      *mockpkg.Provider
	embedder    *mockpkg.Embedder
	vectors     *mockpkg.VectorDatabase
	notifier    *mockpkg.Notifier
	worker      *Worker
}

func newTestDB(c *qt.C) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	c.Assert(err, qt.IsNil)

	sqlDB, err := db.DB()
	c.Assert(err, qt.IsNil)
	sqlDB.SetMaxOpenConns(1)
	c.Cleanup(func() { _ = sqlDB.Close() })

	c.Assert(db.AutoMigrate(repository.Models()...), qt.IsNil)
	return db
}

func newFixture(c *qt.C) *fixture {
	f := &fixture{
		repo:        repository.NewRepository(newTestDB(c)),
		extractionQ: queue.NewMemoryQueue("extraction", 16),
		indexingQ:   queue.NewMemoryQueue("indexing", 16),
		fetcher:     &mockpkg.Fetcher{},
		openai:      mockpkg.NewProvider(types.ProviderOpenAI),
		gemini:      mockpkg.NewProvider(types.ProviderGemini),
		embedder:    &mockpkg.Embedder{Dim: dim},
		vectors:     &mockpkg.VectorDatabase{},
		notifier:    &mockpkg.Notifier{},
	}

	reg, err := template.NewRegistry("")
	c.Assert(err, qt.IsNil)
	providers, err := ai.NewProviderSet(f.openai, f.gemini)
	c.Assert(err, qt.IsNil)

	adapter := extraction.NewAdapter(f.fetcher, providers, router.NewRouter(nil, nil), extraction.Config{
		MaxSourceBytes:  1 << 20,
		MaxInlineTokens: 10000,
		ProviderTimeout: time.Second,
	})

	f.worker, err = New(Config{
		Repository:        f.repo,
		ExtractionQueue:   f.extractionQ,
		IndexingQueue:     f.indexingQ,
		Registry:          reg,
		Extractor:         adapter,
		Embedder:          f.embedder,
		VectorDB:          f.vectors,
		Notifier:          f.notifier,
		ExtractionWorkers: 2,
		IndexingWorkers:   4,
		DequeueTimeout:    20 * time.Millisecond,
		TaskTimeout:       time.Minute,
		IndexingTimeout:   time.Minute,
		CollectionPrefix:  "tenant_",
	})
	c.Assert(err, qt.IsNil)

	c.Cleanup(func() {
		f.worker.notifications.Wait()
		f.fetcher.AssertExpectations(c)
		f.openai.AssertExpectations(c)
		f.gemini.AssertExpectations(c)
		f.embedder.AssertExpectations(c)
		f.vectors.AssertExpectations(c)
		f.notifier.AssertExpectations(c)
	})
	return f
}

func (f *fixture) createTask(c *qt.C, id string) *types.Task {
	task, err := f.repo.CreateTask(context.Background(), &types.Task{
		TaskID:       id,
		TenantID:     "tenant-1",
		Industry:     "restaurant",
		DataCategory: "products",
		SourceRef:    "minio://uploads/" + id + ".txt",
		FileName:     "menu.txt",
		MimeType:     "text/plain",
		CallbackURL:  "https://example.com/hook",
	})
	c.Assert(err, qt.IsNil)
	return task
}

// indexingTask creates a task that waits for indexing with the given items.
func (f *fixture) indexingTask(c *qt.C, id string, items ...types.StructuredItem) *types.Task {
	ctx := context.Background()
	f.createTask(c, id)

	_, err := f.repo.TransitionTo(ctx, id, types.TaskStatusExtracting, repository.TaskUpdate{})
	c.Assert(err, qt.IsNil)
	task, err := f.repo.TransitionTo(ctx, id, types.TaskStatusIndexing, repository.TaskUpdate{
		Result: &types.ExtractionResult{
			Items:          map[string][]types.StructuredItem{"products": items},
			ProviderUsed:   types.ProviderOpenAI,
			TemplateUsed:   "restaurant/products",
			EmbeddingField: "description",
			ItemCount:      len(items),
		},
	})
	c.Assert(err, qt.IsNil)
	return task
}

func (f *fixture) serveMenu(ref string) {
	f.fetcher.On("Fetch", mock.Anything, ref, mock.Anything).
		Return(&object.Object{Content: []byte(menuText), ContentType: "text/plain"}, nil).
		Once()
}

func (f *fixture) expectNotification(status types.TaskStatus) {
	f.notifier.On("Notify", mock.Anything, mock.MatchedBy(func(t *types.Task) bool {
		return t.Status == status
	})).Return(nil).Once()
}

func waitForTerminal(c *qt.C, repo repository.Repository, id string) *types.Task {
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := repo.GetTask(context.Background(), id)
		c.Assert(err, qt.IsNil)
		if task.Status.IsTerminal() {
			return task
		}
		if time.Now().After(deadline) {
			c.Fatalf("task %s still %s", id, task.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRun_TextRestaurantMenu(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	f.createTask(c, "t-1")
	f.serveMenu("minio://uploads/t-1.txt")
	f.openai.On("Generate", mock.Anything, mock.Anything).Return(mockpkg.Answer(menuAnswer), nil).Once()

	var texts []string
	f.embedder.On("EmbedTexts", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { texts = args.Get(1).([]string) }).
		Return(&ai.EmbedResult{Vectors: mockpkg.Vectors(3, dim), Dimensionality: dim}, nil).
		Once()

	var units []types.IndexUnit
	f.vectors.On("CreateCollection", mock.Anything, "tenant_tenant_1", int32(dim)).Return(nil).Once()
	f.vectors.On("UpsertUnits", mock.Anything, "tenant_tenant_1", mock.Anything).
		Run(func(args mock.Arguments) { units = args.Get(2).([]types.IndexUnit) }).
		Return(nil).
		Once()

	var notified *types.Task
	f.notifier.On("Notify", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { notified = args.Get(1).(*types.Task) }).
		Return(nil).
		Once()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	c.Assert(f.extractionQ.Enqueue(ctx, "t-1"), qt.IsNil)
	task := waitForTerminal(c, f.repo, "t-1")

	cancel()
	c.Assert(<-done, qt.IsNil)

	c.Check(task.Status, qt.Equals, types.TaskStatusCompleted)
	c.Check(task.Error, qt.Equals, (*types.TaskError)(nil))
	c.Assert(task.Result, qt.Not(qt.IsNil))
	c.Check(task.Result.ItemCount, qt.Equals, 3)
	c.Check(task.Result.InvalidItemCount, qt.Equals, 1)
	c.Check(task.Result.ProviderUsed, qt.Equals, types.ProviderOpenAI)
	c.Check(task.Result.TemplateUsed, qt.Equals, "restaurant/products")
	c.Check(task.StartTime, qt.Not(qt.IsNil))
	c.Check(task.CompleteTime, qt.Not(qt.IsNil))
	c.Check(task.ProgressNotes, qt.HasLen, 4)
	c.Check(task.ProgressNotes[3], qt.Equals, "Indexed 3 units.")

	c.Check(texts, qt.DeepEquals, []string{
		"Pizza with tomato, mozzarella and basil",
		"Pizza with spicy salami and chili",
		"name: Tiramisu\nprice: 6",
	})
	c.Assert(units, qt.HasLen, 3)
	c.Check(units[2].Payload["invalid"], qt.IsTrue)
	c.Check(units[2].Vector[0], qt.Equals, float32(3))

	c.Assert(notified, qt.Not(qt.IsNil))
	c.Check(notified.Status, qt.Equals, types.TaskStatusCompleted)
}

func TestProcessExtraction_SkipsUnclaimableTask(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()

	c.Run("already claimed", func(c *qt.C) {
		f.createTask(c, "t-1")
		_, err := f.repo.TransitionTo(ctx, "t-1", types.TaskStatusExtracting, repository.TaskUpdate{})
		c.Assert(err, qt.IsNil)

		c.Check(f.worker.processExtraction(ctx, "t-1"), qt.IsNil)

		task, err := f.repo.GetTask(ctx, "t-1")
		c.Assert(err, qt.IsNil)
		c.Check(task.Status, qt.Equals, types.TaskStatusExtracting)
	})

	c.Run("unknown task", func(c *qt.C) {
		c.Check(f.worker.processExtraction(ctx, "missing"), qt.IsNil)
	})
}

func TestProcessExtraction_SingleOwner(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()

	f.createTask(c, "t-1")
	f.serveMenu("minio://uploads/t-1.txt")
	f.openai.On("Generate", mock.Anything, mock.Anything).Return(mockpkg.Answer(menuAnswer), nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.worker.processExtraction(ctx, "t-1")
		}()
	}
	wg.Wait()

	f.openai.AssertNumberOfCalls(c, "Generate", 1)
	n, err := f.indexingQ.Len(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, int64(1))

	task, err := f.repo.GetTask(ctx, "t-1")
	c.Assert(err, qt.IsNil)
	c.Check(task.Status, qt.Equals, types.TaskStatusIndexing)
}

func TestProcessExtraction_Failures(t *testing.T) {
	ctx := context.Background()

	c := qt.New(t)

	c.Run("every provider rate limited", func(c *qt.C) {
		f := newFixture(c)
		f.createTask(c, "t-1")
		f.serveMenu("minio://uploads/t-1.txt")
		f.openai.On("Generate", mock.Anything, mock.Anything).Return(nil, ai.ErrRateLimited).Once()
		f.gemini.On("Generate", mock.Anything, mock.Anything).Return(nil, ai.ErrRateLimited).Once()
		f.expectNotification(types.TaskStatusFailed)

		c.Assert(f.worker.processExtraction(ctx, "t-1"), qt.IsNil)

		task, err := f.repo.GetTask(ctx, "t-1")
		c.Assert(err, qt.IsNil)
		c.Check(task.Status, qt.Equals, types.TaskStatusFailed)
		c.Check(task.Result, qt.IsNil)
		c.Assert(task.Error, qt.Not(qt.IsNil))
		c.Check(task.Error.Kind, qt.Equals, types.ErrorKindRateLimited)

		n, err := f.indexingQ.Len(ctx)
		c.Assert(err, qt.IsNil)
		c.Check(n, qt.Equals, int64(0))
	})

	c.Run("source missing", func(c *qt.C) {
		f := newFixture(c)
		f.createTask(c, "t-1")
		f.fetcher.On("Fetch", mock.Anything, "minio://uploads/t-1.txt", mock.Anything).
			Return(nil, errors.New("object not found")).
			Once()
		f.expectNotification(types.TaskStatusFailed)

		c.Assert(f.worker.processExtraction(ctx, "t-1"), qt.IsNil)

		task, err := f.repo.GetTask(ctx, "t-1")
		c.Assert(err, qt.IsNil)
		c.Check(task.Status, qt.Equals, types.TaskStatusFailed)
		c.Check(task.Error.Kind, qt.Equals, types.ErrorKindDownloadFailed)
		c.Check(task.ProgressNotes[len(task.ProgressNotes)-1], qt.Equals, "Task failed: DOWNLOAD_FAILED.")
	})
}

func TestProcessIndexing(t *testing.T) {
	ctx := context.Background()
	margherita := types.StructuredItem{Fields: map[string]any{"name": "Margherita", "description": "Pizza"}}
	tiramisu := types.StructuredItem{Fields: map[string]any{"name": "Tiramisu"}, Invalid: true}

	c := qt.New(t)

	c.Run("redelivery writes once and collections are created once", func(c *qt.C) {
		f := newFixture(c)
		f.indexingTask(c, "t-1", margherita)
		f.indexingTask(c, "t-2", margherita, tiramisu)

		f.embedder.On("EmbedTexts", mock.Anything, []string{"Pizza"}).
			Return(&ai.EmbedResult{Vectors: mockpkg.Vectors(1, dim)}, nil).Once()
		f.embedder.On("EmbedTexts", mock.Anything, []string{"Pizza", "name: Tiramisu"}).
			Return(&ai.EmbedResult{Vectors: mockpkg.Vectors(2, dim)}, nil).Once()
		f.vectors.On("CreateCollection", mock.Anything, "tenant_tenant_1", int32(dim)).Return(nil).Once()
		f.vectors.On("UpsertUnits", mock.Anything, "tenant_tenant_1", mock.Anything).Return(nil).Twice()
		f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil).Twice()

		c.Assert(f.worker.processIndexing(ctx, "t-1"), qt.IsNil)
		c.Assert(f.worker.processIndexing(ctx, "t-1"), qt.IsNil)
		c.Assert(f.worker.processIndexing(ctx, "t-2"), qt.IsNil)

		for _, id := range []string{"t-1", "t-2"} {
			task, err := f.repo.GetTask(ctx, id)
			c.Assert(err, qt.IsNil)
			c.Check(task.Status, qt.Equals, types.TaskStatusCompleted)
		}
	})

	c.Run("no items", func(c *qt.C) {
		f := newFixture(c)
		f.indexingTask(c, "t-1")
		f.expectNotification(types.TaskStatusCompleted)

		c.Assert(f.worker.processIndexing(ctx, "t-1"), qt.IsNil)

		task, err := f.repo.GetTask(ctx, "t-1")
		c.Assert(err, qt.IsNil)
		c.Check(task.Status, qt.Equals, types.TaskStatusCompleted)
	})

	failures := []struct {
		name     string
		embedErr error
		storeErr error
		want     types.ErrorKind
	}{
		{name: "storage error", storeErr: errors.New("collection unavailable"), want: types.ErrorKindStorageError},
		{name: "embedding error", embedErr: errors.New("bad request"), want: types.ErrorKindEmbeddingFailed},
		{name: "embedding rate limited", embedErr: ai.ErrRateLimited, want: types.ErrorKindRateLimited},
		{name: "embedding timeout", embedErr: context.DeadlineExceeded, want: types.ErrorKindTimeout},
	}

	for _, tc := range failures {
		c.Run(tc.name, func(c *qt.C) {
			f := newFixture(c)
			f.indexingTask(c, "t-1", margherita)

			if tc.embedErr != nil {
				f.embedder.On("EmbedTexts", mock.Anything, mock.Anything).Return(nil, tc.embedErr).Once()
			} else {
				f.embedder.On("EmbedTexts", mock.Anything, mock.Anything).
					Return(&ai.EmbedResult{Vectors: mockpkg.Vectors(1, dim)}, nil).Once()
				f.vectors.On("CreateCollection", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
				f.vectors.On("UpsertUnits", mock.Anything, mock.Anything, mock.Anything).Return(tc.storeErr).Once()
			}
			f.expectNotification(types.TaskStatusFailed)

			c.Assert(f.worker.processIndexing(ctx, "t-1"), qt.IsNil)

			task, err := f.repo.GetTask(ctx, "t-1")
			c.Assert(err, qt.IsNil)
			c.Check(task.Status, qt.Equals, types.TaskStatusFailed)
			c.Check(task.Error.Kind, qt.Equals, tc.want)
			// The extraction result is dropped with the failure.
			c.Check(task.Result, qt.IsNil)
		})
	}
}

func TestSweep(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()

	f.createTask(c, "queued")
	f.createTask(c, "stuck")
	_, err := f.repo.TransitionTo(ctx, "stuck", types.TaskStatusExtracting, repository.TaskUpdate{})
	c.Assert(err, qt.IsNil)

	n, err := f.worker.Sweep(ctx, time.Now())
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, 0)

	f.expectNotification(types.TaskStatusFailed)
	n, err = f.worker.Sweep(ctx, time.Now().Add(2*time.Minute))
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, 1)

	task, err := f.repo.GetTask(ctx, "stuck")
	c.Assert(err, qt.IsNil)
	c.Check(task.Status, qt.Equals, types.TaskStatusFailed)
	c.Check(task.Error.Kind, qt.Equals, types.ErrorKindTimeout)

	task, err = f.repo.GetTask(ctx, "queued")
	c.Assert(err, qt.IsNil)
	c.Check(task.Status, qt.Equals, types.TaskStatusQueued)

	c.Run("indexing task within its budget", func(c *qt.C) {
		f.indexingTask(c, "indexing", types.StructuredItem{Fields: map[string]any{"name": "A", "description": "a"}})

		// Past TaskTimeout but within TaskTimeout + IndexingTimeout.
		n, err := f.worker.Sweep(ctx, time.Now().Add(70*time.Second))
		c.Assert(err, qt.IsNil)
		c.Check(n, qt.Equals, 0)

		task, err := f.repo.GetTask(ctx, "indexing")
		c.Assert(err, qt.IsNil)
		c.Check(task.Status, qt.Equals, types.TaskStatusIndexing)

		f.expectNotification(types.TaskStatusFailed)
		n, err = f.worker.Sweep(ctx, time.Now().Add(3*time.Minute))
		c.Assert(err, qt.IsNil)
		c.Check(n, qt.Equals, 1)

		task, err = f.repo.GetTask(ctx, "indexing")
		c.Assert(err, qt.IsNil)
		c.Check(task.Status, qt.Equals, types.TaskStatusFailed)
		c.Check(task.Error.Message, qt.Equals, "task still INDEXING after 2m0s")
	})
}

func TestRelease(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)
	f.createTask(c, "t-1")
	c.Assert(f.extractionQ.Enqueue(ctx, "t-1"), qt.IsNil)

	id, err := f.extractionQ.Dequeue(ctx, time.Second)
	c.Assert(err, qt.IsNil)

	f.worker.release(ctx, f.extractionQ, id, errors.New("database unreachable"))

	again, err := f.extractionQ.Dequeue(ctx, time.Second)
	c.Assert(err, qt.IsNil)
	c.Check(again, qt.Equals, "t-1")

	task, err := f.repo.GetTask(ctx, "t-1")
	c.Assert(err, qt.IsNil)
	c.Check(task.Status, qt.Equals, types.TaskStatusQueued)
	c.Check(task.ProgressNotes[len(task.ProgressNotes)-1], qt.Equals, "Processing interrupted, task requeued.")
}

// livenessQueue counts the liveness calls made on a queue.
type livenessQueue struct {
	queue.Queue
	beats    atomic.Int32
	recovers atomic.Int32
}

func (q *livenessQueue) Heartbeat(ctx context.Context) error {
	q.beats.Add(1)
	return q.Queue.Heartbeat(ctx)
}

func (q *livenessQueue) Recover(ctx context.Context) (int, error) {
	q.recovers.Add(1)
	return q.Queue.Recover(ctx)
}

func TestRunHeartbeat(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	extractionQ := &livenessQueue{Queue: f.extractionQ}
	indexingQ := &livenessQueue{Queue: f.indexingQ}
	f.worker.cfg.ExtractionQueue = extractionQ
	f.worker.cfg.IndexingQueue = indexingQ
	f.worker.cfg.HeartbeatInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c.Assert(f.worker.runHeartbeat(ctx), qt.IsNil)

	for _, q := range []*livenessQueue{extractionQ, indexingQ} {
		c.Check(q.beats.Load() > 0, qt.IsTrue)
		c.Check(q.recovers.Load() > 0, qt.IsTrue)
	}
}

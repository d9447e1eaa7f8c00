package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/extraction-backend/pkg/types"

	errdomain "github.com/instill-ai/extraction-backend/pkg/errors"
)

func newTestDB(c *qt.C) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	c.Assert(err, qt.IsNil)

	// Every connection to :memory: opens a different database.
	sqlDB, err := db.DB()
	c.Assert(err, qt.IsNil)
	sqlDB.SetMaxOpenConns(1)
	c.Cleanup(func() { _ = sqlDB.Close() })

	c.Assert(db.AutoMigrate(Models()...), qt.IsNil)
	return db
}

func newTask(id string) *types.Task {
	return &types.Task{
		TaskID:       id,
		TenantID:     "tenant-1",
		Industry:     "restaurant",
		DataCategory: "products",
		SourceRef:    "minio://uploads/menu.txt",
		FileName:     "menu.txt",
		MimeType:     "text/plain",
		CallbackURL:  "https://example.com/hook",
	}
}

func TestCreateAndGetTask(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := NewRepository(newTestDB(c))

	got, err := repo.CreateTask(ctx, newTask("t-1"))
	c.Assert(err, qt.IsNil)
	c.Check(got.Status, qt.Equals, types.TaskStatusQueued)
	c.Check(got.TenantID, qt.Equals, "tenant-1")
	c.Check(got.CallbackURL, qt.Equals, "https://example.com/hook")
	c.Check(got.ProgressNotes, qt.DeepEquals, []string{"Task queued."})
	c.Check(got.Result, qt.IsNil)
	c.Check(got.Error, qt.Equals, (*types.TaskError)(nil))
	c.Check(got.StartTime, qt.IsNil)
	c.Check(got.CreateTime.IsZero(), qt.IsFalse)

	_, err = repo.CreateTask(ctx, newTask("t-1"))
	c.Check(err, qt.IsNotNil)

	_, err = repo.GetTask(ctx, "missing")
	c.Check(err, qt.ErrorIs, errdomain.ErrNotFound)

	_, err = repo.CreateTask(ctx, &types.Task{TaskID: "t-2"})
	c.Check(err, qt.ErrorIs, errdomain.ErrInvalidArgument)
}

func TestTransitionTo(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := NewRepository(newTestDB(c))

	result := &types.ExtractionResult{
		RawText:      "Margherita 9.50",
		ProviderUsed: types.ProviderOpenAI,
		TemplateUsed: "restaurant/products",
		Items: map[string][]types.StructuredItem{
			"products": {{Fields: map[string]any{"name": "Margherita", "price": 9.5}}},
		},
		ItemCount: 1,
	}

	c.Run("happy path", func(c *qt.C) {
		_, err := repo.CreateTask(ctx, newTask("ok"))
		c.Assert(err, qt.IsNil)

		got, err := repo.TransitionTo(ctx, "ok", types.TaskStatusExtracting, TaskUpdate{})
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.TaskStatusExtracting)
		c.Check(got.StartTime, qt.IsNotNil)

		got, err = repo.TransitionTo(ctx, "ok", types.TaskStatusIndexing, TaskUpdate{Result: result, Note: "Extracted 1 item with openai."})
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.TaskStatusIndexing)
		c.Check(got.Result, qt.DeepEquals, result)
		c.Check(got.CompleteTime, qt.IsNil)

		got, err = repo.TransitionTo(ctx, "ok", types.TaskStatusCompleted, TaskUpdate{Result: result})
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.TaskStatusCompleted)
		c.Check(got.CompleteTime, qt.IsNotNil)
		c.Check(got.Error, qt.Equals, (*types.TaskError)(nil))
		c.Check(got.ProgressNotes, qt.DeepEquals, []string{
			"Task queued.",
			"Extraction started.",
			"Extracted 1 item with openai.",
			"Task completed.",
		})
	})

	c.Run("terminal states are final", func(c *qt.C) {
		_, err := repo.TransitionTo(ctx, "ok", types.TaskStatusFailed, TaskUpdate{
			Error: &types.TaskError{Kind: types.ErrorKindTimeout, Message: "late"},
		})
		c.Check(err, qt.ErrorIs, errdomain.ErrInvalidTransition)

		got, err := repo.GetTask(ctx, "ok")
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.TaskStatusCompleted)
		c.Check(got.Error, qt.Equals, (*types.TaskError)(nil))
	})

	c.Run("skipping a state is rejected", func(c *qt.C) {
		_, err := repo.CreateTask(ctx, newTask("skip"))
		c.Assert(err, qt.IsNil)

		_, err = repo.TransitionTo(ctx, "skip", types.TaskStatusIndexing, TaskUpdate{Result: result})
		c.Check(err, qt.ErrorIs, errdomain.ErrInvalidTransition)
		_, err = repo.TransitionTo(ctx, "skip", types.TaskStatusQueued, TaskUpdate{})
		c.Check(err, qt.ErrorIs, errdomain.ErrInvalidTransition)
	})

	c.Run("failure from queued", func(c *qt.C) {
		_, err := repo.CreateTask(ctx, newTask("fail"))
		c.Assert(err, qt.IsNil)

		taskErr := &types.TaskError{Kind: types.ErrorKindInternal, Message: "enqueue failed"}
		got, err := repo.TransitionTo(ctx, "fail", types.TaskStatusFailed, TaskUpdate{Error: taskErr})
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.TaskStatusFailed)
		c.Check(got.Error, qt.DeepEquals, taskErr)
		c.Check(got.Result, qt.IsNil)
		c.Check(got.CompleteTime, qt.IsNotNil)
	})

	c.Run("failure while indexing drops the result", func(c *qt.C) {
		_, err := repo.CreateTask(ctx, newTask("index-fail"))
		c.Assert(err, qt.IsNil)
		_, err = repo.TransitionTo(ctx, "index-fail", types.TaskStatusExtracting, TaskUpdate{})
		c.Assert(err, qt.IsNil)
		_, err = repo.TransitionTo(ctx, "index-fail", types.TaskStatusIndexing, TaskUpdate{Result: result})
		c.Assert(err, qt.IsNil)

		taskErr := &types.TaskError{Kind: types.ErrorKindStorageError, Message: "milvus down"}
		got, err := repo.TransitionTo(ctx, "index-fail", types.TaskStatusFailed, TaskUpdate{Error: taskErr})
		c.Assert(err, qt.IsNil)
		c.Check(got.Error, qt.DeepEquals, taskErr)
		c.Check(got.Result, qt.IsNil)
	})

	c.Run("outcome must match the terminal status", func(c *qt.C) {
		_, err := repo.TransitionTo(ctx, "skip", types.TaskStatusFailed, TaskUpdate{})
		c.Check(err, qt.ErrorIs, errdomain.ErrInvalidArgument)
		_, err = repo.TransitionTo(ctx, "skip", types.TaskStatusCompleted, TaskUpdate{
			Result: result,
			Error:  &types.TaskError{Kind: types.ErrorKindInternal},
		})
		c.Check(err, qt.ErrorIs, errdomain.ErrInvalidArgument)
	})

	c.Run("unknown task", func(c *qt.C) {
		_, err := repo.TransitionTo(ctx, "missing", types.TaskStatusExtracting, TaskUpdate{})
		c.Check(err, qt.ErrorIs, errdomain.ErrNotFound)
	})
}

func TestTransitionTo_SingleOwner(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := NewRepository(newTestDB(c))

	_, err := repo.CreateTask(ctx, newTask("race"))
	c.Assert(err, qt.IsNil)

	const contenders = 4
	errs := make([]error, contenders)
	var wg sync.WaitGroup
	for i := range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = repo.TransitionTo(ctx, "race", types.TaskStatusExtracting, TaskUpdate{})
		}()
	}
	wg.Wait()

	var won int
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		c.Check(err, qt.ErrorIs, errdomain.ErrInvalidTransition)
	}
	c.Check(won, qt.Equals, 1)

	got, err := repo.GetTask(ctx, "race")
	c.Assert(err, qt.IsNil)
	c.Check(got.ProgressNotes, qt.HasLen, 2)
}

func TestAppendProgress(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := NewRepository(newTestDB(c))

	_, err := repo.CreateTask(ctx, newTask("p"))
	c.Assert(err, qt.IsNil)

	c.Assert(repo.AppendProgress(ctx, "p", "Trying gemini."), qt.IsNil)
	got, err := repo.GetTask(ctx, "p")
	c.Assert(err, qt.IsNil)
	c.Check(got.ProgressNotes, qt.DeepEquals, []string{"Task queued.", "Trying gemini."})
	c.Check(got.Status, qt.Equals, types.TaskStatusQueued)

	c.Check(repo.AppendProgress(ctx, "missing", "x"), qt.ErrorIs, errdomain.ErrNotFound)
}

func TestListStaleTasksAndCount(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	db := newTestDB(c)
	repo := NewRepository(db)

	for _, id := range []string{"old", "fresh", "queued"} {
		_, err := repo.CreateTask(ctx, newTask(id))
		c.Assert(err, qt.IsNil)
	}
	for _, id := range []string{"old", "fresh"} {
		_, err := repo.TransitionTo(ctx, id, types.TaskStatusExtracting, TaskUpdate{})
		c.Assert(err, qt.IsNil)
	}

	past := time.Now().UTC().Add(-time.Hour)
	c.Assert(db.Model(&TaskModel{}).Where("task_id = ?", "old").Update(TaskColumn.StartTime, past).Error, qt.IsNil)

	stale, err := repo.ListStaleTasks(ctx,
		[]types.TaskStatus{types.TaskStatusExtracting, types.TaskStatusIndexing},
		time.Now().Add(-10*time.Minute), 10)
	c.Assert(err, qt.IsNil)
	c.Assert(stale, qt.HasLen, 1)
	c.Check(stale[0].TaskID, qt.Equals, "old")

	n, err := repo.CountTasksByStatus(ctx, types.TaskStatusQueued)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, int64(1))

	n, err = repo.CountTasksByStatus(ctx, types.TaskStatusQueued, types.TaskStatusExtracting)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, int64(3))
}

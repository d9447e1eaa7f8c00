package service

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/extraction-backend/pkg/queue"
	"github.com/instill-ai/extraction-backend/pkg/repository"
	"github.com/instill-ai/extraction-backend/pkg/types"

	errdomain "github.com/instill-ai/extraction-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

func newTestRepository(c *qt.C) repository.Repository {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	c.Assert(err, qt.IsNil)

	sqlDB, err := db.DB()
	c.Assert(err, qt.IsNil)
	sqlDB.SetMaxOpenConns(1)
	c.Cleanup(func() { _ = sqlDB.Close() })

	c.Assert(db.AutoMigrate(repository.Models()...), qt.IsNil)
	return repository.NewRepository(db)
}

func validRequest() *SubmitRequest {
	return &SubmitRequest{
		TenantID:    "tenant-1",
		SourceRef:   "minio://uploads/acme/menu.pdf",
		FileSize:    2 << 20,
		Industry:    "restaurant",
		CallbackURL: "https://example.com/hook",
	}
}

func TestService_Submit(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	repo := newTestRepository(c)
	q := queue.NewMemoryQueue("extraction", 1)
	s := NewService(repo, q, Config{ExtractionWorkers: 2})

	resp, err := s.Submit(ctx, validRequest())
	c.Assert(err, qt.IsNil)
	c.Check(resp.TaskID, qt.HasLen, 36)
	c.Check(resp.EstimatedSeconds, qt.Equals, EstimateSeconds("application/pdf", 2<<20, 0, 2))

	task, err := repo.GetTask(ctx, resp.TaskID)
	c.Assert(err, qt.IsNil)
	c.Check(task.Status, qt.Equals, types.TaskStatusQueued)
	c.Check(task.Industry, qt.Equals, "restaurant")
	c.Check(task.DataCategory, qt.Equals, "auto")
	c.Check(task.FileName, qt.Equals, "menu.pdf")
	c.Check(task.MimeType, qt.Equals, "application/pdf")
	c.Check(task.CallbackURL, qt.Equals, "https://example.com/hook")

	queued, err := q.Dequeue(ctx, time.Second)
	c.Assert(err, qt.IsNil)
	c.Check(queued, qt.Equals, resp.TaskID)

	c.Run("enqueue failure fails the task", func(c *qt.C) {
		// Fill the queue so that the next submission can't be enqueued.
		c.Assert(q.Enqueue(ctx, "other"), qt.IsNil)

		_, err := s.Submit(ctx, validRequest())
		c.Check(err, qt.ErrorIs, queue.ErrQueueFull)
		c.Check(errorsx.Message(err), qt.Equals, "The task couldn't be queued, please retry later.")

		n, err := repo.CountTasksByStatus(ctx, types.TaskStatusQueued)
		c.Assert(err, qt.IsNil)
		c.Check(n, qt.Equals, int64(1))
		n, err = repo.CountTasksByStatus(ctx, types.TaskStatusFailed)
		c.Assert(err, qt.IsNil)
		c.Check(n, qt.Equals, int64(1))
	})
}

func TestService_SubmitValidation(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	repo := newTestRepository(c)
	s := NewService(repo, queue.NewMemoryQueue("extraction", 8), Config{})

	tests := []struct {
		name    string
		modify  func(*SubmitRequest)
		wantMsg string
	}{
		{
			name:    "missing tenant",
			modify:  func(r *SubmitRequest) { r.TenantID = "" },
			wantMsg: "tenant_id is required.",
		},
		{
			name:    "missing source and tenant",
			modify:  func(r *SubmitRequest) { r.TenantID, r.SourceRef = "", "" },
			wantMsg: "tenant_id is required. source_ref is required.",
		},
		{
			name:    "bad callback",
			modify:  func(r *SubmitRequest) { r.CallbackURL = "not a url" },
			wantMsg: "callback_url must be a valid URL.",
		},
		{
			name:    "negative size",
			modify:  func(r *SubmitRequest) { r.FileSize = -1 },
			wantMsg: "file_size must be greater than or equal to 0.",
		},
		{
			name:    "source without scheme",
			modify:  func(r *SubmitRequest) { r.SourceRef = "menu.pdf" },
			wantMsg: "source_ref must be a URL such as minio://bucket/path/file.pdf.",
		},
	}

	for _, tc := range tests {
		c.Run(tc.name, func(c *qt.C) {
			req := validRequest()
			tc.modify(req)

			_, err := s.Submit(ctx, req)
			c.Check(err, qt.ErrorIs, errdomain.ErrInvalidArgument)
			c.Check(errorsx.Message(err), qt.Equals, tc.wantMsg)
		})
	}

	_, err := s.Submit(ctx, nil)
	c.Check(err, qt.ErrorIs, errdomain.ErrInvalidArgument)

	n, err := repo.CountTasksByStatus(ctx, types.TaskStatusQueued, types.TaskStatusFailed)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, int64(0))
}

func TestService_GetStatusAndResult(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	repo := newTestRepository(c)
	s := NewService(repo, queue.NewMemoryQueue("extraction", 8), Config{})

	req := validRequest()
	req.SourceRef = "minio://uploads/acme/menu.txt"
	resp, err := s.Submit(ctx, req)
	c.Assert(err, qt.IsNil)

	status, err := s.GetStatus(ctx, resp.TaskID)
	c.Assert(err, qt.IsNil)
	c.Check(status.Status, qt.Equals, types.TaskStatusQueued)
	c.Check(status.ProgressNotes, qt.DeepEquals, []string{"Task queued."})

	_, err = s.GetResult(ctx, resp.TaskID)
	c.Check(err, qt.ErrorIs, errdomain.ErrNotReady)

	_, err = s.GetStatus(ctx, "missing")
	c.Check(err, qt.ErrorIs, errdomain.ErrNotFound)
	_, err = s.GetResult(ctx, "missing")
	c.Check(err, qt.ErrorIs, errdomain.ErrNotFound)

	taskErr := &types.TaskError{Kind: types.ErrorKindDownloadFailed, Message: "object not found"}
	_, err = repo.TransitionTo(ctx, resp.TaskID, types.TaskStatusFailed, repository.TaskUpdate{Error: taskErr})
	c.Assert(err, qt.IsNil)

	result, err := s.GetResult(ctx, resp.TaskID)
	c.Assert(err, qt.IsNil)
	c.Check(result.Status, qt.Equals, types.TaskStatusFailed)
	c.Check(result.Error, qt.DeepEquals, taskErr)
	c.Check(result.Result, qt.IsNil)
	c.Check(result.CompleteTime, qt.IsNotNil)
}

func TestService_SubmitAndWait(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	repo := newTestRepository(c)
	q := queue.NewMemoryQueue("extraction", 8)
	s := NewService(repo, q, Config{WaitPollInterval: 10 * time.Millisecond})

	extracted := &types.ExtractionResult{
		Items: map[string][]types.StructuredItem{
			"products": {{Fields: map[string]any{"name": "Margherita", "description": "Pizza"}}},
		},
		ProviderUsed: types.ProviderGemini,
		TemplateUsed: "restaurant/generic",
		ItemCount:    1,
	}

	// Play the worker pools.
	go func() {
		id, err := q.Dequeue(ctx, 5*time.Second)
		if err != nil {
			return
		}
		_, _ = repo.TransitionTo(ctx, id, types.TaskStatusExtracting, repository.TaskUpdate{})
		_, _ = repo.TransitionTo(ctx, id, types.TaskStatusIndexing, repository.TaskUpdate{Result: extracted})
		_, _ = repo.TransitionTo(ctx, id, types.TaskStatusCompleted, repository.TaskUpdate{Result: extracted})
	}()

	got, err := s.SubmitAndWait(ctx, validRequest())
	c.Assert(err, qt.IsNil)
	c.Check(got.Status, qt.Equals, types.TaskStatusCompleted)
	c.Check(got.Result, qt.DeepEquals, extracted)
	c.Check(got.Error, qt.Equals, (*types.TaskError)(nil))

	c.Run("caller gives up", func(c *qt.C) {
		ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := s.SubmitAndWait(ctx, validRequest())
		c.Check(err, qt.ErrorIs, context.DeadlineExceeded)
	})
}

func TestEstimateSeconds(t *testing.T) {
	c := qt.New(t)

	c.Check(EstimateSeconds("text/plain", 0, 0, 2), qt.Equals, 15)
	c.Check(EstimateSeconds("application/pdf", 4<<20, 0, 2), qt.Equals, 43)
	c.Check(EstimateSeconds("application/pdf", 4<<20, 3, 2), qt.Equals, 63)
	c.Check(EstimateSeconds("image/png", -1, -1, 0), qt.Equals, 35)
}

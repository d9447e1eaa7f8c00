package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/instill-ai/extraction-backend/pkg/constant"
	"github.com/instill-ai/extraction-backend/pkg/logger"
	"github.com/instill-ai/extraction-backend/pkg/repository"
	"github.com/instill-ai/extraction-backend/pkg/repository/object"
	"github.com/instill-ai/extraction-backend/pkg/router"
	"github.com/instill-ai/extraction-backend/pkg/types"

	errdomain "github.com/instill-ai/extraction-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// SubmitRequest asks for the extraction of one source file.
type SubmitRequest struct {
	TenantID  string `json:"tenant_id" validate:"required,max=255"`
	SourceRef string `json:"source_ref" validate:"required"`
	FileName  string `json:"file_name" validate:"max=1024"`
	FileSize  int64  `json:"file_size" validate:"gte=0"`
	MimeType  string `json:"mime_type"`
	// Industry and DataCategory select the extraction template. They
	// default to "generic" and "auto".
	Industry     string `json:"industry"`
	DataCategory string `json:"data_category"`
	CallbackURL  string `json:"callback_url" validate:"omitempty,url"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	TaskID           string `json:"task_id"`
	EstimatedSeconds int    `json:"estimated_seconds"`
}

// StatusResponse reports the progress of a task.
type StatusResponse struct {
	TaskID        string           `json:"task_id"`
	Status        types.TaskStatus `json:"status"`
	ProgressNotes []string         `json:"progress_notes"`
	CreateTime    time.Time        `json:"create_time"`
	UpdateTime    time.Time        `json:"update_time"`
}

// ResultResponse is the outcome of a terminal task. Exactly one of Result
// and Error is set.
type ResultResponse struct {
	TaskID       string                  `json:"task_id"`
	Status       types.TaskStatus        `json:"status"`
	Result       *types.ExtractionResult `json:"result,omitempty"`
	Error        *types.TaskError        `json:"error,omitempty"`
	CompleteTime *time.Time              `json:"complete_time,omitempty"`
}

// Submit validates and records a task, then queues it for extraction. A
// rejected request creates nothing.
func (s *service) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	taskUID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating task id: %w", err)
	}
	task := newTask(taskUID.String(), req)
	logger := logger.ForTask(ctx, task.TaskID, task.TenantID)

	queued, err := s.repository.CountTasksByStatus(ctx, types.TaskStatusQueued)
	if err != nil {
		logger.Warn("Counting queued tasks failed", zap.Error(err))
	}

	task, err = s.repository.CreateTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	if err := s.extractionQueue.Enqueue(ctx, task.TaskID); err != nil {
		// The task must not stay queued without a queue entry.
		_, ferr := s.repository.TransitionTo(context.WithoutCancel(ctx), task.TaskID, types.TaskStatusFailed, repository.TaskUpdate{
			Error: &types.TaskError{
				Kind:    types.ErrorKindInternal,
				Message: fmt.Sprintf("enqueuing task: %v", err),
			},
		})
		if ferr != nil {
			logger.Error("Failing unqueued task failed", zap.Error(ferr))
		}
		return nil, errorsx.AddMessage(
			fmt.Errorf("enqueuing task: %w", err),
			"The task couldn't be queued, please retry later.",
		)
	}

	logger.Info("Task submitted",
		zap.String("source_ref", task.SourceRef),
		zap.String("mime_type", task.MimeType),
		zap.Int64("queued", queued))

	return &SubmitResponse{
		TaskID:           task.TaskID,
		EstimatedSeconds: EstimateSeconds(task.MimeType, task.FileSize, queued, s.cfg.ExtractionWorkers),
	}, nil
}

func (s *service) validateRequest(req *SubmitRequest) error {
	if req == nil {
		return errorsx.AddMessage(
			fmt.Errorf("empty request: %w", errdomain.ErrInvalidArgument),
			"A submission is required.",
		)
	}

	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validating request: %w", err)
		}

		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fieldErrorMessage(fe))
		}
		msg := strings.Join(msgs, " ")
		return errorsx.AddMessage(fmt.Errorf("%s: %w", msg, errdomain.ErrInvalidArgument), msg)
	}

	if _, err := object.ParseRef(req.SourceRef); err != nil {
		return errorsx.AddMessage(
			fmt.Errorf("%w: %w", err, errdomain.ErrInvalidArgument),
			"source_ref must be a URL such as minio://bucket/path/file.pdf.",
		)
	}
	return nil
}

func fieldErrorMessage(fe validator.FieldError) string {
	field := jsonName(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required."
	case "url":
		return field + " must be a valid URL."
	case "max":
		return fmt.Sprintf("%s must be at most %s characters long.", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s.", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s).", field, fe.Tag())
	}
}

var jsonNames = map[string]string{
	"TenantID":    "tenant_id",
	"SourceRef":   "source_ref",
	"FileName":    "file_name",
	"FileSize":    "file_size",
	"CallbackURL": "callback_url",
}

func jsonName(field string) string {
	if n, ok := jsonNames[field]; ok {
		return n
	}
	return field
}

func newTask(taskID string, req *SubmitRequest) *types.Task {
	industry := strings.TrimSpace(req.Industry)
	if industry == "" {
		industry = constant.DefaultIndustry
	}
	category := strings.TrimSpace(req.DataCategory)
	if category == "" {
		category = constant.DefaultDataCategory
	}

	fileName := strings.TrimSpace(req.FileName)
	if fileName == "" {
		if ref, err := object.ParseRef(req.SourceRef); err == nil {
			fileName = path.Base(ref.Path)
		}
	}

	mimeType := router.NormalizeMIME(req.MimeType)
	if mimeType == "" {
		mimeType = router.DetectMIME(fileName)
	}

	return &types.Task{
		TaskID:       taskID,
		TenantID:     strings.TrimSpace(req.TenantID),
		Industry:     industry,
		DataCategory: category,
		SourceRef:    req.SourceRef,
		FileName:     fileName,
		FileSize:     req.FileSize,
		MimeType:     mimeType,
		CallbackURL:  req.CallbackURL,
	}
}

// GetStatus returns the status and progress notes of a task.
func (s *service) GetStatus(ctx context.Context, taskID string) (*StatusResponse, error) {
	task, err := s.repository.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("fetching task: %w", err)
	}

	notes := task.ProgressNotes
	if notes == nil {
		notes = []string{}
	}
	return &StatusResponse{
		TaskID:        task.TaskID,
		Status:        task.Status,
		ProgressNotes: notes,
		CreateTime:    task.CreateTime,
		UpdateTime:    task.UpdateTime,
	}, nil
}

// GetResult returns the outcome of a terminal task, or ErrNotReady.
func (s *service) GetResult(ctx context.Context, taskID string) (*ResultResponse, error) {
	task, err := s.repository.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("fetching task: %w", err)
	}
	if !task.Status.IsTerminal() {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, errdomain.ErrNotReady)
	}
	return resultResponse(task), nil
}

// SubmitAndWait submits a task and blocks until it's terminal or ctx is
// done. The task is processed by the worker pools like any other.
func (s *service) SubmitAndWait(ctx context.Context, req *SubmitRequest) (*ResultResponse, error) {
	submitted, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(s.cfg.WaitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, errorsx.AddMessage(
				fmt.Errorf("waiting for task %s: %w", submitted.TaskID, ctx.Err()),
				fmt.Sprintf("Task %s is still being processed, poll its status.", submitted.TaskID),
			)
		case <-ticker.C:
		}

		task, err := s.repository.GetTask(ctx, submitted.TaskID)
		if err != nil {
			return nil, fmt.Errorf("fetching task: %w", err)
		}
		if task.Status.IsTerminal() {
			return resultResponse(task), nil
		}
	}
}

func resultResponse(task *types.Task) *ResultResponse {
	return &ResultResponse{
		TaskID:       task.TaskID,
		Status:       task.Status,
		Result:       task.Result,
		Error:        task.Error,
		CompleteTime: task.CompleteTime,
	}
}

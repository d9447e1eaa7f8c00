package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/instill-ai/extraction-backend/pkg/types"

	errdomain "github.com/instill-ai/extraction-backend/pkg/errors"
)

const (
	// TaskTableName is the table name for extraction tasks
	TaskTableName = "extraction_task"
	// TaskProgressTableName is the table name for the progress notes of a
	// task. Rows are only ever inserted.
	TaskProgressTableName = "extraction_task_progress"
)

// TaskStore persists extraction tasks and guards their status machine.
type TaskStore interface {
	CreateTask(ctx context.Context, task *types.Task) (*types.Task, error)
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	// TransitionTo moves a task into status `to` if, and only if, its current
	// status is one of to.Predecessors(). The update and the progress note
	// are written in a single transaction.
	TransitionTo(ctx context.Context, taskID string, to types.TaskStatus, update TaskUpdate) (*types.Task, error)
	AppendProgress(ctx context.Context, taskID, note string) error
	// ListStaleTasks returns tasks in one of the given statuses whose start
	// time is before startedBefore, oldest first. Progress notes aren't
	// loaded.
	ListStaleTasks(ctx context.Context, statuses []types.TaskStatus, startedBefore time.Time, limit int) ([]*types.Task, error)
	CountTasksByStatus(ctx context.Context, statuses ...types.TaskStatus) (int64, error)
}

// TaskUpdate carries the data written along with a status transition.
type TaskUpdate struct {
	// Note is appended to the task progress. A default note is used when
	// empty.
	Note   string
	Result *types.ExtractionResult
	Error  *types.TaskError
}

// TaskModel is the persisted form of an extraction task.
type TaskModel struct {
	TaskID       string `gorm:"column:task_id;size:36;primaryKey" json:"task_id"`
	TenantID     string `gorm:"column:tenant_id;size:255;not null;index" json:"tenant_id"`
	Industry     string `gorm:"column:industry;size:100;not null" json:"industry"`
	DataCategory string `gorm:"column:data_category;size:100;not null" json:"data_category"`
	SourceRef    string `gorm:"column:source_ref;not null" json:"source_ref"`
	FileName     string `gorm:"column:file_name;size:255" json:"file_name"`
	FileSize     int64  `gorm:"column:file_size" json:"file_size"`
	// MIME type
	MimeType    string         `gorm:"column:mime_type;size:255" json:"mime_type"`
	Status      string         `gorm:"column:status;size:32;not null;index" json:"status"`
	Result      datatypes.JSON `gorm:"column:result" json:"result"`
	Error       datatypes.JSON `gorm:"column:error" json:"error"`
	CallbackURL string         `gorm:"column:callback_url" json:"callback_url"`

	CreateTime   *time.Time `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
	UpdateTime   *time.Time `gorm:"column:update_time;not null;default:CURRENT_TIMESTAMP" json:"update_time"`
	StartTime    *time.Time `gorm:"column:start_time;index" json:"start_time"`
	CompleteTime *time.Time `gorm:"column:complete_time" json:"complete_time"`
}

// TableName overrides the default table name for GORM
func (TaskModel) TableName() string {
	return TaskTableName
}

// TaskProgressModel is a progress note of a task.
type TaskProgressModel struct {
	ID         uint64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TaskID     string     `gorm:"column:task_id;size:36;not null;index" json:"task_id"`
	Status     string     `gorm:"column:status;size:32;not null" json:"status"`
	Note       string     `gorm:"column:note;not null" json:"note"`
	CreateTime *time.Time `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
}

// TableName overrides the default table name for GORM
func (TaskProgressModel) TableName() string {
	return TaskProgressTableName
}

// TaskColumns are the column names of the task table.
type TaskColumns struct {
	TaskID       string
	TenantID     string
	Status       string
	Result       string
	Error        string
	UpdateTime   string
	StartTime    string
	CompleteTime string
}

// TaskColumn holds the column names of the task table.
var TaskColumn = TaskColumns{
	TaskID:       "task_id",
	TenantID:     "tenant_id",
	Status:       "status",
	Result:       "result",
	Error:        "error",
	UpdateTime:   "update_time",
	StartTime:    "start_time",
	CompleteTime: "complete_time",
}

// CreateTask inserts a task in QUEUED status along with its first progress
// note.
func (r *repository) CreateTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	if task.TaskID == "" {
		return nil, fmt.Errorf("task_id is required: %w", errdomain.ErrInvalidArgument)
	}
	if task.TenantID == "" {
		return nil, fmt.Errorf("tenant_id is required: %w", errdomain.ErrInvalidArgument)
	}

	now := time.Now().UTC()
	m := TaskModel{
		TaskID:       task.TaskID,
		TenantID:     task.TenantID,
		Industry:     task.Industry,
		DataCategory: task.DataCategory,
		SourceRef:    task.SourceRef,
		FileName:     task.FileName,
		FileSize:     task.FileSize,
		MimeType:     task.MimeType,
		Status:       types.TaskStatusQueued.String(),
		CallbackURL:  task.CallbackURL,
		CreateTime:   &now,
		UpdateTime:   &now,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("creating task: %w", err)
		}
		return tx.Create(&TaskProgressModel{
			TaskID:     m.TaskID,
			Status:     m.Status,
			Note:       defaultNote(types.TaskStatusQueued),
			CreateTime: &now,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	return r.GetTask(ctx, m.TaskID)
}

// GetTask returns a task with its progress notes in insertion order.
func (r *repository) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	db := r.db.WithContext(ctx)

	var m TaskModel
	where := fmt.Sprintf("%s = ?", TaskColumn.TaskID)
	if err := db.Where(where, taskID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task %s: %w", taskID, errdomain.ErrNotFound)
		}
		return nil, fmt.Errorf("fetching task: %w", err)
	}

	var notes []string
	if err := db.Model(&TaskProgressModel{}).
		Where(where, taskID).
		Order("id").
		Pluck("note", &notes).Error; err != nil {
		return nil, fmt.Errorf("fetching task progress: %w", err)
	}

	task, err := m.toTask()
	if err != nil {
		return nil, err
	}
	task.ProgressNotes = notes
	return task, nil
}

// TransitionTo implements TaskStore. A transition whose source state doesn't
// match returns ErrInvalidTransition, an unknown task ErrNotFound. Terminal
// transitions must carry exactly one of Result (COMPLETED) or Error
// (FAILED).
func (r *repository) TransitionTo(ctx context.Context, taskID string, to types.TaskStatus, update TaskUpdate) (*types.Task, error) {
	preds := to.Predecessors()
	if len(preds) == 0 {
		return nil, fmt.Errorf("no transition leads to %s: %w", to, errdomain.ErrInvalidTransition)
	}
	if err := checkUpdate(to, update); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	values := map[string]any{
		TaskColumn.Status:     to.String(),
		TaskColumn.UpdateTime: now,
	}
	switch {
	case to == types.TaskStatusExtracting:
		values[TaskColumn.StartTime] = now
	case to.IsTerminal():
		values[TaskColumn.CompleteTime] = now
	}
	// An indexing task already holds its extraction result.
	if to == types.TaskStatusFailed {
		values[TaskColumn.Result] = gorm.Expr("NULL")
	}
	if update.Result != nil {
		b, err := json.Marshal(update.Result)
		if err != nil {
			return nil, fmt.Errorf("marshalling result: %w", err)
		}
		values[TaskColumn.Result] = datatypes.JSON(b)
	}
	if update.Error != nil {
		b, err := json.Marshal(update.Error)
		if err != nil {
			return nil, fmt.Errorf("marshalling error: %w", err)
		}
		values[TaskColumn.Error] = datatypes.JSON(b)
	}

	note := update.Note
	if note == "" {
		note = defaultNote(to)
	}

	from := make([]string, len(preds))
	for i, p := range preds {
		from[i] = p.String()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		where := fmt.Sprintf("%s = ? AND %s IN ?", TaskColumn.TaskID, TaskColumn.Status)
		result := tx.Model(&TaskModel{}).Where(where, taskID, from).Updates(values)
		if result.Error != nil {
			return fmt.Errorf("updating task status: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&TaskModel{}).Where(fmt.Sprintf("%s = ?", TaskColumn.TaskID), taskID).Count(&count).Error; err != nil {
				return fmt.Errorf("checking task existence: %w", err)
			}
			if count == 0 {
				return fmt.Errorf("task %s: %w", taskID, errdomain.ErrNotFound)
			}
			return fmt.Errorf("task %s to %s: %w", taskID, to, errdomain.ErrInvalidTransition)
		}

		return tx.Create(&TaskProgressModel{
			TaskID:     taskID,
			Status:     to.String(),
			Note:       note,
			CreateTime: &now,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	return r.GetTask(ctx, taskID)
}

// AppendProgress adds a note to the task progress without changing its
// status.
func (r *repository) AppendProgress(ctx context.Context, taskID, note string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m TaskModel
		where := fmt.Sprintf("%s = ?", TaskColumn.TaskID)
		if err := tx.Select(TaskColumn.TaskID, TaskColumn.Status).Where(where, taskID).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("task %s: %w", taskID, errdomain.ErrNotFound)
			}
			return fmt.Errorf("fetching task: %w", err)
		}

		now := time.Now().UTC()
		return tx.Create(&TaskProgressModel{
			TaskID:     taskID,
			Status:     m.Status,
			Note:       note,
			CreateTime: &now,
		}).Error
	})
}

// ListStaleTasks implements TaskStore.
func (r *repository) ListStaleTasks(ctx context.Context, statuses []types.TaskStatus, startedBefore time.Time, limit int) ([]*types.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	var models []TaskModel
	where := fmt.Sprintf("%s IN ? AND %s < ?", TaskColumn.Status, TaskColumn.StartTime)
	q := r.db.WithContext(ctx).
		Where(where, statusStrings(statuses), startedBefore.UTC()).
		Order(TaskColumn.StartTime)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing stale tasks: %w", err)
	}

	tasks := make([]*types.Task, 0, len(models))
	for _, m := range models {
		t, err := m.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// CountTasksByStatus returns the number of tasks in any of the given
// statuses.
func (r *repository) CountTasksByStatus(ctx context.Context, statuses ...types.TaskStatus) (int64, error) {
	var count int64
	where := fmt.Sprintf("%s IN ?", TaskColumn.Status)
	if err := r.db.WithContext(ctx).Model(&TaskModel{}).Where(where, statusStrings(statuses)).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting tasks: %w", err)
	}
	return count, nil
}

func checkUpdate(to types.TaskStatus, update TaskUpdate) error {
	switch to {
	case types.TaskStatusCompleted:
		if update.Result == nil || update.Error != nil {
			return fmt.Errorf("a completed task must carry a result and no error: %w", errdomain.ErrInvalidArgument)
		}
	case types.TaskStatusFailed:
		if update.Error == nil || update.Result != nil {
			return fmt.Errorf("a failed task must carry an error and no result: %w", errdomain.ErrInvalidArgument)
		}
	case types.TaskStatusExtracting:
		if update.Result != nil || update.Error != nil {
			return fmt.Errorf("a task starting extraction carries no outcome: %w", errdomain.ErrInvalidArgument)
		}
	case types.TaskStatusIndexing:
		if update.Error != nil {
			return fmt.Errorf("an indexing task carries no error: %w", errdomain.ErrInvalidArgument)
		}
	}
	return nil
}

func defaultNote(s types.TaskStatus) string {
	switch s {
	case types.TaskStatusQueued:
		return "Task queued."
	case types.TaskStatusExtracting:
		return "Extraction started."
	case types.TaskStatusIndexing:
		return "Extraction finished, indexing items."
	case types.TaskStatusCompleted:
		return "Task completed."
	case types.TaskStatusFailed:
		return "Task failed."
	default:
		return string(s)
	}
}

func statusStrings(statuses []types.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = s.String()
	}
	return out
}

func (m *TaskModel) toTask() (*types.Task, error) {
	t := &types.Task{
		TaskID:       m.TaskID,
		TenantID:     m.TenantID,
		Industry:     m.Industry,
		DataCategory: m.DataCategory,
		SourceRef:    m.SourceRef,
		FileName:     m.FileName,
		FileSize:     m.FileSize,
		MimeType:     m.MimeType,
		Status:       types.TaskStatus(m.Status),
		CallbackURL:  m.CallbackURL,
		StartTime:    m.StartTime,
		CompleteTime: m.CompleteTime,
	}
	if m.CreateTime != nil {
		t.CreateTime = *m.CreateTime
	}
	if m.UpdateTime != nil {
		t.UpdateTime = *m.UpdateTime
	}

	if len(m.Result) > 0 && string(m.Result) != "null" {
		t.Result = new(types.ExtractionResult)
		if err := json.Unmarshal(m.Result, t.Result); err != nil {
			return nil, fmt.Errorf("unmarshalling task result: %w", err)
		}
	}
	if len(m.Error) > 0 && string(m.Error) != "null" {
		t.Error = new(types.TaskError)
		if err := json.Unmarshal(m.Error, t.Error); err != nil {
			return nil, fmt.Errorf("unmarshalling task error: %w", err)
		}
	}
	return t, nil
}

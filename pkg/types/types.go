package types

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle status of an extraction task.
type TaskStatus string

const (
	// TaskStatusQueued is the status of an accepted task waiting for an
	// extraction worker.
	TaskStatusQueued TaskStatus = "QUEUED"
	// TaskStatusExtracting is the status of a task owned by an extraction
	// worker.
	TaskStatusExtracting TaskStatus = "EXTRACTING"
	// TaskStatusIndexing is the status of a task whose extraction succeeded
	// and whose items are being written to the vector index.
	TaskStatusIndexing TaskStatus = "INDEXING"
	// TaskStatusCompleted is terminal. The task carries a result.
	TaskStatusCompleted TaskStatus = "COMPLETED"
	// TaskStatusFailed is terminal. The task carries an error.
	TaskStatusFailed TaskStatus = "FAILED"
)

// String returns the string form of the status.
func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether no further transition can leave s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Predecessors returns the statuses a task must be in for a transition into
// s to be accepted. QUEUED is only ever set on creation.
func (s TaskStatus) Predecessors() []TaskStatus {
	switch s {
	case TaskStatusExtracting:
		return []TaskStatus{TaskStatusQueued}
	case TaskStatusIndexing:
		return []TaskStatus{TaskStatusExtracting}
	case TaskStatusCompleted:
		return []TaskStatus{TaskStatusIndexing}
	case TaskStatusFailed:
		return []TaskStatus{TaskStatusQueued, TaskStatusExtracting, TaskStatusIndexing}
	default:
		return nil
	}
}

// ErrorKind classifies why a task failed.
type ErrorKind string

const (
	// ErrorKindValidation is returned synchronously on submission and is
	// never stored on a task.
	ErrorKindValidation ErrorKind = "VALIDATION_ERROR"
	// ErrorKindDownloadFailed means the source file couldn't be fetched.
	ErrorKindDownloadFailed ErrorKind = "DOWNLOAD_FAILED"
	// ErrorKindTimeout means a provider call, an upload readiness wait or
	// the task budget exceeded its deadline.
	ErrorKindTimeout ErrorKind = "TIMEOUT"
	// ErrorKindRateLimited means the provider throttled the request.
	ErrorKindRateLimited ErrorKind = "RATE_LIMITED"
	// ErrorKindMalformedOutput means the provider output couldn't be decoded
	// even after a repair attempt.
	ErrorKindMalformedOutput ErrorKind = "MALFORMED_OUTPUT"
	// ErrorKindAllProvidersExhausted means every provider in the routing
	// list failed, for different reasons.
	ErrorKindAllProvidersExhausted ErrorKind = "ALL_PROVIDERS_EXHAUSTED"
	// ErrorKindStorageError means the vector store rejected the index units.
	ErrorKindStorageError ErrorKind = "STORAGE_ERROR"
	// ErrorKindEmbeddingFailed means the index units couldn't be embedded.
	ErrorKindEmbeddingFailed ErrorKind = "EMBEDDING_FAILED"
	// ErrorKindInternal covers failures that fit no other kind.
	ErrorKindInternal ErrorKind = "INTERNAL"
)

// TaskError is the failure recorded on a FAILED task.
type TaskError struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Provider string    `json:"provider,omitempty"`
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ProviderID identifies an extraction provider.
type ProviderID string

const (
	// ProviderGemini is the Google Gemini provider.
	ProviderGemini ProviderID = "gemini"
	// ProviderOpenAI is the OpenAI provider.
	ProviderOpenAI ProviderID = "openai"
)

// StructuredItem is a single extracted record, e.g. a menu entry.
type StructuredItem struct {
	Fields map[string]any `json:"fields"`
	// Invalid is set when the item lacks the text used for embedding. The
	// item is still indexed, with a fallback embedding text.
	Invalid bool     `json:"invalid,omitempty"`
	Issues  []string `json:"issues,omitempty"`
}

// ExtractionResult is the outcome of a successful extraction.
type ExtractionResult struct {
	RawText          string                      `json:"raw_text"`
	Items            map[string][]StructuredItem `json:"items"`
	ProviderUsed     ProviderID                  `json:"provider_used"`
	TemplateUsed     string                      `json:"template_used"`
	EmbeddingField   string                      `json:"embedding_field"`
	ItemCount        int                         `json:"item_count"`
	InvalidItemCount int                         `json:"invalid_item_count"`
	// Truncated is set when the inlined document was cut to fit the prompt.
	Truncated bool `json:"truncated,omitempty"`
}

// Task is an extraction task as seen by the pipeline.
type Task struct {
	TaskID        string
	TenantID      string
	Industry      string
	DataCategory  string
	SourceRef     string
	FileName      string
	FileSize      int64
	MimeType      string
	Status        TaskStatus
	ProgressNotes []string
	Result        *ExtractionResult
	Error         *TaskError
	CallbackURL   string
	CreateTime    time.Time
	UpdateTime    time.Time
	StartTime     *time.Time
	CompleteTime  *time.Time
}

// IndexUnit is a vector-searchable unit derived from one structured item.
type IndexUnit struct {
	CollectionID  string
	UnitID        string
	EmbeddingText string
	Vector        []float32
	Payload       map[string]any
}

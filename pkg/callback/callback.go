// Package callback notifies callers when a task reaches a terminal status.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/instill-ai/extraction-backend/pkg/constant"
	"github.com/instill-ai/extraction-backend/pkg/logger"
	"github.com/instill-ai/extraction-backend/pkg/types"
)

const userAgent = "extraction-backend-callback/1.0"

// Config tunes the delivery of notifications.
type Config struct {
	// DefaultURL receives notifications of tasks submitted without a
	// callback URL. Empty disables them.
	DefaultURL     string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout bounds each delivery attempt.
	Timeout time.Duration
}

// Payload is the body of a notification.
type Payload struct {
	TaskID           string           `json:"task_id"`
	TenantID         string           `json:"tenant_id"`
	Status           types.TaskStatus `json:"status"`
	ItemCount        int              `json:"item_count"`
	InvalidItemCount int              `json:"invalid_item_count"`
	ProviderUsed     types.ProviderID `json:"provider_used,omitempty"`
	TemplateUsed     string           `json:"template_used,omitempty"`
	Error            *types.TaskError `json:"error,omitempty"`
	CompleteTime     *time.Time       `json:"complete_time,omitempty"`
}

// NewPayload summarizes a terminal task.
func NewPayload(task *types.Task) Payload {
	p := Payload{
		TaskID:       task.TaskID,
		TenantID:     task.TenantID,
		Status:       task.Status,
		Error:        task.Error,
		CompleteTime: task.CompleteTime,
	}
	if task.Result != nil {
		p.ItemCount = task.Result.ItemCount
		p.InvalidItemCount = task.Result.InvalidItemCount
		p.ProviderUsed = task.Result.ProviderUsed
		p.TemplateUsed = task.Result.TemplateUsed
	}
	return p
}

// Dispatcher delivers notifications over HTTP. It never reads or changes
// task state: the caller hands it a snapshot of the terminal task.
type Dispatcher struct {
	client *http.Client
	cfg    Config
}

// NewDispatcher returns a dispatcher. A nil client uses a default one.
func NewDispatcher(cfg Config, client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Dispatcher{client: client, cfg: cfg}
}

// permanentError is a delivery rejected by the receiver.
type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("callback rejected with status %d", e.status)
}

// Notify posts the task summary to the task callback URL, or to the default
// one. Network errors and 5xx answers are retried with exponential backoff;
// a 4xx answer stops delivery. It returns nil when there's nowhere to send
// the notification.
func (d *Dispatcher) Notify(ctx context.Context, task *types.Task) error {
	url := task.CallbackURL
	if url == "" {
		url = d.cfg.DefaultURL
	}
	if url == "" {
		return nil
	}

	logger, _ := logger.GetZapLogger(ctx)
	logger = logger.With(zap.String("task_id", task.TaskID), zap.String("callback_url", url))

	body, err := json.Marshal(NewPayload(task))
	if err != nil {
		return fmt.Errorf("marshalling callback payload: %w", err)
	}

	attempt := 0
	op := func() error {
		attempt++
		err := d.post(ctx, url, task.TaskID, body)
		if err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return backoff.Permanent(pe)
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		logger.Warn("Callback delivery failed", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	if d.cfg.MaxBackoff > 0 {
		b.MaxInterval = d.cfg.MaxBackoff
	}
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		logger.Error("Callback dropped", zap.Int("attempts", attempt), zap.Error(err))
		return fmt.Errorf("delivering callback after %d attempts: %w", attempt, err)
	}

	logger.Info("Callback delivered", zap.Int("attempts", attempt))
	return nil
}

func (d *Dispatcher) post(ctx context.Context, url, taskID string, body []byte) error {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building callback request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(constant.HeaderTaskID, taskID)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &permanentError{status: resp.StatusCode}
	default:
		return fmt.Errorf("callback answered with status %d", resp.StatusCode)
	}
}

package queue

import (
	"context"
	"fmt"
	"time"

	errdomain "github.com/instill-ai/extraction-backend/pkg/errors"
)

type memoryQueue struct {
	name string
	ch   chan string
}

// NewMemoryQueue returns an in-process queue holding up to capacity IDs.
// Elements are lost when the process exits.
func NewMemoryQueue(name string, capacity int) Queue {
	return &memoryQueue{name: name, ch: make(chan string, capacity)}
}

func (q *memoryQueue) Enqueue(ctx context.Context, taskID string) error {
	select {
	case q.ch <- taskID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("enqueueing in %s: %w", q.name, ErrQueueFull)
	}
}

func (q *memoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id := <-q.ch:
		return id, nil
	case <-timer.C:
		return "", errdomain.ErrQueueEmpty
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *memoryQueue) Ack(context.Context, string) error { return nil }

func (q *memoryQueue) Len(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Heartbeat is a no-op, the queue only lives as long as its consumer.
func (q *memoryQueue) Heartbeat(context.Context) error { return nil }

func (q *memoryQueue) Recover(context.Context) (int, error) { return 0, nil }

// Package queue holds the task queues that connect the coordinator with the
// extraction and indexing worker pools. Queues carry task IDs only, the
// task state lives in the task store.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned by a bounded queue that can't accept an element.
var ErrQueueFull = errors.New("queue full")

// Queue is an at-least-once FIFO of task IDs. A dequeued ID must be
// acknowledged once its processing is over. The un-acknowledged IDs of a
// consumer that stopped sending heartbeats are delivered again after
// Recover.
type Queue interface {
	Enqueue(ctx context.Context, taskID string) error
	// Dequeue blocks until an ID is available, the timeout expires
	// (ErrQueueEmpty) or the context is done.
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, taskID string) error
	// Len returns the number of IDs waiting to be dequeued.
	Len(ctx context.Context) (int64, error)
	// Heartbeat marks the consumer owning the queue handle as alive.
	Heartbeat(ctx context.Context) error
	// Recover makes the IDs that dead consumers dequeued but never
	// acknowledged available again. Entries of live consumers are left
	// alone, so it's safe to call while consumers run.
	Recover(ctx context.Context) (int, error)
}

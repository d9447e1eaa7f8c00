package queue

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	errdomain "github.com/instill-ai/extraction-backend/pkg/errors"
)

func TestMemoryQueue(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	q := NewMemoryQueue("extraction", 2)

	c.Assert(q.Enqueue(ctx, "a"), qt.IsNil)
	c.Assert(q.Enqueue(ctx, "b"), qt.IsNil)
	c.Check(q.Enqueue(ctx, "c"), qt.ErrorIs, ErrQueueFull)

	n, err := q.Len(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, int64(2))

	id, err := q.Dequeue(ctx, time.Second)
	c.Assert(err, qt.IsNil)
	c.Check(id, qt.Equals, "a")
	c.Check(q.Ack(ctx, id), qt.IsNil)

	id, err = q.Dequeue(ctx, time.Second)
	c.Assert(err, qt.IsNil)
	c.Check(id, qt.Equals, "b")

	_, err = q.Dequeue(ctx, 10*time.Millisecond)
	c.Check(err, qt.ErrorIs, errdomain.ErrQueueEmpty)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = q.Dequeue(cctx, time.Second)
	c.Check(err, qt.ErrorIs, context.Canceled)

	c.Check(q.Heartbeat(ctx), qt.IsNil)
	recovered, err := q.Recover(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(recovered, qt.Equals, 0)
}

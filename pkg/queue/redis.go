package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	errdomain "github.com/instill-ai/extraction-backend/pkg/errors"
)

// DefaultConsumerTTL is how long a consumer counts as alive after its last
// heartbeat.
const DefaultConsumerTTL = 30 * time.Second

type redisQueue struct {
	client    *redis.Client
	key       string
	pending   string
	consumers string
	consumer  string
	ttl       time.Duration
}

// NewRedisQueue returns a reliable queue on Redis lists. IDs are pushed to
// <key>:pending and atomically moved to <key>:processing:<consumer> when
// dequeued, where they stay until acknowledged. A consumer is alive while
// its <key>:alive:<consumer> entry, refreshed by Heartbeat, hasn't expired.
func NewRedisQueue(client *redis.Client, key, consumer string, ttl time.Duration) Queue {
	if ttl <= 0 {
		ttl = DefaultConsumerTTL
	}
	return &redisQueue{
		client:    client,
		key:       key,
		pending:   key + ":pending",
		consumers: key + ":consumers",
		consumer:  consumer,
		ttl:       ttl,
	}
}

func (q *redisQueue) processing(consumer string) string {
	return q.key + ":processing:" + consumer
}

func (q *redisQueue) alive(consumer string) string {
	return q.key + ":alive:" + consumer
}

func (q *redisQueue) Enqueue(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.pending, taskID).Err(); err != nil {
		return fmt.Errorf("pushing task %s: %w", taskID, err)
	}
	return nil
}

func (q *redisQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	id, err := q.client.BLMove(ctx, q.pending, q.processing(q.consumer), "RIGHT", "LEFT", timeout).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", errdomain.ErrQueueEmpty
	case err != nil:
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("moving task to processing: %w", err)
	}
	return id, nil
}

func (q *redisQueue) Ack(ctx context.Context, taskID string) error {
	if err := q.client.LRem(ctx, q.processing(q.consumer), 1, taskID).Err(); err != nil {
		return fmt.Errorf("acknowledging task %s: %w", taskID, err)
	}
	return nil
}

func (q *redisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue length: %w", err)
	}
	return n, nil
}

// Heartbeat registers the consumer and extends its liveness by the TTL.
func (q *redisQueue) Heartbeat(ctx context.Context) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.alive(q.consumer), time.Now().UTC().Format(time.RFC3339), q.ttl)
		pipe.SAdd(ctx, q.consumers, q.consumer)
		return nil
	})
	if err != nil {
		return fmt.Errorf("refreshing consumer %s: %w", q.consumer, err)
	}
	return nil
}

// Recover moves the un-acknowledged IDs of dead consumers back to the
// consuming end of the pending list, so that they are delivered again
// oldest first. Live consumers, this one included, keep their entries.
func (q *redisQueue) Recover(ctx context.Context) (int, error) {
	if err := q.Heartbeat(ctx); err != nil {
		return 0, err
	}

	consumers, err := q.client.SMembers(ctx, q.consumers).Result()
	if err != nil {
		return 0, fmt.Errorf("listing consumers: %w", err)
	}

	var moved int
	for _, consumer := range consumers {
		if consumer == q.consumer {
			continue
		}
		alive, err := q.client.Exists(ctx, q.alive(consumer)).Result()
		if err != nil {
			return moved, fmt.Errorf("checking consumer %s: %w", consumer, err)
		}
		if alive > 0 {
			continue
		}

		n, err := q.drain(ctx, q.processing(consumer))
		moved += n
		if err != nil {
			return moved, err
		}
		if err := q.client.SRem(ctx, q.consumers, consumer).Err(); err != nil {
			return moved, fmt.Errorf("forgetting consumer %s: %w", consumer, err)
		}
	}
	return moved, nil
}

// drain moves a processing list back to pending one element at a time.
// Concurrent drains of the same list move every element once.
func (q *redisQueue) drain(ctx context.Context, processing string) (int, error) {
	var moved int
	for {
		err := q.client.LMove(ctx, processing, q.pending, "LEFT", "RIGHT").Err()
		switch {
		case errors.Is(err, redis.Nil):
			return moved, nil
		case err != nil:
			return moved, fmt.Errorf("recovering unacknowledged tasks: %w", err)
		}
		moved++
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/plangate/plangate/internal/job"
)

const (
	redisReadyKey      = "plangate:queue:ready"
	redisProcessingKey = "plangate:queue:processing"
	redisDedupPrefix   = "plangate:queue:dedup:"

	// redisBlockTimeout bounds a single BLMOVE so shutdown is noticed promptly.
	redisBlockTimeout = 5 * time.Second
)

// envelope is the list payload. It is stored verbatim so LREM can match it.
type envelope struct {
	ID      string       `json:"id"`
	Item    job.WorkItem `json:"item"`
	Attempt int          `json:"attempt"`
}

// RedisQueue is a reliable list queue: items move from a ready list to a
// processing list on receive and are removed on ack.
type RedisQueue struct {
	client redis.UniversalClient
	window time.Duration
	logger *slog.Logger
}

// NewRedisQueue creates a RedisQueue.
func NewRedisQueue(client redis.UniversalClient, dedupWindow time.Duration, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client: client,
		window: dedupWindow,
		logger: logger.With("component", "redis_queue"),
	}
}

// Enqueue pushes an item unless dedupKey was used inside the window.
func (q *RedisQueue) Enqueue(ctx context.Context, item job.WorkItem, dedupKey string) (string, error) {
	id := uuid.New().String()

	var dk string
	if dedupKey != "" && q.window > 0 {
		dk = redisDedupPrefix + dedupKey
		ok, err := q.client.SetNX(ctx, dk, id, q.window).Result()
		if err != nil {
			return "", fmt.Errorf("dedup %s: %w", item.ID, err)
		}
		if !ok {
			existing, err := q.client.Get(ctx, dk).Result()
			if err == nil {
				return existing, nil
			}
			if !errors.Is(err, redis.Nil) {
				return "", fmt.Errorf("dedup %s: %w", item.ID, err)
			}
			// The key expired between SETNX and GET; treat as a fresh enqueue.
			if err := q.client.Set(ctx, dk, id, q.window).Err(); err != nil {
				return "", fmt.Errorf("dedup %s: %w", item.ID, err)
			}
		}
	}

	raw, err := json.Marshal(envelope{ID: id, Item: item, Attempt: 1})
	if err != nil {
		return "", fmt.Errorf("encode item %s: %w", item.ID, err)
	}
	if err := q.client.LPush(ctx, redisReadyKey, raw).Err(); err != nil {
		if dk != "" {
			// Release the key so a retry is not suppressed.
			if err := q.client.Del(context.WithoutCancel(ctx), dk).Err(); err != nil {
				q.logger.Warn("release dedup key failed", "item_id", item.ID, "key", dk, "error", err)
			}
		}
		return "", fmt.Errorf("push %s: %w", item.ID, err)
	}
	return id, nil
}

// Receive blocks until an item is moved to the processing list or ctx is done.
func (q *RedisQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		raw, err := q.client.BLMove(ctx, redisReadyKey, redisProcessingKey, "RIGHT", "LEFT", redisBlockTimeout).Result()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("receive: %w", err)
		}

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			q.logger.Error("dropping malformed queue entry", "error", err)
			if err := q.client.LRem(ctx, redisProcessingKey, 1, raw).Err(); err != nil {
				q.logger.Warn("remove malformed queue entry failed", "error", err)
			}
			continue
		}
		return q.delivery(raw, env), nil
	}
}

func (q *RedisQueue) delivery(raw string, env envelope) *Delivery {
	return &Delivery{
		Item:      env.Item,
		MessageID: env.ID,
		Attempt:   env.Attempt,
		ack: func(ctx context.Context) error {
			return q.client.LRem(ctx, redisProcessingKey, 1, raw).Err()
		},
		nack: func(ctx context.Context) error {
			env.Attempt++
			next, err := json.Marshal(env)
			if err != nil {
				return err
			}
			pipe := q.client.TxPipeline()
			pipe.LRem(ctx, redisProcessingKey, 1, raw)
			pipe.LPush(ctx, redisReadyKey, next)
			_, err = pipe.Exec(ctx)
			return err
		},
	}
}

// Recover moves every entry left in the processing list back to the ready
// list. Call it once at startup, before any worker runs.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.client.LMove(ctx, redisProcessingKey, redisReadyKey, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("recover: %w", err)
		}
		n++
	}
	if n > 0 {
		q.logger.Info("recovered in-flight items", "count", n)
	}
	return n, nil
}

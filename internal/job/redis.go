package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key naming. All keys share the "plangate:" prefix.
const redisKeyPrefix = "plangate:"

func redisJobKey(id string) string { return redisKeyPrefix + "job:" + id }

// redisPendingKey is the sorted set of pending job ids scored by updated_at (unix ms).
const redisPendingKey = redisKeyPrefix + "jobs:pending"

// finalizeScript overwrites the record only while it is pending or already
// in the requested terminal status, and drops it from the pending index.
var finalizeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return 0
end
local status = cjson.decode(cur)['status']
if status ~= 'pending' and status ~= ARGV[2] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[3])
return 1
`)

// RedisStore keeps each record as a JSON string value.
type RedisStore struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisStore creates a RedisStore on top of client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		logger: slog.Default().With("component", "redis_store"),
	}
}

func (s *RedisStore) Put(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	b, err := encodeRecord(r)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", r.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisJobKey(r.ID), b, 0)
	if r.Status == StatusPending {
		pipe.ZAdd(ctx, redisPendingKey, redis.Z{Score: float64(r.UpdatedAt.UnixMilli()), Member: r.ID})
	} else {
		pipe.ZRem(ctx, redisPendingKey, r.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("redis put job "+r.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	b, err := s.client.Get(ctx, redisJobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("redis get job "+id, err)
	}
	r, err := decodeRecord(b)
	if err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return r, nil
}

func (s *RedisStore) Finalize(ctx context.Context, r *Record) (bool, error) {
	b, err := encodeRecord(r)
	if err != nil {
		return false, fmt.Errorf("encode job %s: %w", r.ID, err)
	}
	n, err := finalizeScript.Run(ctx, s.client,
		[]string{redisJobKey(r.ID), redisPendingKey},
		b, string(r.Status), r.ID,
	).Int()
	if err != nil {
		return false, unavailable("redis finalize job "+r.ID, err)
	}
	return n == 1, nil
}

// Requeue uses an optimistic transaction: the write is dropped if the record
// changes between the read and the commit.
func (s *RedisStore) Requeue(ctx context.Context, id string, now time.Time) (bool, error) {
	key := redisJobKey(id)
	written := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		r, err := decodeRecord(b)
		if err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}
		if r.Status != StatusPending {
			return nil
		}
		r.Enqueues++
		r.UpdatedAt = now.UTC()
		nb, err := encodeRecord(r)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nb, 0)
			pipe.ZAdd(ctx, redisPendingKey, redis.Z{Score: float64(r.UpdatedAt.UnixMilli()), Member: id})
			return nil
		})
		if err == nil {
			written = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("redis requeue job "+id, err)
	}
	return written, nil
}

func (s *RedisStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRangeByScore(ctx, redisPendingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, unavailable("redis list pending", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisJobKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("redis load pending", err)
	}

	out := make([]*Record, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Index entry without a record; drop it.
			if err := s.client.ZRem(ctx, redisPendingKey, ids[i]).Err(); err != nil {
				s.logger.Warn("drop orphaned pending index entry failed", "job_id", ids[i], "error", err)
			}
			continue
		}
		r, err := decodeRecord([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Health checks the Redis connection.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

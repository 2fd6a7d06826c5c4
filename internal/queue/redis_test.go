package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs only against a live server:
//
//	PLANGATE_TEST_REDIS_ADDR=localhost:6379 go test ./internal/queue
func newTestRedisQueue(t *testing.T) (*RedisQueue, redis.UniversalClient) {
	t.Helper()
	addr := os.Getenv("PLANGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PLANGATE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 14})
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return NewRedisQueue(client, time.Minute, nil), client
}

func TestRedisQueue_EnqueueReceiveAck(t *testing.T) {
	q, client := newTestRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := q.Enqueue(ctx, item("pl-1"), "pl-1")
	require.NoError(t, err)
	dup, err := q.Enqueue(ctx, item("pl-1"), "pl-1")
	require.NoError(t, err)
	assert.Equal(t, id, dup)
	assert.Equal(t, int64(1), client.LLen(ctx, redisReadyKey).Val())

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, d.MessageID)
	assert.Equal(t, "pl-1", d.Item.ID)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, int64(1), client.LLen(ctx, redisProcessingKey).Val())

	require.NoError(t, d.Ack(ctx))
	assert.Zero(t, client.LLen(ctx, redisProcessingKey).Val())
}

func TestRedisQueue_Nack(t *testing.T) {
	q, client := newTestRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := q.Enqueue(ctx, item("pl-1"), "pl-1")
	require.NoError(t, err)
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx))
	assert.Zero(t, client.LLen(ctx, redisProcessingKey).Val())

	again, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pl-1", again.Item.ID)
	assert.Equal(t, 2, again.Attempt)
}

func TestRedisQueue_Recover(t *testing.T) {
	q, client := newTestRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, id := range []string{"pl-1", "pl-2"} {
		_, err := q.Enqueue(ctx, item(id), id)
		require.NoError(t, err)
		_, err = q.Receive(ctx)
		require.NoError(t, err)
	}

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, client.LLen(ctx, redisProcessingKey).Val())
	assert.Equal(t, int64(2), client.LLen(ctx, redisReadyKey).Val())
}

func TestRedisQueue_DropsMalformedEntries(t *testing.T) {
	q, client := newTestRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, client.LPush(ctx, redisReadyKey, "not json").Err())
	_, err := q.Enqueue(ctx, item("pl-1"), "pl-1")
	require.NoError(t, err)

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pl-1", d.Item.ID)
	assert.Equal(t, int64(1), client.LLen(ctx, redisProcessingKey).Val(), "malformed entry is removed")
}

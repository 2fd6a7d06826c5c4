package job

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// These run only when a live backend is provided, e.g.
//
//	PLANGATE_TEST_REDIS_ADDR=localhost:6379 go test ./internal/job
//	PLANGATE_TEST_POSTGRES_DSN=postgres://localhost/plangate_test go test ./internal/job

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("PLANGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PLANGATE_TEST_REDIS_ADDR not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
		require.NoError(t, client.FlushDB(context.Background()).Err())
		t.Cleanup(func() { client.Close() })
		return NewRedisStore(client)
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PLANGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PLANGATE_TEST_POSTGRES_DSN not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewPostgresStore(ctx, dsn)
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, `TRUNCATE plan_jobs`)
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	})
}

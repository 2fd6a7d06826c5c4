package main

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/plangate/plangate/internal/config"
	"github.com/plangate/plangate/internal/job"
	"github.com/plangate/plangate/internal/queue"
)

// closeStack runs cleanup functions in reverse order of registration.
type closeStack []func()

func (c *closeStack) push(f func()) { *c = append(*c, f) }

func (c *closeStack) closeAll() {
	for i := len(*c) - 1; i >= 0; i-- {
		(*c)[i]()
	}
	*c = nil
}

// backends opens the store and queue selected by configuration and records
// how to close them. The Redis client is shared when both use Redis.
type backends struct {
	cfg     *config.Config
	closers closeStack
	redis   *redis.Client
}

func (b *backends) openRedis(ctx context.Context) (*redis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	cfg := b.cfg
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	b.closers.push(func() {
		if err := c.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	})
	b.redis = c
	return c, nil
}

func (b *backends) openStore(ctx context.Context) (job.Store, error) {
	cfg := b.cfg
	switch cfg.Store {
	case config.StoreMemory:
		slog.Warn("memory store in use, jobs are lost on restart")
		return job.NewMemoryStore(), nil

	case config.StoreRedis:
		c, err := b.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		return job.NewRedisStore(c), nil

	case config.StorePostgres:
		s, err := job.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.closers.push(s.Close)
		return s, nil

	case config.StoreS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return job.NewS3Store(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Prefix), nil

	default:
		s, err := job.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		b.closers.push(func() {
			if err := s.Close(); err != nil {
				slog.Warn("close sqlite", "error", err)
			}
		})
		return s, nil
	}
}

func (b *backends) openQueue(ctx context.Context) (queue.Queue, error) {
	cfg := b.cfg
	switch cfg.Queue {
	case config.QueueRedis:
		c, err := b.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		q := queue.NewRedisQueue(c, cfg.QueueDedupWindow, nil)
		n, err := q.Recover(ctx)
		if err != nil {
			return nil, fmt.Errorf("recover redis queue: %w", err)
		}
		if n > 0 {
			slog.Info("requeued in-flight items from previous run", "count", n)
		}
		return q, nil

	case config.QueueSQS:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL, int32(cfg.SQSWaitSeconds), nil), nil

	default:
		if cfg.Store != config.StoreMemory {
			slog.Warn("memory queue in use, undelivered items rely on the reconciler after restart")
		}
		q := queue.NewMemoryQueue(cfg.QueueSize, cfg.QueueDedupWindow, nil)
		b.closers.push(q.Close)
		return q, nil
	}
}

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Prefix is prepended to every environment variable name.
const Prefix = "PLANGATE_"

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreS3       = "s3"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
	QueueSQS    = "sqs"
)

type Config struct {
	ListenAddr     string   `env:"LISTEN_ADDR"      envDefault:":8080"`
	APIKeys        []string `env:"API_KEYS"         envSeparator:","`
	CORSOrigins    []string `env:"CORS_ORIGINS"     envSeparator:","  envDefault:"*"`
	RateLimitRPS   float64  `env:"RATE_LIMIT_RPS"   envDefault:"5"`
	RateLimitBurst int      `env:"RATE_LIMIT_BURST" envDefault:"10"`
	LogLevel       string   `env:"LOG_LEVEL"        envDefault:"info"`

	Store         string `env:"STORE"          envDefault:"sqlite"`
	DBPath        string `env:"DB_PATH"        envDefault:"plangate.db"`
	RedisAddr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"       envDefault:"0"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	S3Bucket      string `env:"S3_BUCKET"`
	S3Prefix      string `env:"S3_PREFIX"      envDefault:"plans/"`

	Queue            string        `env:"QUEUE"              envDefault:"memory"`
	QueueSize        int           `env:"QUEUE_SIZE"         envDefault:"1000"`
	QueueDedupWindow time.Duration `env:"QUEUE_DEDUP_WINDOW" envDefault:"5m"`
	SQSQueueURL      string        `env:"SQS_QUEUE_URL"`
	SQSWaitSeconds   int           `env:"SQS_WAIT_SECONDS"   envDefault:"20"`

	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	OpenAIAPIKey      string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string        `env:"OPENAI_BASE_URL"    envDefault:"https://api.openai.com/v1"`
	OpenAIModel       string        `env:"OPENAI_MODEL"`
	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT"   envDefault:"2m"`
	PromptFile        string        `env:"PROMPT_FILE"`

	ReconcileSchedule    string        `env:"RECONCILE_SCHEDULE"     envDefault:"@every 1m"`
	ReconcilePendingAge  time.Duration `env:"RECONCILE_PENDING_AGE"  envDefault:"10m"`
	ReconcileMaxEnqueues int           `env:"RECONCILE_MAX_ENQUEUES" envDefault:"3"`
}

// Load reads a .env file when present, then the environment, and validates
// the result. Extra dotenv paths may be given; the default is ./.env.
func Load(dotenv ...string) (*Config, error) {
	if err := godotenv.Load(dotenv...); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.APIKeys = clean(cfg.APIKeys)
	cfg.CORSOrigins = clean(cfg.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that struct tags cannot express.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreSQLite:
		if c.DBPath == "" {
			return errors.New(Prefix + "DB_PATH must not be empty")
		}
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New(Prefix + "REDIS_ADDR must not be empty")
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return errors.New(Prefix + "POSTGRES_DSN is required when STORE=postgres")
		}
	case StoreS3:
		if c.S3Bucket == "" {
			return errors.New(Prefix + "S3_BUCKET is required when STORE=s3")
		}
	default:
		return fmt.Errorf("%sSTORE %q must be one of: sqlite, memory, redis, postgres, s3", Prefix, c.Store)
	}

	switch c.Queue {
	case QueueMemory:
		if c.QueueSize < 1 {
			return errors.New(Prefix + "QUEUE_SIZE must be > 0")
		}
	case QueueRedis:
		if c.RedisAddr == "" {
			return errors.New(Prefix + "REDIS_ADDR must not be empty")
		}
	case QueueSQS:
		if c.SQSQueueURL == "" {
			return errors.New(Prefix + "SQS_QUEUE_URL is required when QUEUE=sqs")
		}
	default:
		return fmt.Errorf("%sQUEUE %q must be one of: memory, redis, sqs", Prefix, c.Queue)
	}

	if c.WorkerConcurrency < 1 {
		return errors.New(Prefix + "WORKER_CONCURRENCY must be > 0")
	}
	if c.OpenAIAPIKey == "" {
		return errors.New(Prefix + "OPENAI_API_KEY must not be empty")
	}
	if c.ProviderTimeout <= 0 {
		return errors.New(Prefix + "PROVIDER_TIMEOUT must be > 0")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return errors.New(Prefix + "RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	if c.ReconcileMaxEnqueues < 1 {
		return errors.New(Prefix + "RECONCILE_MAX_ENQUEUES must be > 0")
	}
	// A job still inside its provider call, or still covered by the dedup
	// window, must not be mistaken for a lost one.
	if c.ReconcilePendingAge <= c.ProviderTimeout || c.ReconcilePendingAge <= c.QueueDedupWindow {
		return errors.New(Prefix + "RECONCILE_PENDING_AGE must exceed PROVIDER_TIMEOUT and QUEUE_DEDUP_WINDOW")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%sLOG_LEVEL: %w", Prefix, err)
	}
	return l, nil
}

// AuthEnabled reports whether requests must carry an API key.
func (c *Config) AuthEnabled() bool {
	return len(c.APIKeys) > 0
}

func clean(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS plan_jobs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'pending',
	requester_id TEXT NOT NULL DEFAULT '',
	answers      JSONB,
	result       JSONB,
	error        TEXT NOT NULL DEFAULT '',
	enqueues     INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plan_jobs_status_updated ON plan_jobs(status, updated_at);
`

const postgresColumns = `id, status, requester_id, answers, result, error, enqueues, created_at, updated_at`

// PostgresStore is a Postgres-backed implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Put(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO plan_jobs (`+postgresColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status       = EXCLUDED.status,
			requester_id = EXCLUDED.requester_id,
			answers      = EXCLUDED.answers,
			result       = EXCLUDED.result,
			error        = EXCLUDED.error,
			enqueues     = EXCLUDED.enqueues,
			updated_at   = EXCLUDED.updated_at
	`,
		r.ID, string(r.Status), r.RequesterID,
		nullableJSON(r.Answers), nullableJSON(r.Result),
		r.Error, r.Enqueues, r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		return mapPgError("put job "+r.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM plan_jobs WHERE id = $1`, id)
	r, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapPgError("get job "+id, err)
	}
	return r, nil
}

func (s *PostgresStore) Finalize(ctx context.Context, r *Record) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE plan_jobs SET status = $1, result = $2, error = $3, updated_at = $4
		WHERE id = $5 AND status IN ('pending', $1)
	`, string(r.Status), nullableJSON(r.Result), r.Error, r.UpdatedAt.UTC(), r.ID)
	if err != nil {
		return false, mapPgError("finalize job "+r.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Requeue(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE plan_jobs SET enqueues = enqueues + 1, updated_at = $1
		WHERE id = $2 AND status = 'pending'
	`, now.UTC(), id)
	if err != nil {
		return false, mapPgError("requeue job "+id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+postgresColumns+`
		FROM plan_jobs
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, olderThan.UTC(), limit)
	if err != nil {
		return nil, mapPgError("list pending jobs", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("iterate pending jobs", err)
	}
	return out, nil
}

// Health pings the database.
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanPgRecord(row pgx.Row) (*Record, error) {
	r := &Record{}
	var status string
	var answers, result []byte
	if err := row.Scan(
		&r.ID, &status, &r.RequesterID, &answers, &result,
		&r.Error, &r.Enqueues, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Answers = answers
	r.Result = result
	return r, nil
}

// mapPgError classifies connection-level and resource failures as retryable.
func mapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code),
			pgErr.Code == pgerrcode.SerializationFailure,
			pgErr.Code == pgerrcode.DeadlockDetected:
			return unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	// Anything that never reached the server (dial, timeout, closed pool).
	return unavailable(op, err)
}

package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and
	// serialises writers, which SQLite does anyway.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err = db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS plan_jobs (
			id           TEXT PRIMARY KEY,
			status       TEXT NOT NULL DEFAULT 'pending',
			requester_id TEXT NOT NULL DEFAULT '',
			answers      TEXT,
			result       TEXT,
			error        TEXT NOT NULL DEFAULT '',
			enqueues     INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_plan_jobs_status_updated ON plan_jobs(status, updated_at);
	`)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_jobs
			(id, status, requester_id, answers, result, error, enqueues, created_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status       = excluded.status,
			requester_id = excluded.requester_id,
			answers      = excluded.answers,
			result       = excluded.result,
			error        = excluded.error,
			enqueues     = excluded.enqueues,
			updated_at   = excluded.updated_at
	`,
		r.ID,
		r.Status,
		r.RequesterID,
		nullableJSON(r.Answers),
		nullableJSON(r.Result),
		r.Error,
		r.Enqueues,
		r.CreatedAt.UTC(),
		r.UpdatedAt.UTC(),
	)
	if err != nil {
		return unavailable("put job "+r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, requester_id, answers, result, error, enqueues, created_at, updated_at
		FROM plan_jobs WHERE id = ?
	`, id)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get job "+id, err)
	}
	return r, nil
}

// Finalize writes r only while the stored row is pending, or already holds
// the same terminal status.
func (s *SQLiteStore) Finalize(ctx context.Context, r *Record) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plan_jobs SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ? AND (status = ? OR status = ?)
	`, r.Status, nullableJSON(r.Result), r.Error, r.UpdatedAt.UTC(), r.ID, StatusPending, r.Status)
	if err != nil {
		return false, unavailable("finalize job "+r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("finalize job "+r.ID, err)
	}
	return n > 0, nil
}

// Requeue bumps the enqueue count of a row that is still pending.
func (s *SQLiteStore) Requeue(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plan_jobs SET enqueues = enqueues + 1, updated_at = ?
		WHERE id = ? AND status = ?
	`, now.UTC(), id, StatusPending)
	if err != nil {
		return false, unavailable("requeue job "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("requeue job "+id, err)
	}
	return n > 0, nil
}

// ListPending returns pending jobs not touched since olderThan, oldest first.
func (s *SQLiteStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, requester_id, answers, result, error, enqueues, created_at, updated_at
		FROM plan_jobs
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, StatusPending, olderThan.UTC(), limit)
	if err != nil {
		return nil, unavailable("list pending jobs", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate pending jobs", err)
	}
	return out, nil
}

// Health pings the database.
func (s *SQLiteStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	r := &Record{}
	var answers, result sql.NullString
	if err := row.Scan(
		&r.ID, &r.Status, &r.RequesterID, &answers, &result,
		&r.Error, &r.Enqueues, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if answers.Valid {
		r.Answers = []byte(answers.String)
	}
	if result.Valid {
		r.Result = []byte(result.String)
	}
	return r, nil
}

// nullableJSON returns nil if b is empty, otherwise returns the raw bytes as a string.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

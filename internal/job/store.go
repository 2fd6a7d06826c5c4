package job

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when no record exists for the id.
	ErrNotFound = errors.New("job not found")
	// ErrUnavailable wraps transient backend failures. Callers may retry.
	ErrUnavailable = errors.New("job store unavailable")
)

// Store persists and retrieves job records.
//
// Put is an idempotent overwrite. A Get issued after a Put to the same id by
// the same process observes that write.
//
// Finalize and Requeue are conditional writes and must be atomic against
// each other and against concurrent callers. Finalize writes a terminal
// record only while the stored one is pending or already holds the same
// status. Requeue bumps Enqueues and UpdatedAt only while the record is
// pending. Both return false, not an error, when the condition fails or the
// record is missing.
type Store interface {
	Put(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Finalize(ctx context.Context, r *Record) (bool, error)
	Requeue(ctx context.Context, id string, now time.Time) (bool, error)
}

// PendingLister is implemented by stores that can enumerate pending records.
// Records are returned oldest first.
type PendingLister interface {
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Record, error)
}

// HealthChecker is implemented by stores backed by a remote or on-disk
// service whose reachability can be checked.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Finalize checks r is a valid terminal record and writes it through s.
// Rewriting the same terminal status is reported as written so duplicate
// deliveries stay idempotent.
func Finalize(ctx context.Context, s Store, r *Record) (bool, error) {
	if !r.Status.IsTerminal() {
		return false, fmt.Errorf("finalize job %s: status %q is not terminal", r.ID, r.Status)
	}
	if err := r.Validate(); err != nil {
		return false, fmt.Errorf("finalize job %s: %w", r.ID, err)
	}
	return s.Finalize(ctx, r)
}

// Requeue counts one more enqueue of a pending record through s. It never
// touches a terminal record.
func Requeue(ctx context.Context, s Store, id string, now time.Time) (bool, error) {
	return s.Requeue(ctx, id, now.UTC())
}

// unavailable marks err as a retryable store failure.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

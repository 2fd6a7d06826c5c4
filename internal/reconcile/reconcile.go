// Package reconcile re-drives jobs whose queue message was lost.
//
// Submission writes the record before it enqueues, so a failed or dropped
// enqueue leaves a pending record nobody is working on. The reconciler
// sweeps for pending records that have not moved for a while and queues them
// again, giving up after a fixed number of attempts.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/plangate/plangate/internal/job"
	"github.com/plangate/plangate/internal/queue"
)

// AbandonedReason is the error recorded on a job that ran out of enqueues.
const AbandonedReason = "abandoned: no worker finished the job"

// ErrNotSupported is returned by New when the store cannot list pending jobs.
var ErrNotSupported = errors.New("store does not support listing pending jobs")

// Options configures a Reconciler.
type Options struct {
	Schedule    string        // cron expression or descriptor, e.g. "@every 1m"
	PendingAge  time.Duration // how long a record must sit untouched
	MaxEnqueues int           // enqueues allowed before the job is abandoned
	BatchSize   int           // records handled per sweep
}

// Reconciler periodically re-enqueues stale pending jobs.
type Reconciler struct {
	store    job.Store
	lister   job.PendingLister
	queue    queue.Queue
	schedule cron.Schedule
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Reconciler. The store must implement job.PendingLister.
func New(store job.Store, q queue.Queue, opts Options, logger *slog.Logger) (*Reconciler, error) {
	lister, ok := store.(job.PendingLister)
	if !ok {
		return nil, ErrNotSupported
	}
	sched, err := cron.ParseStandard(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", opts.Schedule, err)
	}
	if opts.PendingAge <= 0 {
		return nil, errors.New("pending age must be positive")
	}
	if opts.MaxEnqueues < 1 {
		opts.MaxEnqueues = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    store,
		lister:   lister,
		queue:    q,
		schedule: sched,
		opts:     opts,
		logger:   logger.With("component", "reconciler"),
		now:      time.Now,
	}, nil
}

// Run sweeps on schedule until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		now := r.now()
		timer := time.NewTimer(r.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("sweep failed", "error", err)
		}
	}
}

// Result counts what one sweep did.
type Result struct {
	Requeued  int
	Abandoned int
}

// Sweep handles one batch of stale pending records.
//
// Staleness is judged from updated_at alone. A job still waiting behind a
// backlog looks the same as a lost one, so MaxEnqueues x PendingAge must
// exceed the longest expected queue drain time or such jobs are abandoned.
func (r *Reconciler) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := r.now()

	stale, err := r.lister.ListPending(ctx, now.Add(-r.opts.PendingAge), r.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list pending: %w", err)
	}

	for _, rec := range stale {
		log := r.logger.With("job_id", rec.ID, "enqueues", rec.Enqueues)

		if rec.Enqueues >= r.opts.MaxEnqueues {
			written, err := job.Finalize(ctx, r.store, rec.Fail(AbandonedReason, now))
			if err != nil {
				return res, fmt.Errorf("abandon job %s: %w", rec.ID, err)
			}
			if written {
				log.Warn("job abandoned")
				res.Abandoned++
			}
			continue
		}

		ok, err := job.Requeue(ctx, r.store, rec.ID, now)
		if err != nil {
			return res, fmt.Errorf("requeue job %s: %w", rec.ID, err)
		}
		if !ok {
			// Finished since it was listed.
			continue
		}
		msgID, err := r.queue.Enqueue(ctx, rec.WorkItem(), rec.ID)
		if err != nil {
			// Counted anyway so a dead queue ends in abandonment.
			log.Error("re-enqueue failed", "error", err)
			continue
		}
		log.Info("job re-enqueued", "message_id", msgID)
		res.Requeued++
	}

	if res.Requeued > 0 || res.Abandoned > 0 {
		r.logger.Info("sweep finished", "requeued", res.Requeued, "abandoned", res.Abandoned)
	}
	return res, nil
}

// Package worker turns delivered work items into finished plan records.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plangate/plangate/internal/job"
	"github.com/plangate/plangate/internal/plan"
	"github.com/plangate/plangate/internal/provider"
)

// DefaultTimeout bounds a single provider call when none is configured.
const DefaultTimeout = 2 * time.Minute

// Worker processes work items against a store and a provider.
type Worker struct {
	store    job.Store
	provider provider.Provider
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Worker. A zero timeout uses DefaultTimeout.
func New(store job.Store, p provider.Provider, timeout time.Duration, logger *slog.Logger) *Worker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		provider: p,
		timeout:  timeout,
		logger:   logger.With("component", "worker"),
		now:      time.Now,
	}
}

// Process handles one delivery. It returns an error only when the item
// should be redelivered: a store failure, or shutdown interrupting the
// provider call. Generation failures are recorded on the job instead.
func (w *Worker) Process(ctx context.Context, item job.WorkItem) error {
	log := w.logger.With("job_id", item.ID)

	cur, err := w.store.Get(ctx, item.ID)
	if errors.Is(err, job.ErrNotFound) {
		log.Warn("dropping work item without a job record")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", item.ID, err)
	}
	if cur.Status.IsTerminal() {
		log.Info("job already finished, skipping duplicate delivery", "status", cur.Status)
		return nil
	}

	answers := item.Answers
	if job.IsEmptyJSON(answers) {
		answers = cur.Answers
	}

	start := w.now()
	p, genErr := w.generate(ctx, answers)
	if genErr != nil && ctx.Err() != nil {
		// Interrupted by shutdown, not by the provider: leave it pending.
		return fmt.Errorf("generate %s: %w", item.ID, ctx.Err())
	}

	var next *job.Record
	if genErr != nil {
		log.Warn("plan generation failed", "error", genErr, "duration", w.now().Sub(start))
		next = cur.Fail(genErr.Error(), w.now())
	} else {
		result, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode plan %s: %w", item.ID, err)
		}
		next = cur.Complete(result, w.now())
	}

	written, err := job.Finalize(ctx, w.store, next)
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", item.ID, err)
	}
	if !written {
		log.Info("job finished elsewhere, result discarded")
		return nil
	}
	log.Info("job finished", "status", next.Status, "duration", w.now().Sub(start))
	return nil
}

// generate calls the provider under the worker timeout and turns a panic
// into an error.
func (w *Worker) generate(ctx context.Context, answers json.RawMessage) (p *plan.Plan, err error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("provider panic: %v", r)
		}
	}()

	p, err = w.provider.Generate(ctx, answers)
	if err == nil && p == nil {
		err = fmt.Errorf("%w: empty plan", provider.ErrUpstream)
	}
	return p, err
}

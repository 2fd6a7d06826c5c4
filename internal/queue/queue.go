package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/plangate/plangate/internal/job"
)

var (
	// ErrQueueFull is returned by Enqueue when a bounded queue has no room.
	ErrQueueFull = errors.New("queue full")
	// ErrClosed is returned once a queue has been shut down.
	ErrClosed = errors.New("queue closed")
)

// Queue delivers work items at least once.
//
// Enqueue suppresses a second enqueue with the same dedupKey inside the
// queue's deduplication window and returns the original message id.
// Receive blocks until an item is available or ctx is done.
type Queue interface {
	Enqueue(ctx context.Context, item job.WorkItem, dedupKey string) (string, error)
	Receive(ctx context.Context) (*Delivery, error)
}

// Delivery is one received work item. Exactly one of Ack or Nack should be
// called; an unacknowledged delivery is eventually redelivered.
type Delivery struct {
	Item      job.WorkItem
	MessageID string
	// Attempt is the 1-based delivery count when the backend tracks it, else 0.
	Attempt int

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// Ack removes the item from the queue.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack hands the item back for redelivery.
func (d *Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// Handler processes one work item. A non-nil error causes redelivery.
type Handler func(ctx context.Context, item job.WorkItem) error

// settleTimeout bounds Ack/Nack calls, which must outlive a cancelled pool.
const settleTimeout = 10 * time.Second

// receiveBackoff is how long a worker waits after a failed Receive.
const receiveBackoff = time.Second

// Pool runs a fixed number of workers pulling from a Queue.
type Pool struct {
	queue       Queue
	handle      Handler
	concurrency int
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// NewPool creates a Pool. concurrency below 1 is treated as 1.
func NewPool(q Queue, h Handler, concurrency int, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:       q,
		handle:      h,
		concurrency: concurrency,
		logger:      logger.With("component", "worker_pool"),
	}
}

// Start launches the workers as goroutines. They stop when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for i := range p.concurrency {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, i)
		}()
	}
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Run starts the workers and blocks until ctx is done and they have drained.
func (p *Pool) Run(ctx context.Context) error {
	p.Start(ctx)
	p.Wait()
	return nil
}

// runWorker is a worker loop: receives items and processes them.
func (p *Pool) runWorker(ctx context.Context, n int) {
	log := p.logger.With("worker", n)
	for {
		d, err := p.queue.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			log.Warn("receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}
		p.process(ctx, log, d)
	}
}

func (p *Pool) process(ctx context.Context, log *slog.Logger, d *Delivery) {
	err := p.handle(ctx, d.Item)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err != nil {
		log.Warn("work item not settled, requeueing",
			"job_id", d.Item.ID, "message_id", d.MessageID, "attempt", d.Attempt, "error", err)
		if nerr := d.Nack(settleCtx); nerr != nil {
			log.Error("nack failed", "job_id", d.Item.ID, "error", nerr)
		}
		return
	}
	if aerr := d.Ack(settleCtx); aerr != nil {
		log.Error("ack failed", "job_id", d.Item.ID, "error", aerr)
	}
}

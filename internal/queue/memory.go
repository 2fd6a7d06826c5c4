package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plangate/plangate/internal/job"
)

const (
	redeliverBase = time.Second
	redeliverCap  = time.Minute
)

type memMessage struct {
	id      string
	item    job.WorkItem
	attempt int
}

type dedupEntry struct {
	messageID string
	expires   time.Time
}

// MemoryQueue is a bounded in-process queue backed by a buffered channel.
// Nacked items are redelivered after a full-jitter backoff.
type MemoryQueue struct {
	items  chan *memMessage
	window time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	dedup     map[string]dedupEntry
	lastSweep time.Time
	closed    bool

	now   func() time.Time
	delay func(attempt int) time.Duration
}

// NewMemoryQueue creates a MemoryQueue holding at most size items.
func NewMemoryQueue(size int, dedupWindow time.Duration, logger *slog.Logger) *MemoryQueue {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		items:  make(chan *memMessage, size),
		window: dedupWindow,
		logger: logger.With("component", "memory_queue"),
		dedup:  make(map[string]dedupEntry),
		now:    time.Now,
		delay:  jitter,
	}
}

// Enqueue adds an item. Returns ErrQueueFull if the buffer has no room.
func (q *MemoryQueue) Enqueue(_ context.Context, item job.WorkItem, dedupKey string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}

	now := q.now()
	q.sweep(now)
	if dedupKey != "" {
		if e, ok := q.dedup[dedupKey]; ok && now.Before(e.expires) {
			return e.messageID, nil
		}
	}

	m := &memMessage{id: uuid.New().String(), item: item, attempt: 1}
	select {
	case q.items <- m:
	default:
		return "", fmt.Errorf("%w: cannot enqueue job %s", ErrQueueFull, item.ID)
	}
	if dedupKey != "" && q.window > 0 {
		q.dedup[dedupKey] = dedupEntry{messageID: m.id, expires: now.Add(q.window)}
	}
	return m.id, nil
}

// Receive blocks until an item is available or ctx is done.
func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m, ok := <-q.items:
		if !ok {
			return nil, ErrClosed
		}
		return &Delivery{
			Item:      m.item,
			MessageID: m.id,
			Attempt:   m.attempt,
			nack: func(context.Context) error {
				q.redeliver(m)
				return nil
			},
		}, nil
	}
}

// Len returns the number of items waiting for delivery.
func (q *MemoryQueue) Len() int {
	return len(q.items)
}

// Close stops the queue. Items still buffered are dropped.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
}

func (q *MemoryQueue) redeliver(m *memMessage) {
	next := &memMessage{id: m.id, item: m.item, attempt: m.attempt + 1}
	time.AfterFunc(q.delay(m.attempt), func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			return
		}
		select {
		case q.items <- next:
		default:
			q.logger.Warn("redelivery dropped, queue full", "job_id", next.item.ID)
		}
	})
}

// sweep drops expired dedup entries, at most once per window.
func (q *MemoryQueue) sweep(now time.Time) {
	if now.Sub(q.lastSweep) < q.window {
		return
	}
	for k, e := range q.dedup {
		if !now.Before(e.expires) {
			delete(q.dedup, k)
		}
	}
	q.lastSweep = now
}

// jitter returns a random duration between 0 and min(redeliverCap, redeliverBase * 2^attempt).
func jitter(attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	exp := redeliverBase * (1 << attempt)
	if exp > redeliverCap {
		exp = redeliverCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plangate/plangate/internal/job"
)

func item(id string) job.WorkItem {
	return job.WorkItem{ID: id, Answers: []byte(`{"goal":"strength"}`)}
}

func newTestMemoryQueue(size int) *MemoryQueue {
	q := NewMemoryQueue(size, time.Minute, nil)
	q.delay = func(int) time.Duration { return 0 }
	return q
}

func TestPool_AcksHandledItems(t *testing.T) {
	q := newTestMemoryQueue(10)

	var mu sync.Mutex
	seen := map[string]int{}
	done := make(chan struct{}, 3)
	pool := NewPool(q, func(_ context.Context, it job.WorkItem) error {
		mu.Lock()
		seen[it.ID]++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	for _, id := range []string{"pl-1", "pl-2", "pl-3"} {
		_, err := q.Enqueue(ctx, item(id), id)
		require.NoError(t, err)
	}
	for range 3 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for handler")
		}
	}
	cancel()
	pool.Wait()

	assert.Equal(t, map[string]int{"pl-1": 1, "pl-2": 1, "pl-3": 1}, seen)
	assert.Zero(t, q.Len())
}

func TestPool_NacksFailedItems(t *testing.T) {
	q := newTestMemoryQueue(10)

	var calls atomic.Int32
	attempts := make(chan int, 2)
	pool := NewPool(q, func(_ context.Context, it job.WorkItem) error {
		n := calls.Add(1)
		attempts <- int(n)
		if n == 1 {
			return errors.New("store unavailable")
		}
		return nil
	}, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	_, err := q.Enqueue(ctx, item("pl-retry"), "pl-retry")
	require.NoError(t, err)

	for want := 1; want <= 2; want++ {
		select {
		case got := <-attempts:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for attempt %d", want)
		}
	}
	cancel()
	pool.Wait()
}

func TestPool_StopsOnCancel(t *testing.T) {
	q := newTestMemoryQueue(1)
	pool := NewPool(q, func(context.Context, job.WorkItem) error { return nil }, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- pool.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

// settleRecorder counts Ack/Nack calls on deliveries it hands out.
type settleRecorder struct {
	items         chan job.WorkItem
	acked, nacked atomic.Int32
}

func (r *settleRecorder) Enqueue(_ context.Context, it job.WorkItem, _ string) (string, error) {
	r.items <- it
	return it.ID, nil
}

func (r *settleRecorder) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case it := <-r.items:
		return &Delivery{
			Item: it,
			ack: func(ctx context.Context) error {
				r.acked.Add(1)
				return ctx.Err()
			},
			nack: func(ctx context.Context) error {
				r.nacked.Add(1)
				return ctx.Err()
			},
		}, nil
	}
}

func TestPool_SettlesAfterCancel(t *testing.T) {
	r := &settleRecorder{items: make(chan job.WorkItem, 1)}
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	pool := NewPool(r, func(ctx context.Context, _ job.WorkItem) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, 1, nil)
	pool.Start(ctx)

	_, err := r.Enqueue(ctx, item("pl-inflight"), "")
	require.NoError(t, err)
	<-started
	cancel()
	pool.Wait()

	assert.Equal(t, int32(0), r.acked.Load())
	assert.Equal(t, int32(1), r.nacked.Load(), "in-flight item must be handed back on shutdown")
}

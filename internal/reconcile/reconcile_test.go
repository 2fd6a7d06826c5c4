package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/plangate/plangate/internal/job"
	"github.com/plangate/plangate/internal/mocks"
	"github.com/plangate/plangate/internal/queue"
)

var answers = json.RawMessage(`{"goal":"strength"}`)

var defaultOpts = Options{
	Schedule:    "@every 1m",
	PendingAge:  10 * time.Minute,
	MaxEnqueues: 3,
}

func newTestReconciler(t *testing.T, store job.Store, q queue.Queue, now time.Time) *Reconciler {
	t.Helper()
	r, err := New(store, q, defaultOpts, nil)
	require.NoError(t, err)
	r.now = func() time.Time { return now }
	return r
}

func put(t *testing.T, s job.Store, r *job.Record) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), r))
}

func TestSweep_RequeuesStalePending(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := job.NewMemoryStore()
	put(t, store, job.NewPending("pl-stale", "u1", answers, now.Add(-time.Hour)))
	put(t, store, job.NewPending("pl-fresh", "u1", answers, now.Add(-time.Minute)))
	put(t, store, job.NewPending("pl-done", "u1", answers, now.Add(-time.Hour)).
		Complete(json.RawMessage(`{"plan":[]}`), now.Add(-time.Hour)))

	q := queue.NewMemoryQueue(10, time.Minute, nil)
	rec := newTestReconciler(t, store, q, now)

	res, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Requeued: 1}, res)

	d, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pl-stale", d.Item.ID)
	assert.JSONEq(t, string(answers), string(d.Item.Answers))
	assert.Zero(t, q.Len())

	got, err := store.Get(context.Background(), "pl-stale")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Enqueues)
	assert.Equal(t, now, got.UpdatedAt)

	// Touched by the sweep, so not stale on the next one.
	res, err = rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestSweep_AbandonsAfterMaxEnqueues(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := job.NewMemoryStore()
	r := job.NewPending("pl-tired", "u1", answers, now.Add(-time.Hour))
	r.Enqueues = 3
	put(t, store, r)

	ctrl := gomock.NewController(t)
	q := mocks.NewMockQueue(ctrl)
	q.EXPECT().Enqueue(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	res, err := newTestReconciler(t, store, q, now).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Abandoned: 1}, res)

	got, err := store.Get(context.Background(), "pl-tired")
	require.NoError(t, err)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Equal(t, AbandonedReason, got.Error)
}

func TestSweep_EnqueueFailureStillCounts(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := job.NewMemoryStore()
	put(t, store, job.NewPending("pl-1", "u1", answers, now.Add(-time.Hour)))

	ctrl := gomock.NewController(t)
	q := mocks.NewMockQueue(ctrl)
	q.EXPECT().Enqueue(gomock.Any(), gomock.Any(), "pl-1").Return("", errors.New("queue down"))

	res, err := newTestReconciler(t, store, q, now).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	got, err := store.Get(context.Background(), "pl-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Enqueues)
	assert.Equal(t, job.StatusPending, got.Status)
}

func TestSweep_ListFailure(t *testing.T) {
	rec := newTestReconciler(t, brokenLister{job.NewMemoryStore()}, queue.NewMemoryQueue(1, 0, nil), time.Now())
	_, err := rec.Sweep(context.Background())
	assert.ErrorIs(t, err, job.ErrUnavailable)
}

func TestNew_Validation(t *testing.T) {
	q := queue.NewMemoryQueue(1, 0, nil)

	_, err := New(getOnly{job.NewMemoryStore()}, q, defaultOpts, nil)
	assert.ErrorIs(t, err, ErrNotSupported)

	bad := defaultOpts
	bad.Schedule = "every minute"
	_, err = New(job.NewMemoryStore(), q, bad, nil)
	assert.Error(t, err)

	bad = defaultOpts
	bad.PendingAge = 0
	_, err = New(job.NewMemoryStore(), q, bad, nil)
	assert.Error(t, err)

	cronOpts := defaultOpts
	cronOpts.Schedule = "*/5 * * * *"
	_, err = New(job.NewMemoryStore(), q, cronOpts, nil)
	assert.NoError(t, err)
}

func TestRun_SweepsOnScheduleAndStops(t *testing.T) {
	store := job.NewMemoryStore()
	put(t, store, job.NewPending("pl-stale", "u1", answers, time.Now().Add(-time.Hour)))
	q := queue.NewMemoryQueue(10, time.Minute, nil)

	opts := defaultOpts
	opts.Schedule = "@every 1s"
	rec, err := New(store, q, opts, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	d, err := q.Receive(withTimeout(t, 5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "pl-stale", d.Item.ID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func withTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

type getOnly struct{ job.Store }

type brokenLister struct{ *job.MemoryStore }

func (brokenLister) ListPending(context.Context, time.Time, int) ([]*job.Record, error) {
	return nil, job.ErrUnavailable
}

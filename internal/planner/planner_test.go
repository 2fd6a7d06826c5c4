package planner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
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

func TestSubmit_WritesRecordThenEnqueues(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := job.NewMemoryStore()
	q := mocks.NewMockQueue(ctrl)
	svc := NewService(store, q, nil)

	var enqueued job.WorkItem
	q.EXPECT().Enqueue(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, item job.WorkItem, dedupKey string) (string, error) {
			// The record must already be readable when the item is queued.
			r, err := store.Get(ctx, item.ID)
			require.NoError(t, err)
			assert.Equal(t, job.StatusPending, r.Status)
			assert.Equal(t, item.ID, dedupKey)
			enqueued = item
			return "msg-1", nil
		})

	sub, err := svc.Submit(context.Background(), "u1", answers)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sub.PlanID, job.IDPrefix))
	assert.Equal(t, "msg-1", sub.MessageID)

	assert.Equal(t, sub.PlanID, enqueued.ID)
	assert.Equal(t, "u1", enqueued.RequesterID)
	assert.JSONEq(t, string(answers), string(enqueued.Answers))

	r, err := store.Get(context.Background(), sub.PlanID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, r.Status)
	assert.Equal(t, "u1", r.RequesterID)
	assert.Empty(t, r.Result)
}

func TestSubmit_FreshIDs(t *testing.T) {
	svc := NewService(job.NewMemoryStore(), queue.NewMemoryQueue(10, time.Minute, nil), nil)
	a, err := svc.Submit(context.Background(), "u1", answers)
	require.NoError(t, err)
	b, err := svc.Submit(context.Background(), "u1", answers)
	require.NoError(t, err)
	assert.NotEqual(t, a.PlanID, b.PlanID)
	assert.NotEqual(t, a.MessageID, b.MessageID)
}

func TestSubmit_RejectsMissingAnswers(t *testing.T) {
	for name, raw := range map[string]json.RawMessage{
		"nil":        nil,
		"empty":      json.RawMessage(``),
		"whitespace": json.RawMessage("  \n"),
		"null":       json.RawMessage(`null`),
		"not json":   json.RawMessage(`{goal:`),
	} {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			store := mocks.NewMockStore(ctrl)
			q := mocks.NewMockQueue(ctrl)
			store.EXPECT().Put(gomock.Any(), gomock.Any()).Times(0)
			q.EXPECT().Enqueue(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

			_, err := NewService(store, q, nil).Submit(context.Background(), "u1", raw)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestSubmit_StoreFailureEnqueuesNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	q := mocks.NewMockQueue(ctrl)
	store.EXPECT().Put(gomock.Any(), gomock.Any()).Return(job.ErrUnavailable)
	q.EXPECT().Enqueue(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	sub, err := NewService(store, q, nil).Submit(context.Background(), "u1", answers)
	assert.ErrorIs(t, err, job.ErrUnavailable)
	assert.Empty(t, sub.PlanID)
}

func TestSubmit_EnqueueFailureStillReturnsID(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := job.NewMemoryStore()
	q := mocks.NewMockQueue(ctrl)
	q.EXPECT().Enqueue(gomock.Any(), gomock.Any(), gomock.Any()).Return("", errors.New("queue down"))

	sub, err := NewService(store, q, nil).Submit(context.Background(), "u1", answers)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.PlanID)
	assert.Empty(t, sub.MessageID)

	r, err := store.Get(context.Background(), sub.PlanID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, r.Status)
	assert.JSONEq(t, string(answers), string(r.Answers), "the record keeps what the reconciler needs")
}

func TestStatus(t *testing.T) {
	store := job.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	pending := job.NewPending("pl-pending", "u1", answers, now)
	require.NoError(t, store.Put(ctx, pending))

	done := job.NewPending("pl-done", "u1", answers, now).
		Complete(json.RawMessage(`{"plan":[{"day":"Monday","focus":"Legs","exercises":[{"name":"Squat","reps":5,"sets":5,"rest":90}]}]}`), now)
	require.NoError(t, store.Put(ctx, done))

	failed := job.NewPending("pl-failed", "u1", answers, now).Fail("upstream 500", now)
	require.NoError(t, store.Put(ctx, failed))

	svc := NewService(store, nil, nil)

	rep, err := svc.Status(ctx, "pl-missing")
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, rep.State)

	rep, err = svc.Status(ctx, "pl-pending")
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, rep.State)
	assert.Nil(t, rep.Plan)

	rep, err = svc.Status(ctx, "pl-failed")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rep.State)
	assert.Nil(t, rep.Plan)

	rep, err = svc.Status(ctx, "pl-done")
	require.NoError(t, err)
	assert.Equal(t, StateComplete, rep.State)
	require.NotNil(t, rep.Plan)
	require.Len(t, rep.Plan.Plan, 1)
	assert.Equal(t, "Squat", rep.Plan.Plan[0].Exercises[0].Name)
}

func TestStatus_StoreFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Get(gomock.Any(), "pl-1").Return(nil, job.ErrUnavailable)

	_, err := NewService(store, nil, nil).Status(context.Background(), "pl-1")
	assert.ErrorIs(t, err, job.ErrUnavailable)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "not_found", StateNotFound.String())
	assert.Equal(t, "in_progress", StateInProgress.String())
	assert.Equal(t, "complete", StateComplete.String())
	assert.Equal(t, "failed", StateFailed.String())
}

package job

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newTestStore(t) })
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "plangate.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)

	now := time.Now()
	r := NewPending("pl-persist", "u1", json.RawMessage(`{"goal":"strength"}`), now)
	require.NoError(t, store.Put(ctx, r))
	ok, err := store.Finalize(ctx, r.Complete(json.RawMessage(`{"plan":[{"day":"Monday"}]}`), now))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.Get(ctx, "pl-persist")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.JSONEq(t, `{"plan":[{"day":"Monday"}]}`, string(got.Result))
	assert.JSONEq(t, `{"goal":"strength"}`, string(got.Answers))
}

func TestSQLiteStore_GetAfterClose_IsUnavailable(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.Get(context.Background(), "pl-1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

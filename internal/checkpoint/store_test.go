package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), t.TempDir()+"/checkpoint.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLoadPositionRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	pos, err := store.LoadPosition(ctx, "src", "warehouse")
	require.NoError(t, err)
	require.Equal(t, int64(0), pos.LastAuditID)

	require.NoError(t, store.SavePosition(ctx, Position{Source: "src", Target: "warehouse", LastAuditID: 42, TotalEvents: 5}))

	pos, err = store.LoadPosition(ctx, "src", "warehouse")
	require.NoError(t, err)
	require.Equal(t, int64(42), pos.LastAuditID)
	require.Equal(t, int64(5), pos.TotalEvents)

	require.NoError(t, store.SavePosition(ctx, Position{Source: "src", Target: "warehouse", LastAuditID: 99, TotalEvents: 6}))
	pos, err = store.LoadPosition(ctx, "src", "warehouse")
	require.NoError(t, err)
	require.Equal(t, int64(99), pos.LastAuditID)
}

func TestSaveAndLoadBackfillPositionRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	pos, err := store.LoadBackfillPosition(ctx, "src", "users", "warehouse")
	require.NoError(t, err)
	require.Equal(t, BackfillStatus(""), pos.Status)

	require.NoError(t, store.SaveBackfillPosition(ctx, BackfillPosition{
		Source: "src", Table: "users", Target: "warehouse",
		LastPK: "60", Status: StatusRunning, RowsCopied: 60,
	}))

	pos, err = store.LoadBackfillPosition(ctx, "src", "users", "warehouse")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, pos.Status)
	require.Equal(t, "60", pos.LastPK)
	require.Equal(t, int64(60), pos.RowsCopied)
}

func TestResetBackfillPositionDeletesCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.SaveBackfillPosition(ctx, BackfillPosition{
		Source: "src", Table: "users", Target: "warehouse", Status: StatusCompleted,
	}))
	require.NoError(t, store.ResetBackfillPosition(ctx, "src", "users", "warehouse"))

	pos, err := store.LoadBackfillPosition(ctx, "src", "users", "warehouse")
	require.NoError(t, err)
	require.Equal(t, BackfillStatus(""), pos.Status)
}

func TestHandoffIDPersistsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, pinned, err := store.LoadHandoffID(ctx, "src")
	require.NoError(t, err)
	require.False(t, pinned)

	require.NoError(t, store.SaveHandoffID(ctx, "src", 100))

	// A second pin attempt must not overwrite the first: the boundary is
	// fixed for the duration of one initial sync run.
	require.NoError(t, store.SaveHandoffID(ctx, "src", 200))

	id, pinned, err := store.LoadHandoffID(ctx, "src")
	require.NoError(t, err)
	require.True(t, pinned)
	require.Equal(t, int64(100), id)

	require.NoError(t, store.ClearHandoffID(ctx, "src"))
	_, pinned, err = store.LoadHandoffID(ctx, "src")
	require.NoError(t, err)
	require.False(t, pinned)
}

func TestRecordAndRecentErrors(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.RecordError(ctx, ErrorEntry{
		Source: "src", Target: "warehouse", EventID: "1:users:1", Kind: "data", Message: "boom",
	}))

	errs, err := store.RecentErrors(ctx, "src", "warehouse", 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, "1:users:1", errs[0].EventID)
	require.Equal(t, "data", errs[0].Kind)
}

package audit

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/audit.db?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(context.Background(), db))
	return db
}

func TestEventIDFormat(t *testing.T) {
	rec := &Record{ID: 7, TableName: "users", RowID: "3"}
	require.Equal(t, "7:users:3", rec.EventID())
}

func TestAppendAssignsIDAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	rec := &Record{
		TableName: "users",
		Operation: OpInsert,
		RowID:     "1",
		AfterData: map[string]any{"id": float64(1), "name": "Zhang"},
	}
	require.NoError(t, Append(ctx, db, rec))
	require.Equal(t, int64(1), rec.ID)

	r := NewReader(db, 10, 0)
	r.Start(ctx, 0)
	recs, err := r.FetchBatch(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, OpInsert, recs[0].Operation)
	require.Equal(t, "users", recs[0].TableName)
	require.Nil(t, recs[0].BeforeData)
	require.Equal(t, map[string]any{"id": float64(1), "name": "Zhang"}, recs[0].AfterData)
}

func TestMaxIDReflectsInsertedRows(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	id, err := MaxID(ctx, db)
	require.NoError(t, err)
	require.Equal(t, int64(0), id)

	for i := 0; i < 3; i++ {
		require.NoError(t, Append(ctx, db, &Record{TableName: "users", Operation: OpInsert, RowID: "1"}))
	}

	id, err = MaxID(ctx, db)
	require.NoError(t, err)
	require.Equal(t, int64(3), id)
}

func TestMarkConsumedIsIdempotentAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, Append(ctx, db, &Record{TableName: "users", Operation: OpInsert, RowID: "1"}))
	}

	r := NewReader(db, 10, 0)
	r.Start(ctx, 0)
	require.NoError(t, r.MarkConsumed(ctx, 2))
	require.Equal(t, int64(2), r.Cursor())

	// A second call with the same (or an earlier) id is a no-op.
	require.NoError(t, r.MarkConsumed(ctx, 2))
	require.Equal(t, int64(2), r.Cursor())

	recs, err := r.FetchBatch(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(3), recs[0].ID)
}

package capture

import (
	"context"
	"database/sql"
	"testing"

	"github.com/WingsGo/sqlite-cdc/internal/audit"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T, opts ...Option) (*sql.DB, *Conn) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/source.db?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, email TEXT)`)
	require.NoError(t, err)

	conn, err := New(context.Background(), db, opts...)
	require.NoError(t, err)
	return db, conn
}

func fetchAuditRows(t *testing.T, db *sql.DB) []audit.Record {
	t.Helper()
	r := audit.NewReader(db, 100, 0)
	r.Start(context.Background(), 0)
	recs, err := r.FetchBatch(context.Background())
	require.NoError(t, err)
	return recs
}

// TestExecBatchCapturesInsert implements spec.md §8 scenario 1.
func TestExecBatchCapturesInsert(t *testing.T) {
	ctx := context.Background()
	db, conn := openTestDB(t)

	_, err := conn.Exec(ctx, `INSERT INTO users(name, email) VALUES (?, ?)`, "Zhang", "z@x.com")
	require.NoError(t, err)

	recs := fetchAuditRows(t, db)
	require.Len(t, recs, 1)
	rec := recs[0]
	require.Equal(t, audit.OpInsert, rec.Operation)
	require.Equal(t, "1", rec.RowID)
	require.Nil(t, rec.BeforeData)
	require.Equal(t, map[string]any{"id": int64(1), "name": "Zhang", "email": "z@x.com"}, rec.AfterData)
}

// TestExecBatchCapturesUpdate implements spec.md §8 scenario 2.
func TestExecBatchCapturesUpdate(t *testing.T) {
	ctx := context.Background()
	db, conn := openTestDB(t)

	_, err := conn.Exec(ctx, `INSERT INTO users(id, name, email) VALUES (?, ?, ?)`, 1, "Zhang", "z@x.com")
	require.NoError(t, err)
	_, err = conn.Exec(ctx, `UPDATE users SET name = ? WHERE id = ?`, "Li", 1)
	require.NoError(t, err)

	recs := fetchAuditRows(t, db)
	require.Len(t, recs, 2)
	rec := recs[1]
	require.Equal(t, audit.OpUpdate, rec.Operation)
	require.Equal(t, map[string]any{"id": int64(1), "name": "Zhang", "email": "z@x.com"}, rec.BeforeData)
	require.Equal(t, map[string]any{"id": int64(1), "name": "Li", "email": "z@x.com"}, rec.AfterData)
}

func TestExecBatchCapturesDelete(t *testing.T) {
	ctx := context.Background()
	db, conn := openTestDB(t)

	_, err := conn.Exec(ctx, `INSERT INTO users(id, name, email) VALUES (?, ?, ?)`, 1, "Zhang", "z@x.com")
	require.NoError(t, err)
	_, err = conn.Exec(ctx, `DELETE FROM users WHERE id = ?`, 1)
	require.NoError(t, err)

	recs := fetchAuditRows(t, db)
	require.Len(t, recs, 2)
	rec := recs[1]
	require.Equal(t, audit.OpDelete, rec.Operation)
	require.Nil(t, rec.AfterData)
	require.Equal(t, map[string]any{"id": int64(1), "name": "Zhang", "email": "z@x.com"}, rec.BeforeData)
}

func TestExecBatchSkipsCaptureOutsideAllowList(t *testing.T) {
	ctx := context.Background()
	db, conn := openTestDB(t, WithAllowList([]string{"other_table"}))

	_, err := conn.Exec(ctx, `INSERT INTO users(name, email) VALUES (?, ?)`, "Zhang", "z@x.com")
	require.NoError(t, err)

	require.Empty(t, fetchAuditRows(t, db))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestExecBatchFallsBackToDirectExecForNonDML(t *testing.T) {
	ctx := context.Background()
	db, conn := openTestDB(t)

	_, err := conn.Exec(ctx, `CREATE TABLE other (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE name = 'other'`).Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "other", name)
}

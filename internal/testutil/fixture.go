// Package testutil provides a fixture wiring together a temporary
// SQLite source database (with a capture.Conn over it) and a temporary
// checkpoint store, for use by other packages' tests. It holds no fake
// target; tests supply their own target.Writer.
//
// Grounded on the teacher's internal/sinktest/all.Fixture, which
// embeds a base fixture and adds the extra database-backed services a
// given test package needs; adapted here from CockroachDB-target
// fixtures to this module's SQLite-source / pluggable-target shape.
package testutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/WingsGo/sqlite-cdc/internal/capture"
	"github.com/WingsGo/sqlite-cdc/internal/checkpoint"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// Fixture bundles the database handles a package test needs.
type Fixture struct {
	T          *testing.T
	SourceDB   *sql.DB
	Conn       *capture.Conn
	Checkpoint *checkpoint.Store
}

// NewFixture opens a temp-file SQLite source (WAL mode, matching
// spec.md §6's required journal_mode) and a temp-file checkpoint
// store, wires a capture.Conn over the source, and registers cleanup.
func NewFixture(t *testing.T, opts ...capture.Option) *Fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/source.db?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn, err := capture.New(ctx, db, opts...)
	require.NoError(t, err)

	store, err := checkpoint.Open(ctx, t.TempDir()+"/checkpoint.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &Fixture{T: t, SourceDB: db, Conn: conn, Checkpoint: store}
}

// CreateSourceTable runs a CREATE TABLE statement directly against the
// source database (bypassing capture, since DDL is not audited).
func (f *Fixture) CreateSourceTable(ddl string) {
	f.T.Helper()
	_, err := f.SourceDB.Exec(ddl)
	require.NoError(f.T, err)
}

// Package audit implements the append-only audit log that the
// interception wrapper writes into and the incremental reader
// consumes from. Both live inside the same SQLite source database.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Operation enumerates the three kinds of DML this system captures.
type Operation string

// The three operations recorded by the interception wrapper.
const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Record is a single row of the audit log: one captured DML effect
// against one row of one source table.
type Record struct {
	ID         int64
	TableName  string
	Operation  Operation
	RowID      string
	BeforeData map[string]any // nil for INSERT
	AfterData  map[string]any // nil for DELETE
	CreatedAt  time.Time
	ConsumedAt *time.Time
	RetryCount int
}

// EventID returns the globally-unique (within a source) identifier for
// this record, used to key downstream events and error-log entries, in
// the "{id}:{table}:{row_id}" format spec.md §3 documents.
func (r *Record) EventID() string {
	return itoa(r.ID) + ":" + r.TableName + ":" + r.RowID
}

func itoa(v int64) string {
	// Avoid importing strconv just for one call site twice; kept local
	// and trivial.
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Querier is implemented by *sql.DB and *sql.Tx. It is the minimal
// surface audit, capture, and checkpoint code needs to operate
// interchangeably inside or outside of a caller-managed transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	operation TEXT NOT NULL,
	row_id TEXT NOT NULL,
	before_data TEXT,
	after_data TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	consumed_at DATETIME,
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_log_unconsumed ON audit_log(id) WHERE consumed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_audit_log_table_created ON audit_log(table_name, created_at);
`

// EnsureSchema creates the audit_log table and its indexes if they do
// not already exist. It is safe to call repeatedly.
func EnsureSchema(ctx context.Context, db Querier) error {
	_, err := db.ExecContext(ctx, schema)
	return errors.Wrap(err, "ensure audit schema")
}

const insertTemplate = `
INSERT INTO audit_log (table_name, operation, row_id, before_data, after_data)
VALUES (?, ?, ?, ?, ?)
`

// Append writes one audit record within the given querier (expected to
// be a transaction shared with the originating business write) and
// populates rec.ID and rec.CreatedAt from the write.
func Append(ctx context.Context, q Querier, rec *Record) error {
	before, err := encode(rec.BeforeData)
	if err != nil {
		return errors.Wrap(err, "encode before image")
	}
	after, err := encode(rec.AfterData)
	if err != nil {
		return errors.Wrap(err, "encode after image")
	}

	res, err := q.ExecContext(ctx, insertTemplate, rec.TableName, string(rec.Operation), rec.RowID, before, after)
	if err != nil {
		return errors.Wrap(err, "insert audit record")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "read inserted audit id")
	}
	rec.ID = id
	rec.CreatedAt = time.Now().UTC()
	return nil
}

func encode(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decode(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Package capture implements the interception wrapper described in
// spec.md §4.1: it intercepts DML statements against the SQLite source,
// and atomically records a before/after image of every affected row
// into the audit log, in the same transaction as the business write.
package capture

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/WingsGo/sqlite-cdc/internal/audit"
	"github.com/WingsGo/sqlite-cdc/internal/util/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Conn wraps a *sql.DB handle to the source database so that every
// statement submitted through it passes through classification and,
// for INSERT/UPDATE/DELETE against an allowed table, audit capture.
type Conn struct {
	db    *sql.DB
	allow map[string]bool // empty = all tables allowed
	pk    map[string]string
}

// Option configures a Conn at construction time.
type Option func(*Conn)

// WithAllowList restricts capture to the named tables. An empty or
// unset allow-list means all tables are captured.
func WithAllowList(tables []string) Option {
	return func(c *Conn) {
		for _, t := range tables {
			c.allow[t] = true
		}
	}
}

// WithPrimaryKey overrides the primary-key column whose value becomes
// an audit record's row_id and pairs an UPDATE's before and after
// images. Images themselves are selected by the statement's WHERE
// clause (or, for INSERT, by rowid). If unset, "id" is assumed.
func WithPrimaryKey(table, column string) Option {
	return func(c *Conn) {
		c.pk[table] = column
	}
}

// New wraps db and ensures the audit_log table exists.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Conn, error) {
	c := &Conn{
		db:    db,
		allow: make(map[string]bool),
		pk:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := audit.EnsureSchema(ctx, db); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) allowed(table string) bool {
	if len(c.allow) == 0 {
		return true
	}
	return c.allow[table]
}

func (c *Conn) primaryKey(table string) string {
	if col, ok := c.pk[table]; ok {
		return col
	}
	return "id"
}

// Exec submits a single statement through the wrapper. OTHER statements
// (and DML against tables outside the allow-list) are executed directly.
// INSERT/UPDATE/DELETE against an allowed table are captured per the
// contract in spec.md §4.1.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	results, err := c.ExecBatch(ctx, query, [][]any{args})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// ExecBatch submits N parameter tuples against the same statement, as a
// bulk form. All N audit rows are appended in tuple order within a
// single transaction shared with the N business writes.
func (c *Conn) ExecBatch(ctx context.Context, query string, argSets [][]any) ([]sql.Result, error) {
	cl := classify(query)
	if cl.failed {
		metrics.CaptureUnclassifiedTotal.Inc()
		log.WithField("query", query).Warn("could not classify statement table, executing without capture")
		return c.execDirect(ctx, query, argSets)
	}
	if cl.kind == kindOther || !c.allowed(cl.table) {
		if cl.kind != kindOther {
			log.WithField("table", cl.table).Debug("table not in capture allow-list, executing without capture")
		}
		return c.execDirect(ctx, query, argSets)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin capture transaction")
	}
	defer func() { _ = tx.Rollback() }()

	results := make([]sql.Result, 0, len(argSets))
	for _, args := range argSets {
		res, err := c.captureOne(ctx, tx, cl, query, args)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit capture transaction")
	}
	return results, nil
}

func (c *Conn) execDirect(ctx context.Context, query string, argSets [][]any) ([]sql.Result, error) {
	out := make([]sql.Result, 0, len(argSets))
	for _, args := range argSets {
		res, err := c.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, errors.Wrap(err, "execute statement")
		}
		out = append(out, res)
	}
	return out, nil
}

var whereRe = regexp.MustCompile(`(?is)\bWHERE\b`)

// splitWhere separates a statement into its pre-WHERE portion and the
// WHERE clause (including the WHERE keyword), and splits its arguments
// into the portion bound before WHERE and the portion bound within it,
// assuming placeholders are consumed left-to-right. Statements with no
// WHERE clause return an empty where clause and no where args.
func splitWhere(query string, args []any) (before string, whereClause string, whereArgs []any) {
	loc := whereRe.FindStringIndex(query)
	if loc == nil {
		return query, "", nil
	}
	before = query[:loc[0]]
	whereClause = query[loc[0]:]
	n := strings.Count(whereClause, "?")
	if n > len(args) {
		n = len(args)
	}
	return before, whereClause, args[len(args)-n:]
}

// captureOne executes a single INSERT/UPDATE/DELETE tuple within tx,
// capturing before/after images and appending audit rows for every
// affected row, per spec.md §4.1.
func (c *Conn) captureOne(ctx context.Context, tx *sql.Tx, cl classified, query string, args []any) (sql.Result, error) {
	pkCol := c.primaryKey(cl.table)

	var beforeRows []map[string]any
	var whereClause string
	var whereArgs []any
	if cl.kind == kindUpdate || cl.kind == kindDelete {
		_, whereClause, whereArgs = splitWhere(query, args)
		rows, err := selectRows(ctx, tx, cl.table, whereClause, whereArgs)
		if err != nil {
			return nil, errors.Wrap(err, "capture before image")
		}
		beforeRows = rows
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "execute captured statement")
	}

	var afterRows []map[string]any
	switch cl.kind {
	case kindInsert:
		id, err := res.LastInsertId()
		if err != nil {
			return nil, errors.Wrap(err, "read last insert id")
		}
		rows, err := selectRows(ctx, tx, cl.table, "WHERE rowid = ?", []any{id})
		if err != nil {
			return nil, errors.Wrap(err, "capture after image")
		}
		afterRows = rows
	case kindUpdate:
		rows, err := selectRows(ctx, tx, cl.table, whereClause, whereArgs)
		if err != nil {
			return nil, errors.Wrap(err, "capture after image")
		}
		afterRows = rows
	}

	switch cl.kind {
	case kindInsert:
		for _, after := range afterRows {
			if err := appendAudit(ctx, tx, cl, pkCol, nil, after); err != nil {
				return nil, err
			}
		}
	case kindDelete:
		for _, before := range beforeRows {
			if err := appendAudit(ctx, tx, cl, pkCol, before, nil); err != nil {
				return nil, err
			}
		}
	case kindUpdate:
		// Pair before/after rows by primary key so that each affected
		// row produces exactly one audit record, per spec.md's "if the
		// statement affects multiple rows, capture each independently".
		byKey := make(map[string]map[string]any, len(afterRows))
		for _, after := range afterRows {
			byKey[fmt.Sprint(after[pkCol])] = after
		}
		for _, before := range beforeRows {
			after := byKey[fmt.Sprint(before[pkCol])]
			if err := appendAudit(ctx, tx, cl, pkCol, before, after); err != nil {
				return nil, err
			}
		}
	}

	return res, nil
}

func appendAudit(ctx context.Context, tx *sql.Tx, cl classified, pkCol string, before, after map[string]any) error {
	rowID := rowIDOf(pkCol, before, after)
	rec := &audit.Record{
		TableName:  cl.table,
		Operation:  cl.kind.operation(),
		RowID:      rowID,
		BeforeData: before,
		AfterData:  after,
	}
	if err := audit.Append(ctx, tx, rec); err != nil {
		return errors.Wrap(err, "append audit record")
	}
	metrics.CaptureRowsTotal.WithLabelValues(cl.table, string(rec.Operation)).Inc()
	return nil
}

func rowIDOf(pkCol string, before, after map[string]any) string {
	if after != nil {
		if v, ok := after[pkCol]; ok {
			return fmt.Sprint(v)
		}
	}
	if before != nil {
		if v, ok := before[pkCol]; ok {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// selectRows runs "SELECT * FROM table <whereClause>" with whereArgs
// and materializes the matched rows as column-name->value maps.
func selectRows(ctx context.Context, tx *sql.Tx, table, whereClause string, whereArgs []any) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT * FROM %s %s", table, whereClause)
	rows, err := tx.QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, col := range cols {
			m[col] = normalize(vals[i])
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// normalize converts driver-returned []byte values (which the SQLite
// driver uses for TEXT columns) into plain strings, so that JSON
// encoding of before/after images produces strings rather than
// base64-encoded byte arrays.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

package mysqldialect

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/WingsGo/sqlite-cdc/internal/target"
	"github.com/WingsGo/sqlite-cdc/internal/util/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ApplyBatch groups all upserts into a single batched upsert statement
// and applies all deletes in one pass of per-row DELETE statements. If
// either step fails, it is repeated one op at a time — so a single bad
// row cannot poison the whole batch, per spec.md §4.4's Dialect A contract.
func (w *Writer) ApplyBatch(ctx context.Context, table string, primaryKey []string, ops []target.Op) error {
	var upserts, deletes []target.Op
	for _, op := range ops {
		switch op.Kind {
		case target.OpUpsert:
			upserts = append(upserts, op)
		case target.OpDelete:
			deletes = append(deletes, op)
		}
	}

	if len(upserts) > 0 {
		if err := w.applyUpserts(ctx, table, primaryKey, upserts); err != nil {
			metrics.WriterApplyErrors.WithLabelValues(w.cfg.Name).Inc()
			log.WithError(err).WithField("table", table).Warn("batched upsert failed, falling back to per-row")
			for _, op := range upserts {
				if err := w.applyUpserts(ctx, table, primaryKey, []target.Op{op}); err != nil {
					return errors.Wrapf(err, "upsert row in %s", table)
				}
			}
		}
	}

	if len(deletes) > 0 {
		if err := w.applyDeletes(ctx, table, primaryKey, deletes); err != nil {
			metrics.WriterApplyErrors.WithLabelValues(w.cfg.Name).Inc()
			log.WithError(err).WithField("table", table).Warn("batched delete failed, falling back to per-row")
			for _, op := range deletes {
				if err := w.applyDeletes(ctx, table, primaryKey, []target.Op{op}); err != nil {
					return errors.Wrapf(err, "delete row in %s", table)
				}
			}
		}
	}

	return nil
}

// applyUpserts builds a single
//
//	INSERT INTO t (cols...) VALUES (...), (...), ...
//	ON DUPLICATE KEY UPDATE col=VALUES(col), ...
//
// statement for all given rows. Column order is the union of every
// row's keys, sorted, so that all VALUES tuples line up.
func (w *Writer) applyUpserts(ctx context.Context, table string, primaryKey []string, ops []target.Op) error {
	cols := unionColumns(ops)
	if len(cols) == 0 {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (", table)
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(ops)*len(cols))
	for i, op := range ops {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, col := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			args = append(args, op.Row[col])
		}
		sb.WriteString(")")
	}

	sb.WriteString(" ON DUPLICATE KEY UPDATE ")
	var updateCols []string
	for _, col := range cols {
		if isPrimaryKey(col, primaryKey) {
			continue
		}
		updateCols = append(updateCols, fmt.Sprintf("%s = VALUES(%s)", col, col))
	}
	if len(updateCols) == 0 {
		// Every column is part of the key: updating is a no-op, but
		// the statement must still be valid SQL.
		updateCols = []string{fmt.Sprintf("%s = VALUES(%s)", cols[0], cols[0])}
	}
	sb.WriteString(strings.Join(updateCols, ", "))

	_, err := w.db.ExecContext(ctx, sb.String(), args...)
	return errors.WithStack(err)
}

func (w *Writer) applyDeletes(ctx context.Context, table string, primaryKey []string, ops []target.Op) error {
	if len(primaryKey) == 0 {
		return errors.Errorf("table %s has no primary key configured, cannot delete", table)
	}
	for _, op := range ops {
		var sb strings.Builder
		fmt.Fprintf(&sb, "DELETE FROM %s WHERE ", table)
		args := make([]any, 0, len(primaryKey))
		for i, col := range primaryKey {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			fmt.Fprintf(&sb, "%s = ?", col)
			args = append(args, op.Key[col])
		}
		if _, err := w.db.ExecContext(ctx, sb.String(), args...); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func unionColumns(ops []target.Op) []string {
	seen := make(map[string]bool)
	for _, op := range ops {
		for col := range op.Row {
			seen[col] = true
		}
	}
	cols := make([]string, 0, len(seen))
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func isPrimaryKey(col string, primaryKey []string) bool {
	for _, pk := range primaryKey {
		if pk == col {
			return true
		}
	}
	return false
}

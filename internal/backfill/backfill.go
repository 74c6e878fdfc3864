// Package backfill implements the initial sync described in spec.md
// §4.6: a handoff-id-first, seek-paginated baseline copy of every
// configured table to every configured target.
package backfill

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/WingsGo/sqlite-cdc/internal/audit"
	"github.com/WingsGo/sqlite-cdc/internal/checkpoint"
	"github.com/WingsGo/sqlite-cdc/internal/config"
	"github.com/WingsGo/sqlite-cdc/internal/target"
	"github.com/WingsGo/sqlite-cdc/internal/transform"
	"github.com/WingsGo/sqlite-cdc/internal/util/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Target pairs a configured name with its live writer, so Syncer does
// not need to know how targets were constructed.
type Target struct {
	Name   string
	Writer target.Writer
}

// Syncer drives the baseline copy of a set of tables to a set of
// targets, checkpointing progress per (table, target) so that a
// restart resumes rather than re-copying from the start.
type Syncer struct {
	SourceName string
	Source     *sql.DB
	Targets    []Target
	Checkpoint *checkpoint.Store
	BatchSize  int
}

// HandoffID pins the boundary at which the incremental reader should
// begin, per spec.md §4.6 step 1: it must be read and persisted before
// any table is scanned, so that every row visible at scan time is
// covered by either the baseline scan or the incremental replay of
// audit rows with id <= handoff_id.
func (s *Syncer) HandoffID(ctx context.Context) (int64, error) {
	return audit.MaxID(ctx, s.Source)
}

// Run performs the baseline copy for every table in mappings, against
// every configured target, in table order. Each table's rows are
// fanned out concurrently via errgroup to every target that has not
// completed that table, and each target's per-(table,target)
// checkpoint advances as soon as that target has applied the page.
func (s *Syncer) Run(ctx context.Context, mappings []config.TableMapping) error {
	batchSize := s.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}

	for _, m := range mappings {
		if err := s.runTable(ctx, m, batchSize); err != nil {
			return errors.Wrapf(err, "backfill table %s", m.SourceTable)
		}
	}
	return nil
}

func (s *Syncer) runTable(ctx context.Context, m config.TableMapping, batchSize int) error {
	mapping, err := m.ToTransformMapping()
	if err != nil {
		return err
	}

	lastPKByTarget := make(map[string]string, len(s.Targets))
	for _, t := range s.Targets {
		pos, err := s.Checkpoint.LoadBackfillPosition(ctx, s.SourceName, m.SourceTable, t.Name)
		if err != nil {
			return err
		}
		if pos.Status == checkpoint.StatusCompleted {
			log.WithFields(log.Fields{"table": m.SourceTable, "target": t.Name}).Info("backfill already completed, skipping")
			continue
		}
		lastPKByTarget[t.Name] = pos.LastPK
	}
	if len(lastPKByTarget) == 0 {
		return nil
	}

	// All targets that still need this table start from the minimum of
	// their individual checkpoints, so a target that lags behind
	// another (e.g. after being added later) still gets every row.
	lastPK := ""
	first := true
	for _, pk := range lastPKByTarget {
		switch {
		case first:
			lastPK, first = pk, false
		case lastPK == "":
			// Already scanning from the start of the table.
		case pk == "":
			lastPK = pk
		default:
			a, errA := strconv.ParseInt(pk, 10, 64)
			b, errB := strconv.ParseInt(lastPK, 10, 64)
			if (errA == nil && errB == nil && a < b) || ((errA != nil || errB != nil) && pk < lastPK) {
				lastPK = pk
			}
		}
	}

	for {
		rows, newLastPK, err := fetchPage(ctx, s.Source, m.SourceTable, m.PrimaryKey, lastPK, batchSize)
		if err != nil {
			return errors.Wrap(err, "fetch backfill page")
		}
		if len(rows) == 0 {
			break
		}

		ops := make([]target.Op, 0, len(rows))
		for _, row := range rows {
			out, ok, err := transform.Apply(row, mapping)
			if err != nil {
				return errors.Wrap(err, "transform backfill row")
			}
			if !ok {
				continue
			}
			ops = append(ops, target.Op{
				Kind: target.OpUpsert,
				Row:  out,
				Key:  map[string]any{m.PrimaryKey: row[m.PrimaryKey]},
			})
		}

		primaryKey := []string{m.PrimaryKey}
		g, gctx := errgroup.WithContext(ctx)
		for _, t := range s.Targets {
			if _, pending := lastPKByTarget[t.Name]; !pending {
				continue
			}
			t := t
			g.Go(func() error {
				if err := t.Writer.ApplyBatch(gctx, m.TargetTable, primaryKey, ops); err != nil {
					return errors.Wrapf(err, "apply backfill page to %s", t.Name)
				}
				return s.Checkpoint.SaveBackfillPosition(gctx, checkpoint.BackfillPosition{
					Source:     s.SourceName,
					Table:      m.SourceTable,
					Target:     t.Name,
					LastPK:     newLastPK,
					Status:     checkpoint.StatusRunning,
					RowsCopied: int64(len(ops)),
				})
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		metrics.BackfillRowsTotal.WithLabelValues(m.SourceTable).Add(float64(len(rows)))
		lastPK = newLastPK
	}

	for _, t := range s.Targets {
		if _, pending := lastPKByTarget[t.Name]; !pending {
			continue
		}
		if err := s.Checkpoint.SaveBackfillPosition(ctx, checkpoint.BackfillPosition{
			Source: s.SourceName,
			Table:  m.SourceTable,
			Target: t.Name,
			LastPK: lastPK,
			Status: checkpoint.StatusCompleted,
		}); err != nil {
			return err
		}
	}
	return nil
}

// fetchPage runs the seek-pagination query
//
//	SELECT * FROM table WHERE pk > ? ORDER BY pk LIMIT ?
//
// never offset-based, per spec.md §4.6. An empty lastPK scans from the
// minimum.
func fetchPage(ctx context.Context, db *sql.DB, table, pk, lastPK string, limit int) ([]map[string]any, string, error) {
	var query string
	var args []any
	if lastPK == "" {
		query = fmt.Sprintf("SELECT * FROM %s ORDER BY %s ASC LIMIT ?", table, pk)
		args = []any{limit}
	} else {
		query = fmt.Sprintf("SELECT * FROM %s WHERE %s > ? ORDER BY %s ASC LIMIT ?", table, pk, pk)
		args = []any{lastPK, limit}
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, lastPK, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, lastPK, err
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, lastPK, err
		}
		m := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				m[col] = string(b)
			} else {
				m[col] = vals[i]
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, lastPK, err
	}
	if len(out) > 0 {
		lastPK = fmt.Sprint(out[len(out)-1][pk])
	}
	return out, lastPK, nil
}

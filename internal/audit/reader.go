package audit

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/WingsGo/sqlite-cdc/internal/util/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Reader polls the audit log in ascending id order, producing bounded
// batches of records that have not yet been marked consumed. A Reader
// is single-writer-cursor: only one reader should be active against a
// given source at a time.
type Reader struct {
	db           *sql.DB
	batchSize    int
	pollInterval time.Duration

	mu     sync.Mutex
	cursor int64
}

// NewReader constructs a Reader against the given source database
// handle. batchSize and pollInterval come from the engine's
// configuration.
func NewReader(db *sql.DB, batchSize int, pollInterval time.Duration) *Reader {
	if batchSize <= 0 {
		batchSize = 100
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Reader{db: db, batchSize: batchSize, pollInterval: pollInterval}
}

// Start opens the reader from the given floor: the next FetchBatch call
// will only return records with id > fromID.
func (r *Reader) Start(_ context.Context, fromID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = fromID
}

// Cursor returns the last id passed to MarkConsumed (or the floor
// passed to Start, if MarkConsumed has not yet been called).
func (r *Reader) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

const selectBatchTemplate = `
SELECT id, table_name, operation, row_id, before_data, after_data, created_at, consumed_at, retry_count
FROM audit_log
WHERE id > ?
ORDER BY id ASC
LIMIT ?
`

// FetchBatch returns up to r.batchSize records with id > cursor, in
// strictly ascending id order. It does not advance the cursor; callers
// must call MarkConsumed with the ids they have durably applied.
func (r *Reader) FetchBatch(ctx context.Context) ([]Record, error) {
	start := time.Now()
	defer func() { metrics.ReaderFetchDuration.Observe(time.Since(start).Seconds()) }()

	cursor := r.Cursor()
	rows, err := r.db.QueryContext(ctx, selectBatchTemplate, cursor, r.batchSize)
	if err != nil {
		return nil, errors.Wrap(err, "fetch audit batch")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var before, after sql.NullString
		var consumedAt sql.NullTime
		var op string
		if err := rows.Scan(&rec.ID, &rec.TableName, &op, &rec.RowID, &before, &after,
			&rec.CreatedAt, &consumedAt, &rec.RetryCount); err != nil {
			return nil, errors.Wrap(err, "scan audit record")
		}
		rec.Operation = Operation(op)
		if rec.BeforeData, err = decode(before); err != nil {
			return nil, errors.Wrap(err, "decode before image")
		}
		if rec.AfterData, err = decode(after); err != nil {
			return nil, errors.Wrap(err, "decode after image")
		}
		if consumedAt.Valid {
			t := consumedAt.Time
			rec.ConsumedAt = &t
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate audit batch")
}

const markConsumedTemplate = `
UPDATE audit_log SET consumed_at = CURRENT_TIMESTAMP
WHERE id > ? AND id <= ? AND consumed_at IS NULL
`

// MarkConsumed advances the cursor to lastID and marks every row in
// (previous cursor, lastID] as consumed. It is idempotent: calling it
// twice with the same lastID is a no-op the second time.
func (r *Reader) MarkConsumed(ctx context.Context, lastID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lastID <= r.cursor {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, markConsumedTemplate, r.cursor, lastID); err != nil {
		return errors.Wrap(err, "mark audit rows consumed")
	}
	r.cursor = lastID
	return nil
}

// WaitForBatch blocks until a non-empty batch is available or ctx is
// canceled. A non-empty batch, full or partial, is returned at once;
// the reader sleeps for pollInterval only after an empty fetch, so a
// caller that calls again after a partial batch fetches again without
// waiting. A timer is
// reused across iterations (rather than repeated time.After calls) so
// that a fast-moving backlog does not leak a goroutine per poll tick.
func (r *Reader) WaitForBatch(ctx context.Context) ([]Record, error) {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	for {
		batch, err := r.FetchBatch(ctx)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			// Non-empty batch: return immediately without sleeping,
			// whether or not it is full.
			return batch, nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.pollInterval)

		select {
		case <-timer.C:
			// Poll again.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Lag reports how many audit rows remain unconsumed after the cursor,
// for use in backpressure decisions and status reporting.
func (r *Reader) Lag(ctx context.Context) (int64, error) {
	cursor := r.Cursor()
	var lag int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE id > ?`, cursor).Scan(&lag)
	if err != nil {
		log.WithError(err).Warn("could not compute audit backlog")
		return 0, errors.Wrap(err, "compute audit lag")
	}
	return lag, nil
}

// MaxID returns the current maximum audit id, used to pin the
// handoff_id boundary at the start of an initial sync.
func MaxID(ctx context.Context, q Querier) (int64, error) {
	var id sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(id) FROM audit_log`).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "select max audit id")
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

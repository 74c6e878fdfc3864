// Package checkpoint implements the durable progress store described
// in spec.md §4.5: a dedicated SQLite file, distinct from the source
// database, holding per-target sync positions, per-(table,target)
// initial-sync progress, and a structured error log.
package checkpoint

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// BackfillStatus enumerates the lifecycle of an initial-sync checkpoint.
type BackfillStatus string

// The three states an initial-sync checkpoint can be in.
const (
	StatusRunning   BackfillStatus = "running"
	StatusCompleted BackfillStatus = "completed"
	StatusFailed    BackfillStatus = "failed"
)

// Position is the durable incremental-sync progress for one
// (source, target) pair.
type Position struct {
	Source          string
	Target          string
	LastAuditID     int64
	TotalEvents     int64
	LastProcessedAt time.Time
}

// BackfillPosition is the durable initial-sync progress for one
// (source, table, target) triple.
type BackfillPosition struct {
	Source       string
	Table        string
	Target       string
	LastPK       string
	Status       BackfillStatus
	RowsCopied   int64
	UpdatedAt    time.Time
}

// ErrorEntry is one row of the sync_errors log.
type ErrorEntry struct {
	Source     string
	Target     string
	EventID    string
	Kind       string
	Message    string
	RetryCount int
	Resolved   bool
	CreatedAt  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS sync_positions (
	source TEXT NOT NULL,
	target TEXT NOT NULL,
	last_audit_id INTEGER NOT NULL DEFAULT 0,
	total_events INTEGER NOT NULL DEFAULT 0,
	last_processed_at DATETIME,
	PRIMARY KEY (source, target)
);

CREATE TABLE IF NOT EXISTS initial_sync_checkpoints (
	source TEXT NOT NULL,
	table_name TEXT NOT NULL,
	target TEXT NOT NULL,
	last_pk TEXT,
	status TEXT NOT NULL DEFAULT 'running',
	rows_copied INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (source, table_name, target)
);

CREATE TABLE IF NOT EXISTS initial_sync_handoff (
	source TEXT PRIMARY KEY,
	handoff_id INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sync_errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	target TEXT NOT NULL,
	event_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	resolved INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sync_errors_target ON sync_errors(source, target, resolved);
`

// Store is the checkpoint database. A Store owns a single *sql.DB
// connection to the metadata file and serializes all writes, matching
// spec.md §5's "single-writer per run" rule.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the checkpoint database at path
// and ensures its schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint database")
	}
	// A single connection keeps writes serialized without relying on
	// SQLite's file locking to arbitrate between concurrent writers
	// within this process.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ensure checkpoint schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const savePositionTemplate = `
INSERT INTO sync_positions (source, target, last_audit_id, total_events, last_processed_at)
VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (source, target) DO UPDATE SET
	last_audit_id = excluded.last_audit_id,
	total_events = excluded.total_events,
	last_processed_at = excluded.last_processed_at
`

// SavePosition durably upserts the incremental-sync position for a
// target. Per spec.md's checkpoint-monotonicity property, callers must
// only advance LastAuditID forward; SavePosition itself does not
// enforce monotonicity so that a test or repair tool may reset it.
func (s *Store) SavePosition(ctx context.Context, pos Position) error {
	_, err := s.db.ExecContext(ctx, savePositionTemplate, pos.Source, pos.Target, pos.LastAuditID, pos.TotalEvents)
	return errors.Wrap(err, "save sync position")
}

const loadPositionTemplate = `
SELECT last_audit_id, total_events, last_processed_at
FROM sync_positions WHERE source = ? AND target = ?
`

// LoadPosition returns the last durable position for a target, or the
// zero position (LastAuditID == 0) if none has been recorded yet.
func (s *Store) LoadPosition(ctx context.Context, source, target string) (Position, error) {
	pos := Position{Source: source, Target: target}
	var lastProcessed sql.NullTime
	err := s.db.QueryRowContext(ctx, loadPositionTemplate, source, target).
		Scan(&pos.LastAuditID, &pos.TotalEvents, &lastProcessed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return pos, nil
	case err != nil:
		return Position{}, errors.Wrap(err, "load sync position")
	}
	if lastProcessed.Valid {
		pos.LastProcessedAt = lastProcessed.Time
	}
	return pos, nil
}

const saveBackfillTemplate = `
INSERT INTO initial_sync_checkpoints (source, table_name, target, last_pk, status, rows_copied, updated_at)
VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (source, table_name, target) DO UPDATE SET
	last_pk = excluded.last_pk,
	status = excluded.status,
	rows_copied = excluded.rows_copied,
	updated_at = excluded.updated_at
`

// SaveBackfillPosition durably upserts the initial-sync checkpoint for
// one (table, target) pair.
func (s *Store) SaveBackfillPosition(ctx context.Context, pos BackfillPosition) error {
	_, err := s.db.ExecContext(ctx, saveBackfillTemplate,
		pos.Source, pos.Table, pos.Target, pos.LastPK, string(pos.Status), pos.RowsCopied)
	return errors.Wrap(err, "save backfill position")
}

const loadBackfillTemplate = `
SELECT last_pk, status, rows_copied, updated_at
FROM initial_sync_checkpoints WHERE source = ? AND table_name = ? AND target = ?
`

// LoadBackfillPosition returns the initial-sync checkpoint for a
// (table, target) pair, or a zero-value checkpoint (Status == "") if
// none exists yet — the caller should treat that as "not started".
func (s *Store) LoadBackfillPosition(ctx context.Context, source, table, target string) (BackfillPosition, error) {
	pos := BackfillPosition{Source: source, Table: table, Target: target}
	var lastPK sql.NullString
	var status string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, loadBackfillTemplate, source, table, target).
		Scan(&lastPK, &status, &pos.RowsCopied, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return pos, nil
	case err != nil:
		return BackfillPosition{}, errors.Wrap(err, "load backfill position")
	}
	pos.LastPK = lastPK.String
	pos.Status = BackfillStatus(status)
	pos.UpdatedAt = updatedAt
	return pos, nil
}

const resetBackfillTemplate = `DELETE FROM initial_sync_checkpoints WHERE source = ? AND table_name = ? AND target = ?`

// ResetBackfillPosition deletes the initial-sync checkpoint for a
// (table, target) pair so that the next engine start re-schedules a
// full backfill for it. Used by the `reset --table` operational command.
func (s *Store) ResetBackfillPosition(ctx context.Context, source, table, target string) error {
	_, err := s.db.ExecContext(ctx, resetBackfillTemplate, source, table, target)
	return errors.Wrap(err, "reset backfill position")
}

const saveHandoffTemplate = `
INSERT INTO initial_sync_handoff (source, handoff_id) VALUES (?, ?)
ON CONFLICT (source) DO NOTHING
`

// SaveHandoffID durably pins the initial-sync handoff boundary for a
// source the first time initial sync runs for it. It is a no-op if a
// boundary is already pinned: spec.md §4.6 requires a crash mid-backfill
// to resume against the originally pinned boundary, not a new one
// recomputed from a later MAX(audit.id).
func (s *Store) SaveHandoffID(ctx context.Context, source string, handoffID int64) error {
	_, err := s.db.ExecContext(ctx, saveHandoffTemplate, source, handoffID)
	return errors.Wrap(err, "save handoff id")
}

const loadHandoffTemplate = `SELECT handoff_id FROM initial_sync_handoff WHERE source = ?`

// LoadHandoffID returns the pinned handoff id for a source and true, or
// (0, false) if initial sync has never pinned one for it.
func (s *Store) LoadHandoffID(ctx context.Context, source string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, loadHandoffTemplate, source).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, errors.Wrap(err, "load handoff id")
	}
	return id, true, nil
}

const clearHandoffTemplate = `DELETE FROM initial_sync_handoff WHERE source = ?`

// ClearHandoffID removes the pinned handoff boundary once initial sync
// has completed for every target, so the next full initial sync (e.g.
// after adding a table) pins a fresh boundary instead of replaying the
// old one forever.
func (s *Store) ClearHandoffID(ctx context.Context, source string) error {
	_, err := s.db.ExecContext(ctx, clearHandoffTemplate, source)
	return errors.Wrap(err, "clear handoff id")
}

const recordErrorTemplate = `
INSERT INTO sync_errors (source, target, event_id, kind, message, retry_count, resolved)
VALUES (?, ?, ?, ?, ?, ?, 0)
`

// RecordError appends an entry to the per-target error log.
func (s *Store) RecordError(ctx context.Context, e ErrorEntry) error {
	_, err := s.db.ExecContext(ctx, recordErrorTemplate, e.Source, e.Target, e.EventID, e.Kind, e.Message, e.RetryCount)
	return errors.Wrap(err, "record sync error")
}

const unresolvedErrorsTemplate = `
SELECT event_id, kind, message, retry_count, created_at
FROM sync_errors WHERE source = ? AND target = ? AND resolved = 0
ORDER BY created_at DESC LIMIT ?
`

// RecentErrors returns up to limit unresolved errors for a target,
// most recent first, for status reporting.
func (s *Store) RecentErrors(ctx context.Context, source, target string, limit int) ([]ErrorEntry, error) {
	rows, err := s.db.QueryContext(ctx, unresolvedErrorsTemplate, source, target, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query sync errors")
	}
	defer rows.Close()

	var out []ErrorEntry
	for rows.Next() {
		e := ErrorEntry{Source: source, Target: target}
		if err := rows.Scan(&e.EventID, &e.Kind, &e.Message, &e.RetryCount, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan sync error")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate sync errors")
}

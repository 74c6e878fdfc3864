// Package engine implements the sync engine described in spec.md §4.7:
// the top-level coordinator that drives the incremental stream (and,
// optionally, the initial backfill that precedes it) from the audit
// log to every configured target.
package engine

import (
	"strconv"

	"github.com/WingsGo/sqlite-cdc/internal/audit"
)

// Event is the in-memory change event derived from an audit record,
// the shape spec.md §3 calls out separately from the on-disk audit
// record.
type Event struct {
	AuditID   int64
	Table     string
	Operation audit.Operation
	RowID     string
	Before    map[string]any
	After     map[string]any
}

func eventFromRecord(rec audit.Record) Event {
	return Event{
		AuditID:   rec.ID,
		Table:     rec.TableName,
		Operation: rec.Operation,
		RowID:     rec.RowID,
		Before:    rec.BeforeData,
		After:     rec.AfterData,
	}
}

// dedupKey identifies the row an event mutates, for last-one-wins
// de-duplication within a single in-flight batch.
func (e Event) dedupKey() string {
	return e.Table + ":" + e.RowID
}

// EventID returns the globally-unique (within a source) identifier for
// this event, matching audit.Record.EventID's "{id}:{table}:{row_id}"
// format from spec.md §3, so that sync_errors entries for the same row
// at different audit ids never collide.
func (e Event) EventID() string {
	return strconv.FormatInt(e.AuditID, 10) + ":" + e.Table + ":" + e.RowID
}

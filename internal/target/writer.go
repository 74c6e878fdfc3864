// Package target defines the dialect-parameterized target writer
// interface described in spec.md §4.4. Concrete dialects live in the
// mysqldialect and oracledialect subpackages; §9 calls this a "closed
// variant" rather than an open-inheritance hierarchy, which is why
// there is exactly one interface here and no plugin registry.
package target

import (
	"context"
)

// OpKind distinguishes the two mutation shapes a target writer applies.
type OpKind int

// The two kinds of operation a Writer can apply.
const (
	OpUpsert OpKind = iota
	OpDelete
)

// Op is one row-level mutation to apply to a target table.
type Op struct {
	Kind OpKind
	// Row holds the full post-image for an Upsert; unused for Delete.
	Row map[string]any
	// Key holds the primary-key value(s). The dialect writers read it
	// only for a Delete; an Upsert takes its key columns from the
	// primaryKey argument of ApplyBatch and their values from Row.
	Key map[string]any
}

// Writer is implemented once per target dialect. ApplyBatch must be
// atomic per-op and idempotent over the whole batch: re-applying the
// same batch must not multiply effects, per spec.md §4.4.
type Writer interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Ping(ctx context.Context) error
	// ApplyBatch applies ops to table, honoring the primary key columns
	// given in primaryKey. mysqldialect tries a batched upsert first and
	// falls back to per-row application on failure; oracledialect always
	// applies row by row.
	ApplyBatch(ctx context.Context, table string, primaryKey []string, ops []Op) error
}

// Name identifies a writer for logging, metrics, and checkpoint keys.
type Name interface {
	Name() string
}

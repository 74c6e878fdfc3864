package engine

import (
	"github.com/WingsGo/sqlite-cdc/internal/target/mysqldialect"
	"github.com/WingsGo/sqlite-cdc/internal/target/oracledialect"
)

// ErrorClass is the subset of spec.md §7's error taxonomy that an
// ApplyBatch failure can fall into: Reachability and Capture errors are
// classified elsewhere (at connect time and inside internal/capture,
// respectively), so only Transient and Data are relevant here.
type ErrorClass int

const (
	// ErrorClassTransient covers network blips, deadlocks, and lock
	// waits — retryable with exponential backoff.
	ErrorClassTransient ErrorClass = iota
	// ErrorClassData covers type mismatches, converter failures, and
	// target schema mismatches — non-retryable.
	ErrorClassData
)

func (c ErrorClass) String() string {
	if c == ErrorClassTransient {
		return "transient"
	}
	return "data"
}

// classifyApplyError maps a target.Writer.ApplyBatch error into the
// Transient/Data split of spec.md §7, deferring to each dialect's own
// transient-error predicate (deadlock/lock-wait/connection-reset codes).
// Anything neither predicate recognizes is treated as a Data error:
// non-retryable by default is the safer failure mode than retrying a
// deterministic failure forever.
func classifyApplyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassTransient
	}
	if mysqldialect.IsTransient(err) || oracledialect.IsTransient(err) {
		return ErrorClassTransient
	}
	return ErrorClassData
}

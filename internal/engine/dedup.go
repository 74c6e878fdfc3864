package engine

// dedupByKey implements a "last one wins" de-duplication of events
// sharing the same (table, row_id): the last event for a key is kept,
// in the slot of that key's first occurrence, so the output is ordered
// by each key's first appearance rather than by the survivors' audit
// ids. Safe because target writers apply upserts
// idempotently (spec.md §8's idempotent-apply property): collapsing
// an intermediate update for a row that is mutated again later in the
// same batch does not change the batch's final effect, only the
// number of statements needed to reach it.
//
// Adapted from the teacher's msort.UniqueByKey (internal/util/msort),
// generalized from hlc-timestamped mutations to audit-id-ordered
// Events and from a destructive in-place compaction to a plain
// allocation, since batches here are small (bounded by batch_size)
// rather than the unbounded streams msort was written for.
func dedupByKey(events []Event) []Event {
	seenIdx := make(map[string]int, len(events))
	dest := make([]Event, 0, len(events))

	for _, e := range events {
		key := e.dedupKey()
		if idx, ok := seenIdx[key]; ok {
			dest[idx] = e
			continue
		}
		seenIdx[key] = len(dest)
		dest = append(dest, e)
	}

	return dest
}

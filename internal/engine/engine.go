package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/WingsGo/sqlite-cdc/internal/audit"
	"github.com/WingsGo/sqlite-cdc/internal/backfill"
	"github.com/WingsGo/sqlite-cdc/internal/checkpoint"
	"github.com/WingsGo/sqlite-cdc/internal/config"
	"github.com/WingsGo/sqlite-cdc/internal/target"
	"github.com/WingsGo/sqlite-cdc/internal/transform"
	"github.com/WingsGo/sqlite-cdc/internal/util/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// TargetStatus is the per-target slice of Status reported by GetStatus.
type TargetStatus struct {
	Name       string
	LastAuditID int64
	Lag        int64
	LastError  string
	RetryCount int
	Halted     bool
}

// Status is the snapshot GetStatus returns: per-target last audit id,
// last error, retry counter and halted flag. Each TargetStatus.Lag holds
// the number of audit rows after the reader's cursor, which is the same
// value for every target; a per-target lag is not computed here.
type Status struct {
	State   State
	Targets []TargetStatus
}

// Engine drives the state machine Idle -> InitialSyncing -> Incremental
// -> Stopping -> Stopped (+ Failed absorbing state) described in
// spec.md §4.7, fanning out each incoming batch of audit events to
// every configured target and advancing checkpoints once delivery is
// durable.
type Engine struct {
	SourceName string
	Source     *sql.DB
	Checkpoint *checkpoint.Store
	Mappings   []config.TableMapping
	BatchSize  int
	PollInterval time.Duration

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	reader  *audit.Reader
	targets []*targetBreaker
	mappingByTable map[string]*mappingEntry
}

type mappingEntry struct {
	cfg     config.TableMapping
	mapping *transform.Mapping
}

// AddTarget registers a target writer with its retry policy. Must be
// called before Start.
func (e *Engine) AddTarget(name string, w target.Writer, policy config.RetryPolicy) {
	e.targets = append(e.targets, newTargetBreaker(name, w, policy))
}

func (e *Engine) state_() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsRunning reports whether the engine is actively syncing.
func (e *Engine) IsRunning() bool {
	s := e.state_()
	return s == StateInitialSyncing || s == StateIncremental
}

// transition moves the engine to next, returning an error if the move
// is not permitted by the state machine.
func (e *Engine) transition(next State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.canTransitionTo(next) {
		return errors.Errorf("cannot transition from %s to %s", e.state, next)
	}
	log.WithFields(log.Fields{"from": e.state, "to": next}).Info("engine state transition")
	e.state = next
	return nil
}

// Start begins syncing the named tables (all configured mappings if
// tables is empty). When runInitial is true, the initial backfill runs
// to completion, pinning handoff_id, before the incremental stream
// begins; when false, the incremental reader starts from the
// checkpointed position immediately.
func (e *Engine) Start(ctx context.Context, tables []string, runInitial bool) error {
	if e.IsRunning() {
		return errors.New("engine already running")
	}

	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()

	mappings := e.selectMappings(tables)
	e.mappingByTable = make(map[string]*mappingEntry, len(mappings))
	for _, m := range mappings {
		tm, err := m.ToTransformMapping()
		if err != nil {
			return errors.Wrapf(err, "resolve mapping for %s", m.SourceTable)
		}
		e.mappingByTable[m.SourceTable] = &mappingEntry{cfg: m, mapping: tm}
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if runInitial {
		if err := e.transition(StateInitialSyncing); err != nil {
			cancel()
			return err
		}
		if err := e.runInitialSync(runCtx, mappings); err != nil {
			_ = e.transition(StateFailed)
			cancel()
			return errors.Wrap(err, "initial sync")
		}
	}

	if err := e.transition(StateIncremental); err != nil {
		cancel()
		return err
	}

	e.reader = audit.NewReader(e.Source, e.BatchSize, e.PollInterval)
	e.reader.Start(runCtx, e.minCheckpointedID(runCtx))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop(runCtx)
	}()

	return nil
}

func (e *Engine) selectMappings(tables []string) []config.TableMapping {
	if len(tables) == 0 {
		return e.Mappings
	}
	want := make(map[string]bool, len(tables))
	for _, t := range tables {
		want[t] = true
	}
	var out []config.TableMapping
	for _, m := range e.Mappings {
		if want[m.SourceTable] {
			out = append(out, m)
		}
	}
	return out
}

func (e *Engine) runInitialSync(ctx context.Context, mappings []config.TableMapping) error {
	handoffID, pinned, err := e.Checkpoint.LoadHandoffID(ctx, e.SourceName)
	if err != nil {
		return errors.Wrap(err, "load pinned handoff id")
	}
	if !pinned {
		handoffID, err = audit.MaxID(ctx, e.Source)
		if err != nil {
			return errors.Wrap(err, "pin handoff id")
		}
		// Persisted before any table is scanned: a crash mid-backfill
		// must resume against this exact boundary, not a new, larger
		// one recomputed from the post-crash MAX(audit.id), or rows
		// mutated between the two boundaries fall into the gap between
		// where the resumed backfill picks up and where the incremental
		// stream starts. See spec.md §4.6 and §8's no-gap handoff property.
		if err := e.Checkpoint.SaveHandoffID(ctx, e.SourceName, handoffID); err != nil {
			return errors.Wrap(err, "persist handoff id")
		}
	}

	syncTargets := make([]backfill.Target, len(e.targets))
	for i, t := range e.targets {
		syncTargets[i] = backfill.Target{Name: t.name, Writer: t.writer}
	}

	syncer := &backfill.Syncer{
		SourceName: e.SourceName,
		Source:     e.Source,
		Targets:    syncTargets,
		Checkpoint: e.Checkpoint,
		BatchSize:  e.BatchSize,
	}
	if err := syncer.Run(ctx, mappings); err != nil {
		return err
	}

	for _, t := range e.targets {
		if err := e.Checkpoint.SavePosition(ctx, checkpoint.Position{
			Source:      e.SourceName,
			Target:      t.name,
			LastAuditID: handoffID,
		}); err != nil {
			return err
		}
	}

	// Every target has a durable position at or past handoffID now, so
	// the pinned boundary has served its purpose; clear it so the next
	// full initial sync (e.g. after adding a table) pins a fresh one
	// rather than replaying this run's boundary forever.
	if err := e.Checkpoint.ClearHandoffID(ctx, e.SourceName); err != nil {
		return errors.Wrap(err, "clear handoff id")
	}
	return nil
}

// minCheckpointedID returns the minimum LastAuditID across all
// targets, so the incremental reader replays from the point the
// least-caught-up target has reached — any target already past that
// id simply re-applies an idempotent upsert, per spec.md's no-gap
// handoff argument.
func (e *Engine) minCheckpointedID(ctx context.Context) int64 {
	var min int64 = -1
	for _, t := range e.targets {
		pos, err := e.Checkpoint.LoadPosition(ctx, e.SourceName, t.name)
		if err != nil {
			log.WithError(err).WithField("target", t.name).Warn("could not load checkpoint, starting from zero")
			return 0
		}
		if min == -1 || pos.LastAuditID < min {
			min = pos.LastAuditID
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// loop is the incremental-stream main body: fetch a batch, fan it out
// to every target, mark consumed at the minimum applied id, repeat
// until Stop cancels the context.
func (e *Engine) loop(ctx context.Context) {
	for {
		batch, err := e.reader.WaitForBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("audit fetch failed, retrying")
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		events := make([]Event, 0, len(batch))
		for _, rec := range batch {
			events = append(events, eventFromRecord(rec))
		}
		events = dedupByKey(events)

		minApplied := e.applyToAllTargets(ctx, events)
		if minApplied > 0 {
			if err := e.reader.MarkConsumed(ctx, minApplied); err != nil {
				log.WithError(err).Error("could not mark audit rows consumed")
			}
		}
	}
}

// applyToAllTargets groups events by table and fans each table's ops
// out to every target concurrently, per spec.md §4.7. It returns the
// minimum audit id durably applied across all targets, healthy or not — the
// Open Question resolution in spec.md §9 ("mark_consumed on the
// minimum across targets").
func (e *Engine) applyToAllTargets(ctx context.Context, events []Event) int64 {
	byTable := make(map[string][]Event)
	for _, ev := range events {
		byTable[ev.Table] = append(byTable[ev.Table], ev)
	}

	// dedupByKey collapses duplicate-key events to the first-occurrence
	// index, so the slice's final element is not necessarily the one
	// with the largest audit id; take the max explicitly.
	var lastID int64
	for _, ev := range events {
		if ev.AuditID > lastID {
			lastID = ev.AuditID
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	appliedIDs := make([]int64, len(e.targets))
	for i, t := range e.targets {
		if pos, err := e.Checkpoint.LoadPosition(ctx, e.SourceName, t.name); err == nil {
			// Seed with the target's last durable position, so that a
			// target skipped this round (unhealthy, or simply caught up
			// already) still contributes its real floor to the
			// minimum below, rather than an artificial zero.
			appliedIDs[i] = pos.LastAuditID
		}
	}
	for i, t := range e.targets {
		i, t := i, t
		g.Go(func() error {
			if !t.healthy() {
				return nil
			}
			for table, tableEvents := range byTable {
				entry, ok := e.mappingByTable[table]
				if !ok {
					continue
				}
				ops, err := toOps(entry.mapping, entry.cfg.PrimaryKey, tableEvents)
				if err != nil {
					return err
				}
				if len(ops) == 0 {
					continue
				}
				start := time.Now()
				class, applyErr := t.applyWithRetry(gctx, entry.cfg.TargetTable, []string{entry.cfg.PrimaryKey}, ops)
				metrics.WriterApplyDuration.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
				if applyErr != nil {
					metrics.WriterApplyErrors.WithLabelValues(t.name).Inc()
					for _, ev := range tableEvents {
						_ = e.Checkpoint.RecordError(gctx, checkpoint.ErrorEntry{
							Source:  e.SourceName,
							Target:  t.name,
							EventID: ev.EventID(),
							Kind:    class.String(),
							Message: applyErr.Error(),
						})
					}
					if class == ErrorClassData && t.policy.OnDataError != "halt" {
						// Recorded and skipped per on_data_error=skip: move
						// on to the next table rather than holding this
						// target's checkpoint back for an event it will
						// never be able to apply.
						continue
					}
					return nil // target isolated; other targets still progress
				}
			}
			appliedIDs[i] = lastID
			return e.Checkpoint.SavePosition(gctx, checkpoint.Position{
				Source:      e.SourceName,
				Target:      t.name,
				LastAuditID: lastID,
			})
		})
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("batch apply failed")
	}

	// The minimum across ALL targets, healthy or not, per the Open
	// Question resolution in spec.md §9: a lagging or isolated target
	// holds the global floor back, which is exactly what keeps the
	// audit log replayable for it once it recovers.
	var min int64 = -1
	for i, id := range appliedIDs {
		if min == -1 || id < min {
			min = id
		}
		metrics.CheckpointPositionGauge.WithLabelValues(e.targets[i].name).Set(float64(id))
	}
	if min == -1 {
		return 0
	}
	return min
}

func toOps(mapping *transform.Mapping, primaryKey string, events []Event) ([]target.Op, error) {
	ops := make([]target.Op, 0, len(events))
	for _, ev := range events {
		if ev.Operation == audit.OpDelete {
			key := map[string]any{primaryKey: ev.Before[primaryKey]}
			ops = append(ops, target.Op{Kind: target.OpDelete, Key: key})
			continue
		}

		row, ok, err := transform.Apply(ev.After, mapping)
		if err != nil {
			return nil, errors.Wrapf(err, "transform event for %s", ev.Table)
		}
		if !ok {
			continue
		}
		ops = append(ops, target.Op{
			Kind: target.OpUpsert,
			Row:  row,
			Key:  map[string]any{primaryKey: ev.After[primaryKey]},
		})
	}
	return ops, nil
}

// Stop moves the engine to Stopping and cancels its context; an
// in-flight batch apply receives that cancellation rather than being
// allowed to finish. Stop then waits for the incremental loop to
// return, up to ctx's deadline, and moves to Stopped. If ctx expires
// first it returns ctx.Err() and the engine stays in Stopping.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.transition(StateStopping); err != nil {
		return err
	}
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return e.transition(StateStopped)
}

// GetStatus returns a snapshot of the engine's state and per-target
// health, per spec.md §7's visibility requirement.
func (e *Engine) GetStatus(ctx context.Context) Status {
	st := Status{State: e.state_()}
	for _, t := range e.targets {
		pos, _ := e.Checkpoint.LoadPosition(ctx, e.SourceName, t.name)
		ts := TargetStatus{Name: t.name, LastAuditID: pos.LastAuditID}
		if e.reader != nil {
			if lag, err := e.reader.Lag(ctx); err == nil {
				ts.Lag = lag
			}
		}
		errStatus := t.status()
		ts.LastError = errStatus.Message
		ts.RetryCount = errStatus.RetryCount
		ts.Halted = t.isHalted()
		st.Targets = append(st.Targets, ts)
	}
	return st
}

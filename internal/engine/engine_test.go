package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/WingsGo/sqlite-cdc/internal/config"
	"github.com/WingsGo/sqlite-cdc/internal/target"
	"github.com/WingsGo/sqlite-cdc/internal/testutil"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
)

// fakeWriter records applied rows in memory and can be told to fail
// the next N ApplyBatch calls, to exercise the mixed-target-failure
// and retry-isolation scenarios from spec.md §8.
type fakeWriter struct {
	name string

	mu       sync.Mutex
	rows     map[string]map[string]any
	failNext int
	calls    int
}

func newFakeWriter(name string) *fakeWriter {
	return &fakeWriter{name: name, rows: make(map[string]map[string]any)}
}

func (f *fakeWriter) Name() string                    { return f.name }
func (f *fakeWriter) Connect(context.Context) error    { return nil }
func (f *fakeWriter) Disconnect(context.Context) error { return nil }
func (f *fakeWriter) Ping(context.Context) error       { return nil }

func (f *fakeWriter) failNextApply(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

func (f *fakeWriter) ApplyBatch(_ context.Context, _ string, primaryKey []string, ops []target.Op) error {
	f.mu.Lock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		f.mu.Unlock()
		// A deadlock code, so the engine classifies it as Transient and
		// retries/isolates the target rather than skipping as a Data error.
		return &mysql.MySQLError{Number: 1213, Message: "injected deadlock"}
	}
	defer f.mu.Unlock()
	for _, op := range ops {
		key := fmt.Sprint(op.Key[primaryKey[0]])
		switch op.Kind {
		case target.OpUpsert:
			f.rows[key] = op.Row
		case target.OpDelete:
			delete(f.rows, key)
		}
	}
	return nil
}

func (f *fakeWriter) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func newTestEngine(t *testing.T, fx *testutil.Fixture, targets ...*fakeWriter) *Engine {
	t.Helper()
	e := &Engine{
		SourceName:   "src",
		Source:       fx.SourceDB,
		Checkpoint:   fx.Checkpoint,
		Mappings:     []config.TableMapping{{SourceTable: "users", TargetTable: "users", PrimaryKey: "id"}},
		BatchSize:    10,
		PollInterval: 10 * time.Millisecond,
	}
	for _, w := range targets {
		e.AddTarget(w.name, w, config.RetryPolicy{MaxRetries: 2, BackoffFactor: 0.001, MaxDelay: "10ms"})
	}
	return e
}

func TestEngineAppliesIncrementalInserts(t *testing.T) {
	ctx := context.Background()
	fx := testutil.NewFixture(t)
	fx.CreateSourceTable(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)

	w := newFakeWriter("warehouse")
	e := newTestEngine(t, fx, w)

	require.NoError(t, e.Start(ctx, nil, false))
	defer e.Stop(context.Background())

	_, err := fx.Conn.Exec(ctx, `INSERT INTO users (name) VALUES (?)`, "Zhang")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return w.rowCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngineMixedTargetFailureAdvancesIndependently(t *testing.T) {
	ctx := context.Background()
	fx := testutil.NewFixture(t)
	fx.CreateSourceTable(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)

	good := newFakeWriter("good")
	bad := newFakeWriter("bad")
	bad.failNextApply(100) // always fail within this test's window

	e := newTestEngine(t, fx, good, bad)
	require.NoError(t, e.Start(ctx, nil, false))
	defer e.Stop(context.Background())

	_, err := fx.Conn.Exec(ctx, `INSERT INTO users (name) VALUES (?)`, "Zhang")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return good.rowCount() == 1 }, time.Second, 5*time.Millisecond)

	goodPos, err := fx.Checkpoint.LoadPosition(ctx, "src", "good")
	require.NoError(t, err)
	require.Greater(t, goodPos.LastAuditID, int64(0))

	badPos, err := fx.Checkpoint.LoadPosition(ctx, "src", "bad")
	require.NoError(t, err)
	require.Equal(t, int64(0), badPos.LastAuditID)
}

func TestEngineResumesFromCheckpointAfterRestart(t *testing.T) {
	ctx := context.Background()
	fx := testutil.NewFixture(t)
	fx.CreateSourceTable(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)

	_, err := fx.Conn.Exec(ctx, `INSERT INTO users (name) VALUES (?)`, "Zhang")
	require.NoError(t, err)
	_, err = fx.Conn.Exec(ctx, `INSERT INTO users (name) VALUES (?)`, "Li")
	require.NoError(t, err)

	w := newFakeWriter("warehouse")
	e1 := newTestEngine(t, fx, w)
	require.NoError(t, e1.Start(ctx, nil, false))
	require.Eventually(t, func() bool { return w.rowCount() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e1.Stop(context.Background()))

	_, err = fx.Conn.Exec(ctx, `INSERT INTO users (name) VALUES (?)`, "Wang")
	require.NoError(t, err)

	w2 := newFakeWriter("warehouse") // simulates process restart, target starts empty
	e2 := newTestEngine(t, fx, w2)
	require.NoError(t, e2.Start(ctx, nil, false))
	defer e2.Stop(context.Background())

	require.Eventually(t, func() bool { return w2.rowCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngineStateMachineRejectsDoubleStart(t *testing.T) {
	ctx := context.Background()
	fx := testutil.NewFixture(t)
	fx.CreateSourceTable(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)

	w := newFakeWriter("warehouse")
	e := newTestEngine(t, fx, w)
	require.NoError(t, e.Start(ctx, nil, false))
	defer e.Stop(context.Background())

	require.Error(t, e.Start(ctx, nil, false))
}

package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rill/internal/changelog"
	"github.com/roach88/rill/internal/eventlog"
	"github.com/roach88/rill/internal/ir"
	"github.com/roach88/rill/internal/table"
	"github.com/roach88/rill/internal/testutil"
)

// failingStore makes changelog appends fail on demand.
type failingStore struct {
	changelog.Store
	failAppend atomic.Bool
}

func (s *failingStore) Append(ctx context.Context, entries []ir.ChangelogEntry, p ir.Progress) ([]ir.ChangelogEntry, error) {
	if s.failAppend.Load() {
		return nil, errors.New("disk full")
	}
	return s.Store.Append(ctx, entries, p)
}

type fixture struct {
	log   *eventlog.Memory
	store changelog.Store
	path  string
	clock *testutil.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		path:  filepath.Join(t.TempDir(), "changelog.db"),
		clock: testutil.NewFixedClock(),
	}
	f.log = eventlog.NewMemory(eventlog.MemoryOptions{Partitions: 2, Now: f.clock.Now})
	s, err := changelog.OpenSQLite(f.path)
	require.NoError(t, err)
	f.store = s
	t.Cleanup(func() {
		f.store.Close()
		f.log.Close()
	})
	return f
}

// reopen simulates a process restart against the same changelog file.
func (f *fixture) reopen(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.Close())
	s, err := changelog.OpenSQLite(f.path)
	require.NoError(t, err)
	f.store = s
}

func (f *fixture) options() Options {
	return Options{
		Clock:              f.clock,
		CheckpointInterval: 20 * time.Millisecond,
		SweepInterval:      5 * time.Millisecond,
		Backoff:            eventlog.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	}
}

func (f *fixture) engine(t *testing.T, queries ...ir.QuerySpec) *Engine {
	t.Helper()
	e, err := New(f.log, f.store, queries, f.options())
	require.NoError(t, err)
	return e
}

// start runs e in the background; the returned func stops it.
func start(t *testing.T, e *Engine) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("engine did not stop")
		}
	}
}

func (f *fixture) waitFor(t *testing.T, e *Engine, q ir.QuerySpec) {
	t.Helper()
	testutil.WaitCaughtUp(t, f.log, q.Source, q.ID, e.Position)
}

func get(t *testing.T, e *Engine, tableName string, key ir.Value) (ir.Object, bool) {
	t.Helper()
	tbl, ok := e.Table(tableName)
	require.True(t, ok, "table %s", tableName)
	r, found, err := tbl.Snapshot().Get(key)
	require.NoError(t, err)
	return r.Value, found
}

func digest(t *testing.T, e *Engine, tableName string) string {
	t.Helper()
	tbl, ok := e.Table(tableName)
	require.True(t, ok)
	return ir.MustStateDigest(tbl.Snapshot().StateRows())
}

func countByDevice(source string) ir.QuerySpec {
	return ir.QuerySpec{
		ID:     "device_counts",
		Source: source,
		Operators: []ir.OperatorSpec{{
			Kind: ir.OpAggregate,
			Aggregate: &ir.AggregateSpec{
				GroupBy:      []string{"device"},
				Aggregations: []ir.AggregationSpec{{Func: ir.AggCount, As: "count"}},
			},
		}},
		Sink: ir.SinkSpec{Kind: ir.SinkTable, Name: "device_counts"},
	}
}

func click(device string) map[string]any { return map[string]any{"device": device} }

func assertCount(t *testing.T, e *Engine, device string, want int64) {
	t.Helper()
	row, ok := get(t, e, "device_counts", ir.String(device))
	require.True(t, ok, "device %s", device)
	assert.Equal(t, ir.Int(want), row["count"], "device %s", device)
}

func TestEngine_CountByDevice(t *testing.T) {
	f := newFixture(t)
	q := countByDevice("clicks")
	e := f.engine(t, q)

	testutil.Produce(t, f.log, "clicks", "A", click("A"))
	testutil.Produce(t, f.log, "clicks", "B", click("B"))
	testutil.Produce(t, f.log, "clicks", "A", click("A"))

	stop := start(t, e)
	defer stop()
	f.waitFor(t, e, q)

	assertCount(t, e, "A", 2)
	assertCount(t, e, "B", 1)
	_, ok := get(t, e, "device_counts", ir.String("C"))
	assert.False(t, ok)
}

func TestEngine_TombstoneRemovesKey(t *testing.T) {
	f := newFixture(t)
	q := ir.QuerySpec{ID: "users", Source: "users_cdc", Sink: ir.SinkSpec{Kind: ir.SinkTable, Name: "users"}}
	e := f.engine(t, q)
	stop := start(t, e)
	defer stop()

	testutil.Produce(t, f.log, "users_cdc", "A", map[string]any{"name": "Ada"})
	f.waitFor(t, e, q)
	row, ok := get(t, e, "users", ir.String("A"))
	require.True(t, ok)
	assert.Equal(t, ir.String("Ada"), row["name"])

	testutil.Produce(t, f.log, "users_cdc", "A", nil)
	f.waitFor(t, e, q)
	_, ok = get(t, e, "users", ir.String("A"))
	assert.False(t, ok)
}

func TestEngine_TombstoneRemovesAggregateGroup(t *testing.T) {
	f := newFixture(t)
	q := countByDevice("clicks")
	e := f.engine(t, q)
	stop := start(t, e)
	defer stop()

	for _, d := range []string{"A", "B", "A"} {
		testutil.Produce(t, f.log, "clicks", d, click(d))
	}
	f.waitFor(t, e, q)
	assertCount(t, e, "A", 2)

	testutil.Produce(t, f.log, "clicks", "A", nil)
	f.waitFor(t, e, q)
	_, ok := get(t, e, "device_counts", ir.String("A"))
	assert.False(t, ok)
	assertCount(t, e, "B", 1)
}

func TestEngine_RestartRebuildsState(t *testing.T) {
	f := newFixture(t)
	q := countByDevice("clicks")

	e1 := f.engine(t, q)
	for _, d := range []string{"A", "B", "A"} {
		testutil.Produce(t, f.log, "clicks", d, click(d))
	}
	stop := start(t, e1)
	f.waitFor(t, e1, q)
	stop()
	before := digest(t, e1, "device_counts")
	pos, _ := e1.Position(q.ID)

	f.reopen(t)
	e2 := f.engine(t, q)
	require.NoError(t, e2.Recover(context.Background()))
	assert.Equal(t, before, digest(t, e2, "device_counts"), "recovery reproduces the durable state")
	resumed, _ := e2.Position(q.ID)
	assert.Equal(t, pos, resumed)

	// Already-processed records are not counted again.
	testutil.Produce(t, f.log, "clicks", "A", click("A"))
	stop = start(t, e2)
	defer stop()
	f.waitFor(t, e2, q)
	assertCount(t, e2, "A", 3)
	assertCount(t, e2, "B", 1)
}

func TestEngine_TablesRecoveringUntilRebuilt(t *testing.T) {
	f := newFixture(t)
	q := countByDevice("clicks")

	e1 := f.engine(t, q)
	for _, d := range []string{"A", "A"} {
		testutil.Produce(t, f.log, "clicks", d, click(d))
	}
	stop := start(t, e1)
	f.waitFor(t, e1, q)
	stop()

	f.reopen(t)
	e2 := f.engine(t, q)
	tbl, ok := e2.Table("device_counts")
	require.True(t, ok)
	err := tbl.Recovering()
	require.Error(t, err, "a table is not servable before its changelog is replayed")
	assert.ErrorIs(t, err, table.ErrRecovering)

	require.NoError(t, e2.Recover(context.Background()))
	assert.NoError(t, tbl.Recovering())
	assertCount(t, e2, "A", 2)
}

func TestEngine_StaleCheckpointDoesNotReprocess(t *testing.T) {
	f := newFixture(t)
	q := countByDevice("clicks")

	e1 := f.engine(t, q)
	for _, d := range []string{"A", "A", "B"} {
		testutil.Produce(t, f.log, "clicks", d, click(d))
	}
	stop := start(t, e1)
	f.waitFor(t, e1, q)
	stop()

	// A crash before the last checkpoint leaves an older one behind.
	require.NoError(t, f.store.SaveCheckpoint(context.Background(), ir.Checkpoint{
		QueryID:  q.ID,
		Position: ir.Position{},
	}))

	f.reopen(t)
	e2 := f.engine(t, q)
	stop = start(t, e2)
	defer stop()
	f.waitFor(t, e2, q)
	assertCount(t, e2, "A", 2)
	assertCount(t, e2, "B", 1)
}

func TestEngine_CheckpointAheadOfChangelogIsDiscarded(t *testing.T) {
	f := newFixture(t)
	q := countByDevice("clicks")

	require.NoError(t, f.store.SaveCheckpoint(context.Background(), ir.Checkpoint{
		QueryID:      q.ID,
		Position:     ir.Position{0: 100, 1: 100},
		ChangelogSeq: 50,
	}))
	for _, d := range []string{"A", "B", "A"} {
		testutil.Produce(t, f.log, "clicks", d, click(d))
	}

	e := f.engine(t, q)
	require.NoError(t, e.Recover(context.Background()))
	pos, _ := e.Position(q.ID)
	assert.Empty(t, pos, "resume from the changelog's own progress")

	stop := start(t, e)
	defer stop()
	f.waitFor(t, e, q)
	assertCount(t, e, "A", 2)
	assertCount(t, e, "B", 1)
}

func TestEngine_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	q := countByDevice("clicks")

	e := f.engine(t, q)
	for i := 0; i < 20; i++ {
		d := string(rune('A' + i%4))
		testutil.Produce(t, f.log, "clicks", d, click(d))
	}
	stop := start(t, e)
	f.waitFor(t, e, q)
	stop()
	want := digest(t, e, "device_counts")

	for i := 0; i < 2; i++ {
		r := f.engine(t, q)
		require.NoError(t, r.Recover(context.Background()))
		assert.Equal(t, want, digest(t, r, "device_counts"))
	}
}

func TestEngine_MalformedRecordsGoToDeadLetter(t *testing.T) {
	f := newFixture(t)
	q := countByDevice("clicks")
	q.DeadLetter = true
	e := f.engine(t, q)

	testutil.Produce(t, f.log, "clicks", "A", click("A"))
	testutil.Produce(t, f.log, "clicks", "X", "not json")
	testutil.Produce(t, f.log, "clicks", "A", `{"device":"A","score":1.5}`)
	testutil.Produce(t, f.log, "clicks", "A", click("A"))

	stop := start(t, e)
	defer stop()
	f.waitFor(t, e, q)

	assertCount(t, e, "A", 2)
	assert.NoError(t, e.Halted(q.ID))
	dlq := f.log.Records(q.DeadLetterTopic())
	require.Len(t, dlq, 2)
	assert.Equal(t, "not json", string(dlq[0].Value))
	assert.Equal(t, "X", string(dlq[0].Key))
}

func TestEngine_ResubscribesAfterLogUnavailable(t *testing.T) {
	f := newFixture(t)
	q := countByDevice("clicks")
	e := f.engine(t, q)

	testutil.Produce(t, f.log, "clicks", "A", click("A"))
	testutil.Produce(t, f.log, "clicks", "B", click("B"))
	f.log.FailNext(3)
	testutil.Produce(t, f.log, "clicks", "A", click("A"))

	stop := start(t, e)
	defer stop()
	f.waitFor(t, e, q)

	assertCount(t, e, "A", 2)
	assertCount(t, e, "B", 1)
	assert.NoError(t, e.Halted(q.ID))
}

func TestEngine_DurabilityFailureHaltsQuery(t *testing.T) {
	f := newFixture(t)
	fs := &failingStore{Store: f.store}
	fs.failAppend.Store(true)

	q := countByDevice("clicks")
	e, err := New(f.log, fs, []ir.QuerySpec{q}, f.options())
	require.NoError(t, err)

	testutil.Produce(t, f.log, "clicks", "A", click("A"))
	stop := start(t, e)
	defer stop()

	require.Eventually(t, func() bool { return e.Halted(q.ID) != nil }, 5*time.Second, 2*time.Millisecond)
	assert.True(t, IsDurabilityError(e.Halted(q.ID)))

	tbl, _ := e.Table("device_counts")
	assert.ErrorIs(t, tbl.Degraded(), table.ErrDegraded)
	assert.Equal(t, 0, tbl.Snapshot().Len(), "nothing is applied without a durable write")

	status := e.Status()
	require.Len(t, status, 1)
	assert.False(t, status[0].Running)
	assert.NotEmpty(t, status[0].Halted)
}

func TestEngine_StreamSinkFeedsDerivedTable(t *testing.T) {
	f := newFixture(t)
	filtered := ir.QuerySpec{
		ID:     "not_b",
		Source: "clicks",
		Operators: []ir.OperatorSpec{{
			Kind:   ir.OpFilter,
			Filter: &ir.FilterSpec{Conditions: []ir.Condition{{Field: "device", Op: "ne", Value: ir.String("B")}}},
		}},
		Sink: ir.SinkSpec{Kind: ir.SinkStream, Name: "clicks_not_b", KeyBy: []string{"device"}},
	}
	counts := countByDevice("clicks_not_b")
	e := f.engine(t, filtered, counts)

	for _, d := range []string{"A", "B", "A", "C"} {
		testutil.Produce(t, f.log, "clicks", d, click(d))
	}
	stop := start(t, e)
	defer stop()
	f.waitFor(t, e, filtered)
	f.waitFor(t, e, counts)

	assertCount(t, e, "A", 2)
	assertCount(t, e, "C", 1)
	_, ok := get(t, e, "device_counts", ir.String("B"))
	assert.False(t, ok)

	out := f.log.Records("clicks_not_b")
	require.Len(t, out, 3)
	assert.Equal(t, "A", string(out[0].Key))
	assert.Equal(t, `{"device":"A"}`, string(out[0].Value))
}

func TestEngine_WindowRetentionSweep(t *testing.T) {
	f := newFixture(t)
	q := countByDevice("clicks")
	q.EventTime = "ts"
	q.Operators[0].Aggregate.Window = &ir.WindowSpec{Size: 10 * time.Second, Retention: 20 * time.Second}
	e := f.engine(t, q)

	testutil.Produce(t, f.log, "clicks", "A", map[string]any{"device": "A", "ts": 1000})
	testutil.Produce(t, f.log, "clicks", "A", map[string]any{"device": "A", "ts": 30000})

	stop := start(t, e)
	defer stop()
	f.waitFor(t, e, q)

	tbl, _ := e.Table("device_counts")
	require.Eventually(t, func() bool { return tbl.Snapshot().Len() == 1 }, 5*time.Second, 2*time.Millisecond)
	_, ok := get(t, e, "device_counts", ir.Array{ir.String("A"), ir.Int(30000)})
	assert.True(t, ok)
	_, ok = get(t, e, "device_counts", ir.Array{ir.String("A"), ir.Int(0)})
	assert.False(t, ok)
}

func TestEngine_StatusAndTables(t *testing.T) {
	f := newFixture(t)
	users := ir.QuerySpec{ID: "users", Source: "users_cdc", Sink: ir.SinkSpec{Kind: ir.SinkTable, Name: "users"}}
	e := f.engine(t, countByDevice("clicks"), users)

	assert.Equal(t, []string{"device_counts", "users"}, e.Tables())
	status := e.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "device_counts", status[0].ID)
	assert.Equal(t, "users", status[1].ID)
	assert.Len(t, status[0].SpecHash, 64)

	_, ok := e.Position("nope")
	assert.False(t, ok)
}

func TestNew_RejectsConflicts(t *testing.T) {
	f := newFixture(t)

	_, err := New(f.log, f.store, []ir.QuerySpec{countByDevice("a"), countByDevice("b")}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate query id")

	other := countByDevice("b")
	other.ID = "other"
	_, err = New(f.log, f.store, []ir.QuerySpec{countByDevice("a"), other}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a writer")

	join := ir.QuerySpec{
		ID:        "enrich",
		Source:    "clicks",
		Operators: []ir.OperatorSpec{{Kind: ir.OpJoin, Join: &ir.JoinSpec{Table: "missing", On: "user", Type: ir.JoinInner}}},
		Sink:      ir.SinkSpec{Kind: ir.SinkStream, Name: "out"},
	}
	_, err = New(f.log, f.store, []ir.QuerySpec{join}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

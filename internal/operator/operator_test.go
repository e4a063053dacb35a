package operator

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rill/internal/ir"
	"github.com/roach88/rill/internal/table"
)

type tableSet map[string]*table.Table

func (s tableSet) Table(name string) (*table.Table, bool) {
	t, ok := s[name]
	return t, ok
}

var seqCounter int64

// record builds a log record; value "" makes a tombstone.
func record(offset int64, key, value string, tsMs int64) ir.Record {
	rec := ir.Record{
		Topic:     "clicks",
		Offset:    offset,
		Key:       []byte(key),
		Timestamp: time.UnixMilli(tsMs).UTC(),
	}
	if value != "" {
		rec.Value = []byte(value)
	}
	return rec
}

// commit assigns seqs and applies entries as the engine would.
func commit(t *testing.T, tbl *table.Table, entries []ir.ChangelogEntry) {
	t.Helper()
	for i := range entries {
		seqCounter++
		entries[i].Seq = seqCounter
	}
	require.NoError(t, tbl.Apply(entries...))
}

func lookup(t *testing.T, tbl *table.Table, key ir.Value) (ir.Object, bool) {
	t.Helper()
	r, ok, err := tbl.Snapshot().Get(key)
	require.NoError(t, err)
	return r.Value, ok
}

func TestDecode(t *testing.T) {
	ev, err := Decode(record(3, "A", `{"device":"A","ts":7}`, 99), "ts")
	require.NoError(t, err)
	assert.Equal(t, ir.String("A"), ev.Key)
	assert.Equal(t, int64(7), ev.Timestamp.UnixMilli())
	assert.Equal(t, ir.SourceRef{Topic: "clicks", Offset: 3}, ev.Source)

	ev, err = Decode(record(4, `["A",1]`, "", 99), "")
	require.NoError(t, err)
	assert.True(t, ev.Tombstone)
	assert.Equal(t, ir.Array{ir.String("A"), ir.Int(1)}, ev.Key)
	assert.Equal(t, int64(99), ev.Timestamp.UnixMilli())

	_, err = Decode(record(5, "A", `{"v":1.5}`, 0), "")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(record(6, "A", `not json`, 0), "")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(record(7, "A", `{"ts":"late"}`, 0), "ts")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeEvent(t *testing.T) {
	k, v, err := EncodeEvent(ir.Event{Key: ir.String("A"), Row: ir.Row(ir.O("n", ir.Int(1)))})
	require.NoError(t, err)
	assert.Equal(t, "A", string(k))
	assert.Equal(t, `{"n":1}`, string(v))

	k, _, err = EncodeEvent(ir.Event{Key: ir.String("42"), Row: ir.Row()})
	require.NoError(t, err)
	assert.Equal(t, `"42"`, string(k), "numeric-looking strings stay quoted")
	assert.Equal(t, ir.String("42"), decodeKey(k))

	k, v, err = EncodeEvent(ir.Event{Key: ir.Int(5), Tombstone: true})
	require.NoError(t, err)
	assert.Equal(t, "5", string(k))
	assert.Nil(t, v)
}

func TestMatch(t *testing.T) {
	row := ir.Row(ir.O("n", ir.Int(5)), ir.O("s", ir.String("b")), ir.O("z", ir.Null{}))
	tests := []struct {
		cond ir.Condition
		want bool
	}{
		{ir.Condition{Field: "n", Op: "eq", Value: ir.Int(5)}, true},
		{ir.Condition{Field: "n", Op: "ne", Value: ir.Int(5)}, false},
		{ir.Condition{Field: "n", Op: "lt", Value: ir.Int(6)}, true},
		{ir.Condition{Field: "n", Op: "lte", Value: ir.Int(5)}, true},
		{ir.Condition{Field: "n", Op: "gt", Value: ir.Int(5)}, false},
		{ir.Condition{Field: "n", Op: "gte", Value: ir.Int(5)}, true},
		{ir.Condition{Field: "n", Op: "gt", Value: ir.String("a")}, false},
		{ir.Condition{Field: "s", Op: "in", Values: []ir.Value{ir.String("a"), ir.String("b")}}, true},
		{ir.Condition{Field: "s", Op: "exists"}, true},
		{ir.Condition{Field: "z", Op: "exists"}, false},
		{ir.Condition{Field: "missing", Op: "exists"}, false},
		{ir.Condition{Field: "missing", Op: "eq", Value: ir.Null{}}, true},
		{ir.Condition{Field: "missing", Op: "ne", Value: ir.Int(1)}, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.cond.Field, tt.cond.Op), func(t *testing.T) {
			assert.Equal(t, tt.want, Match(row, tt.cond))
		})
	}
}

func TestFilterPassesTombstones(t *testing.T) {
	f := NewFilter(ir.FilterSpec{Conditions: []ir.Condition{{Field: "n", Op: "gt", Value: ir.Int(10)}}})

	_, ok, err := f.Apply(ir.Event{Row: ir.Row(ir.O("n", ir.Int(1)))})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = f.Apply(ir.Event{Tombstone: true})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProject(t *testing.T) {
	p := NewProject(ir.ProjectSpec{Fields: []ir.FieldSpec{
		{As: "device", From: "meta.device"},
		{As: "kind", Value: ir.String("click")},
		{As: "gone", From: "nope"},
	}})
	ev, ok, err := p.Apply(ir.Event{Row: ir.Row(
		ir.O("meta", ir.Row(ir.O("device", ir.String("A")))),
		ir.O("secret", ir.String("x")),
	)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.Row(
		ir.O("device", ir.String("A")),
		ir.O("kind", ir.String("click")),
		ir.O("gone", ir.Null{}),
	), ev.Row)
}

func usersTable(t *testing.T) *table.Table {
	users := table.New("users", false)
	commit(t, users, []ir.ChangelogEntry{
		{Table: "users", Key: ir.String("u1"), Value: ir.Row(ir.O("name", ir.String("Ada")), ir.O("tier", ir.String("gold")))},
	})
	return users
}

func TestJoinInnerAndLeft(t *testing.T) {
	tables := tableSet{"users": usersTable(t)}

	inner, err := NewJoin(ir.JoinSpec{Table: "users", On: "user", Type: ir.JoinInner, Prefix: "u_"}, tables)
	require.NoError(t, err)
	left, err := NewJoin(ir.JoinSpec{Table: "users", On: "user", Type: ir.JoinLeft, Columns: []string{"name"}}, tables)
	require.NoError(t, err)

	hit := ir.Event{Row: ir.Row(ir.O("user", ir.String("u1")))}
	miss := ir.Event{Row: ir.Row(ir.O("user", ir.String("u9")))}

	ev, ok, err := inner.Apply(hit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.Row(ir.O("user", ir.String("u1")), ir.O("u_name", ir.String("Ada")), ir.O("u_tier", ir.String("gold"))), ev.Row)

	_, ok, err = inner.Apply(miss)
	require.NoError(t, err)
	assert.False(t, ok, "inner join drops unmatched events")

	ev, ok, err = left.Apply(miss)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.Row(ir.O("user", ir.String("u9")), ir.O("name", ir.Null{})), ev.Row)

	ev, ok, err = left.Apply(hit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.String("Ada"), ev.Row["name"])
	assert.NotContains(t, ev.Row, "tier", "columns restrict the copy")

	_, err = NewJoin(ir.JoinSpec{Table: "nope", On: "x", Type: ir.JoinInner}, tables)
	require.Error(t, err)
}

// Two runs over the same table state and stream produce identical output.
func TestJoinDeterminism(t *testing.T) {
	tables := tableSet{"users": usersTable(t)}
	j, err := NewJoin(ir.JoinSpec{Table: "users", On: "user", Type: ir.JoinLeft, Columns: []string{"name", "tier"}}, tables)
	require.NoError(t, err)

	stream := []ir.Event{
		{Row: ir.Row(ir.O("user", ir.String("u1")), ir.O("n", ir.Int(1)))},
		{Row: ir.Row(ir.O("user", ir.String("u2")), ir.O("n", ir.Int(2)))},
		{Row: ir.Row(ir.O("n", ir.Int(3)))},
	}
	run := func() []ir.Object {
		var out []ir.Object
		for _, ev := range stream {
			got, ok, err := j.Apply(ev)
			require.NoError(t, err)
			if ok {
				out = append(out, got.Row)
			}
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func countQuery(window *ir.WindowSpec) ir.QuerySpec {
	return ir.QuerySpec{
		ID:        "device_counts",
		Source:    "clicks",
		EventTime: "ts",
		Operators: []ir.OperatorSpec{{
			Kind: ir.OpAggregate,
			Aggregate: &ir.AggregateSpec{
				GroupBy: []string{"device"},
				Window:  window,
				Aggregations: []ir.AggregationSpec{
					{Func: ir.AggCount, As: "count"},
					{Func: ir.AggMin, Field: "ts", As: "first"},
					{Func: ir.AggMax, Field: "ts", As: "last"},
					{Func: ir.AggCountDistinct, Field: "user", As: "users"},
					{Func: ir.AggCollectSet, Field: "user", As: "user_set"},
				},
			},
		}},
		Sink: ir.SinkSpec{Kind: ir.SinkTable, Name: "device_counts"},
	}
}

func run(t *testing.T, c *Chain, sink *table.Table, recs []ir.Record) (late int) {
	t.Helper()
	for _, rec := range recs {
		res, err := c.Process(rec)
		require.NoError(t, err)
		if res.Late {
			late++
		}
		commit(t, sink, res.Entries)
	}
	return late
}

func TestCountByDevice(t *testing.T) {
	sink := table.New("device_counts", false)
	c, err := NewChain(countQuery(nil), tableSet{}, sink)
	require.NoError(t, err)

	run(t, c, sink, []ir.Record{
		record(0, "A", `{"device":"A","ts":1,"user":"u1"}`, 0),
		record(1, "B", `{"device":"B","ts":2,"user":"u1"}`, 0),
		record(2, "A", `{"device":"A","ts":3,"user":"u2"}`, 0),
	})

	row, ok := lookup(t, sink, ir.String("A"))
	require.True(t, ok)
	assert.Equal(t, ir.Row(
		ir.O("device", ir.String("A")),
		ir.O("count", ir.Int(2)),
		ir.O("first", ir.Int(1)),
		ir.O("last", ir.Int(3)),
		ir.O("users", ir.Int(2)),
		ir.O("user_set", ir.Array{ir.String("u1"), ir.String("u2")}),
	), row)

	row, ok = lookup(t, sink, ir.String("B"))
	require.True(t, ok)
	assert.Equal(t, ir.Int(1), row["count"])

	_, ok = lookup(t, sink, ir.String("C"))
	assert.False(t, ok)
	assert.Equal(t, int64(3), c.StreamTime())
}

// Aggregates are insensitive to arrival order.
func TestAggregateOrderInsensitive(t *testing.T) {
	var recs []ir.Record
	for i := 0; i < 40; i++ {
		v := fmt.Sprintf(`{"device":"d%d","ts":%d,"user":"u%d"}`, i%3, i*7%50, i%5)
		recs = append(recs, record(int64(i), "", v, 0))
	}

	digest := func(order []ir.Record) string {
		sink := table.New("device_counts", false)
		c, err := NewChain(countQuery(nil), tableSet{}, sink)
		require.NoError(t, err)
		run(t, c, sink, order)
		return ir.MustStateDigest(sink.Snapshot().StateRows())
	}

	want := digest(recs)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5; i++ {
		shuffled := append([]ir.Record(nil), recs...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, digest(shuffled))
	}
}

func TestAggregateTombstoneRemovesGroup(t *testing.T) {
	sink := table.New("device_counts", false)
	c, err := NewChain(countQuery(nil), tableSet{}, sink)
	require.NoError(t, err)

	run(t, c, sink, []ir.Record{
		record(0, "A", `{"device":"A","ts":1}`, 0),
		record(1, "B", `{"device":"B","ts":2}`, 0),
		record(2, "A", `{"device":"A","ts":3}`, 0),
	})

	res, err := c.Process(record(3, "A", "", 0))
	require.NoError(t, err)
	assert.False(t, res.Filtered)
	require.Len(t, res.Entries, 1)
	assert.True(t, res.Entries[0].Tombstone)
	assert.Equal(t, ir.String("A"), res.Entries[0].Key)
	commit(t, sink, res.Entries)

	_, ok := lookup(t, sink, ir.String("A"))
	assert.False(t, ok)
	row, ok := lookup(t, sink, ir.String("B"))
	require.True(t, ok)
	assert.Equal(t, ir.Int(1), row["count"])

	// The group starts over after its removal.
	run(t, c, sink, []ir.Record{record(4, "A", `{"device":"A","ts":4}`, 0)})
	row, ok = lookup(t, sink, ir.String("A"))
	require.True(t, ok)
	assert.Equal(t, ir.Int(1), row["count"])

	res, err = c.Process(record(5, "C", "", 0))
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	assert.True(t, res.Filtered, "a tombstone for an unknown group changes nothing")
}

func TestWindowedAggregateTombstoneRemovesEveryWindow(t *testing.T) {
	window := &ir.WindowSpec{Size: 10 * time.Second, Grace: time.Hour}
	sink := table.New("device_counts", true)
	c, err := NewChain(countQuery(window), tableSet{}, sink)
	require.NoError(t, err)

	run(t, c, sink, []ir.Record{
		record(0, "A", `{"device":"A","ts":1000}`, 0),
		record(1, "A", `{"device":"A","ts":15000}`, 0),
		record(2, "B", `{"device":"B","ts":2000}`, 0),
	})
	require.Equal(t, 3, sink.Snapshot().Len())

	res, err := c.Process(record(3, "A", "", 0))
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	for _, e := range res.Entries {
		assert.True(t, e.Tombstone)
		require.NotNil(t, e.Window)
	}
	commit(t, sink, res.Entries)

	windows, err := sink.Snapshot().Windows(ir.String("A"))
	require.NoError(t, err)
	assert.Empty(t, windows)
	assert.Equal(t, 1, sink.Snapshot().Len())
}

func TestWindowsFor(t *testing.T) {
	tumbling := ir.WindowSpec{Size: time.Minute}
	ws := windowsFor(tumbling, time.UnixMilli(90_000))
	require.Len(t, ws, 1)
	assert.Equal(t, int64(60_000), ws[0].Start.UnixMilli())
	assert.Equal(t, int64(120_000), ws[0].End.UnixMilli())

	hopping := ir.WindowSpec{Size: time.Minute, Advance: 20 * time.Second}
	ws = windowsFor(hopping, time.UnixMilli(90_000))
	require.Len(t, ws, 3)
	assert.Equal(t, int64(40_000), ws[0].Start.UnixMilli())
	assert.Equal(t, int64(60_000), ws[1].Start.UnixMilli())
	assert.Equal(t, int64(80_000), ws[2].Start.UnixMilli())
	for _, w := range ws {
		assert.True(t, w.Contains(time.UnixMilli(90_000)))
	}

	ws = windowsFor(tumbling, time.UnixMilli(-1))
	require.Len(t, ws, 1)
	assert.Equal(t, int64(-60_000), ws[0].Start.UnixMilli())
}

func TestWindowedGraceAndLateDrop(t *testing.T) {
	window := &ir.WindowSpec{Size: 10 * time.Second, Grace: 5 * time.Second}
	sink := table.New("device_counts", true)
	c, err := NewChain(countQuery(window), tableSet{}, sink)
	require.NoError(t, err)

	late := run(t, c, sink, []ir.Record{
		record(0, "", `{"device":"A","ts":1000}`, 0),
		record(1, "", `{"device":"A","ts":12000}`, 0),
		// Out of order but within grace of window [0,10s): stream time 12s < 15s.
		record(2, "", `{"device":"A","ts":9000}`, 0),
		record(3, "", `{"device":"A","ts":16000}`, 0),
	})
	assert.Zero(t, late)

	before := sink.Snapshot()
	// Stream time is now 16s >= 10s + 5s: window [0,10s) is closed.
	res, err := c.Process(record(4, "", `{"device":"A","ts":2000}`, 0))
	require.NoError(t, err)
	assert.True(t, res.Late)
	assert.Empty(t, res.Entries, "late events mutate nothing")
	assert.Equal(t, before.Version(), sink.Snapshot().Version())

	first, ok := lookup(t, sink, ir.Array{ir.String("A"), ir.Int(0)})
	require.True(t, ok)
	assert.Equal(t, ir.Int(2), first["count"])
	assert.Equal(t, ir.Int(0), first[ColWindowStart])
	assert.Equal(t, ir.Int(10_000), first[ColWindowEnd])

	second, ok := lookup(t, sink, ir.Array{ir.String("A"), ir.Int(10_000)})
	require.True(t, ok)
	assert.Equal(t, ir.Int(2), second["count"])
}

// In-grace events land in the right window regardless of arrival order.
func TestWindowedOrderWithinGrace(t *testing.T) {
	window := &ir.WindowSpec{Size: 10 * time.Second, Grace: time.Hour}
	recs := []ir.Record{
		record(0, "", `{"device":"A","ts":1000}`, 0),
		record(1, "", `{"device":"A","ts":25000}`, 0),
		record(2, "", `{"device":"B","ts":11000}`, 0),
		record(3, "", `{"device":"A","ts":9999}`, 0),
		record(4, "", `{"device":"A","ts":10000}`, 0),
	}
	digest := func(order []ir.Record) string {
		sink := table.New("device_counts", true)
		c, err := NewChain(countQuery(window), tableSet{}, sink)
		require.NoError(t, err)
		assert.Zero(t, run(t, c, sink, order))
		return ir.MustStateDigest(sink.Snapshot().StateRows())
	}
	reversed := make([]ir.Record, len(recs))
	for i, r := range recs {
		reversed[len(recs)-1-i] = r
	}
	assert.Equal(t, digest(recs), digest(reversed))
}

func TestRetentionExpiry(t *testing.T) {
	window := &ir.WindowSpec{Size: 10 * time.Second, Retention: 20 * time.Second}
	sink := table.New("device_counts", true)
	c, err := NewChain(countQuery(window), tableSet{}, sink)
	require.NoError(t, err)

	run(t, c, sink, []ir.Record{
		record(0, "", `{"device":"A","ts":1000}`, 0),
		record(1, "", `{"device":"B","ts":5000}`, 0),
		record(2, "", `{"device":"A","ts":15000}`, 0),
	})
	assert.Empty(t, c.Expired(10))

	run(t, c, sink, []ir.Record{record(3, "", `{"device":"A","ts":21000}`, 0)})
	expired := c.Expired(1)
	require.Len(t, expired, 1, "sweep is bounded by limit")
	assert.True(t, expired[0].Tombstone)

	all := c.Expired(10)
	require.Len(t, all, 2)
	commit(t, sink, all)
	assert.Equal(t, 2, sink.Snapshot().Len(), "windows starting at 10s and 20s remain")
}

func TestChainTableSinkUpsertAndTombstone(t *testing.T) {
	q := ir.QuerySpec{
		ID:     "users",
		Source: "users_cdc",
		Operators: []ir.OperatorSpec{
			{Kind: ir.OpFilter, Filter: &ir.FilterSpec{Conditions: []ir.Condition{{Field: "active", Op: "eq", Value: ir.Bool(true)}}}},
			{Kind: ir.OpProject, Project: &ir.ProjectSpec{Fields: []ir.FieldSpec{{As: "id", From: "id"}, {As: "name", From: "name"}}}},
		},
		Sink: ir.SinkSpec{Kind: ir.SinkTable, Name: "users", KeyBy: []string{"id"}},
	}
	sink := table.New("users", false)
	c, err := NewChain(q, tableSet{}, sink)
	require.NoError(t, err)

	res, err := c.Process(record(0, "u1", `{"id":"u1","name":"Ada","active":true}`, 0))
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, ir.String("u1"), res.Entries[0].Key)
	assert.Equal(t, ir.Row(ir.O("id", ir.String("u1")), ir.O("name", ir.String("Ada"))), res.Entries[0].Value)
	commit(t, sink, res.Entries)

	res, err = c.Process(record(1, "u2", `{"id":"u2","active":false}`, 0))
	require.NoError(t, err)
	assert.True(t, res.Filtered)

	res, err = c.Process(record(2, "u1", "", 0))
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.True(t, res.Entries[0].Tombstone)
	commit(t, sink, res.Entries)

	_, ok := lookup(t, sink, ir.String("u1"))
	assert.False(t, ok)

	_, err = c.Process(record(3, "u3", `{"name":"x","active":true}`, 0))
	assert.ErrorIs(t, err, ErrMalformed, "missing key field")
}

// Tombstones on a re-keyed table delete by record key, not by key_by value.
func TestChainKeyByTombstoneUsesRecordKey(t *testing.T) {
	q := ir.QuerySpec{
		ID:     "accounts",
		Source: "accounts_cdc",
		Sink:   ir.SinkSpec{Kind: ir.SinkTable, Name: "accounts", KeyBy: []string{"email"}},
	}
	sink := table.New("accounts", false)
	c, err := NewChain(q, tableSet{}, sink)
	require.NoError(t, err)

	run(t, c, sink, []ir.Record{
		record(0, "ada@example.com", `{"email":"ada@example.com","name":"Ada"}`, 0),
		record(1, "7", `{"email":"lin@example.com","name":"Lin"}`, 0),
	})

	res, err := c.Process(record(2, "ada@example.com", "", 0))
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, ir.String("ada@example.com"), res.Entries[0].Key)
	commit(t, sink, res.Entries)
	_, ok := lookup(t, sink, ir.String("ada@example.com"))
	assert.False(t, ok)

	// Lin's row is keyed by email, so a tombstone for record key 7 misses it.
	res, err = c.Process(record(3, "7", "", 0))
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, ir.Int(7), res.Entries[0].Key)
	commit(t, sink, res.Entries)
	_, ok = lookup(t, sink, ir.String("lin@example.com"))
	assert.True(t, ok)
}

func TestChainStreamSink(t *testing.T) {
	q := ir.QuerySpec{
		ID:        "enrich",
		Source:    "clicks",
		Operators: []ir.OperatorSpec{{Kind: ir.OpJoin, Join: &ir.JoinSpec{Table: "users", On: "user", Type: ir.JoinInner, Prefix: "u_"}}},
		Sink:      ir.SinkSpec{Kind: ir.SinkStream, Name: "clicks_enriched", KeyBy: []string{"user"}},
	}
	c, err := NewChain(q, tableSet{"users": usersTable(t)}, nil)
	require.NoError(t, err)

	res, err := c.Process(record(0, "x", `{"user":"u1"}`, 0))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, ir.String("u1"), res.Events[0].Key)
	assert.Equal(t, ir.String("Ada"), res.Events[0].Row["u_name"])
	assert.Empty(t, res.Entries)
}

func TestNewChainErrors(t *testing.T) {
	_, err := NewChain(countQuery(nil), tableSet{}, nil)
	require.Error(t, err)

	_, err = NewChain(countQuery(&ir.WindowSpec{Size: time.Second}), tableSet{}, table.New("device_counts", false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "windowing mismatch")
}

package operator

import (
	"fmt"
	"sort"

	"github.com/roach88/rill/internal/ir"
	"github.com/roach88/rill/internal/table"
)

// Aggregate folds events into per-(group, window) accumulators held in the
// sink table. Every combiner is associative and insensitive to arrival
// order: count, min, max, count_distinct and collect_set.
type Aggregate struct {
	spec ir.AggregateSpec
	sink *table.Table
}

// NewAggregate builds an Aggregate writing into sink.
func NewAggregate(spec ir.AggregateSpec, sink *table.Table) (*Aggregate, error) {
	if sink == nil {
		return nil, fmt.Errorf("aggregate: sink table is required")
	}
	if (spec.Window != nil) != sink.Windowed() {
		return nil, fmt.Errorf("aggregate: sink %q windowing mismatch", sink.Name())
	}
	return &Aggregate{spec: spec, sink: sink}, nil
}

// GroupKey extracts the grouping key: the single group-by value, or an
// array of values in group-by order. Missing fields group as null.
func GroupKey(row ir.Object, groupBy []string) ir.Value {
	vals := make(ir.Array, len(groupBy))
	for i, f := range groupBy {
		v, ok := row.Get(f)
		if !ok {
			v = ir.Null{}
		}
		vals[i] = v
	}
	if len(vals) == 1 {
		return vals[0]
	}
	return vals
}

// Apply folds ev at the given stream time. late is true when every window
// the event belongs to has closed; such events mutate nothing.
//
// A tombstone carries no row to fold, so it removes the group named by the
// record key: the group's row, or every window of it.
func (a *Aggregate) Apply(ev ir.Event, streamTime int64) (entries []ir.ChangelogEntry, late bool, err error) {
	if ev.Tombstone {
		out, rerr := a.retract(ev)
		return out, false, rerr
	}
	group := GroupKey(ev.Row, a.spec.GroupBy)
	snap := a.sink.Snapshot()

	if a.spec.Window == nil {
		e, err := a.foldInto(snap, group, nil, ev)
		if err != nil {
			return nil, false, err
		}
		return []ir.ChangelogEntry{e}, false, nil
	}

	for _, w := range windowsFor(*a.spec.Window, ev.Timestamp) {
		if closed(*a.spec.Window, w, streamTime) {
			continue
		}
		key := ir.Array{group, ir.Int(w.Start.UnixMilli())}
		e, err := a.foldInto(snap, key, &w, ev)
		if err != nil {
			return nil, false, err
		}
		entries = append(entries, e)
	}
	return entries, len(entries) == 0, nil
}

func (a *Aggregate) retract(ev ir.Event) ([]ir.ChangelogEntry, error) {
	snap := a.sink.Snapshot()
	var rows []table.Row
	if a.spec.Window == nil {
		r, found, err := snap.Get(ev.Key)
		if err != nil {
			return nil, err
		}
		if found {
			rows = append(rows, r)
		}
	} else {
		windows, err := snap.Windows(ev.Key)
		if err != nil {
			return nil, err
		}
		rows = windows
	}

	out := make([]ir.ChangelogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, ir.ChangelogEntry{
			Table:     a.sink.Name(),
			Key:       r.Key,
			Tombstone: true,
			Window:    r.Window,
			Source:    ev.Source,
		})
	}
	return out, nil
}

func (a *Aggregate) foldInto(snap *table.Snapshot, key ir.Value, w *ir.Window, ev ir.Event) (ir.ChangelogEntry, error) {
	cur, found, err := snap.Get(key)
	if err != nil {
		return ir.ChangelogEntry{}, err
	}

	var row, state ir.Object
	if found {
		row, state = cur.Value.Clone(), cur.State.Clone()
	} else {
		row, state = a.initial(ev.Row, w), ir.Object{}
	}

	for _, agg := range a.spec.Aggregations {
		if agg.Func == ir.AggCount {
			n, _ := row[agg.As].(ir.Int)
			row[agg.As] = n + 1
			continue
		}
		v, ok := ev.Row.Get(agg.Field)
		if _, isNull := v.(ir.Null); !ok || isNull {
			continue
		}
		switch agg.Func {
		case ir.AggMin:
			if prev := row[agg.As]; isNullValue(prev) || ir.Compare(v, prev) < 0 {
				row[agg.As] = v
			}
		case ir.AggMax:
			if prev := row[agg.As]; isNullValue(prev) || ir.Compare(v, prev) > 0 {
				row[agg.As] = v
			}
		case ir.AggCountDistinct:
			set, _ := state[agg.As].(ir.Array)
			set = insertSorted(set, v)
			state[agg.As] = set
			row[agg.As] = ir.Int(len(set))
		case ir.AggCollectSet:
			set, _ := row[agg.As].(ir.Array)
			row[agg.As] = insertSorted(set, v)
		default:
			return ir.ChangelogEntry{}, fmt.Errorf("aggregate: unknown function %q", agg.Func)
		}
	}

	if len(state) == 0 {
		state = nil
	}
	return ir.ChangelogEntry{
		Table:  a.sink.Name(),
		Key:    key,
		Value:  row,
		State:  state,
		Window: w,
		Source: ev.Source,
	}, nil
}

// initial builds the row of a group seen for the first time.
func (a *Aggregate) initial(evRow ir.Object, w *ir.Window) ir.Object {
	row := make(ir.Object, len(a.spec.GroupBy)+len(a.spec.Aggregations)+2)
	for _, f := range a.spec.GroupBy {
		v, ok := evRow.Get(f)
		if !ok {
			v = ir.Null{}
		}
		row[f] = v
	}
	for _, agg := range a.spec.Aggregations {
		switch agg.Func {
		case ir.AggCount, ir.AggCountDistinct:
			row[agg.As] = ir.Int(0)
		case ir.AggCollectSet:
			row[agg.As] = ir.Array{}
		default:
			row[agg.As] = ir.Null{}
		}
	}
	if w != nil {
		row[ColWindowStart] = ir.Int(w.Start.UnixMilli())
		row[ColWindowEnd] = ir.Int(w.End.UnixMilli())
	}
	return row
}

func isNullValue(v ir.Value) bool {
	switch v.(type) {
	case nil, ir.Null:
		return true
	}
	return false
}

// insertSorted returns a new sorted set containing v. The input is never
// modified: it may be shared with a published snapshot.
func insertSorted(set ir.Array, v ir.Value) ir.Array {
	i := sort.Search(len(set), func(i int) bool { return ir.Compare(set[i], v) >= 0 })
	if i < len(set) && ir.Equal(set[i], v) {
		return set
	}
	out := make(ir.Array, 0, len(set)+1)
	out = append(out, set[:i]...)
	out = append(out, v)
	out = append(out, set[i:]...)
	return out
}

// Expired returns tombstones for up to limit windows past retention.
func (a *Aggregate) Expired(streamTime int64, limit int) []ir.ChangelogEntry {
	if a.spec.Window == nil || limit <= 0 {
		return nil
	}
	var out []ir.ChangelogEntry
	a.sink.Snapshot().Ascend(func(r table.Row) bool {
		if r.Window != nil && expired(*a.spec.Window, *r.Window, streamTime) {
			out = append(out, ir.ChangelogEntry{
				Table:     a.sink.Name(),
				Key:       r.Key,
				Tombstone: true,
				Window:    r.Window,
			})
		}
		return len(out) < limit
	})
	return out
}

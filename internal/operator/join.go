package operator

import (
	"fmt"

	"github.com/roach88/rill/internal/ir"
	"github.com/roach88/rill/internal/table"
)

// Resolver finds materialized tables by name.
type Resolver interface {
	Table(name string) (*table.Table, bool)
}

// Join enriches stream events with the current row of a table.
// The lookup reads the table snapshot at the moment the event is processed,
// so replay is deterministic only against the same table-state lineage.
type Join struct {
	spec  ir.JoinSpec
	table *table.Table
}

// NewJoin resolves the joined table.
func NewJoin(spec ir.JoinSpec, tables Resolver) (*Join, error) {
	t, ok := tables.Table(spec.Table)
	if !ok {
		return nil, fmt.Errorf("join: table %q not found", spec.Table)
	}
	if t.Windowed() {
		return nil, fmt.Errorf("join: table %q is windowed", spec.Table)
	}
	return &Join{spec: spec, table: t}, nil
}

// Apply implements Stage.
func (j *Join) Apply(ev ir.Event) (ir.Event, bool, error) {
	if ev.Tombstone {
		return ev, true, nil
	}

	var match ir.Object
	if key, ok := ev.Row.Get(j.spec.On); ok {
		r, found, err := j.table.Snapshot().Get(key)
		if err != nil {
			return ev, false, fmt.Errorf("join %s: %w", j.spec.Table, err)
		}
		if found {
			match = r.Value
		}
	}
	if match == nil && j.spec.Type == ir.JoinInner {
		return ev, false, nil
	}

	out := ev.Row.Clone()
	if len(j.spec.Columns) > 0 {
		for _, col := range j.spec.Columns {
			v, ok := match[col]
			if !ok {
				v = ir.Null{}
			}
			out[j.spec.Prefix+col] = v
		}
	} else {
		for col, v := range match {
			out[j.spec.Prefix+col] = v
		}
	}
	ev.Row = out
	return ev, true, nil
}

package operator

import "github.com/roach88/rill/internal/ir"

// Filter passes events whose row satisfies every condition.
type Filter struct {
	conds []ir.Condition
}

// NewFilter builds a Filter.
func NewFilter(spec ir.FilterSpec) *Filter {
	return &Filter{conds: spec.Conditions}
}

// Apply implements Stage.
func (f *Filter) Apply(ev ir.Event) (ir.Event, bool, error) {
	if ev.Tombstone {
		return ev, true, nil
	}
	for _, c := range f.conds {
		if !Match(ev.Row, c) {
			return ev, false, nil
		}
	}
	return ev, true, nil
}

// Match evaluates one condition. A missing field reads as null; ordering
// comparisons between different types are false.
func Match(row ir.Object, c ir.Condition) bool {
	v, ok := row.Get(c.Field)
	if !ok {
		v = ir.Null{}
	}
	switch c.Op {
	case "exists":
		_, isNull := v.(ir.Null)
		return ok && !isNull
	case "eq":
		return ir.Equal(v, c.Value)
	case "ne":
		return !ir.Equal(v, c.Value)
	case "in":
		for _, want := range c.Values {
			if ir.Equal(v, want) {
				return true
			}
		}
		return false
	}

	if ir.TypeName(v) != ir.TypeName(c.Value) {
		return false
	}
	cmp := ir.Compare(v, c.Value)
	switch c.Op {
	case "lt":
		return cmp < 0
	case "lte":
		return cmp <= 0
	case "gt":
		return cmp > 0
	case "gte":
		return cmp >= 0
	}
	return false
}

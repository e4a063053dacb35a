package operator

import (
	"fmt"

	"github.com/roach88/rill/internal/ir"
	"github.com/roach88/rill/internal/table"
)

// Stage is a stateless per-event operator. ok=false drops the event.
type Stage interface {
	Apply(ev ir.Event) (out ir.Event, ok bool, err error)
}

// Result is what one record produced.
type Result struct {
	Events   []ir.Event          // stream sinks
	Entries  []ir.ChangelogEntry // table sinks, seqs unassigned
	Filtered bool                // dropped by a filter or inner join
	Late     bool                // beyond grace for every window
}

// Chain is the compiled operator pipeline of one continuous query.
// A Chain is owned by a single worker and is not safe for concurrent use.
type Chain struct {
	q          ir.QuerySpec
	stages     []Stage
	agg        *Aggregate
	sink       *table.Table
	streamTime int64
}

// NewChain compiles q. sink must be set for table-sink queries; tables
// resolves join targets.
func NewChain(q ir.QuerySpec, tables Resolver, sink *table.Table) (*Chain, error) {
	c := &Chain{q: q, sink: sink}
	if q.Sink.Kind == ir.SinkTable && sink == nil {
		return nil, fmt.Errorf("query %s: table sink %q not provided", q.ID, q.Sink.Name)
	}
	for i, op := range q.Operators {
		switch op.Kind {
		case ir.OpFilter:
			c.stages = append(c.stages, NewFilter(*op.Filter))
		case ir.OpProject:
			c.stages = append(c.stages, NewProject(*op.Project))
		case ir.OpJoin:
			j, err := NewJoin(*op.Join, tables)
			if err != nil {
				return nil, fmt.Errorf("query %s operators[%d]: %w", q.ID, i, err)
			}
			c.stages = append(c.stages, j)
		case ir.OpAggregate:
			agg, err := NewAggregate(*op.Aggregate, sink)
			if err != nil {
				return nil, fmt.Errorf("query %s operators[%d]: %w", q.ID, i, err)
			}
			c.agg = agg
		default:
			return nil, fmt.Errorf("query %s operators[%d]: unknown kind %q", q.ID, i, op.Kind)
		}
	}
	return c, nil
}

// StreamTime is the maximum event time seen, in unix millis.
func (c *Chain) StreamTime() int64 { return c.streamTime }

// SetStreamTime restores stream time after recovery.
func (c *Chain) SetStreamTime(ms int64) { c.streamTime = ms }

// Process drives one record through the pipeline.
func (c *Chain) Process(rec ir.Record) (Result, error) {
	ev, err := Decode(rec, c.q.EventTime)
	if err != nil {
		return Result{}, err
	}
	for _, s := range c.stages {
		var ok bool
		ev, ok, err = s.Apply(ev)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{Filtered: true}, nil
		}
	}

	if !ev.Tombstone {
		if ts := ev.Timestamp.UnixMilli(); ts > c.streamTime {
			c.streamTime = ts
		}
	}

	if c.agg != nil {
		entries, late, err := c.agg.Apply(ev, c.streamTime)
		if err != nil {
			return Result{}, err
		}
		// A tombstone for a group that does not exist changes nothing.
		filtered := ev.Tombstone && len(entries) == 0
		return Result{Entries: entries, Late: late, Filtered: filtered}, nil
	}

	key, err := c.sinkKey(ev)
	if err != nil {
		return Result{}, err
	}
	ev.Key = key

	if c.q.Sink.Kind == ir.SinkStream {
		return Result{Events: []ir.Event{ev}}, nil
	}
	e := ir.ChangelogEntry{
		Table:     c.sink.Name(),
		Key:       ev.Key,
		Tombstone: ev.Tombstone,
		Source:    ev.Source,
	}
	if !ev.Tombstone {
		e.Value = ev.Row
	}
	return Result{Entries: []ir.ChangelogEntry{e}}, nil
}

// sinkKey re-keys by Sink.KeyBy. Tombstones keep the record key: their row
// is gone.
func (c *Chain) sinkKey(ev ir.Event) (ir.Value, error) {
	if len(c.q.Sink.KeyBy) == 0 || ev.Tombstone {
		return ev.Key, nil
	}
	key := GroupKey(ev.Row, c.q.Sink.KeyBy)
	if isNullValue(key) {
		return nil, fmt.Errorf("%w: key field %q missing", ErrMalformed, c.q.Sink.KeyBy[0])
	}
	return key, nil
}

// Expired returns retention tombstones for the sweep, at most limit.
func (c *Chain) Expired(limit int) []ir.ChangelogEntry {
	if c.agg == nil {
		return nil
	}
	return c.agg.Expired(c.streamTime, limit)
}

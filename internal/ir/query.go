package ir

import (
	"fmt"
	"time"
)

// SinkKind selects what a continuous query produces.
type SinkKind string

const (
	// SinkTable materializes keyed state that pull queries can read.
	SinkTable SinkKind = "table"
	// SinkStream re-publishes every output event to a topic.
	SinkStream SinkKind = "stream"
)

// OperatorKind tags an operator variant.
type OperatorKind string

const (
	OpFilter    OperatorKind = "filter"
	OpProject   OperatorKind = "project"
	OpJoin      OperatorKind = "join"
	OpAggregate OperatorKind = "aggregate"
)

// JoinType selects inner or left stream-table join semantics.
type JoinType string

const (
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
)

// AggFunc names an associative, order-insensitive combiner.
type AggFunc string

const (
	AggCount         AggFunc = "count"
	AggMin           AggFunc = "min"
	AggMax           AggFunc = "max"
	AggCountDistinct AggFunc = "count_distinct"
	AggCollectSet    AggFunc = "collect_set"
)

// ValidAggFuncs lists the supported combiners.
var ValidAggFuncs = map[AggFunc]bool{
	AggCount:         true,
	AggMin:           true,
	AggMax:           true,
	AggCountDistinct: true,
	AggCollectSet:    true,
}

// ValidConditionOps lists the supported filter comparison operators.
var ValidConditionOps = map[string]bool{
	"eq": true, "ne": true,
	"lt": true, "lte": true,
	"gt": true, "gte": true,
	"exists": true, "in": true,
}

// QuerySpec is a compiled continuous query: a source topic, a chain of
// tagged operators, and a sink.
//
// EventTime names a row field holding the event timestamp in Unix
// milliseconds; when empty the record's log timestamp is used.
type QuerySpec struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	EventTime  string         `json:"event_time,omitempty"`
	Operators  []OperatorSpec `json:"operators"`
	Sink       SinkSpec       `json:"sink"`
	DeadLetter bool           `json:"dead_letter,omitempty"`
}

// DeadLetterTopic is the topic malformed records are forwarded to.
func (q *QuerySpec) DeadLetterTopic() string {
	return q.ID + ".dlq"
}

// SinkSpec names the table or topic a query writes to.
// KeyBy re-keys table rows by the given fields; empty keeps the record key.
// A tombstone has no row to re-key, so it deletes the row whose key equals
// the record key. Sources of a KeyBy table must key their records by the
// same value for deletes to match.
type SinkSpec struct {
	Kind  SinkKind `json:"kind"`
	Name  string   `json:"name"`
	KeyBy []string `json:"key_by,omitempty"`
}

// OperatorSpec is a tagged union; exactly one variant pointer is set and it
// matches Kind.
type OperatorSpec struct {
	Kind      OperatorKind   `json:"kind"`
	Filter    *FilterSpec    `json:"filter,omitempty"`
	Project   *ProjectSpec   `json:"project,omitempty"`
	Join      *JoinSpec      `json:"join,omitempty"`
	Aggregate *AggregateSpec `json:"aggregate,omitempty"`
}

// FilterSpec passes events whose row satisfies every condition.
type FilterSpec struct {
	Conditions []Condition `json:"conditions"`
}

// Condition compares a row field against a literal.
type Condition struct {
	Field  string  `json:"field"`
	Op     string  `json:"op"`
	Value  Value   `json:"value,omitempty"`
	Values []Value `json:"values,omitempty"` // for "in"
}

// ProjectSpec builds a new row from the listed fields only.
type ProjectSpec struct {
	Fields []FieldSpec `json:"fields"`
}

// FieldSpec copies From (a dotted path) into As, or sets As to the literal
// Value when From is empty.
type FieldSpec struct {
	As    string `json:"as"`
	From  string `json:"from,omitempty"`
	Value Value  `json:"value,omitempty"`
}

// JoinSpec enriches stream events with the current row of Table whose key
// equals the event's On field. Table columns are copied as Prefix+column.
// Columns restricts the copied columns; a left join needs it so unmatched
// events carry the same columns, set to null.
type JoinSpec struct {
	Table   string   `json:"table"`
	On      string   `json:"on"`
	Type    JoinType `json:"type"`
	Prefix  string   `json:"prefix,omitempty"`
	Columns []string `json:"columns,omitempty"`
}

// AggregateSpec groups events by GroupBy and folds Aggregations per
// (group, window). A nil Window aggregates over all time.
type AggregateSpec struct {
	GroupBy      []string          `json:"group_by"`
	Window       *WindowSpec       `json:"window,omitempty"`
	Aggregations []AggregationSpec `json:"aggregations"`
}

// WindowSpec describes tumbling (Advance == 0) or hopping windows.
type WindowSpec struct {
	Size      time.Duration `json:"size"`
	Advance   time.Duration `json:"advance,omitempty"`
	Grace     time.Duration `json:"grace"`
	Retention time.Duration `json:"retention,omitempty"`
}

// Hop returns the distance between consecutive window starts.
func (w WindowSpec) Hop() time.Duration {
	if w.Advance <= 0 {
		return w.Size
	}
	return w.Advance
}

// AggregationSpec is one output column of an aggregation.
type AggregationSpec struct {
	Func  AggFunc `json:"func"`
	Field string  `json:"field,omitempty"` // unused by count
	As    string  `json:"as"`
}

// ValidationError represents a validation error with field path and message.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a query against structural rules.
// Returns all errors (not fail-fast) for better developer experience.
func (q *QuerySpec) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if q.ID == "" {
		add("id", "query id is required")
	}
	if q.Source == "" {
		add("source", "source topic is required")
	}
	switch q.Sink.Kind {
	case SinkTable, SinkStream:
	default:
		add("sink.kind", "must be %q or %q, got %q", SinkTable, SinkStream, q.Sink.Kind)
	}
	if q.Sink.Name == "" {
		add("sink.name", "sink name is required")
	}
	if q.Sink.Kind == SinkStream && q.Sink.Name == q.Source {
		add("sink.name", "stream sink %q cannot be the query's own source", q.Sink.Name)
	}

	aggregates := 0
	for i, op := range q.Operators {
		field := fmt.Sprintf("operators[%d]", i)
		switch op.Kind {
		case OpFilter:
			if op.Filter == nil || len(op.Filter.Conditions) == 0 {
				add(field, "filter requires at least one condition")
				continue
			}
			for j, c := range op.Filter.Conditions {
				cf := fmt.Sprintf("%s.conditions[%d]", field, j)
				if c.Field == "" {
					add(cf, "condition field is required")
				}
				if !ValidConditionOps[c.Op] {
					add(cf, "unknown operator %q", c.Op)
				}
				if c.Op == "in" && len(c.Values) == 0 {
					add(cf, "\"in\" requires values")
				}
			}
		case OpProject:
			if op.Project == nil || len(op.Project.Fields) == 0 {
				add(field, "project requires at least one field")
				continue
			}
			seen := make(map[string]bool)
			for j, f := range op.Project.Fields {
				if f.As == "" {
					add(fmt.Sprintf("%s.fields[%d]", field, j), "output name is required")
				}
				if seen[f.As] {
					add(fmt.Sprintf("%s.fields[%d]", field, j), "duplicate output name %q", f.As)
				}
				seen[f.As] = true
			}
		case OpJoin:
			if op.Join == nil {
				add(field, "join spec missing")
				continue
			}
			if op.Join.Table == "" {
				add(field+".table", "join table is required")
			}
			if op.Join.On == "" {
				add(field+".on", "join field is required")
			}
			if op.Join.Type != JoinInner && op.Join.Type != JoinLeft {
				add(field+".type", "must be %q or %q", JoinInner, JoinLeft)
			}
			if op.Join.Type == JoinLeft && len(op.Join.Columns) == 0 {
				add(field+".columns", "left join requires the joined columns")
			}
			if aggregates > 0 {
				add(field, "join cannot follow an aggregation")
			}
		case OpAggregate:
			aggregates++
			if op.Aggregate == nil {
				add(field, "aggregate spec missing")
				continue
			}
			errs = append(errs, op.Aggregate.validate(field)...)
			if i != len(q.Operators)-1 {
				add(field, "aggregate must be the last operator")
			}
			if q.Sink.Kind != SinkTable {
				add(field, "aggregate requires a table sink")
			}
		default:
			add(field+".kind", "unknown operator kind %q", op.Kind)
		}
	}
	if aggregates > 1 {
		add("operators", "at most one aggregate per query")
	}
	return errs
}

func (a *AggregateSpec) validate(field string) []ValidationError {
	var errs []ValidationError
	if len(a.GroupBy) == 0 {
		errs = append(errs, ValidationError{field + ".group_by", "at least one group-by field is required"})
	}
	if len(a.Aggregations) == 0 {
		errs = append(errs, ValidationError{field + ".aggregations", "at least one aggregation is required"})
	}
	names := make(map[string]bool)
	for _, g := range a.GroupBy {
		names[g] = true
	}
	for i, agg := range a.Aggregations {
		af := fmt.Sprintf("%s.aggregations[%d]", field, i)
		if !ValidAggFuncs[agg.Func] {
			errs = append(errs, ValidationError{af, fmt.Sprintf("unknown function %q", agg.Func)})
		}
		if agg.Func != AggCount && agg.Field == "" {
			errs = append(errs, ValidationError{af, fmt.Sprintf("%s requires a field", agg.Func)})
		}
		if agg.As == "" {
			errs = append(errs, ValidationError{af, "output name is required"})
		} else if names[agg.As] {
			errs = append(errs, ValidationError{af, fmt.Sprintf("duplicate output name %q", agg.As)})
		}
		names[agg.As] = true
	}
	if w := a.Window; w != nil {
		if w.Size <= 0 {
			errs = append(errs, ValidationError{field + ".window.size", "must be positive"})
		}
		if w.Grace < 0 {
			errs = append(errs, ValidationError{field + ".window.grace", "must not be negative"})
		}
		if w.Advance < 0 || (w.Advance > 0 && w.Advance > w.Size) {
			errs = append(errs, ValidationError{field + ".window.advance", "must be between 0 and size"})
		}
		if w.Retention != 0 && w.Retention < w.Size+w.Grace {
			errs = append(errs, ValidationError{field + ".window.retention", "must cover size plus grace"})
		}
	}
	return errs
}

// Tables returns the tables a query reads through joins.
func (q *QuerySpec) Tables() []string {
	var out []string
	for _, op := range q.Operators {
		if op.Kind == OpJoin && op.Join != nil {
			out = append(out, op.Join.Table)
		}
	}
	return out
}

// Aggregate returns the query's aggregation, if any.
func (q *QuerySpec) Aggregate() *AggregateSpec {
	for _, op := range q.Operators {
		if op.Kind == OpAggregate {
			return op.Aggregate
		}
	}
	return nil
}

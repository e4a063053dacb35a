// Package compiler turns CUE query definitions into ir.QuerySpec values and
// checks a set of queries for conflicts and feedback cycles.
package compiler

import (
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rill/internal/ir"
)

// CompileQuery parses a CUE value into a QuerySpec.
//
// The CUE value should be the query struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`query: device_counts: { source: "clicks", ... }`)
//	spec, err := CompileQuery(v.LookupPath(cue.ParsePath("query.device_counts")))
//
// Operators are a list of single-key structs applied in order:
//
//	operators: [
//		{filter: [{field: "device", op: "ne", value: "B"}]},
//		{project: [{as: "device", from: "device"}]},
//		{join: {table: "users", on: "user_id", type: "left", columns: ["name"]}},
//		{aggregate: {group_by: ["device"], window: {size: "1m", grace: "10s"},
//			aggregations: [{fn: "count", as: "count"}]}},
//	]
//	sink: table: "device_counts"   // or sink: stream: "topic"
func CompileQuery(v cue.Value) (*ir.QuerySpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ir.QuerySpec{}

	// Query id comes from the struct label: query: "device-counts": {...}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		spec.ID = strings.Trim(labels[len(labels)-1].String(), `"`)
	}

	var err error
	spec.Source, err = requiredString(v, "source")
	if err != nil {
		return nil, err
	}
	if spec.EventTime, _, err = optionalString(v, "event_time"); err != nil {
		return nil, err
	}

	if dl := v.LookupPath(cue.ParsePath("dead_letter")); dl.Exists() {
		b, err := dl.Bool()
		if err != nil {
			return nil, &CompileError{Field: "dead_letter", Message: "must be a bool", Pos: dl.Pos()}
		}
		spec.DeadLetter = b
	}

	if ops := v.LookupPath(cue.ParsePath("operators")); ops.Exists() {
		iter, err := ops.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for i := 0; iter.Next(); i++ {
			op, err := parseOperator(iter.Value(), i)
			if err != nil {
				return nil, err
			}
			spec.Operators = append(spec.Operators, op)
		}
	}

	spec.Sink, err = parseSink(v)
	if err != nil {
		return nil, err
	}
	return spec, nil
}

// parseSink extracts sink: {table: name} or sink: {stream: topic}.
func parseSink(v cue.Value) (ir.SinkSpec, error) {
	sinkVal := v.LookupPath(cue.ParsePath("sink"))
	if !sinkVal.Exists() {
		return ir.SinkSpec{}, &CompileError{Field: "sink", Message: "sink is required", Pos: v.Pos()}
	}

	var sink ir.SinkSpec
	tableName, hasTable, err := optionalString(sinkVal, "table")
	if err != nil {
		return sink, err
	}
	topic, hasStream, err := optionalString(sinkVal, "stream")
	if err != nil {
		return sink, err
	}
	switch {
	case hasTable && hasStream:
		return sink, &CompileError{Field: "sink", Message: "sink must name a table or a stream, not both", Pos: sinkVal.Pos()}
	case hasTable:
		sink.Kind, sink.Name = ir.SinkTable, tableName
	case hasStream:
		sink.Kind, sink.Name = ir.SinkStream, topic
	default:
		return sink, &CompileError{Field: "sink", Message: "sink requires 'table' or 'stream'", Pos: sinkVal.Pos()}
	}

	if kb := sinkVal.LookupPath(cue.ParsePath("key_by")); kb.Exists() {
		if sink.KeyBy, err = stringList(kb, "sink.key_by"); err != nil {
			return sink, err
		}
	}
	return sink, nil
}

var operatorKinds = []ir.OperatorKind{ir.OpFilter, ir.OpProject, ir.OpJoin, ir.OpAggregate}

// parseOperator reads one element of the operators list. Exactly one of the
// operator keys must be present.
func parseOperator(v cue.Value, idx int) (ir.OperatorSpec, error) {
	field := fmt.Sprintf("operators[%d]", idx)

	var found []ir.OperatorKind
	for _, k := range operatorKinds {
		if v.LookupPath(cue.ParsePath(string(k))).Exists() {
			found = append(found, k)
		}
	}
	if len(found) != 1 {
		return ir.OperatorSpec{}, &CompileError{
			Field:   field,
			Message: "operator must have exactly one of filter, project, join, aggregate",
			Pos:     v.Pos(),
		}
	}

	kind := found[0]
	body := v.LookupPath(cue.ParsePath(string(kind)))
	op := ir.OperatorSpec{Kind: kind}
	var err error
	switch kind {
	case ir.OpFilter:
		op.Filter, err = parseFilter(body, field+".filter")
	case ir.OpProject:
		op.Project, err = parseProject(body, field+".project")
	case ir.OpJoin:
		op.Join, err = parseJoin(body, field+".join")
	case ir.OpAggregate:
		op.Aggregate, err = parseAggregate(body, field+".aggregate")
	}
	return op, err
}

func parseFilter(v cue.Value, field string) (*ir.FilterSpec, error) {
	iter, err := v.List()
	if err != nil {
		return nil, &CompileError{Field: field, Message: "filter must be a list of conditions", Pos: v.Pos()}
	}
	spec := &ir.FilterSpec{}
	for iter.Next() {
		cv := iter.Value()
		var c ir.Condition
		if c.Field, err = requiredString(cv, "field"); err != nil {
			return nil, err
		}
		if c.Op, err = requiredString(cv, "op"); err != nil {
			return nil, err
		}
		if val := cv.LookupPath(cue.ParsePath("value")); val.Exists() {
			if c.Value, err = toValue(val); err != nil {
				return nil, err
			}
		}
		if vals := cv.LookupPath(cue.ParsePath("values")); vals.Exists() {
			list, err := toValue(vals)
			if err != nil {
				return nil, err
			}
			arr, ok := list.(ir.Array)
			if !ok {
				return nil, &CompileError{Field: field + ".values", Message: "values must be a list", Pos: vals.Pos()}
			}
			c.Values = arr
		}
		spec.Conditions = append(spec.Conditions, c)
	}
	return spec, nil
}

func parseProject(v cue.Value, field string) (*ir.ProjectSpec, error) {
	iter, err := v.List()
	if err != nil {
		return nil, &CompileError{Field: field, Message: "project must be a list of fields", Pos: v.Pos()}
	}
	spec := &ir.ProjectSpec{}
	for iter.Next() {
		fv := iter.Value()
		var f ir.FieldSpec
		if f.As, err = requiredString(fv, "as"); err != nil {
			return nil, err
		}
		if f.From, _, err = optionalString(fv, "from"); err != nil {
			return nil, err
		}
		if val := fv.LookupPath(cue.ParsePath("value")); val.Exists() {
			if f.Value, err = toValue(val); err != nil {
				return nil, err
			}
		}
		if f.From == "" && f.Value == nil {
			return nil, &CompileError{Field: field, Message: fmt.Sprintf("field %q needs 'from' or 'value'", f.As), Pos: fv.Pos()}
		}
		spec.Fields = append(spec.Fields, f)
	}
	return spec, nil
}

func parseJoin(v cue.Value, field string) (*ir.JoinSpec, error) {
	spec := &ir.JoinSpec{Type: ir.JoinInner}
	var err error
	if spec.Table, err = requiredString(v, "table"); err != nil {
		return nil, err
	}
	if spec.On, err = requiredString(v, "on"); err != nil {
		return nil, err
	}
	if typ, ok, err := optionalString(v, "type"); err != nil {
		return nil, err
	} else if ok {
		spec.Type = ir.JoinType(typ)
	}
	if spec.Prefix, _, err = optionalString(v, "prefix"); err != nil {
		return nil, err
	}
	if cols := v.LookupPath(cue.ParsePath("columns")); cols.Exists() {
		if spec.Columns, err = stringList(cols, field+".columns"); err != nil {
			return nil, err
		}
	}
	return spec, nil
}

func parseAggregate(v cue.Value, field string) (*ir.AggregateSpec, error) {
	spec := &ir.AggregateSpec{}
	gb := v.LookupPath(cue.ParsePath("group_by"))
	if !gb.Exists() {
		return nil, &CompileError{Field: field + ".group_by", Message: "group_by is required", Pos: v.Pos()}
	}
	var err error
	if spec.GroupBy, err = stringList(gb, field+".group_by"); err != nil {
		return nil, err
	}

	if wv := v.LookupPath(cue.ParsePath("window")); wv.Exists() {
		w := &ir.WindowSpec{}
		for _, d := range []struct {
			name string
			dst  *time.Duration
		}{
			{"size", &w.Size},
			{"advance", &w.Advance},
			{"grace", &w.Grace},
			{"retention", &w.Retention},
		} {
			if *d.dst, err = optionalDuration(wv, d.name, field+".window."+d.name); err != nil {
				return nil, err
			}
		}
		spec.Window = w
	}

	aggs := v.LookupPath(cue.ParsePath("aggregations"))
	if !aggs.Exists() {
		return nil, &CompileError{Field: field + ".aggregations", Message: "aggregations are required", Pos: v.Pos()}
	}
	iter, err := aggs.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		av := iter.Value()
		var a ir.AggregationSpec
		fn, err := requiredString(av, "fn")
		if err != nil {
			return nil, err
		}
		a.Func = ir.AggFunc(fn)
		if a.Field, _, err = optionalString(av, "field"); err != nil {
			return nil, err
		}
		if a.As, err = requiredString(av, "as"); err != nil {
			return nil, err
		}
		spec.Aggregations = append(spec.Aggregations, a)
	}
	return spec, nil
}

// optionalDuration reads a Go duration string ("10s", "1m30s").
func optionalDuration(v cue.Value, name, field string) (time.Duration, error) {
	s, ok, err := optionalString(v, name)
	if err != nil || !ok {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &CompileError{Field: field, Message: fmt.Sprintf("invalid duration %q", s), Pos: v.LookupPath(cue.ParsePath(name)).Pos()}
	}
	return d, nil
}

func requiredString(v cue.Value, name string) (string, error) {
	s, ok, err := optionalString(v, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &CompileError{Field: name, Message: name + " is required", Pos: v.Pos()}
	}
	return s, nil
}

func optionalString(v cue.Value, name string) (string, bool, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", false, nil
	}
	s, err := fv.String()
	if err != nil {
		return "", false, &CompileError{Field: name, Message: "must be a string", Pos: fv.Pos()}
	}
	return s, true, nil
}

func stringList(v cue.Value, field string) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, &CompileError{Field: field, Message: "must be a list of strings", Pos: v.Pos()}
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, &CompileError{Field: field, Message: "must be a list of strings", Pos: iter.Value().Pos()}
		}
		out = append(out, s)
	}
	return out, nil
}

// toValue converts a concrete CUE value into an ir.Value.
// Floats are rejected: aggregation state must replay bit-for-bit.
func toValue(v cue.Value) (ir.Value, error) {
	switch v.Kind() {
	case cue.NullKind:
		return ir.Null{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Bool(b), nil
	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Int(i), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.String(s), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := ir.Array{}
		for iter.Next() {
			e, err := toValue(iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, e)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := ir.Object{}
		for iter.Next() {
			e, err := toValue(iter.Value())
			if err != nil {
				return nil, err
			}
			obj[iter.Label()] = e
		}
		return obj, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &CompileError{Field: "value", Message: "floats are not supported, use int instead", Pos: v.Pos()}
	default:
		return nil, &CompileError{Field: "value", Message: fmt.Sprintf("value must be concrete, got %v", v.IncompleteKind()), Pos: v.Pos()}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Report the first error that carries a position.
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}

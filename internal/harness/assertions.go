package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/rill/internal/engine"
	"github.com/roach88/rill/internal/eventlog"
	"github.com/roach88/rill/internal/ir"
	"github.com/roach88/rill/internal/query"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // assertion type
	Target   string // table, topic or query the assertion addressed
	Expected string // human-readable expected outcome
	Actual   string // human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s %s\n", e.Type, e.Target)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// AssertionContext provides what assertions read from.
type AssertionContext struct {
	Server *query.Server
	Engine *engine.Engine
	Log    *eventlog.Memory
}

// EvaluateAssertions evaluates all assertions and returns a message per
// failure. Lookups go through the pull-query server, so they observe the
// same semantics as a client.
func EvaluateAssertions(ctx context.Context, assertions []Assertion, actx *AssertionContext) []string {
	var msgs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertLookup:
			err = assertLookup(ctx, actx.Server, a)
		case AssertNotFound:
			err = assertNotFound(ctx, actx.Server, a)
		case AssertRowCount:
			err = assertRowCount(actx.Engine, a)
		case AssertTopicCount:
			err = assertTopicCount(actx.Log, a)
		case AssertHalted:
			err = assertHalted(actx.Engine, a, true)
		case AssertRunning:
			err = assertHalted(actx.Engine, a, false)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			msgs = append(msgs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return msgs
}

func lookupKey(a Assertion) (ir.Value, error) {
	key, err := ir.FromGo(a.Key)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	return key, nil
}

func assertLookup(ctx context.Context, srv *query.Server, a Assertion) error {
	key, err := lookupKey(a)
	if err != nil {
		return err
	}
	res, err := srv.Lookup(ctx, nil, a.Table, key)
	if err != nil {
		return &AssertionError{
			Type:     AssertLookup,
			Target:   a.Table,
			Expected: fmt.Sprintf("row for key %s", render(key)),
			Actual:   err.Error(),
		}
	}

	want := a.Rows
	if want == nil {
		want = []map[string]any{a.Expect}
	}
	if len(res.Rows) != len(want) {
		return &AssertionError{
			Type:     AssertLookup,
			Target:   a.Table,
			Expected: fmt.Sprintf("%d row(s) for key %s", len(want), render(key)),
			Actual:   fmt.Sprintf("%d row(s): %s", len(res.Rows), renderRows(res.Rows)),
		}
	}
	for i, expect := range want {
		if err := matchRow(res.Rows[i], expect); err != nil {
			return &AssertionError{
				Type:     AssertLookup,
				Target:   a.Table,
				Expected: fmt.Sprintf("row %d of key %s to match %v", i, render(key), expect),
				Actual:   fmt.Sprintf("%v (row %s)", err, render(res.Rows[i])),
			}
		}
	}
	return nil
}

// matchRow checks that row contains every expected column (subset match).
func matchRow(row ir.Object, expect map[string]any) error {
	for col, raw := range expect {
		want, err := ir.FromGo(raw)
		if err != nil {
			return fmt.Errorf("column %s: %w", col, err)
		}
		got, ok := row[col]
		if !ok {
			return fmt.Errorf("column %s missing", col)
		}
		if !ir.Equal(got, want) {
			return fmt.Errorf("column %s = %s, want %s", col, render(got), render(want))
		}
	}
	return nil
}

func assertNotFound(ctx context.Context, srv *query.Server, a Assertion) error {
	key, err := lookupKey(a)
	if err != nil {
		return err
	}
	res, err := srv.Lookup(ctx, nil, a.Table, key)
	if errors.Is(err, query.ErrNotFound) {
		return nil
	}
	actual := ""
	if err != nil {
		actual = err.Error()
	} else {
		actual = renderRows(res.Rows)
	}
	return &AssertionError{
		Type:     AssertNotFound,
		Target:   a.Table,
		Expected: fmt.Sprintf("no row for key %s", render(key)),
		Actual:   actual,
	}
}

func assertRowCount(eng *engine.Engine, a Assertion) error {
	tbl, ok := eng.Table(a.Table)
	if !ok {
		return &AssertionError{Type: AssertRowCount, Target: a.Table, Expected: "table to exist", Actual: "no such table"}
	}
	if n := tbl.Snapshot().Len(); n != *a.Count {
		return &AssertionError{
			Type:     AssertRowCount,
			Target:   a.Table,
			Expected: fmt.Sprintf("%d rows", *a.Count),
			Actual:   fmt.Sprintf("%d rows", n),
		}
	}
	return nil
}

func assertTopicCount(log *eventlog.Memory, a Assertion) error {
	if n := len(log.Records(a.Topic)); n != *a.Count {
		return &AssertionError{
			Type:     AssertTopicCount,
			Target:   a.Topic,
			Expected: fmt.Sprintf("%d records", *a.Count),
			Actual:   fmt.Sprintf("%d records", n),
		}
	}
	return nil
}

func assertHalted(eng *engine.Engine, a Assertion, wantHalted bool) error {
	err := eng.Halted(a.Query)
	switch {
	case wantHalted && err == nil:
		return &AssertionError{Type: AssertHalted, Target: a.Query, Expected: "query halted", Actual: "running"}
	case !wantHalted && err != nil:
		return &AssertionError{Type: AssertRunning, Target: a.Query, Expected: "query running", Actual: err.Error()}
	}
	return nil
}

func render(v ir.Value) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func renderRows(rows []ir.Object) string {
	parts := make([]string, len(rows))
	for i, r := range rows {
		parts[i] = render(r)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

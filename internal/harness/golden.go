package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/rill/internal/ir"
)

// Snapshot is the golden form of a scenario outcome: every table's served
// rows in key order plus the record count of every topic. Changelog seqs
// are left out so the snapshot does not depend on scheduling between
// queries.
func (r *Result) Snapshot(name string) ir.Object {
	tables := ir.Object{}
	for _, t := range r.Tables {
		rows := make(ir.Array, 0, len(t.Rows))
		for _, row := range t.Rows {
			rows = append(rows, ir.Array{ir.String(row.Key), row.Row})
		}
		tables[t.Name] = ir.Object{"rows": rows, "digest": ir.String(t.Digest)}
	}
	topics := ir.Object{}
	for topic, n := range r.Topics {
		topics[topic] = ir.Int(n)
	}
	return ir.Object{
		"scenario": ir.String(name),
		"tables":   tables,
		"topics":   topics,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an already computed result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()
	snapshot, err := ir.MarshalCanonical(result.Snapshot(name))
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, append(snapshot, '\n'))
	return nil
}

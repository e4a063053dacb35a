package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rill/internal/ir"
)

func streamQuery(id, source, sink string) ir.QuerySpec {
	return ir.QuerySpec{ID: id, Source: source, Sink: ir.SinkSpec{Kind: ir.SinkStream, Name: sink}}
}

func tableQuery(id, source, sink string, joins ...string) ir.QuerySpec {
	q := ir.QuerySpec{ID: id, Source: source, Sink: ir.SinkSpec{Kind: ir.SinkTable, Name: sink}}
	for _, j := range joins {
		q.Operators = append(q.Operators, ir.OperatorSpec{
			Kind: ir.OpJoin,
			Join: &ir.JoinSpec{Table: j, On: "id", Type: ir.JoinInner},
		})
	}
	return q
}

func TestAnalyzeCycles_Empty(t *testing.T) {
	assert.Empty(t, AnalyzeCycles(nil))
}

func TestAnalyzeCycles_DAG(t *testing.T) {
	queries := []ir.QuerySpec{
		streamQuery("not_b", "clicks", "clicks_not_b"),
		tableQuery("users", "user_updates", "users"),
		tableQuery("counts", "clicks_not_b", "device_counts", "users"),
	}
	assert.Empty(t, AnalyzeCycles(queries), "DAG should produce no cycles")
}

func TestAnalyzeCycles_SelfLoop(t *testing.T) {
	cycles := AnalyzeCycles([]ir.QuerySpec{
		tableQuery("self", "events", "state", "state"),
	})
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"self", "self"}, cycles[0].Path)
	assert.Contains(t, cycles[0].Message, "feeds its own input")
}

func TestAnalyzeCycles_StreamRing(t *testing.T) {
	cycles := AnalyzeCycles([]ir.QuerySpec{
		streamQuery("a", "t1", "t2"),
		streamQuery("b", "t2", "t3"),
		streamQuery("c", "t3", "t1"),
		streamQuery("d", "t3", "elsewhere"),
	})
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycles[0].Path)
	assert.Equal(t, "queries form a cycle: a -> b -> c -> a", cycles[0].Message)
}

func TestAnalyzeCycles_TableAndStream(t *testing.T) {
	// a materializes t; b joins t and re-publishes into a's source.
	cycles := AnalyzeCycles([]ir.QuerySpec{
		tableQuery("a", "in", "t"),
		{
			ID:        "b",
			Source:    "other",
			Operators: []ir.OperatorSpec{{Kind: ir.OpJoin, Join: &ir.JoinSpec{Table: "t", On: "id", Type: ir.JoinInner}}},
			Sink:      ir.SinkSpec{Kind: ir.SinkStream, Name: "in"},
		},
	})
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"a", "b", "a"}, cycles[0].Path)
}

func TestAnalyzeCycles_DeadLetterFeedback(t *testing.T) {
	q := tableQuery("q", "q.dlq", "t")
	q.DeadLetter = true
	cycles := AnalyzeCycles([]ir.QuerySpec{q})
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"q", "q"}, cycles[0].Path)
}

func TestAnalyzeCycles_Deterministic(t *testing.T) {
	queries := []ir.QuerySpec{
		streamQuery("z1", "x", "y"),
		streamQuery("z2", "y", "x"),
		streamQuery("a1", "p", "q"),
		streamQuery("a2", "q", "p"),
	}
	first := AnalyzeCycles(queries)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, AnalyzeCycles(queries))
	}
	require.Len(t, first, 2)
	assert.Equal(t, "a1", first[0].Path[0])
	assert.Equal(t, "z1", first[1].Path[0])
}

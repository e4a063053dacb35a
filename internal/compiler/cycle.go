package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/rill/internal/ir"
)

// Cycle is a set of queries whose outputs feed back into their own inputs.
//
// A stream sink that reaches its own source re-publishes every record it
// reads, and a table sink that reaches its own join reads state it is still
// writing. Both are rejected.
type Cycle struct {
	Path    []string `json:"path"`    // e.g. ["a", "b", "a"]
	Message string   `json:"message"` // human-readable description
}

// AnalyzeCycles builds the query dependency graph and reports every
// strongly connected component that forms a cycle.
//
// Query A feeds query B when A's stream sink (or A's dead-letter topic) is
// B's source, or when A's table sink is joined by B.
//
// The algorithm:
//  1. Build query → downstream queries from sinks, sources, and joins
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 or a self-loop
//
// A DAG returns an empty list. Output is deterministic.
func AnalyzeCycles(queries []ir.QuerySpec) []Cycle {
	if len(queries) == 0 {
		return []Cycle{}
	}

	graph := buildDependencyGraph(queries)
	sccs := tarjanSCC(graph)

	cycles := []Cycle{}
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			cycles = append(cycles, sccToCycle(scc, graph))
		}
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i].Path[0] < cycles[j].Path[0] })
	return cycles
}

// dependencyGraph maps query id → ids of the queries it feeds, sorted.
type dependencyGraph map[string][]string

func buildDependencyGraph(queries []ir.QuerySpec) dependencyGraph {
	bySource := make(map[string][]string) // topic → consuming queries
	byJoin := make(map[string][]string)   // table → joining queries
	for _, q := range queries {
		bySource[q.Source] = append(bySource[q.Source], q.ID)
		for _, t := range q.Tables() {
			byJoin[t] = append(byJoin[t], q.ID)
		}
	}

	graph := make(dependencyGraph)
	for _, q := range queries {
		var out []string
		switch q.Sink.Kind {
		case ir.SinkStream:
			out = append(out, bySource[q.Sink.Name]...)
		case ir.SinkTable:
			out = append(out, byJoin[q.Sink.Name]...)
		}
		if q.DeadLetter {
			out = append(out, bySource[q.DeadLetterTopic()]...)
		}
		sort.Strings(out)
		graph[q.ID] = dedupe(out)
	}
	return graph
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

func hasSelfLoop(node string, graph dependencyGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Single-node SCCs without self-loops are not cycles.
func tarjanSCC(graph dependencyGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop its component.
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sort.Strings(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}
	return sccs
}

func sccToCycle(scc []string, graph dependencyGraph) Cycle {
	if len(scc) == 1 {
		id := scc[0]
		return Cycle{
			Path:    []string{id, id},
			Message: fmt.Sprintf("query %s feeds its own input", id),
		}
	}
	path := reconstructCyclePath(scc, graph)
	return Cycle{
		Path:    path,
		Message: fmt.Sprintf("queries form a cycle: %s", strings.Join(path, " -> ")),
	}
}

// reconstructCyclePath walks edges inside the SCC from its first member
// until it returns to the start.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)
	for {
		visited[current] = true
		var next string
		for _, n := range graph[current] {
			if members[n] && (!visited[n] || n == start) {
				next = n
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}

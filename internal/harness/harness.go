package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/roach88/rill/internal/changelog"
	"github.com/roach88/rill/internal/compiler"
	"github.com/roach88/rill/internal/engine"
	"github.com/roach88/rill/internal/eventlog"
	"github.com/roach88/rill/internal/ir"
	"github.com/roach88/rill/internal/query"
	"github.com/roach88/rill/internal/testutil"
)

// SettleTimeout bounds how long a step may take to be fully consumed.
var SettleTimeout = 10 * time.Second

const settlePoll = 2 * time.Millisecond

// Harness owns one scenario execution: the in-memory log, the changelog
// directory and the running engine.
type Harness struct {
	scenario *Scenario
	queries  []ir.QuerySpec
	order    []ir.QuerySpec // upstream before downstream
	log      *eventlog.Memory
	clock    *testutil.FixedClock
	logger   *slog.Logger
	dir      string

	store  changelog.Store
	engine *engine.Engine
	cancel context.CancelFunc
	done   chan error
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh log and a fresh changelog for
// isolation. Execution flow:
//  1. Compile and validate the queries
//  2. Open the changelog and start the engine
//  3. Execute steps, settling after each one
//  4. Evaluate assertions and dump every table
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	queries, err := compileQueries(scenario)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "rill-harness-*")
	if err != nil {
		return nil, fmt.Errorf("create changelog dir: %w", err)
	}
	defer os.RemoveAll(dir)

	partitions := scenario.Partitions
	if partitions == 0 {
		partitions = 1
	}
	clock := testutil.NewFixedClock()
	h := &Harness{
		scenario: scenario,
		queries:  queries,
		order:    upstreamFirst(queries),
		log:      eventlog.NewMemory(eventlog.MemoryOptions{Partitions: int32(partitions), Now: clock.Now}),
		clock:    clock,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // quiet in tests
		dir:      dir,
	}
	defer h.log.Close()

	if err := h.start(ctx); err != nil {
		return nil, err
	}
	defer h.stop()

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if err := h.settle(ctx); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	result := NewResult()
	srv := query.NewServer(h.engine, query.Options{Logger: h.logger})
	for _, msg := range EvaluateAssertions(ctx, scenario.Assertions, &AssertionContext{
		Server: srv,
		Engine: h.engine,
		Log:    h.log,
	}) {
		result.AddError(msg)
	}
	if err := h.dump(result); err != nil {
		return nil, err
	}
	return result, nil
}

func compileQueries(s *Scenario) ([]ir.QuerySpec, error) {
	var queries []ir.QuerySpec
	sources := map[string][]byte{}
	if s.Queries != "" {
		sources[s.Name+".cue"] = []byte(s.Queries)
	}
	for _, p := range s.QueryFiles {
		src, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read query file: %w", err)
		}
		sources[p] = src
	}
	names := make([]string, 0, len(sources))
	for n := range sources {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		qs, errs := compiler.CompileSource(n, sources[n])
		if len(errs) > 0 {
			return nil, fmt.Errorf("compile queries: %w", errors.Join(errs...))
		}
		queries = append(queries, qs...)
	}
	if verrs := compiler.Validate(queries); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, e := range verrs {
			errs[i] = e
		}
		return nil, fmt.Errorf("validate queries: %w", errors.Join(errs...))
	}
	return queries, nil
}

// upstreamFirst orders queries so that a query producing a stream comes
// before the queries consuming it. Validated queries have no cycles.
func upstreamFirst(queries []ir.QuerySpec) []ir.QuerySpec {
	producers := make(map[string][]string) // topic → producing queries
	for _, q := range queries {
		if q.Sink.Kind == ir.SinkStream {
			producers[q.Sink.Name] = append(producers[q.Sink.Name], q.ID)
		}
		if q.DeadLetter {
			producers[q.DeadLetterTopic()] = append(producers[q.DeadLetterTopic()], q.ID)
		}
	}
	byID := make(map[string]ir.QuerySpec, len(queries))
	for _, q := range queries {
		byID[q.ID] = q
	}

	var (
		out     []ir.QuerySpec
		visited = make(map[string]bool)
		visit   func(id string)
	)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, p := range producers[byID[id].Source] {
			visit(p)
		}
		out = append(out, byID[id])
	}
	for _, q := range queries {
		visit(q.ID)
	}
	return out
}

func (h *Harness) start(ctx context.Context) error {
	path := filepath.Join(h.dir, "changelog")
	if h.scenario.Backend != changelog.BackendPebble {
		path += ".db"
	}
	st, err := changelog.Open(h.scenario.Backend, path)
	if err != nil {
		return fmt.Errorf("open changelog: %w", err)
	}
	eng, err := engine.New(h.log, st, h.queries, engine.Options{
		Logger:             h.logger,
		Clock:              h.clock,
		CheckpointInterval: 10 * time.Millisecond,
		SweepInterval:      5 * time.Millisecond,
		Backoff:            eventlog.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	})
	if err != nil {
		st.Close()
		return fmt.Errorf("create engine: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.store, h.engine, h.cancel = st, eng, cancel
	h.done = make(chan error, 1)
	go func() { h.done <- eng.Run(runCtx) }()
	return h.settle(ctx)
}

func (h *Harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.store.Close()
	h.cancel = nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	if step.Restart {
		h.stop()
		return h.start(ctx)
	}

	p := step.Produce
	var value []byte
	switch {
	case p.Raw != "":
		value = []byte(p.Raw)
	case p.Value != nil:
		b, err := json.Marshal(p.Value)
		if err != nil {
			return fmt.Errorf("encode value: %w", err)
		}
		value = b
	}
	ts := h.clock.Now()
	if p.At != nil {
		ts = time.UnixMilli(*p.At).UTC()
	}
	if _, err := h.log.AppendAt(ctx, p.Topic, []byte(p.Key), value, ts); err != nil {
		return fmt.Errorf("produce to %s: %w", p.Topic, err)
	}
	h.clock.Advance(time.Millisecond)
	return nil
}

// settle waits, upstream first, until every running query has consumed
// its whole source topic. Halted queries count as settled.
func (h *Harness) settle(ctx context.Context) error {
	deadline := time.Now().Add(SettleTimeout)
	for _, q := range h.order {
		for !h.settled(q) {
			if time.Now().After(deadline) {
				return fmt.Errorf("query %s did not catch up on %s", q.ID, q.Source)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-h.done:
				h.done <- err
				return fmt.Errorf("engine stopped: %v", err)
			case <-time.After(settlePoll):
			}
		}
	}
	return nil
}

func (h *Harness) settled(q ir.QuerySpec) bool {
	if h.engine.Halted(q.ID) != nil {
		return true
	}
	for _, s := range h.engine.Status() {
		if s.ID == q.ID {
			return s.Running && testutil.CaughtUp(h.log, q.Source, s.Position)
		}
	}
	return false
}

func (h *Harness) dump(result *Result) error {
	for _, name := range h.engine.Tables() {
		tbl, _ := h.engine.Table(name)
		rows := tbl.Snapshot().StateRows()
		digest, err := ir.StateDigest(rows)
		if err != nil {
			return fmt.Errorf("digest %s: %w", name, err)
		}
		result.Tables = append(result.Tables, TableDump{Name: name, Rows: rows, Digest: digest})
	}
	for _, topic := range h.log.Topics() {
		result.Topics[topic] = len(h.log.Records(topic))
	}
	return nil
}

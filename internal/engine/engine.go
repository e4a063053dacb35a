package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/rill/internal/changelog"
	"github.com/roach88/rill/internal/eventlog"
	"github.com/roach88/rill/internal/ir"
	"github.com/roach88/rill/internal/table"
)

// Defaults for Options fields left zero.
const (
	DefaultCheckpointInterval = 5 * time.Second
	DefaultSweepInterval      = time.Second
	DefaultSweepBatch         = 128
	DefaultInboxSize          = 256
)

// Options configures an Engine.
type Options struct {
	Logger             *slog.Logger
	Clock              Clock
	CheckpointInterval time.Duration
	SweepInterval      time.Duration
	SweepBatch         int
	InboxSize          int
	Backoff            eventlog.Backoff
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = DefaultSweepBatch
	}
	if o.InboxSize <= 0 {
		o.InboxSize = DefaultInboxSize
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff.Initial = 100 * time.Millisecond
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = 10 * time.Second
	}
}

// Engine runs continuous queries against a log and maintains their tables.
//
// Each query is driven by its own worker goroutine, the only writer of the
// query's sink table. Workers for different queries run in parallel; within
// a query records are processed strictly in subscription order.
//
// The log handle and changelog store are owned by the caller and passed in
// explicitly; Engine never closes them.
type Engine struct {
	log     eventlog.Log
	store   changelog.Store
	opts    Options
	logger  *slog.Logger
	tables  map[string]*table.Table
	workers []*worker

	mu     sync.Mutex // guards status
	status map[string]*QueryStatus
}

// QueryStatus is a point-in-time view of one query's worker.
type QueryStatus struct {
	ID         string      `json:"id"`
	Source     string      `json:"source"`
	Sink       ir.SinkSpec `json:"sink"`
	SpecHash   string      `json:"spec_hash"`
	Position   ir.Position `json:"position"`
	StreamTime int64       `json:"stream_time"`
	Running    bool        `json:"running"`
	Halted     string      `json:"halted,omitempty"`

	err error
}

// New validates queries and creates their tables. Queries must be
// validated individually beforehand; New checks how they fit together.
func New(log eventlog.Log, store changelog.Store, queries []ir.QuerySpec, opts Options) (*Engine, error) {
	opts.setDefaults()
	e := &Engine{
		log:    log,
		store:  store,
		opts:   opts,
		logger: opts.Logger,
		tables: make(map[string]*table.Table),
		status: make(map[string]*QueryStatus),
	}

	for _, q := range queries {
		if _, dup := e.status[q.ID]; dup {
			return nil, fmt.Errorf("duplicate query id %q", q.ID)
		}
		hash, err := ir.SpecHash(q)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.ID, err)
		}
		e.status[q.ID] = &QueryStatus{ID: q.ID, Source: q.Source, Sink: q.Sink, SpecHash: hash, Position: ir.Position{}}

		if q.Sink.Kind != ir.SinkTable {
			continue
		}
		if _, dup := e.tables[q.Sink.Name]; dup {
			return nil, fmt.Errorf("query %s: table %q already has a writer", q.ID, q.Sink.Name)
		}
		agg := q.Aggregate()
		tbl := table.New(q.Sink.Name, agg != nil && agg.Window != nil)
		tbl.BeginRecovery()
		e.tables[q.Sink.Name] = tbl
	}

	for _, q := range queries {
		w, err := newWorker(e, q)
		if err != nil {
			return nil, err
		}
		e.workers = append(e.workers, w)
	}
	return e, nil
}

// Table returns a materialized table by name.
func (e *Engine) Table(name string) (*table.Table, bool) {
	t, ok := e.tables[name]
	return t, ok
}

// Tables lists table names in ascending order.
func (e *Engine) Tables() []string {
	names := make([]string, 0, len(e.tables))
	for n := range e.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Status returns every query's status ordered by id.
func (e *Engine) Status() []QueryStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]QueryStatus, 0, len(e.status))
	for _, s := range e.status {
		cp := *s
		cp.Position = s.Position.Clone()
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Position returns the next offsets a query will read.
func (e *Engine) Position(queryID string) (ir.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.status[queryID]
	if !ok {
		return nil, false
	}
	return s.Position.Clone(), true
}

// Halted returns the error that stopped a query, or nil.
func (e *Engine) Halted(queryID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.status[queryID]; ok {
		return s.err
	}
	return nil
}

func (e *Engine) updateStatus(id string, fn func(*QueryStatus)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.status[id]; ok {
		fn(s)
	}
}

// Recover rebuilds every table from the changelog and computes each
// query's resume position. Run calls it; it is exported for offline tools
// that only need the rebuilt state.
//
// A query whose state cannot be rebuilt is halted; the others recover.
func (e *Engine) Recover(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range e.workers {
		g.Go(func() error {
			if err := w.recover(gctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.halt(err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run recovers state, then consumes until ctx is cancelled.
// Halted queries do not stop the others. Returns ctx.Err() on shutdown.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "queries", len(e.workers), "tables", len(e.tables))
	if err := e.Recover(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range e.workers {
		if w.halted != nil {
			continue
		}
		g.Go(func() error { return w.run(gctx) })
	}
	err := g.Wait()
	e.logger.Info("engine stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/rill/internal/eventlog"
	"github.com/roach88/rill/internal/ir"
	"github.com/roach88/rill/internal/metrics"
	"github.com/roach88/rill/internal/operator"
	"github.com/roach88/rill/internal/table"
)

// replayBatch bounds how many changelog entries are folded per snapshot
// publish during recovery.
const replayBatch = 512

// shutdownTimeout bounds the final checkpoint on shutdown.
const shutdownTimeout = 5 * time.Second

// worker drives one query. All of its fields are owned by the worker
// goroutine; other goroutines read progress through Engine.status.
type worker struct {
	e       *Engine
	q       ir.QuerySpec
	chain   *operator.Chain
	sink    *table.Table // nil for stream sinks
	logger  *slog.Logger
	pos     ir.Position
	backoff eventlog.Backoff
	dirty   bool // position moved since the last checkpoint
	halted  error
}

func newWorker(e *Engine, q ir.QuerySpec) (*worker, error) {
	var sink *table.Table
	if q.Sink.Kind == ir.SinkTable {
		sink = e.tables[q.Sink.Name]
	}
	chain, err := operator.NewChain(q, e, sink)
	if err != nil {
		return nil, err
	}
	return &worker{
		e:       e,
		q:       q,
		chain:   chain,
		sink:    sink,
		logger:  e.logger.With("query", q.ID),
		pos:     ir.Position{},
		backoff: e.opts.Backoff,
	}, nil
}

func (w *worker) tableName() string {
	if w.sink == nil {
		return ""
	}
	return w.sink.Name()
}

// run consumes until ctx is cancelled or the query halts. A halted query
// returns nil so the other workers keep running.
func (w *worker) run(ctx context.Context) error {
	w.e.updateStatus(w.q.ID, func(s *QueryStatus) { s.Running = true })
	defer w.e.updateStatus(w.q.ID, func(s *QueryStatus) { s.Running = false })
	w.logger.Info("query started", "source", w.q.Source, "sink", w.q.Sink.Name, "position", w.pos)

	for {
		err := w.consume(ctx)
		if ctx.Err() != nil {
			w.shutdown()
			return nil
		}
		if IsLogUnavailableError(err) {
			d := w.backoff.Next()
			w.logger.Warn("log unavailable, resubscribing",
				"error", err,
				"backoff", d,
				"position", w.pos,
			)
			metrics.ResubscribesTotal.WithLabelValues(w.q.ID).Inc()
			select {
			case <-ctx.Done():
				w.shutdown()
				return nil
			case <-time.After(d):
			}
			continue
		}
		w.halt(err)
		return nil
	}
}

// consume runs one subscription session from the current position.
func (w *worker) consume(ctx context.Context) error {
	sub, err := w.e.log.Subscribe(ctx, w.q.Source, w.pos.Clone())
	if err != nil {
		return err
	}
	defer sub.Close()

	in := newInbox(w.e.opts.InboxSize)
	pctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pump(pctx, sub, in)
	}()
	defer func() {
		cancel()
		in.Close()
		wg.Wait()
	}()

	checkpoint := time.NewTicker(w.e.opts.CheckpointInterval)
	defer checkpoint.Stop()
	var sweep <-chan time.Time
	if w.sink != nil && w.sink.Windowed() {
		t := time.NewTicker(w.e.opts.SweepInterval)
		defer t.Stop()
		sweep = t.C
	}

	for {
		// Timers are polled between records so a busy topic cannot starve them.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-checkpoint.C:
			if err := w.checkpoint(ctx); err != nil {
				return err
			}
		case <-sweep:
			if err := w.sweep(ctx); err != nil {
				return err
			}
		default:
		}

		if it, ok := in.TryDequeue(); ok {
			if it.err != nil {
				return it.err
			}
			if err := w.handle(ctx, it.rec); err != nil {
				return err
			}
			w.backoff.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-in.Wait():
		case <-checkpoint.C:
			if err := w.checkpoint(ctx); err != nil {
				return err
			}
		case <-sweep:
			if err := w.sweep(ctx); err != nil {
				return err
			}
		}
	}
}

// pump moves records from the subscription into the inbox. A read error
// is forwarded once and ends the pump.
func pump(ctx context.Context, sub eventlog.Subscription, in *inbox) {
	for {
		rec, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				in.Enqueue(ctx, inboxItem{err: err})
			}
			return
		}
		if !in.Enqueue(ctx, inboxItem{rec: rec}) {
			return
		}
	}
}

// handle processes one record. Changelog entries are made durable before
// the table is updated, and the position only advances once both are done.
func (w *worker) handle(ctx context.Context, rec ir.Record) error {
	if w.pos.Covers(rec.Partition, rec.Offset) {
		metrics.RecordsTotal.WithLabelValues(w.q.ID, metrics.ResultSkipped).Inc()
		return nil
	}

	w.logger.Debug("processing record",
		"partition", rec.Partition,
		"offset", rec.Offset,
	)

	res, err := w.chain.Process(rec)
	if err != nil {
		if errors.Is(err, operator.ErrMalformed) {
			return w.skip(ctx, rec, NewSerializationError(w.q.ID, err))
		}
		return NewStateCorruptionError(w.q.ID, w.tableName(), err)
	}

	for _, ev := range res.Events {
		key, value, err := operator.EncodeEvent(ev)
		if err != nil {
			return w.skip(ctx, rec, NewSerializationError(w.q.ID, err))
		}
		if _, err := w.e.log.Append(ctx, w.q.Sink.Name, key, value); err != nil {
			return err
		}
	}

	next := w.pos.Clone()
	next.Advance(rec.Partition, rec.Offset)
	if len(res.Entries) > 0 {
		if err := w.commit(ctx, res.Entries, next); err != nil {
			return err
		}
	}

	result := metrics.ResultApplied
	switch {
	case res.Late:
		result = metrics.ResultLate
		metrics.LateDroppedTotal.WithLabelValues(w.q.ID).Inc()
		w.logger.Debug("late event dropped", "partition", rec.Partition, "offset", rec.Offset)
	case res.Filtered:
		result = metrics.ResultFiltered
	}
	metrics.RecordsTotal.WithLabelValues(w.q.ID, result).Inc()
	w.advance(next, rec)
	return nil
}

// commit appends entries with the query's progress, then publishes them.
func (w *worker) commit(ctx context.Context, entries []ir.ChangelogEntry, pos ir.Position) error {
	progress := ir.Progress{
		QueryID:    w.q.ID,
		Position:   pos,
		StreamTime: w.chain.StreamTime(),
	}
	written, err := w.e.store.Append(ctx, entries, progress)
	if err != nil {
		return NewDurabilityError(w.q.ID, w.tableName(), "changelog append", err)
	}
	if err := w.sink.Apply(written...); err != nil {
		return NewStateCorruptionError(w.q.ID, w.tableName(), err)
	}
	metrics.ChangelogEntriesTotal.WithLabelValues(w.sink.Name()).Add(float64(len(written)))
	return nil
}

// skip counts a malformed record, forwards it to the dead-letter topic when
// enabled, and moves past it.
func (w *worker) skip(ctx context.Context, rec ir.Record, serr *RuntimeError) error {
	metrics.RecordsTotal.WithLabelValues(w.q.ID, metrics.ResultMalformed).Inc()
	w.logger.Warn("record skipped",
		"error", serr,
		"partition", rec.Partition,
		"offset", rec.Offset,
	)
	if w.q.DeadLetter {
		if _, err := w.e.log.Append(ctx, w.q.DeadLetterTopic(), rec.Key, rec.Value); err != nil {
			return err
		}
	}
	next := w.pos.Clone()
	next.Advance(rec.Partition, rec.Offset)
	w.advance(next, rec)
	return nil
}

func (w *worker) advance(next ir.Position, rec ir.Record) {
	w.pos = next
	w.dirty = true
	st := w.chain.StreamTime()
	w.e.updateStatus(w.q.ID, func(s *QueryStatus) {
		s.Position = next.Clone()
		s.StreamTime = st
	})
	metrics.LastOffset.WithLabelValues(w.q.ID, strconv.Itoa(int(rec.Partition))).Set(float64(rec.Offset))
	metrics.StreamTime.WithLabelValues(w.q.ID).Set(float64(st))
}

// sweep evicts windows past retention, at most SweepBatch per tick.
func (w *worker) sweep(ctx context.Context) error {
	entries := w.chain.Expired(w.e.opts.SweepBatch)
	if len(entries) == 0 {
		return nil
	}
	if err := w.commit(ctx, entries, w.pos.Clone()); err != nil {
		return err
	}
	metrics.EvictedTotal.WithLabelValues(w.sink.Name()).Add(float64(len(entries)))
	w.logger.Debug("windows evicted", "count", len(entries), "stream_time", w.chain.StreamTime())
	return nil
}

// checkpoint records the position together with the changelog seq that is
// durable now. Every record before the position has had its entries
// appended, so the checkpoint never runs ahead of processing.
func (w *worker) checkpoint(ctx context.Context) error {
	if !w.dirty {
		return nil
	}
	durable, err := w.e.store.DurableSeq(ctx)
	if err != nil {
		return NewDurabilityError(w.q.ID, w.tableName(), "checkpoint", err)
	}
	cp := ir.Checkpoint{
		QueryID:      w.q.ID,
		Position:     w.pos.Clone(),
		ChangelogSeq: durable,
		StreamTime:   w.chain.StreamTime(),
		CreatedAt:    w.e.opts.Clock.Now(),
	}
	if err := w.e.store.SaveCheckpoint(ctx, cp); err != nil {
		return NewDurabilityError(w.q.ID, w.tableName(), "checkpoint", err)
	}
	// The committed offset is advisory; the checkpoint is authoritative.
	if err := w.e.log.CommitOffset(ctx, w.q.ID, w.q.Source, cp.Position); err != nil {
		w.logger.Warn("commit offset failed", "error", err)
	}
	w.dirty = false
	w.logger.Debug("checkpoint", "position", cp.Position, "changelog_seq", durable)
	return nil
}

func (w *worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := w.checkpoint(ctx); err != nil {
		w.logger.Warn("final checkpoint failed", "error", err)
	}
	w.logger.Info("query stopped", "position", w.pos)
}

// halt stops the query for good. Lookups against its table then return
// ErrDegraded.
func (w *worker) halt(err error) {
	w.halted = err
	w.logger.Error("query halted", "error", err)
	metrics.QueryHalted.WithLabelValues(w.q.ID).Set(1)
	if w.sink != nil {
		w.sink.SetDegraded(err)
	}
	w.e.updateStatus(w.q.ID, func(s *QueryStatus) {
		s.Running = false
		s.Halted = err.Error()
		s.err = err
	})
}

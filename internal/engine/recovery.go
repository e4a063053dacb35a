package engine

// # Recovery
//
// Table state is never persisted directly. It is a fold of the changelog,
// and the changelog is written ahead of every table update:
//
//	record → operators → entries → changelog.Append(entries, progress) → table.Apply
//
// Append stores the entries and the query's progress (the position just
// past the record) in one atomic unit. Either both persist or neither does,
// so after a crash the changelog and the recorded progress agree.
//
// On start every worker:
//
//  1. resets its table and replays the table's changelog into it; the
//     table answers lookups with table.ErrRecovering until the replay ends;
//  2. loads its progress and its latest checkpoint;
//  3. discards the checkpoint if its changelog seq is above the store's
//     durable seq (the checkpoint describes entries that did not survive);
//  4. resumes from the per-partition maximum of progress and checkpoint.
//
// Records below the resume position are skipped if the log redelivers them.
// Records above it are processed again, so a crash between a stream-sink
// append and the next checkpoint can re-publish output (at-least-once).

import (
	"context"
	"fmt"

	"github.com/roach88/rill/internal/eventlog"
	"github.com/roach88/rill/internal/ir"
)

func (w *worker) recover(ctx context.Context) error {
	rows := 0
	if w.sink != nil {
		n, err := w.rebuild(ctx)
		if err != nil {
			return NewStateCorruptionError(w.q.ID, w.sink.Name(), err)
		}
		rows = n
		w.sink.EndRecovery()
	}

	pos, streamTime, err := w.resumePosition(ctx)
	if err != nil {
		return NewStateCorruptionError(w.q.ID, w.tableName(), err)
	}
	w.pos = pos
	w.chain.SetStreamTime(streamTime)
	w.e.updateStatus(w.q.ID, func(s *QueryStatus) {
		s.Position = pos.Clone()
		s.StreamTime = streamTime
	})

	w.logger.Info("query recovered",
		"entries", rows,
		"position", pos,
		"stream_time", streamTime,
	)
	return nil
}

// rebuild folds the sink table's changelog into an empty table. Lookups
// fail with table.ErrRecovering until the caller ends recovery.
func (w *worker) rebuild(ctx context.Context) (int, error) {
	w.sink.BeginRecovery()
	w.sink.Reset()
	n := 0
	batch := make([]ir.ChangelogEntry, 0, replayBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := w.sink.Apply(batch...)
		batch = batch[:0]
		return err
	}
	err := w.e.store.Replay(ctx, w.sink.Name(), func(e ir.ChangelogEntry) error {
		n++
		batch = append(batch, e)
		if len(batch) == replayBatch {
			return flush()
		}
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("replay %s: %w", w.sink.Name(), err)
	}
	return n, flush()
}

func (w *worker) resumePosition(ctx context.Context) (ir.Position, int64, error) {
	pos := ir.Position{}
	var streamTime int64

	progress, ok, err := w.e.store.LoadProgress(ctx, w.q.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("load progress: %w", err)
	}
	if ok {
		pos = progress.Position.Clone()
		streamTime = progress.StreamTime
	}

	cp, ok, err := w.e.store.LoadCheckpoint(ctx, w.q.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("load checkpoint: %w", err)
	}
	if ok {
		durable, err := w.e.store.DurableSeq(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("durable seq: %w", err)
		}
		if cp.ChangelogSeq > durable {
			w.logger.Warn("checkpoint ahead of changelog, discarding",
				"checkpoint_seq", cp.ChangelogSeq,
				"durable_seq", durable,
			)
		} else {
			pos = pos.Merge(cp.Position)
			streamTime = max(streamTime, cp.StreamTime)
		}
	}

	// Stream sinks write nothing to the changelog; the log's committed
	// offset is their only other durable marker.
	if w.sink == nil {
		committed, err := w.e.log.CommittedOffset(ctx, w.q.ID, w.q.Source)
		switch {
		case err == nil:
			pos = pos.Merge(committed)
		case eventlog.IsRetryable(err):
			w.logger.Warn("committed offset unavailable", "error", err)
		default:
			return nil, 0, fmt.Errorf("committed offset: %w", err)
		}
	}
	return pos, streamTime, nil
}

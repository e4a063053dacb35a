package changelog

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/rill/internal/ir"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("changelog: store closed")

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// Store is the durable changelog contract shared by all backends.
type Store interface {
	// Append assigns seqs to entries and persists them together with
	// progress in one atomic unit. The returned slice carries the seqs.
	// progress.Seq is set to the last assigned seq when entries is non-empty.
	Append(ctx context.Context, entries []ir.ChangelogEntry, progress ir.Progress) ([]ir.ChangelogEntry, error)

	// Replay calls fn for every entry of table in seq order.
	// Returning an error from fn stops the replay and returns that error.
	Replay(ctx context.Context, table string, fn func(ir.ChangelogEntry) error) error

	// Compact collapses table to the latest entry per key. Keys whose latest
	// entry is a tombstone are removed entirely.
	Compact(ctx context.Context, table string) (CompactStats, error)

	// Tables lists every table with at least one entry, sorted by name.
	Tables(ctx context.Context) ([]string, error)

	// DurableSeq is the highest seq ever appended.
	DurableSeq(ctx context.Context) (int64, error)

	LoadProgress(ctx context.Context, queryID string) (ir.Progress, bool, error)
	SaveCheckpoint(ctx context.Context, cp ir.Checkpoint) error
	LoadCheckpoint(ctx context.Context, queryID string) (ir.Checkpoint, bool, error)

	Close() error
}

// CompactStats reports what a compaction removed.
type CompactStats struct {
	Table   string `json:"table"`
	Before  int    `json:"before"`
	After   int    `json:"after"`
	Removed int    `json:"removed"`
}

// Open opens a store using the named backend.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendSQLite, "":
		return OpenSQLite(path)
	case BackendPebble:
		return OpenPebble(path)
	default:
		return nil, fmt.Errorf("unknown changelog backend %q", backend)
	}
}

// ReplayAll collects a table's entries. Intended for tools and tests; the
// engine streams through Replay instead.
func ReplayAll(ctx context.Context, s Store, table string) ([]ir.ChangelogEntry, error) {
	var out []ir.ChangelogEntry
	err := s.Replay(ctx, table, func(e ir.ChangelogEntry) error {
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []ir.ChangelogEntry{}
	}
	return out, nil
}

// latestPerKey computes the survivors of a compaction: for each key the seq
// of its latest entry, unless that entry is a tombstone.
func latestPerKey(entries []ir.ChangelogEntry) (keep map[int64]bool, err error) {
	latest := make(map[string]ir.ChangelogEntry, len(entries))
	for _, e := range entries {
		k, err := ir.EncodeKey(e.Key)
		if err != nil {
			return nil, err
		}
		if prev, ok := latest[k]; !ok || e.Seq > prev.Seq {
			latest[k] = e
		}
	}
	keep = make(map[int64]bool, len(latest))
	for _, e := range latest {
		if !e.Tombstone {
			keep[e.Seq] = true
		}
	}
	return keep, nil
}

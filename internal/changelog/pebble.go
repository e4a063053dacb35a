package changelog

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/golang/snappy"

	"github.com/roach88/rill/internal/ir"
)

// Key namespaces. Entry keys are "e/<table>\x00<seq big-endian>", so a
// prefix scan over one table yields entries in seq order.
const (
	entryNamespace      = "e/"
	progressNamespace   = "p/"
	checkpointNamespace = "c/"
	lastSeqKey          = "m/last_seq"
)

// Pebble is a changelog backend on an LSM store.
type Pebble struct {
	mu      sync.Mutex // serializes seq assignment across workers
	db      *pebble.DB
	lastSeq int64
}

var _ Store = (*Pebble)(nil)

// pebbleEntry is the stored form of an entry. Rows are canonical JSON,
// snappy-compressed.
type pebbleEntry struct {
	Key         json.RawMessage `json:"key"`
	Value       []byte          `json:"value,omitempty"`
	State       []byte          `json:"state,omitempty"`
	Tombstone   bool            `json:"tombstone,omitempty"`
	WindowStart *int64          `json:"window_start,omitempty"`
	WindowEnd   *int64          `json:"window_end,omitempty"`
	Source      ir.SourceRef    `json:"source"`
}

// OpenPebble creates or opens a Pebble changelog in dir.
func OpenPebble(dir string) (*Pebble, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble: %w", err)
	}

	p := &Pebble{db: db}
	raw, closer, err := db.Get([]byte(lastSeqKey))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("failed to read last seq: %w", err)
	default:
		p.lastSeq = int64(binary.BigEndian.Uint64(raw))
		closer.Close()
	}
	return p, nil
}

// Close closes the underlying database.
func (p *Pebble) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func entryPrefix(table string) []byte {
	return append([]byte(entryNamespace+table), 0x00)
}

func entryKey(table string, seq int64) []byte {
	k := entryPrefix(table)
	return binary.BigEndian.AppendUint64(k, uint64(seq))
}

func seqBytes(seq int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(seq))
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Append implements Store.
func (p *Pebble) Append(ctx context.Context, entries []ir.ChangelogEntry, progress ir.Progress) ([]ir.ChangelogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, ErrClosed
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	last := p.lastSeq
	out := make([]ir.ChangelogEntry, len(entries))
	for i, e := range entries {
		if strings.IndexByte(e.Table, 0x00) >= 0 {
			return nil, fmt.Errorf("append: table name %q contains NUL", e.Table)
		}
		last++
		e.Seq = last
		data, err := encodePebbleEntry(e)
		if err != nil {
			return nil, fmt.Errorf("append: %w", err)
		}
		if err := batch.Set(entryKey(e.Table, e.Seq), data, nil); err != nil {
			return nil, fmt.Errorf("append: %w", err)
		}
		out[i] = e
	}

	if len(entries) > 0 {
		progress.Seq = last
		if err := batch.Set([]byte(lastSeqKey), seqBytes(last), nil); err != nil {
			return nil, fmt.Errorf("append: %w", err)
		}
	}
	if progress.QueryID != "" {
		data, err := json.Marshal(progress)
		if err != nil {
			return nil, fmt.Errorf("append: marshal progress: %w", err)
		}
		if err := batch.Set([]byte(progressNamespace+progress.QueryID), data, nil); err != nil {
			return nil, fmt.Errorf("append: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("append: commit: %w", err)
	}
	p.lastSeq = last
	return out, nil
}

func encodePebbleEntry(e ir.ChangelogEntry) ([]byte, error) {
	key, err := ir.MarshalCanonical(e.Key)
	if err != nil {
		return nil, fmt.Errorf("encode key: %w", err)
	}
	pe := pebbleEntry{Key: key, Tombstone: e.Tombstone, Source: e.Source}
	if pe.Value, err = compressRow(e.Value); err != nil {
		return nil, err
	}
	if pe.State, err = compressRow(e.State); err != nil {
		return nil, err
	}
	if e.Window != nil {
		start, end := e.Window.Start.UnixMilli(), e.Window.End.UnixMilli()
		pe.WindowStart, pe.WindowEnd = &start, &end
	}
	return json.Marshal(pe)
}

func decodePebbleEntry(table string, seq int64, data []byte) (ir.ChangelogEntry, error) {
	var pe pebbleEntry
	if err := json.Unmarshal(data, &pe); err != nil {
		return ir.ChangelogEntry{}, fmt.Errorf("entry %d: %w", seq, err)
	}
	e := ir.ChangelogEntry{Seq: seq, Table: table, Tombstone: pe.Tombstone, Source: pe.Source}
	var err error
	if e.Key, err = ir.DecodeValue(pe.Key); err != nil {
		return e, fmt.Errorf("entry %d key: %w", seq, err)
	}
	if e.Value, err = decompressRow(pe.Value); err != nil {
		return e, fmt.Errorf("entry %d: %w", seq, err)
	}
	if e.State, err = decompressRow(pe.State); err != nil {
		return e, fmt.Errorf("entry %d: %w", seq, err)
	}
	if pe.WindowStart != nil && pe.WindowEnd != nil {
		e.Window = &ir.Window{
			Start: time.UnixMilli(*pe.WindowStart).UTC(),
			End:   time.UnixMilli(*pe.WindowEnd).UTC(),
		}
	}
	return e, nil
}

func compressRow(row ir.Object) ([]byte, error) {
	if row == nil {
		return nil, nil
	}
	data, err := ir.MarshalCanonical(row)
	if err != nil {
		return nil, fmt.Errorf("marshal row: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

func decompressRow(data []byte) (ir.Object, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress row: %w", err)
	}
	return unmarshalRow(raw)
}

// Replay implements Store.
func (p *Pebble) Replay(ctx context.Context, table string, fn func(ir.ChangelogEntry) error) error {
	p.mu.Lock()
	db := p.db
	p.mu.Unlock()
	if db == nil {
		return ErrClosed
	}

	prefix := entryPrefix(table)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", table, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		k := iter.Key()
		if len(k) != len(prefix)+8 {
			return fmt.Errorf("replay %s: malformed key %q", table, k)
		}
		seq := int64(binary.BigEndian.Uint64(k[len(prefix):]))
		e, err := decodePebbleEntry(table, seq, iter.Value())
		if err != nil {
			return fmt.Errorf("replay %s: %w", table, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Compact implements Store.
func (p *Pebble) Compact(ctx context.Context, table string) (CompactStats, error) {
	stats := CompactStats{Table: table}
	entries, err := ReplayAll(ctx, p, table)
	if err != nil {
		return stats, fmt.Errorf("compact: %w", err)
	}
	keep, err := latestPerKey(entries)
	if err != nil {
		return stats, fmt.Errorf("compact: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return stats, ErrClosed
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	for _, e := range entries {
		if keep[e.Seq] {
			continue
		}
		if err := batch.Delete(entryKey(table, e.Seq), nil); err != nil {
			return stats, fmt.Errorf("compact: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return stats, fmt.Errorf("compact: commit: %w", err)
	}

	stats.Before = len(entries)
	stats.After = len(keep)
	stats.Removed = stats.Before - stats.After
	return stats, nil
}

// Tables implements Store.
func (p *Pebble) Tables(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	db := p.db
	p.mu.Unlock()
	if db == nil {
		return nil, ErrClosed
	}

	ns := []byte(entryNamespace)
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: ns, UpperBound: prefixEnd(ns)})
	if err != nil {
		return nil, fmt.Errorf("tables: %w", err)
	}
	defer iter.Close()

	tables := []string{}
	for valid := iter.First(); valid; {
		k := iter.Key()
		nul := bytes.IndexByte(k[len(ns):], 0x00)
		if nul < 0 {
			return nil, fmt.Errorf("tables: malformed key %q", k)
		}
		name := string(k[len(ns) : len(ns)+nul])
		tables = append(tables, name)
		// Skip the rest of this table's entries.
		valid = iter.SeekGE(prefixEnd(entryPrefix(name)))
	}
	return tables, iter.Error()
}

// DurableSeq implements Store.
func (p *Pebble) DurableSeq(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return 0, ErrClosed
	}
	return p.lastSeq, nil
}

// LoadProgress implements Store.
func (p *Pebble) LoadProgress(ctx context.Context, queryID string) (ir.Progress, bool, error) {
	prog := ir.Progress{QueryID: queryID, Position: ir.Position{}}
	found, err := p.getJSON(progressNamespace+queryID, &prog)
	if err != nil {
		return prog, false, fmt.Errorf("load progress %s: %w", queryID, err)
	}
	if prog.Position == nil {
		prog.Position = ir.Position{}
	}
	return prog, found, nil
}

// SaveCheckpoint implements Store.
func (p *Pebble) SaveCheckpoint(ctx context.Context, cp ir.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.QueryID, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return ErrClosed
	}
	if err := p.db.Set([]byte(checkpointNamespace+cp.QueryID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.QueryID, err)
	}
	return nil
}

// LoadCheckpoint implements Store.
func (p *Pebble) LoadCheckpoint(ctx context.Context, queryID string) (ir.Checkpoint, bool, error) {
	cp := ir.Checkpoint{QueryID: queryID, Position: ir.Position{}}
	found, err := p.getJSON(checkpointNamespace+queryID, &cp)
	if err != nil {
		return cp, false, fmt.Errorf("load checkpoint %s: %w", queryID, err)
	}
	if cp.Position == nil {
		cp.Position = ir.Position{}
	}
	return cp, found, nil
}

func (p *Pebble) getJSON(key string, dst any) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return false, ErrClosed
	}
	raw, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, err
	}
	return true, nil
}

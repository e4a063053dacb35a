package ir

import (
	"sort"
	"time"
)

// Record is one immutable entry of a topic partition.
type Record struct {
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       []byte    `json:"key,omitempty"`
	Value     []byte    `json:"value,omitempty"` // nil or "null" marks a tombstone
	Timestamp time.Time `json:"timestamp"`
}

// Source identifies where a record came from.
func (r Record) Source() SourceRef {
	return SourceRef{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset}
}

// IsTombstone reports whether the record deletes its key.
func (r Record) IsTombstone() bool {
	return len(r.Value) == 0 || string(r.Value) == "null"
}

// SourceRef points at a single record in the input log.
type SourceRef struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// Offset is the address returned by an append.
type Offset struct {
	Partition int32 `json:"partition"`
	Offset    int64 `json:"offset"`
}

// Position maps partition to the next offset to read.
// A missing partition means "from the beginning".
type Position map[int32]int64

// Clone returns an independent copy.
func (p Position) Clone() Position {
	out := make(Position, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Next returns the next offset to read for a partition.
func (p Position) Next(partition int32) int64 {
	return p[partition]
}

// Advance records that offset on partition has been processed.
// Positions never move backwards.
func (p Position) Advance(partition int32, offset int64) {
	if offset+1 > p[partition] {
		p[partition] = offset + 1
	}
}

// Covers reports whether the record at (partition, offset) was already processed.
func (p Position) Covers(partition int32, offset int64) bool {
	return offset < p[partition]
}

// Merge returns the per-partition maximum of p and other.
func (p Position) Merge(other Position) Position {
	out := p.Clone()
	for part, off := range other {
		if off > out[part] {
			out[part] = off
		}
	}
	return out
}

// Partitions returns the partitions in ascending order.
func (p Position) Partitions() []int32 {
	parts := make([]int32, 0, len(p))
	for k := range p {
		parts = append(parts, k)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
	return parts
}

// Event is a decoded record flowing through an operator chain.
type Event struct {
	Key       Value     `json:"key"`
	Row       Object    `json:"row,omitempty"` // nil for tombstones
	Tombstone bool      `json:"tombstone,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    SourceRef `json:"source"`
}

// ChangelogEntry is one durable state mutation of a materialized table.
// Seq is assigned by the changelog store and increases strictly per store.
type ChangelogEntry struct {
	Seq       int64     `json:"seq"`
	Table     string    `json:"table"`
	Key       Value     `json:"key"`
	Value     Object    `json:"value,omitempty"` // served row; nil for tombstones
	State     Object    `json:"state,omitempty"` // aggregation accumulators, never served
	Tombstone bool      `json:"tombstone,omitempty"`
	Window    *Window   `json:"window,omitempty"`
	Source    SourceRef `json:"source"`
}

// Window is a half-open event-time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// Progress is the durable consumption state of a query, written atomically
// with every changelog batch it produces.
type Progress struct {
	QueryID    string   `json:"query_id"`
	Position   Position `json:"position"`
	StreamTime int64    `json:"stream_time"` // max event time seen, unix millis
	Seq        int64    `json:"seq"`         // last changelog seq written by the query
}

// Checkpoint is the periodic consumption marker of a query.
// ChangelogSeq is the changelog seq that was durable when the checkpoint
// was taken; a checkpoint whose ChangelogSeq exceeds the store's durable seq
// is ahead of the changelog and must not be trusted.
type Checkpoint struct {
	QueryID      string    `json:"query_id"`
	Position     Position  `json:"position"`
	ChangelogSeq int64     `json:"changelog_seq"`
	StreamTime   int64     `json:"stream_time"`
	CreatedAt    time.Time `json:"created_at"`
}

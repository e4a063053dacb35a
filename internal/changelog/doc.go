// Package changelog provides durable storage for materialized table state.
//
// Every state mutation the engine makes is first appended here as an
// ir.ChangelogEntry. The log is append-only and replayable: folding a table's
// entries in seq order from empty reconstructs the table exactly.
//
// # Atomic progress
//
// Append writes a batch of entries together with the producing query's
// ir.Progress in one atomic unit. After a crash the engine resumes each query
// from its recorded progress, so a source record is never folded twice.
//
// # Sequence numbers
//
// Seqs are assigned by the store and increase strictly across all tables.
// The high-water seq survives compaction, so DurableSeq never moves
// backwards even when the newest entry was a tombstone that compaction
// removed.
//
// # Backends
//
//   - SQLite (default): WAL mode, synchronous=FULL, single writer connection.
//   - Pebble: LSM store; rows and accumulator state are snappy-compressed.
package changelog

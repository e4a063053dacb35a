// Package operator implements the incremental operators of a continuous
// query: Filter, Project, stream-table Join and windowed Aggregate.
//
// A Chain drives one decoded record through the query's operators and
// returns either output events (stream sinks) or changelog entries (table
// sinks). Operators are deterministic: given the same record, the same join
// table snapshot and the same stream time, a Chain produces the same output.
//
// Tombstones pass through Filter, Project and Join unchanged so that a table
// sink can delete the key. Aggregate ignores them: accumulators are not
// invertible.
package operator

// Package query answers pull queries against materialized tables.
//
// Lookups read the engine's own table snapshots and never touch the log or
// the changelog, so they are bounded by a hard timeout rather than by I/O.
// Reads are monotonic within a session: a session never observes a table
// version older than one it has already seen. They are not linearizable; a
// lookup may trail the newest record in the log.
//
// Three front ends share one Server: HTTP (lookups, table list, metrics and
// health), a websocket change feed per table, and a RESP listener that
// speaks enough of the Redis protocol for redis-cli.
package query

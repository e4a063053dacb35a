// Package engine runs continuous queries and maintains their materialized
// tables.
//
// Each query gets one worker goroutine, the single writer of its sink
// table. A worker reads its source topic through an eventlog.Subscription,
// drives every record through the query's operator.Chain, appends the
// resulting changelog entries (with the query's progress) to the changelog
// store, and only then applies them to the table. Readers see each update
// through an atomically published table snapshot.
//
// Workers also checkpoint their position periodically and sweep windows
// past retention. A failed durable write halts the query and degrades its
// table; other queries continue. A transiently unavailable log is retried
// with exponential backoff from the last processed position.
//
// See recovery.go for how state is rebuilt after a restart.
package engine

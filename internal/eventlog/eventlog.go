// Package eventlog abstracts the partitioned, offset-addressable append-only
// log the engine consumes from.
//
// Two implementations exist: Memory, an in-process log used by tests, the
// scenario harness and embedded mode; and Kafka, a franz-go client for any
// Kafka-protocol broker.
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/rill/internal/ir"
)

// ErrLogUnavailable marks a retryable log failure. Callers back off and
// resubscribe from their last committed position.
var ErrLogUnavailable = errors.New("eventlog: log unavailable")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("eventlog: closed")

// Log is a partitioned append-only log.
type Log interface {
	// Append writes value under key and returns its address. Records with
	// the same key land on the same partition in append order.
	Append(ctx context.Context, topic string, key, value []byte) (ir.Offset, error)

	// Subscribe returns an ordered, infinite stream of records of topic,
	// starting at from (missing partitions start at offset 0).
	Subscribe(ctx context.Context, topic string, from ir.Position) (Subscription, error)

	// CommitOffset records a consumer group's position.
	CommitOffset(ctx context.Context, group, topic string, pos ir.Position) error

	// CommittedOffset returns a group's last committed position, empty if none.
	CommittedOffset(ctx context.Context, group, topic string) (ir.Position, error)

	Close() error
}

// Subscription is a lazy sequence of records. Next blocks until a record is
// available or ctx is done. A subscription never reorders or duplicates
// records within one partition.
type Subscription interface {
	Next(ctx context.Context) (ir.Record, error)
	Close() error
}

// Backoff computes exponential retry delays capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	attempt int
}

// Next returns the delay before the next retry.
func (b *Backoff) Next() time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = 50 * time.Millisecond
	}
	d := initial << b.attempt
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	} else {
		b.attempt++
	}
	return d
}

// Reset starts the sequence over after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// IsRetryable reports whether err is a transient log failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLogUnavailable)
}

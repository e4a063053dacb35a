package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rill/internal/eventlog"
	"github.com/roach88/rill/internal/ir"
)

// Produce appends one JSON record to topic. A nil value appends a tombstone.
func Produce(t testing.TB, log *eventlog.Memory, topic, key string, value any) ir.Offset {
	t.Helper()
	var raw []byte
	if value != nil {
		switch v := value.(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			b, err := json.Marshal(v)
			require.NoError(t, err)
			raw = b
		}
	}
	off, err := log.Append(context.Background(), topic, []byte(key), raw)
	require.NoError(t, err)
	return off
}

// CaughtUp reports whether pos has consumed everything currently in topic.
func CaughtUp(log *eventlog.Memory, topic string, pos ir.Position) bool {
	for part, end := range log.End(topic) {
		if pos.Next(part) < end {
			return false
		}
	}
	return true
}

// PositionFunc reports a query's current position.
type PositionFunc func(queryID string) (ir.Position, bool)

// WaitCaughtUp blocks until the query has consumed all of topic.
func WaitCaughtUp(t testing.TB, log *eventlog.Memory, topic, queryID string, position PositionFunc) {
	t.Helper()
	require.Eventually(t, func() bool {
		pos, ok := position(queryID)
		return ok && CaughtUp(log, topic, pos)
	}, 5*time.Second, 2*time.Millisecond, "query %s did not catch up on %s", queryID, topic)
}

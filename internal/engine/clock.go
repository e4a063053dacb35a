package engine

import "time"

// Clock supplies wall time for checkpoint stamps.
//
// Wall time never orders events: records are ordered by log offset and
// windows by event time. Tests inject a fixed clock so checkpoints are
// reproducible.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the host clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

package operator

import (
	"time"

	"github.com/roach88/rill/internal/ir"
)

// Column names added to windowed aggregate rows.
const (
	ColWindowStart = "WINDOWSTART"
	ColWindowEnd   = "WINDOWEND"
)

// windowsFor returns the windows containing ts, oldest first.
// Tumbling windows (advance == size) yield exactly one.
func windowsFor(spec ir.WindowSpec, ts time.Time) []ir.Window {
	size := spec.Size.Milliseconds()
	hop := spec.Hop().Milliseconds()
	t := ts.UnixMilli()

	// Latest start <= t, aligned to hop (floor division for negative t).
	last := t - mod(t, hop)
	var out []ir.Window
	for start := last; start > t-size; start -= hop {
		out = append(out, ir.Window{
			Start: time.UnixMilli(start).UTC(),
			End:   time.UnixMilli(start + size).UTC(),
		})
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// closed reports whether a window no longer accepts events: stream time
// has reached its end plus grace.
func closed(spec ir.WindowSpec, w ir.Window, streamTime int64) bool {
	return streamTime >= w.End.UnixMilli()+spec.Grace.Milliseconds()
}

// expired reports whether a window is past retention and may be evicted.
// Zero retention keeps windows forever.
func expired(spec ir.WindowSpec, w ir.Window, streamTime int64) bool {
	if spec.Retention <= 0 {
		return false
	}
	return streamTime >= w.Start.UnixMilli()+spec.Retention.Milliseconds()
}

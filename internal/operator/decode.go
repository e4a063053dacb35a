package operator

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rill/internal/ir"
)

// ErrMalformed marks a record that cannot be decoded or lacks a field the
// query needs. The engine skips such records and counts them.
var ErrMalformed = errors.New("malformed record")

// Decode turns a log record into an event. eventTime names the row field
// holding the event timestamp in unix millis; empty uses the record time.
func Decode(rec ir.Record, eventTime string) (ir.Event, error) {
	ev := ir.Event{
		Key:       decodeKey(rec.Key),
		Timestamp: rec.Timestamp,
		Source:    rec.Source(),
	}
	if rec.IsTombstone() {
		ev.Tombstone = true
		return ev, nil
	}

	row, err := ir.DecodeRow(rec.Value)
	if err != nil {
		return ev, fmt.Errorf("%w: %s/%d@%d: %v", ErrMalformed, rec.Topic, rec.Partition, rec.Offset, err)
	}
	ev.Row = row

	if eventTime != "" {
		v, ok := row.Get(eventTime)
		ms, isInt := v.(ir.Int)
		if !ok || !isInt {
			return ev, fmt.Errorf("%w: %s/%d@%d: event time field %q missing or not an integer",
				ErrMalformed, rec.Topic, rec.Partition, rec.Offset, eventTime)
		}
		ev.Timestamp = time.UnixMilli(int64(ms)).UTC()
	}
	return ev, nil
}

// decodeKey reads a record key: JSON when it parses, a bare string otherwise.
func decodeKey(key []byte) ir.Value {
	if len(key) == 0 {
		return ir.Null{}
	}
	return ir.ParseKey(string(key))
}

// EncodeEvent renders an output event as a log record key and value.
// Tombstones have a nil value.
func EncodeEvent(ev ir.Event) (key, value []byte, err error) {
	k, err := ir.EncodeKey(ev.Key)
	if err != nil {
		return nil, nil, err
	}
	// Plain strings go bare unless they would parse back as another type.
	if s, ok := ev.Key.(ir.String); ok && ir.Equal(ir.ParseKey(string(s)), s) {
		k = string(s)
	}
	if ev.Tombstone {
		return []byte(k), nil, nil
	}
	v, err := ir.MarshalCanonical(ev.Row)
	if err != nil {
		return nil, nil, err
	}
	return []byte(k), v, nil
}

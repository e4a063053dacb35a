package changelog

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/rill/internal/ir"
)

// marshalRow converts a row to canonical JSON TEXT for storage.
// A nil row is stored as SQL NULL.
func marshalRow(row ir.Object) (any, error) {
	if row == nil {
		return nil, nil
	}
	data, err := ir.MarshalCanonical(row)
	if err != nil {
		return nil, fmt.Errorf("marshal row: %w", err)
	}
	return string(data), nil
}

// unmarshalRow parses canonical JSON TEXT back into a row.
func unmarshalRow(data []byte) (ir.Object, error) {
	if len(data) == 0 {
		return nil, nil
	}
	row, err := ir.DecodeRow(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal row: %w", err)
	}
	return row, nil
}

func marshalPosition(p ir.Position) (string, error) {
	if p == nil {
		p = ir.Position{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal position: %w", err)
	}
	return string(data), nil
}

func unmarshalPosition(data []byte) (ir.Position, error) {
	p := ir.Position{}
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal position: %w", err)
	}
	return p, nil
}

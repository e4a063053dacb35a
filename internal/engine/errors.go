package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/rill/internal/eventlog"
)

// RuntimeError represents an error detected while running a query.
//
// Runtime errors include:
//   - Log unavailable: the source log could not be read (retryable)
//   - Serialization: a record could not be decoded (skipped and counted)
//   - State corruption: the changelog could not be folded (query halts)
//   - Durability: a changelog or checkpoint write failed (query halts)
//
// RuntimeError includes structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// QueryID identifies the affected query.
	QueryID string

	// Table names the affected table, if any.
	Table string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeLogUnavailable indicates the source log failed transiently.
	ErrCodeLogUnavailable RuntimeErrorCode = "LOG_UNAVAILABLE"

	// ErrCodeSerialization indicates a record that cannot be decoded.
	ErrCodeSerialization RuntimeErrorCode = "SERIALIZATION_ERROR"

	// ErrCodeStateCorruption indicates table state could not be rebuilt or applied.
	ErrCodeStateCorruption RuntimeErrorCode = "STATE_CORRUPTION"

	// ErrCodeDurability indicates a changelog or checkpoint write failed.
	ErrCodeDurability RuntimeErrorCode = "DURABILITY"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	switch {
	case e.QueryID != "" && e.Table != "":
		msg = fmt.Sprintf("%s (query=%s, table=%s)", msg, e.QueryID, e.Table)
	case e.QueryID != "":
		msg = fmt.Sprintf("%s (query=%s)", msg, e.QueryID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error { return e.Err }

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsLogUnavailableError reports whether err is a retryable log failure,
// wrapped in a RuntimeError or not.
func IsLogUnavailableError(err error) bool {
	return hasCode(err, ErrCodeLogUnavailable) || eventlog.IsRetryable(err)
}

// IsSerializationError reports whether err is a serialization error.
func IsSerializationError(err error) bool {
	return hasCode(err, ErrCodeSerialization)
}

// IsStateCorruptionError reports whether err is a state corruption error.
func IsStateCorruptionError(err error) bool {
	return hasCode(err, ErrCodeStateCorruption)
}

// IsDurabilityError reports whether err is a durability failure.
func IsDurabilityError(err error) bool {
	return hasCode(err, ErrCodeDurability)
}

// NewSerializationError wraps a decode failure of one record.
func NewSerializationError(queryID string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeSerialization,
		Message: "record skipped",
		QueryID: queryID,
		Err:     cause,
	}
}

// NewStateCorruptionError creates a RuntimeError for unusable table state.
func NewStateCorruptionError(queryID, table string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeStateCorruption,
		Message: "table state cannot be rebuilt",
		QueryID: queryID,
		Table:   table,
		Err:     cause,
	}
}

// NewDurabilityError creates a RuntimeError for a failed durable write.
func NewDurabilityError(queryID, table, op string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeDurability,
		Message: op + " failed",
		QueryID: queryID,
		Table:   table,
		Details: map[string]string{"op": op},
		Err:     cause,
	}
}

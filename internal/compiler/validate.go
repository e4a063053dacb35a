package compiler

import (
	"fmt"
	"regexp"

	"github.com/roach88/rill/internal/ir"
)

// Validation error codes (E100-E199)
const (
	ErrInvalidQuery    = "E100" // structural rule from ir.QuerySpec.Validate
	ErrDuplicateQuery  = "E101" // two queries share an id
	ErrDuplicateWriter = "E102" // two queries sink into the same table
	ErrUnknownTable    = "E103" // join reads a table no query materializes
	ErrInvalidName     = "E104" // id, topic or table name has illegal characters
	ErrQueryCycle      = "E105" // queries feed back into themselves
	ErrTableIsTopic    = "E106" // a table sink shares its name with a topic
)

// ValidationError represents a query validation error.
type ValidationError struct {
	Query   string `json:"query,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Query != "" {
		return fmt.Sprintf("[%s] query %s: %s: %s", e.Code, e.Query, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// namePattern restricts ids, topics and tables to characters that are safe
// in URLs, metric labels and file names.
var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// Validate checks a set of queries against per-query and cross-query rules.
// Returns all errors found (does not fail-fast).
func Validate(queries []ir.QuerySpec) []ValidationError {
	var errs []ValidationError
	add := func(query, field, code, format string, args ...any) {
		errs = append(errs, ValidationError{Query: query, Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	ids := make(map[string]bool)
	writers := make(map[string]string) // table → query
	topics := make(map[string]bool)
	for _, q := range queries {
		topics[q.Source] = true
		if q.Sink.Kind == ir.SinkStream {
			topics[q.Sink.Name] = true
		}
	}

	for _, q := range queries {
		for _, e := range q.Validate() {
			add(q.ID, e.Field, ErrInvalidQuery, "%s", e.Message)
		}

		if q.ID != "" {
			if ids[q.ID] {
				add(q.ID, "id", ErrDuplicateQuery, "duplicate query id %q", q.ID)
			}
			ids[q.ID] = true
		}

		for _, n := range [][2]string{{"id", q.ID}, {"source", q.Source}, {"sink.name", q.Sink.Name}} {
			if n[1] != "" && !namePattern.MatchString(n[1]) {
				add(q.ID, n[0], ErrInvalidName, "invalid name %q", n[1])
			}
		}

		if q.Sink.Kind == ir.SinkTable && q.Sink.Name != "" {
			if prev, ok := writers[q.Sink.Name]; ok {
				add(q.ID, "sink.name", ErrDuplicateWriter, "table %q is already written by query %q", q.Sink.Name, prev)
			} else {
				writers[q.Sink.Name] = q.ID
			}
			if topics[q.Sink.Name] {
				add(q.ID, "sink.name", ErrTableIsTopic, "table %q has the same name as a topic", q.Sink.Name)
			}
		}
	}

	for _, q := range queries {
		for i, t := range q.Tables() {
			if _, ok := writers[t]; !ok {
				add(q.ID, fmt.Sprintf("join[%d].table", i), ErrUnknownTable, "no query materializes table %q", t)
			}
		}
	}

	for _, c := range AnalyzeCycles(queries) {
		add(c.Path[0], "sink", ErrQueryCycle, "%s", c.Message)
	}
	return errs
}

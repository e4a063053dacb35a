package harness

import "github.com/roach88/rill/internal/ir"

// TableDump is the served content of one table in key order.
type TableDump struct {
	Name   string        `json:"name"`
	Rows   []ir.StateRow `json:"rows"`
	Digest string        `json:"digest"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Tables holds the final state of every table, sorted by name.
	Tables []TableDump `json:"tables"`

	// Topics maps each topic to its record count.
	Topics map[string]int `json:"topics"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
		Topics: make(map[string]int),
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Table returns the dump of the named table.
func (r *Result) Table(name string) (TableDump, bool) {
	for _, t := range r.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableDump{}, false
}

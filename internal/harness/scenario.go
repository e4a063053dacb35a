package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rill/internal/changelog"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario; it names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Queries is CUE source declaring the continuous queries under `query:`.
	Queries string `yaml:"queries,omitempty"`

	// QueryFiles lists CUE files to load instead of, or in addition to,
	// Queries. Paths are relative to the scenario file.
	QueryFiles []string `yaml:"query_files,omitempty"`

	// Partitions per topic of the in-memory log. Defaults to 1.
	Partitions int `yaml:"partitions,omitempty"`

	// Backend selects the changelog store: sqlite (default) or pebble.
	Backend string `yaml:"backend,omitempty"`

	// Steps run in order; the engine settles after each one.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Produce *ProduceStep `yaml:"produce,omitempty"`

	// Restart stops the engine, reopens the changelog and recovers.
	Restart bool `yaml:"restart,omitempty"`
}

// ProduceStep appends one record to a topic.
type ProduceStep struct {
	Topic string `yaml:"topic"`
	Key   string `yaml:"key"`

	// Value is encoded as JSON.
	Value any `yaml:"value,omitempty"`

	// Raw is appended verbatim, for malformed payloads.
	Raw string `yaml:"raw,omitempty"`

	// Tombstone appends a record with no value.
	Tombstone bool `yaml:"tombstone,omitempty"`

	// At is the record timestamp in unix milliseconds. Defaults to the
	// scenario clock.
	At *int64 `yaml:"at,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type selects the check; see the Assert* constants.
	Type string `yaml:"type"`

	// Table and Key address a pull query (lookup, not_found, row_count).
	Table string `yaml:"table,omitempty"`
	Key   any    `yaml:"key,omitempty"`

	// Expect is a subset match on the single row of a lookup.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Rows is a subset match, in order, on every row of a lookup. Used for
	// group lookups on windowed tables.
	Rows []map[string]any `yaml:"rows,omitempty"`

	// Topic names the topic counted by topic_count.
	Topic string `yaml:"topic,omitempty"`

	// Count is the expected number of rows or records.
	Count *int `yaml:"count,omitempty"`

	// Query is the query id checked by halted and running.
	Query string `yaml:"query,omitempty"`
}

// Assertion type constants.
const (
	AssertLookup     = "lookup"
	AssertNotFound   = "not_found"
	AssertRowCount   = "row_count"
	AssertTopicCount = "topic_count"
	AssertHalted     = "halted"
	AssertRunning    = "running"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected; query file paths are resolved relative to the scenario.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(path)
	for i, p := range scenario.QueryFiles {
		if !filepath.IsAbs(p) {
			scenario.QueryFiles[i] = filepath.Join(base, p)
		}
	}
	for _, p := range scenario.QueryFiles {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("invalid scenario: query file not found: %s", p)
		}
	}
	return scenario, nil
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Queries == "" && len(s.QueryFiles) == 0 {
		return fmt.Errorf("queries or query_files is required")
	}
	if s.Partitions < 0 {
		return fmt.Errorf("partitions must not be negative")
	}
	switch s.Backend {
	case "", changelog.BackendSQLite, changelog.BackendPebble:
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		switch {
		case step.Produce != nil && step.Restart:
			return fmt.Errorf("steps[%d]: set produce or restart, not both", i)
		case step.Produce != nil:
			p := step.Produce
			if p.Topic == "" {
				return fmt.Errorf("steps[%d]: produce.topic is required", i)
			}
			set := 0
			if p.Value != nil {
				set++
			}
			if p.Raw != "" {
				set++
			}
			if p.Tombstone {
				set++
			}
			if set != 1 {
				return fmt.Errorf("steps[%d]: produce needs exactly one of value, raw, tombstone", i)
			}
		case !step.Restart:
			return fmt.Errorf("steps[%d]: empty step", i)
		}
	}

	for i, a := range s.Assertions {
		var err error
		switch a.Type {
		case AssertLookup:
			if a.Table == "" || a.Key == nil {
				err = fmt.Errorf("requires table and key")
			} else if a.Expect == nil && a.Rows == nil {
				err = fmt.Errorf("requires expect or rows")
			}
		case AssertNotFound:
			if a.Table == "" || a.Key == nil {
				err = fmt.Errorf("requires table and key")
			}
		case AssertRowCount:
			if a.Table == "" || a.Count == nil {
				err = fmt.Errorf("requires table and count")
			}
		case AssertTopicCount:
			if a.Topic == "" || a.Count == nil {
				err = fmt.Errorf("requires topic and count")
			}
		case AssertHalted, AssertRunning:
			if a.Query == "" {
				err = fmt.Errorf("requires query")
			}
		default:
			err = fmt.Errorf("unknown type %q", a.Type)
		}
		if err != nil {
			return fmt.Errorf("assertions[%d]: %s: %w", i, a.Type, err)
		}
	}
	return nil
}

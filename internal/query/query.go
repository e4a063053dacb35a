package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/rill/internal/ir"
	"github.com/roach88/rill/internal/metrics"
	"github.com/roach88/rill/internal/table"
)

// Caller-facing lookup errors.
var (
	ErrTableNotFound = errors.New("table not found")
	ErrNotFound      = errors.New("key not found")
	ErrTimeout       = errors.New("lookup timed out")
	// ErrDegraded is returned when the query maintaining a table halted.
	ErrDegraded = table.ErrDegraded
	// ErrUnavailable is returned while a table is rebuilt from its changelog.
	ErrUnavailable = table.ErrRecovering
)

// DefaultTimeout bounds every lookup.
const DefaultTimeout = time.Second

// DefaultMaxSessions bounds the named-session registry.
const DefaultMaxSessions = 4096

// versionPoll is how often a lookup re-reads a table that is behind the
// session's floor.
const versionPoll = time.Millisecond

// Catalog resolves materialized tables. The engine implements it.
type Catalog interface {
	Table(name string) (*table.Table, bool)
	Tables() []string
}

// Column describes one column of a result.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Result is the answer to a lookup. Unwindowed tables return one row; a
// group lookup on a windowed table returns one row per window, oldest first.
type Result struct {
	Table   string      `json:"table"`
	Key     ir.Value    `json:"key"`
	Session string      `json:"session,omitempty"`
	Version int64       `json:"version"`
	Columns []Column    `json:"columns"`
	Rows    []ir.Object `json:"rows"`
}

// Options configures a Server.
type Options struct {
	Timeout     time.Duration
	MaxSessions int
	PushBuffer  int
	IDs         IDGenerator
	Logger      *slog.Logger
}

// Server answers pull and push queries.
type Server struct {
	catalog  Catalog
	timeout  time.Duration
	buffer   int
	ids      IDGenerator
	logger   *slog.Logger
	sessions *sessions
}

// NewServer creates a Server over catalog.
func NewServer(catalog Catalog, opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.IDs == nil {
		opts.IDs = UUIDv7Generator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		catalog:  catalog,
		timeout:  opts.Timeout,
		buffer:   opts.PushBuffer,
		ids:      opts.IDs,
		logger:   opts.Logger,
		sessions: newSessions(opts.MaxSessions),
	}
}

// NewSession starts a fresh session.
func (s *Server) NewSession() *Session {
	return s.sessions.getOrCreate(s.ids.Generate())
}

// Session returns the named session, creating it if unknown. An empty id
// starts a new session.
func (s *Server) Session(id string) *Session {
	if id == "" {
		return s.NewSession()
	}
	return s.sessions.getOrCreate(id)
}

// Tables lists the queryable tables.
func (s *Server) Tables() []string {
	return s.catalog.Tables()
}

// Lookup reads key from tableName. sess may be nil for a one-off read.
func (s *Server) Lookup(ctx context.Context, sess *Session, tableName string, key ir.Value) (res Result, err error) {
	start := time.Now()
	defer func() {
		metrics.LookupsTotal.WithLabelValues(tableName, resultLabel(err)).Inc()
		metrics.LookupLatency.WithLabelValues(tableName).Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if ctx.Err() != nil {
		return Result{}, ErrTimeout
	}

	tbl, ok := s.catalog.Table(tableName)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrTableNotFound, tableName)
	}
	if err := tbl.Degraded(); err != nil {
		return Result{}, err
	}
	if err := tbl.Recovering(); err != nil {
		return Result{}, err
	}

	snap := tbl.Snapshot()
	if sess != nil {
		floor := sess.floor(tableName)
		for snap.Version() < floor {
			select {
			case <-ctx.Done():
				return Result{}, ErrTimeout
			case <-time.After(versionPoll):
			}
			snap = tbl.Snapshot()
		}
	}

	rows, err := read(tbl, snap, key)
	if err != nil {
		return Result{}, fmt.Errorf("lookup %s: %w", tableName, err)
	}
	if len(rows) == 0 {
		return Result{}, ErrNotFound
	}

	res = Result{Table: tableName, Key: key, Version: snap.Version(), Rows: rows, Columns: columnsOf(rows)}
	if sess != nil {
		sess.observe(tableName, snap.Version())
		res.Session = sess.ID
	}
	return res, nil
}

// read resolves key against snap. On a windowed table a key that is not an
// exact [group, start] match is treated as a group and returns its windows.
func read(tbl *table.Table, snap *table.Snapshot, key ir.Value) ([]ir.Object, error) {
	r, found, err := snap.Get(key)
	if err != nil {
		return nil, err
	}
	if found {
		return []ir.Object{r.Value}, nil
	}
	if !tbl.Windowed() {
		return nil, nil
	}
	windows, err := snap.Windows(key)
	if err != nil {
		return nil, err
	}
	out := make([]ir.Object, len(windows))
	for i, w := range windows {
		out[i] = w.Value
	}
	return out, nil
}

// columnsOf lists the union of row columns sorted by name, typed by the
// first non-null value.
func columnsOf(rows []ir.Object) []Column {
	types := make(map[string]string)
	for _, row := range rows {
		for name, v := range row {
			t := ir.TypeName(v)
			if prev, ok := types[name]; !ok || (prev == "null" && t != "null") {
				types[name] = t
			}
		}
	}
	names := make([]string, 0, len(types))
	for n := range types {
		names = append(names, n)
	}
	sort.Strings(names)
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n, Type: types[n]}
	}
	return cols
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTableNotFound):
		return "table_not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrDegraded):
		return "degraded"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	}
	return "error"
}

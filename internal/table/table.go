// Package table holds the queryable state of materialized tables.
//
// A Table has exactly one writer, the worker of the query that sinks into
// it. Readers load an immutable Snapshot through an atomic pointer and never
// block the writer: every Apply clones the B-tree (lazily, copy-on-write),
// mutates the clone and publishes it.
package table

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/roach88/rill/internal/ir"
)

const btreeDegree = 16

// Row is one materialized entry.
type Row struct {
	Key    ir.Value
	Value  ir.Object
	State  ir.Object  // aggregation accumulators, never served
	Window *ir.Window // nil for unwindowed tables
	Seq    int64      // changelog seq of the last write

	group string // canonical encoding of the group key
	pair  bool   // key is [group, start]
	start int64  // window start in unix millis
}

// rowLess orders by group, then plain keys before [group, start] pairs,
// then start.
func rowLess(a, b Row) bool {
	if a.group != b.group {
		return a.group < b.group
	}
	if a.pair != b.pair {
		return !a.pair
	}
	return a.start < b.start
}

// Snapshot is an immutable view of a table at one version.
type Snapshot struct {
	tree    *btree.BTreeG[Row]
	version int64
}

// Version is the seq of the last changelog entry folded into the snapshot.
func (s *Snapshot) Version() int64 { return s.version }

// Len returns the number of rows.
func (s *Snapshot) Len() int { return s.tree.Len() }

// Get returns the row stored under an exact key.
func (s *Snapshot) Get(key ir.Value) (Row, bool, error) {
	probe, err := probeFor(key)
	if err != nil {
		return Row{}, false, err
	}
	r, ok := s.tree.Get(probe)
	return r, ok, nil
}

// Windows returns every window row of a group key in window-start order.
func (s *Snapshot) Windows(group ir.Value) ([]Row, error) {
	g, err := ir.EncodeKey(group)
	if err != nil {
		return nil, err
	}
	var out []Row
	s.tree.AscendGreaterOrEqual(Row{group: g, pair: true, start: minInt64}, func(r Row) bool {
		if r.group != g || !r.pair {
			return false
		}
		out = append(out, r)
		return true
	})
	return out, nil
}

// Ascend calls fn for every row in key order until fn returns false.
func (s *Snapshot) Ascend(fn func(Row) bool) {
	s.tree.Ascend(fn)
}

// StateRows lists the served rows for digests.
func (s *Snapshot) StateRows() []ir.StateRow {
	out := make([]ir.StateRow, 0, s.tree.Len())
	s.tree.Ascend(func(r Row) bool {
		k, _ := ir.EncodeKey(r.Key)
		out = append(out, ir.StateRow{Key: k, Row: r.Value})
		return true
	})
	return out
}

const minInt64 = -1 << 63

// probeFor builds the tree position of a stored key. Windowed entries are
// keyed [group, windowStartMillis].
func probeFor(key ir.Value) (Row, error) {
	return placeRow(Row{Key: key})
}

func placeRow(r Row) (Row, error) {
	if r.Window != nil {
		arr, ok := r.Key.(ir.Array)
		if !ok || len(arr) != 2 {
			return r, fmt.Errorf("windowed key must be [group, start], got %s", ir.TypeName(r.Key))
		}
		g, err := ir.EncodeKey(arr[0])
		if err != nil {
			return r, err
		}
		r.group, r.pair, r.start = g, true, r.Window.Start.UnixMilli()
		return r, nil
	}
	if arr, ok := r.Key.(ir.Array); ok && len(arr) == 2 {
		if start, ok := arr[1].(ir.Int); ok {
			// Could be a windowed key; windowed rows sort under their group.
			g, err := ir.EncodeKey(arr[0])
			if err != nil {
				return r, err
			}
			r.group, r.pair, r.start = g, true, int64(start)
			return r, nil
		}
	}
	g, err := ir.EncodeKey(r.Key)
	if err != nil {
		return r, err
	}
	r.group = g
	return r, nil
}

// ErrDegraded is wrapped by Table.Degraded when the writer halted.
var ErrDegraded = errors.New("table degraded")

// ErrRecovering is wrapped by Table.Recovering while the table is being
// rebuilt from its changelog.
var ErrRecovering = errors.New("table recovering")

// Change is one committed mutation, delivered to push subscribers.
type Change struct {
	Table     string     `json:"table"`
	Seq       int64      `json:"seq"`
	Key       ir.Value   `json:"key"`
	Row       ir.Object  `json:"row,omitempty"`
	Tombstone bool       `json:"tombstone,omitempty"`
	Window    *ir.Window `json:"window,omitempty"`
}

// Table is a named materialized table.
type Table struct {
	name     string
	windowed bool
	current    atomic.Pointer[Snapshot]
	degraded   atomic.Pointer[error]
	recovering atomic.Bool

	mu     sync.Mutex // guards subs
	subs   map[int]chan Change
	nextID int
}

// New creates an empty table.
func New(name string, windowed bool) *Table {
	t := &Table{name: name, windowed: windowed, subs: make(map[int]chan Change)}
	t.current.Store(&Snapshot{tree: btree.NewG(btreeDegree, rowLess)})
	return t
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Windowed reports whether rows are keyed per window.
func (t *Table) Windowed() bool { return t.windowed }

// Snapshot returns the current immutable view.
func (t *Table) Snapshot() *Snapshot { return t.current.Load() }

// Apply folds entries into the table and publishes a new snapshot.
// Only the owning worker (or recovery before the worker starts) calls Apply.
func (t *Table) Apply(entries ...ir.ChangelogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	cur := t.current.Load()
	next := &Snapshot{tree: cur.tree.Clone(), version: cur.version}

	for _, e := range entries {
		r, err := placeRow(Row{Key: e.Key, Value: e.Value, State: e.State, Window: e.Window, Seq: e.Seq})
		if err != nil {
			return fmt.Errorf("apply %s seq=%d: %w", t.name, e.Seq, err)
		}
		if e.Tombstone {
			next.tree.Delete(r)
		} else {
			next.tree.ReplaceOrInsert(r)
		}
		if e.Seq > next.version {
			next.version = e.Seq
		}
	}
	t.current.Store(next)
	t.publish(entries)
	return nil
}

// Reset discards all rows. Used before a rebuild.
func (t *Table) Reset() {
	t.current.Store(&Snapshot{tree: btree.NewG(btreeDegree, rowLess)})
}

// BeginRecovery marks the table as not yet servable. Snapshots taken until
// EndRecovery may hold a partial fold of the changelog.
func (t *Table) BeginRecovery() { t.recovering.Store(true) }

// EndRecovery marks the table as holding its full durable state.
func (t *Table) EndRecovery() { t.recovering.Store(false) }

// Recovering returns a non-nil error while the table is being rebuilt.
func (t *Table) Recovering() error {
	if t.recovering.Load() {
		return fmt.Errorf("%w: %s", ErrRecovering, t.name)
	}
	return nil
}

// SetDegraded marks the table as no longer maintained.
func (t *Table) SetDegraded(cause error) {
	err := fmt.Errorf("%w: %s: %v", ErrDegraded, t.name, cause)
	t.degraded.Store(&err)
}

// Degraded returns the halt cause, or nil while the table is maintained.
func (t *Table) Degraded() error {
	if p := t.degraded.Load(); p != nil {
		return *p
	}
	return nil
}

// Subscribe registers a push subscriber. The channel is closed when cancel
// is called or when the subscriber falls more than buffer changes behind.
func (t *Table) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
}

func (t *Table) publish(entries []ir.ChangelogEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		return
	}
	for _, e := range entries {
		c := Change{Table: t.name, Seq: e.Seq, Key: e.Key, Row: e.Value, Tombstone: e.Tombstone, Window: e.Window}
		for id, ch := range t.subs {
			select {
			case ch <- c:
			default:
				// Lagging subscriber: drop it rather than block the writer.
				delete(t.subs, id)
				close(ch)
			}
		}
	}
}

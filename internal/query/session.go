package query

import (
	"sync"

	"github.com/google/uuid"
)

// IDGenerator mints session identifiers.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 session IDs.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined session IDs for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
// Panics if all ids have been consumed.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Session tracks the table versions a client has observed.
type Session struct {
	ID string

	mu   sync.Mutex
	seen map[string]int64 // table -> highest version returned
	used uint64           // last-use tick, for eviction
}

func newSession(id string) *Session {
	return &Session{ID: id, seen: make(map[string]int64)}
}

// floor is the minimum version the session may read from a table.
func (s *Session) floor(table string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[table]
}

func (s *Session) observe(table string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version > s.seen[table] {
		s.seen[table] = version
	}
}

// sessions is a bounded registry of named sessions. When full, the least
// recently used session is dropped; its client then starts a new one.
type sessions struct {
	mu   sync.Mutex
	byID map[string]*Session
	max  int
	tick uint64
}

func newSessions(max int) *sessions {
	return &sessions{byID: make(map[string]*Session), max: max}
}

func (r *sessions) getOrCreate(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tick++
	if s, ok := r.byID[id]; ok {
		s.used = r.tick
		return s
	}
	if len(r.byID) >= r.max {
		var oldest *Session
		for _, s := range r.byID {
			if oldest == nil || s.used < oldest.used {
				oldest = s
			}
		}
		delete(r.byID, oldest.ID)
	}
	s := newSession(id)
	s.used = r.tick
	r.byID[id] = s
	return s
}

func (r *sessions) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

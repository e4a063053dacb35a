package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/roach88/rill/internal/ir"
)

// DefaultPartitions is the partition count of auto-created memory topics.
const DefaultPartitions = 4

// MemoryOptions configures a Memory log.
type MemoryOptions struct {
	Partitions int32
	Now        func() time.Time
	Logger     *slog.Logger
}

// Memory is an in-process Log. Subscriptions deliver records across
// partitions in global append order, which keeps tests deterministic.
type Memory struct {
	mu         sync.Mutex
	partitions int32
	now        func() time.Time
	logger     *slog.Logger
	topics     map[string]*memTopic
	commits    map[string]ir.Position // group + "\x00" + topic
	changed    chan struct{}          // closed and replaced on every append
	failNext   int
	down       bool
	closed     bool
}

type memTopic struct {
	parts [][]memRecord
	seq   int64
}

type memRecord struct {
	rec ir.Record
	seq int64 // topic-wide append order
}

var _ Log = (*Memory)(nil)

// NewMemory creates an empty in-process log.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.Partitions <= 0 {
		opts.Partitions = DefaultPartitions
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		partitions: opts.Partitions,
		now:        opts.Now,
		logger:     logger,
		topics:     make(map[string]*memTopic),
		commits:    make(map[string]ir.Position),
		changed:    make(chan struct{}),
	}
}

// PartitionFor maps a key to a partition.
func PartitionFor(key []byte, partitions int32) int32 {
	if len(key) == 0 || partitions <= 1 {
		return 0
	}
	return int32(xxhash.Sum64(key) % uint64(partitions))
}

func (m *Memory) topic(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{parts: make([][]memRecord, m.partitions)}
		m.topics[name] = t
	}
	return t
}

// Append implements Log using the log clock for the record timestamp.
func (m *Memory) Append(ctx context.Context, topic string, key, value []byte) (ir.Offset, error) {
	return m.AppendAt(ctx, topic, key, value, time.Time{})
}

// AppendAt appends with an explicit record timestamp. A zero ts uses the
// log clock.
func (m *Memory) AppendAt(ctx context.Context, topic string, key, value []byte, ts time.Time) (ir.Offset, error) {
	if err := ctx.Err(); err != nil {
		return ir.Offset{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ir.Offset{}, ErrClosed
	}
	if m.down {
		return ir.Offset{}, fmt.Errorf("append %s: %w", topic, ErrLogUnavailable)
	}
	if ts.IsZero() {
		ts = m.now()
	}

	t := m.topic(topic)
	part := PartitionFor(key, m.partitions)
	off := int64(len(t.parts[part]))
	t.seq++
	t.parts[part] = append(t.parts[part], memRecord{
		rec: ir.Record{
			Topic:     topic,
			Partition: part,
			Offset:    off,
			Key:       cloneBytes(key),
			Value:     cloneBytes(value),
			Timestamp: ts.UTC(),
		},
		seq: t.seq,
	})

	close(m.changed)
	m.changed = make(chan struct{})
	return ir.Offset{Partition: part, Offset: off}, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Subscribe implements Log.
func (m *Memory) Subscribe(ctx context.Context, topic string, from ir.Position) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.down {
		return nil, fmt.Errorf("subscribe %s: %w", topic, ErrLogUnavailable)
	}
	m.topic(topic)
	m.logger.Debug("memory subscribe", "topic", topic, "from", from)
	return &memSubscription{log: m, topic: topic, pos: from.Clone()}, nil
}

// CommitOffset implements Log.
func (m *Memory) CommitOffset(ctx context.Context, group, topic string, pos ir.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	k := group + "\x00" + topic
	prev := m.commits[k]
	if prev == nil {
		prev = ir.Position{}
	}
	m.commits[k] = prev.Merge(pos)
	return nil
}

// CommittedOffset implements Log.
func (m *Memory) CommittedOffset(ctx context.Context, group, topic string) (ir.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if p, ok := m.commits[group+"\x00"+topic]; ok {
		return p.Clone(), nil
	}
	return ir.Position{}, nil
}

// Close wakes every blocked subscriber with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.changed)
	}
	return nil
}

// FailNext makes the next n subscription reads fail with ErrLogUnavailable.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// SetAvailable toggles a full outage. While unavailable every operation
// fails with ErrLogUnavailable.
func (m *Memory) SetAvailable(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = !up
	if up && !m.closed {
		close(m.changed)
		m.changed = make(chan struct{})
	}
}

// Records returns a copy of every record of topic in append order.
func (m *Memory) Records(topic string) []ir.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return nil
	}
	var all []memRecord
	for _, p := range t.parts {
		all = append(all, p...)
	}
	out := make([]ir.Record, len(all))
	for _, r := range all {
		out[r.seq-1] = r.rec
	}
	return out
}

// Topics lists every topic holding at least one record, sorted by name.
func (m *Memory) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, t := range m.topics {
		if t.seq > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// End returns the position just past the last record of every partition.
func (m *Memory) End(topic string) ir.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := ir.Position{}
	if t, ok := m.topics[topic]; ok {
		for i, p := range t.parts {
			if len(p) > 0 {
				end[int32(i)] = int64(len(p))
			}
		}
	}
	return end
}

type memSubscription struct {
	log    *Memory
	topic  string
	pos    ir.Position
	closed bool
}

// Next returns the unread record with the lowest append seq.
func (s *memSubscription) Next(ctx context.Context) (ir.Record, error) {
	for {
		s.log.mu.Lock()
		switch {
		case s.closed || s.log.closed:
			s.log.mu.Unlock()
			return ir.Record{}, ErrClosed
		case s.log.down:
			s.log.mu.Unlock()
			return ir.Record{}, fmt.Errorf("read %s: %w", s.topic, ErrLogUnavailable)
		case s.log.failNext > 0:
			s.log.failNext--
			s.log.mu.Unlock()
			return ir.Record{}, fmt.Errorf("read %s: %w", s.topic, ErrLogUnavailable)
		}

		var (
			best  *memRecord
			parts = s.log.topics[s.topic].parts
		)
		for i := range parts {
			next := s.pos.Next(int32(i))
			if next < int64(len(parts[i])) {
				r := &parts[i][next]
				if best == nil || r.seq < best.seq {
					best = r
				}
			}
		}
		if best != nil {
			rec := best.rec
			s.pos.Advance(rec.Partition, rec.Offset)
			s.log.mu.Unlock()
			return rec, nil
		}
		wait := s.log.changed
		s.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return ir.Record{}, ctx.Err()
		case <-wait:
		}
	}
}

func (s *memSubscription) Close() error {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	s.closed = true
	return nil
}

package table

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rill/internal/ir"
)

func put(seq int64, key ir.Value, row ir.Object) ir.ChangelogEntry {
	return ir.ChangelogEntry{Seq: seq, Table: "t", Key: key, Value: row}
}

func del(seq int64, key ir.Value) ir.ChangelogEntry {
	return ir.ChangelogEntry{Seq: seq, Table: "t", Key: key, Tombstone: true}
}

func TestApplyUpsertAndTombstone(t *testing.T) {
	tbl := New("t", false)
	require.NoError(t, tbl.Apply(
		put(1, ir.String("A"), ir.Row(ir.O("count", ir.Int(1)))),
		put(2, ir.String("B"), ir.Row(ir.O("count", ir.Int(1)))),
		put(3, ir.String("A"), ir.Row(ir.O("count", ir.Int(2)))),
	))

	snap := tbl.Snapshot()
	assert.Equal(t, int64(3), snap.Version())
	assert.Equal(t, 2, snap.Len())

	r, ok, err := snap.Get(ir.String("A"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.Row(ir.O("count", ir.Int(2))), r.Value)
	assert.Equal(t, int64(3), r.Seq)

	require.NoError(t, tbl.Apply(del(4, ir.String("A"))))
	_, ok, err = tbl.Snapshot().Get(ir.String("A"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotsAreImmutable(t *testing.T) {
	tbl := New("t", false)
	require.NoError(t, tbl.Apply(put(1, ir.String("A"), ir.Row(ir.O("v", ir.Int(1))))))
	old := tbl.Snapshot()

	require.NoError(t, tbl.Apply(put(2, ir.String("A"), ir.Row(ir.O("v", ir.Int(2)))), del(3, ir.String("A"))))

	r, ok, err := old.Get(ir.String("A"))
	require.NoError(t, err)
	require.True(t, ok, "old snapshot still sees the row")
	assert.Equal(t, ir.Int(1), r.Value["v"])
	assert.Equal(t, int64(1), old.Version())
	assert.Equal(t, 0, tbl.Snapshot().Len())
}

// Folding any sequence of upserts and tombstones equals a left-to-right
// fold into a plain map.
func TestApplyMatchesReferenceFold(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	keys := []ir.Value{ir.String("A"), ir.String("B"), ir.Int(3), ir.Array{ir.String("x"), ir.Int(0)}, ir.String("x")}

	for run := 0; run < 20; run++ {
		tbl := New("t", false)
		ref := map[string]ir.Object{}
		for seq := int64(1); seq <= 200; seq++ {
			k := keys[rng.Intn(len(keys))]
			enc, _ := ir.EncodeKey(k)
			var e ir.ChangelogEntry
			if rng.Intn(4) == 0 {
				e = del(seq, k)
				delete(ref, enc)
			} else {
				row := ir.Row(ir.O("v", ir.Int(rng.Int63n(100))))
				e = put(seq, k, row)
				ref[enc] = row
			}
			require.NoError(t, tbl.Apply(e))
		}

		got := map[string]ir.Object{}
		tbl.Snapshot().Ascend(func(r Row) bool {
			enc, _ := ir.EncodeKey(r.Key)
			got[enc] = r.Value
			return true
		})
		assert.Equal(t, ref, got, "run %d", run)
	}
}

func TestWindowedLookup(t *testing.T) {
	tbl := New("w", true)
	win := func(startMs int64) *ir.Window {
		s := time.UnixMilli(startMs).UTC()
		return &ir.Window{Start: s, End: s.Add(time.Minute)}
	}
	entry := func(seq int64, group string, startMs, count int64) ir.ChangelogEntry {
		return ir.ChangelogEntry{
			Seq:    seq,
			Key:    ir.Array{ir.String(group), ir.Int(startMs)},
			Value:  ir.Row(ir.O("count", ir.Int(count))),
			Window: win(startMs),
		}
	}
	require.NoError(t, tbl.Apply(
		entry(1, "A", 120_000, 1),
		entry(2, "A", 0, 5),
		entry(3, "B", 60_000, 2),
		entry(4, "A", 60_000, 3),
	))

	snap := tbl.Snapshot()
	rows, err := snap.Windows(ir.String("A"))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(0), rows[0].Window.Start.UnixMilli())
	assert.Equal(t, int64(60_000), rows[1].Window.Start.UnixMilli())
	assert.Equal(t, int64(120_000), rows[2].Window.Start.UnixMilli())

	r, ok, err := snap.Get(ir.Array{ir.String("B"), ir.Int(60_000)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.Int(2), r.Value["count"])

	rows, err = snap.Windows(ir.String("C"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPlainAndPairKeysDoNotCollide(t *testing.T) {
	tbl := New("t", false)
	require.NoError(t, tbl.Apply(
		put(1, ir.String("X"), ir.Row(ir.O("v", ir.Int(1)))),
		put(2, ir.Array{ir.String("X"), ir.Int(0)}, ir.Row(ir.O("v", ir.Int(2)))),
	))
	assert.Equal(t, 2, tbl.Snapshot().Len())
}

func TestBareWordKeysStayDistinct(t *testing.T) {
	tbl := New("t", false)
	require.NoError(t, tbl.Apply(
		put(1, ir.ParseKey("nancy"), ir.Row(ir.O("name", ir.String("Nancy")))),
		put(2, ir.ParseKey("nick"), ir.Row(ir.O("name", ir.String("Nick")))),
	))
	snap := tbl.Snapshot()
	assert.Equal(t, 2, snap.Len())

	r, ok, err := snap.Get(ir.ParseKey("nancy"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.String("Nancy"), r.Value["name"])

	_, ok, err = snap.Get(ir.ParseKey("nora"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateRowsDigestStable(t *testing.T) {
	a := New("t", false)
	b := New("t", false)
	require.NoError(t, a.Apply(put(1, ir.String("A"), ir.Row()), put(2, ir.String("B"), ir.Row())))
	require.NoError(t, b.Apply(put(1, ir.String("B"), ir.Row()), put(2, ir.String("A"), ir.Row())))
	assert.Equal(t, ir.MustStateDigest(a.Snapshot().StateRows()), ir.MustStateDigest(b.Snapshot().StateRows()))
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	tbl := New("t", false)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last int64
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := tbl.Snapshot()
				if snap.Version() < last {
					t.Errorf("version went backwards: %d < %d", snap.Version(), last)
					return
				}
				last = snap.Version()
				snap.Ascend(func(Row) bool { return true })
			}
		}()
	}

	for seq := int64(1); seq <= 500; seq++ {
		key := ir.String(fmt.Sprintf("k%d", seq%37))
		require.NoError(t, tbl.Apply(put(seq, key, ir.Row(ir.O("v", ir.Int(seq))))))
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, int64(500), tbl.Snapshot().Version())
}

func TestRecovering(t *testing.T) {
	tbl := New("t", false)
	assert.NoError(t, tbl.Recovering(), "a new table is servable")

	tbl.BeginRecovery()
	err := tbl.Recovering()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecovering)
	assert.Contains(t, err.Error(), "t")

	tbl.EndRecovery()
	assert.NoError(t, tbl.Recovering())
}

func TestDegraded(t *testing.T) {
	tbl := New("t", false)
	assert.NoError(t, tbl.Degraded())

	tbl.SetDegraded(errors.New("disk full"))
	err := tbl.Degraded()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Contains(t, err.Error(), "disk full")
}

func TestSubscribeReceivesChangesInOrder(t *testing.T) {
	tbl := New("t", false)
	ch, cancel := tbl.Subscribe(8)
	defer cancel()

	require.NoError(t, tbl.Apply(put(1, ir.String("A"), ir.Row()), del(2, ir.String("A"))))

	c1 := <-ch
	c2 := <-ch
	assert.Equal(t, int64(1), c1.Seq)
	assert.False(t, c1.Tombstone)
	assert.Equal(t, int64(2), c2.Seq)
	assert.True(t, c2.Tombstone)

	cancel()
	_, open := <-ch
	assert.False(t, open)
	cancel() // idempotent
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	tbl := New("t", false)
	ch, cancel := tbl.Subscribe(1)
	defer cancel()

	require.NoError(t, tbl.Apply(put(1, ir.String("A"), ir.Row()), put(2, ir.String("B"), ir.Row())))

	<-ch
	_, open := <-ch
	assert.False(t, open, "subscriber closed after overflowing its buffer")
}

package queue

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tracks(ids ...string) []Track {
	out := make([]Track, len(ids))
	for i, id := range ids {
		out[i] = Track{ID: id, Title: "title " + id}
	}
	return out
}

func ids(s Snapshot) []string {
	out := make([]string, len(s.Tracks))
	for i, t := range s.Tracks {
		out[i] = t.ID
	}
	return out
}

func TestNewModelIsEmpty(t *testing.T) {
	s := New().Snapshot()
	assert.Empty(t, s.Tracks)
	assert.Equal(t, NoIndex, s.Current)
	assert.Equal(t, LoopNone, s.LoopMode)
	assert.Zero(t, s.Revision)
	_, ok := s.CurrentTrack()
	assert.False(t, ok)
}

func TestApplyFullSnapshotIsIdempotent(t *testing.T) {
	m := New()
	assert.True(t, m.ApplyFullSnapshot(tracks("a", "b", "c"), 1, LoopAll))
	rev := m.Revision()
	assert.Equal(t, uint64(1), rev)

	assert.False(t, m.ApplyFullSnapshot(tracks("a", "b", "c"), 1, LoopAll))
	assert.Equal(t, rev, m.Revision())

	assert.True(t, m.ApplyFullSnapshot(tracks("a", "b", "c"), 2, LoopAll))
	assert.Equal(t, rev+1, m.Revision())
}

func TestApplyFullSnapshotClearsInvalidCurrent(t *testing.T) {
	m := New()
	m.ApplyFullSnapshot(tracks("a", "b"), 5, "")
	s := m.Snapshot()
	assert.Equal(t, NoIndex, s.Current)
	assert.Equal(t, LoopNone, s.LoopMode)
	assert.Equal(t, 1, s.Tracks[1].Index)
}

func TestSnapshotIsACopy(t *testing.T) {
	m := New()
	m.ApplyFullSnapshot(tracks("a"), 0, LoopNone)
	s := m.Snapshot()
	s.Tracks[0].Title = "mutated"
	assert.Equal(t, "title a", m.Snapshot().Tracks[0].Title)
}

func TestRemoveRangeRenumbersAndShiftsCurrent(t *testing.T) {
	m := New()
	m.ApplyFullSnapshot(tracks("a", "b", "c", "d", "e"), 3, LoopNone)

	changed, err := m.ApplyDelta(Delta{BaseRevision: m.Revision(), Ops: []Op{Remove(1, 2)}})
	require.NoError(t, err)
	assert.True(t, changed)

	s := m.Snapshot()
	assert.Equal(t, []string{"a", "d", "e"}, ids(s))
	for i, tr := range s.Tracks {
		assert.Equal(t, i, tr.Index)
	}
	assert.Equal(t, 1, s.Current)
	cur, ok := s.CurrentTrack()
	require.True(t, ok)
	assert.Equal(t, "d", cur.ID)
}

func TestRemoveCurrentTrack(t *testing.T) {
	m := New()
	m.ApplyFullSnapshot(tracks("a", "b", "c"), 1, LoopNone)
	_, err := m.ApplyDelta(Delta{BaseRevision: m.Revision(), Ops: []Op{Remove(1, 1)}})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Snapshot().Current, "the next track takes its place")

	m.ApplyFullSnapshot(tracks("a", "b", "c"), 2, LoopNone)
	_, err = m.ApplyDelta(Delta{BaseRevision: m.Revision(), Ops: []Op{Remove(1, 5)}})
	require.NoError(t, err)
	s := m.Snapshot()
	assert.Equal(t, []string{"a"}, ids(s))
	assert.Equal(t, 0, s.Current)

	_, err = m.ApplyDelta(Delta{BaseRevision: m.Revision(), Ops: []Op{Remove(0, 1)}})
	require.NoError(t, err)
	assert.Equal(t, NoIndex, m.Snapshot().Current)
}

func TestRemoveOutOfRangeIsNoop(t *testing.T) {
	m := New()
	m.ApplyFullSnapshot(tracks("a", "b"), 0, LoopNone)
	rev := m.Revision()
	changed, err := m.ApplyDelta(Delta{BaseRevision: rev, Ops: []Op{Remove(7, 3)}})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, rev, m.Revision())
}

func TestInsertClampsAndPads(t *testing.T) {
	m := New()
	m.ApplyFullSnapshot(tracks("a", "b"), 1, LoopNone)

	_, err := m.ApplyDelta(Delta{BaseRevision: m.Revision(), Ops: []Op{Insert(0, 2, tracks("x")...)}})
	require.NoError(t, err)
	s := m.Snapshot()
	assert.Equal(t, []string{"x", "", "a", "b"}, ids(s))
	assert.Equal(t, 3, s.Current, "current moves with its track")

	_, err = m.ApplyDelta(Delta{BaseRevision: m.Revision(), Ops: []Op{Insert(99, 1, tracks("z")...)}})
	require.NoError(t, err)
	s = m.Snapshot()
	assert.Equal(t, []string{"x", "", "a", "b", "z"}, ids(s))
	assert.Equal(t, 4, s.Tracks[4].Index)
}

func TestInsertIsBoundedByMaxTracks(t *testing.T) {
	m := New()
	m.ApplyFullSnapshot(tracks("a", "b"), 0, LoopNone)

	_, err := m.ApplyDelta(Delta{BaseRevision: m.Revision(), Ops: []Op{Insert(2, 1<<62)}})
	require.NoError(t, err)
	s := m.Snapshot()
	assert.Len(t, s.Tracks, MaxTracks)
	assert.Equal(t, "a", s.Tracks[0].ID)

	rev := m.Revision()
	changed, err := m.ApplyDelta(Delta{BaseRevision: rev, Ops: []Op{Insert(0, 5)}})
	require.NoError(t, err)
	assert.False(t, changed, "a full queue takes no more tracks")
	assert.Equal(t, rev, m.Revision())
}

func TestApplyFullSnapshotIsBoundedByMaxTracks(t *testing.T) {
	m := New()
	m.ApplyFullSnapshot(make([]Track, MaxTracks+10), MaxTracks+5, LoopNone)
	s := m.Snapshot()
	assert.Len(t, s.Tracks, MaxTracks)
	assert.Equal(t, NoIndex, s.Current)
}

func TestSetMetadataIgnoresOutOfRange(t *testing.T) {
	m := New()
	m.ApplyFullSnapshot(tracks("a", "b"), NoIndex, LoopNone)
	_, err := m.ApplyDelta(Delta{BaseRevision: m.Revision(), Ops: []Op{SetMetadata(1, tracks("B", "C")...)}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "B"}, ids(m.Snapshot()))
}

func TestSetCurrentAndLoop(t *testing.T) {
	m := New()
	m.ApplyFullSnapshot(tracks("a", "b"), NoIndex, LoopNone)

	_, err := m.ApplyDelta(Delta{BaseRevision: m.Revision(), Ops: []Op{SetCurrent(1), SetLoop(LoopTrack)}})
	require.NoError(t, err)
	s := m.Snapshot()
	assert.Equal(t, 1, s.Current)
	assert.Equal(t, LoopTrack, s.LoopMode)

	_, err = m.ApplyDelta(Delta{BaseRevision: m.Revision(), Ops: []Op{SetCurrent(2)}})
	require.NoError(t, err)
	assert.Equal(t, NoIndex, m.Snapshot().Current)
}

func TestStaleDeltaIsDiscarded(t *testing.T) {
	m := New()
	m.ApplyFullSnapshot(tracks("a", "b", "c"), 0, LoopNone)
	base := m.Revision()

	// A poll lands between building the delta and applying it.
	m.ApplyFullSnapshot(tracks("a", "b", "c", "d"), 0, LoopNone)
	before := m.Snapshot()

	changed, err := m.ApplyDelta(Delta{BaseRevision: base, Ops: []Op{Remove(0, 1)}})
	assert.ErrorIs(t, err, ErrStaleDelta)
	assert.False(t, changed)
	assert.Equal(t, before, m.Snapshot())

	// Re-delivering an already applied delta is also a no-op.
	_, err = m.ApplyDelta(Delta{BaseRevision: m.Revision(), Ops: []Op{Remove(0, 1)}})
	require.NoError(t, err)
	_, err = m.ApplyDelta(Delta{BaseRevision: m.Revision() - 1, Ops: []Op{Remove(0, 1)}})
	assert.ErrorIs(t, err, ErrStaleDelta)
	assert.Len(t, m.Snapshot().Tracks, 3)
}

// replay applies ops to a plain slice the slow way.
func replay(ids []string, current int, op Op) ([]string, int) {
	switch op.Kind {
	case OpInsert:
		start := op.Start
		if start > len(ids) {
			start = len(ids)
		}
		if start < 0 {
			start = 0
		}
		add := make([]string, op.Count)
		for i := range op.Tracks {
			add[i] = op.Tracks[i].ID
		}
		out := append(append(append([]string{}, ids[:start]...), add...), ids[start:]...)
		if current != NoIndex && current >= start {
			current += op.Count
		}
		return out, current
	case OpRemove:
		out := []string{}
		for i, id := range ids {
			if i < op.Start || i >= op.Start+op.Count {
				out = append(out, id)
			}
		}
		return out, current
	}
	return ids, current
}

func TestRandomDeltasKeepCurrentValid(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := New()
	m.ApplyFullSnapshot(tracks("0", "1", "2", "3", "4", "5"), 2, LoopNone)
	model := ids(m.Snapshot())
	next := 100

	for i := 0; i < 500; i++ {
		var op Op
		if rng.Intn(2) == 0 {
			id := strconv.Itoa(next)
			next++
			op = Insert(rng.Intn(len(model)+3)-1, 1, Track{ID: id})
		} else {
			op = Remove(rng.Intn(len(model)+2), 1+rng.Intn(3))
		}
		model, _ = replay(model, NoIndex, op)

		_, err := m.ApplyDelta(Delta{BaseRevision: m.Revision(), Ops: []Op{op}})
		require.NoError(t, err)
		s := m.Snapshot()
		require.Equal(t, model, ids(s), "step %d", i)
		if s.Current != NoIndex {
			require.GreaterOrEqual(t, s.Current, 0)
			require.Less(t, s.Current, len(s.Tracks))
		}
		if len(s.Tracks) == 0 {
			m.ApplyFullSnapshot(tracks("r"), 0, LoopNone)
			model = []string{"r"}
		}
	}
}

func TestParseLoopMode(t *testing.T) {
	for in, want := range map[string]LoopMode{"none": LoopNone, "OFF": LoopNone, "track": LoopTrack, "one": LoopTrack, "All": LoopAll} {
		got, err := ParseLoopMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLoopMode("shuffle")
	assert.Error(t, err)
}

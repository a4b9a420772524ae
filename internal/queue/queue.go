// Package queue holds the reconciled play queue of a renderer.
//
// The model is changed only through ApplyFullSnapshot, for ground truth read
// from the device, and ApplyDelta, for incremental edits derived from events.
// Every structural change bumps Revision, and deltas built against an older
// revision are rejected with ErrStaleDelta.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// NoIndex marks an absent current track.
const NoIndex = -1

// MaxTracks bounds the queue length. Inserts past it are truncated.
const MaxTracks = 10000

var ErrStaleDelta = errors.New("delta is based on an older queue revision")

type LoopMode string

const (
	LoopNone  LoopMode = "none"
	LoopTrack LoopMode = "track"
	LoopAll   LoopMode = "all"
)

func ParseLoopMode(s string) (LoopMode, error) {
	switch LoopMode(strings.ToLower(strings.TrimSpace(s))) {
	case LoopNone, "off":
		return LoopNone, nil
	case LoopTrack, "one":
		return LoopTrack, nil
	case LoopAll:
		return LoopAll, nil
	default:
		return "", fmt.Errorf("unknown loop mode %q", s)
	}
}

// Track is one queue entry. Index is its zero-based position and is rewritten
// whenever the queue is renumbered.
type Track struct {
	Index      int           `json:"index"`
	ID         string        `json:"id,omitempty"`
	Title      string        `json:"title,omitempty"`
	Artist     string        `json:"artist,omitempty"`
	Album      string        `json:"album,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	ArtworkURL string        `json:"artworkURL,omitempty"`
	URI        string        `json:"uri,omitempty"`
}

// Snapshot is an immutable copy of the queue.
type Snapshot struct {
	Tracks   []Track  `json:"tracks"`
	Current  int      `json:"current"`
	LoopMode LoopMode `json:"loopMode"`
	Revision uint64   `json:"revision"`
}

func (s Snapshot) CurrentTrack() (Track, bool) {
	if s.Current < 0 || s.Current >= len(s.Tracks) {
		return Track{}, false
	}
	return s.Tracks[s.Current], true
}

type OpKind int

const (
	OpInsert OpKind = iota
	OpRemove
	OpSetMetadata
	OpSetCurrent
	OpSetLoopMode
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	case OpSetMetadata:
		return "set_metadata"
	case OpSetCurrent:
		return "set_current"
	case OpSetLoopMode:
		return "set_loop_mode"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// Op is a single edit. Start and Count follow the device's own range
// arguments; Tracks carries metadata for inserts and metadata updates.
type Op struct {
	Kind    OpKind
	Start   int
	Count   int
	Tracks  []Track
	Current int
	Loop    LoopMode
}

// Insert adds count tracks at start. Tracks fill the range from its start;
// positions without a track get an empty placeholder.
func Insert(start, count int, tracks ...Track) Op {
	return Op{Kind: OpInsert, Start: start, Count: count, Tracks: tracks}
}

func Remove(start, count int) Op {
	return Op{Kind: OpRemove, Start: start, Count: count}
}

// SetMetadata replaces the tracks at start, start+1, ... Positions outside
// the queue are ignored.
func SetMetadata(start int, tracks ...Track) Op {
	return Op{Kind: OpSetMetadata, Start: start, Count: len(tracks), Tracks: tracks}
}

// SetCurrent selects the current track; an index outside the queue clears it.
func SetCurrent(i int) Op {
	return Op{Kind: OpSetCurrent, Current: i}
}

func SetLoop(m LoopMode) Op {
	return Op{Kind: OpSetLoopMode, Loop: m}
}

// Delta is a batch of edits applied atomically against BaseRevision.
type Delta struct {
	BaseRevision uint64
	Ops          []Op
}

type Model struct {
	mu       sync.RWMutex
	tracks   []Track
	current  int
	loop     LoopMode
	revision uint64
}

func New() *Model {
	return &Model{current: NoIndex, loop: LoopNone}
}

func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Tracks:   append([]Track(nil), m.tracks...),
		Current:  m.current,
		LoopMode: m.loop,
		Revision: m.revision,
	}
}

func (m *Model) Revision() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision
}

// ApplyFullSnapshot replaces the queue with ground truth. The revision is
// bumped only when the result differs from the current state, so applying
// the same snapshot twice leaves the revision unchanged.
func (m *Model) ApplyFullSnapshot(tracks []Track, current int, loop LoopMode) bool {
	if len(tracks) > MaxTracks {
		tracks = tracks[:MaxTracks]
	}
	next := renumber(append([]Track(nil), tracks...))
	if current < 0 || current >= len(next) {
		current = NoIndex
	}
	if loop == "" {
		loop = LoopNone
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current == m.current && loop == m.loop && equalTracks(next, m.tracks) {
		return false
	}
	m.tracks = next
	m.current = current
	m.loop = loop
	m.revision++
	return true
}

// ApplyDelta applies d if it was built against the current revision or a
// newer one. A delta with an older base revision is discarded and
// ErrStaleDelta returned. The revision is bumped once per delta that changed
// anything.
func (m *Model) ApplyDelta(d Delta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.BaseRevision < m.revision {
		return false, ErrStaleDelta
	}

	tracks := append([]Track(nil), m.tracks...)
	current := m.current
	loop := m.loop
	for _, op := range d.Ops {
		switch op.Kind {
		case OpInsert:
			tracks, current = insert(tracks, current, op)
		case OpRemove:
			tracks, current = remove(tracks, current, op)
		case OpSetMetadata:
			setMetadata(tracks, op)
		case OpSetCurrent:
			current = op.Current
			if current < 0 || current >= len(tracks) {
				current = NoIndex
			}
		case OpSetLoopMode:
			if op.Loop != "" {
				loop = op.Loop
			}
		}
	}
	tracks = renumber(tracks)

	if current == m.current && loop == m.loop && equalTracks(tracks, m.tracks) {
		return false, nil
	}
	m.tracks = tracks
	m.current = current
	m.loop = loop
	m.revision++
	return true, nil
}

func insert(tracks []Track, current int, op Op) ([]Track, int) {
	count := op.Count
	if len(op.Tracks) > count {
		count = len(op.Tracks)
	}
	if room := MaxTracks - len(tracks); count > room {
		count = room
	}
	if count <= 0 {
		return tracks, current
	}
	start := clamp(op.Start, 0, len(tracks))
	added := make([]Track, count)
	copy(added, op.Tracks)

	out := make([]Track, 0, len(tracks)+count)
	out = append(out, tracks[:start]...)
	out = append(out, added...)
	out = append(out, tracks[start:]...)
	if current != NoIndex && current >= start {
		current += count
	}
	return out, current
}

func remove(tracks []Track, current int, op Op) ([]Track, int) {
	start := op.Start
	end := op.Start + op.Count
	if start < 0 {
		start = 0
	}
	if end > len(tracks) {
		end = len(tracks)
	}
	if start >= end {
		return tracks, current
	}
	out := append(tracks[:start:start], tracks[end:]...)

	switch {
	case current == NoIndex || current < start:
	case current >= end:
		current -= end - start
	default:
		// The current track itself was removed; the track that moved into
		// its place becomes current.
		current = start
		if current >= len(out) {
			current = len(out) - 1
		}
	}
	if current >= len(out) {
		current = NoIndex
	}
	return out, current
}

func setMetadata(tracks []Track, op Op) {
	for i, t := range op.Tracks {
		pos := op.Start + i
		if pos < 0 || pos >= len(tracks) {
			continue
		}
		tracks[pos] = t
	}
}

func renumber(tracks []Track) []Track {
	for i := range tracks {
		tracks[i].Index = i
	}
	return tracks
}

func equalTracks(a, b []Track) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

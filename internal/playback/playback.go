// Package playback tracks the renderer's transport state.
package playback

import (
	"strings"
	"sync"
	"time"

	"renderer-sync/internal/clock"
	"renderer-sync/internal/logging"
	"renderer-sync/internal/metrics"
)

type State string

const (
	Stopped       State = "stopped"
	Playing       State = "playing"
	Paused        State = "paused"
	Transitioning State = "transitioning"
	Unknown       State = "unknown"
)

// DefaultTransitionTimeout bounds how long the machine stays in Transitioning
// without a resolving update.
const DefaultTransitionTimeout = 5 * time.Second

// ParseTransportState maps an AVTransport TransportState value.
func ParseTransportState(s string) State {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PLAYING":
		return Playing
	case "PAUSED_PLAYBACK", "PAUSED_RECORDING":
		return Paused
	case "STOPPED", "NO_MEDIA_PRESENT":
		return Stopped
	case "TRANSITIONING":
		return Transitioning
	default:
		return Unknown
	}
}

// Status is a copy of the machine's state. Position is extrapolated to the
// time the status was taken while playing.
type Status struct {
	State          State         `json:"state"`
	Position       time.Duration `json:"position"`
	PositionAt     time.Time     `json:"positionAt"`
	Duration       time.Duration `json:"duration,omitempty"`
	LastTransition time.Time     `json:"lastTransition"`
	LastKnownGood  bool          `json:"lastKnownGood"`
}

type Machine struct {
	clk     clock.Clock
	timeout time.Duration
	onStuck func()

	mu         sync.Mutex
	state      State
	position   time.Duration
	positionAt time.Time
	duration   time.Duration
	changedAt  time.Time
	good       bool
	timer      clock.Timer
	gen        uint64
	stopped    bool
}

// New returns a machine in the Unknown state. onStuck runs, outside the
// machine's lock, when a transition times out.
func New(clk clock.Clock, timeout time.Duration, onStuck func()) *Machine {
	if clk == nil {
		clk = clock.Real()
	}
	if timeout <= 0 {
		timeout = DefaultTransitionTimeout
	}
	return &Machine{
		clk:       clk,
		timeout:   timeout,
		onStuck:   onStuck,
		state:     Unknown,
		changedAt: clk.Now(),
	}
}

// ApplyTransportState feeds a TransportState value from an event.
func (m *Machine) ApplyTransportState(v string) bool {
	return m.SetState(ParseTransportState(v))
}

// SetState moves to s. It reports whether the state changed.
func (m *Machine) SetState(s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStateLocked(s)
}

func (m *Machine) setStateLocked(s State) bool {
	if m.stopped {
		return false
	}
	if s == m.state {
		return false
	}
	now := m.clk.Now()
	if m.state == Playing {
		// Freeze the extrapolated position at the moment playback ended.
		m.position = m.extrapolate(now)
		m.positionAt = now
	}
	prev := m.state
	m.state = s
	m.changedAt = now
	if s == Playing {
		m.positionAt = now
	}

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	if s == Transitioning {
		gen := m.gen
		m.timer = m.clk.AfterFunc(m.timeout, func() { m.expire(gen) })
	}

	logger := logging.Component("playback")
	logger.Debug().Str("from", string(prev)).Str("state", string(s)).Msg("transport state")
	return true
}

func (m *Machine) expire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Transitioning || m.stopped {
		m.mu.Unlock()
		return
	}
	m.state = Unknown
	m.changedAt = m.clk.Now()
	m.good = false
	m.timer = nil
	m.gen++
	onStuck := m.onStuck
	m.mu.Unlock()

	metrics.GetMetrics().TransitionTimeouts.Inc()
	logger := logging.Component("playback")
	logger.Warn().Dur("timeout", m.timeout).Msg("transition did not resolve, state unknown")
	if onStuck != nil {
		onStuck()
	}
}

// UpdatePosition records the elapsed position reported by the device. It is
// always stored; it only advances locally while playing.
func (m *Machine) UpdatePosition(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.position = elapsed
	m.positionAt = m.clk.Now()
}

// SetDuration records the current track's length; zero means unknown.
func (m *Machine) SetDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duration = d
}

// Refresh applies ground truth from a poll and marks the state good.
func (m *Machine) Refresh(s State, elapsed time.Duration, elapsedKnown bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.setStateLocked(s)
	if elapsedKnown {
		m.position = elapsed
		m.positionAt = m.clk.Now()
	}
	m.good = true
}

// MarkStale clears the last-known-good flag.
func (m *Machine) MarkStale() {
	m.mu.Lock()
	m.good = false
	m.mu.Unlock()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	pos := m.position
	at := m.positionAt
	if m.state == Playing {
		pos = m.extrapolate(now)
		at = now
	}
	return Status{
		State:          m.state,
		Position:       pos,
		PositionAt:     at,
		Duration:       m.duration,
		LastTransition: m.changedAt,
		LastKnownGood:  m.good,
	}
}

func (m *Machine) extrapolate(now time.Time) time.Duration {
	if m.positionAt.IsZero() || now.Before(m.positionAt) {
		return m.position
	}
	pos := m.position + now.Sub(m.positionAt)
	if m.duration > 0 && pos > m.duration {
		pos = m.duration
	}
	return pos
}

// Stop cancels the transition timer; later updates are ignored.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

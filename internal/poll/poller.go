// Package poll reconciles the model against ground truth read from the
// device when events are missing, late or untrusted.
package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	"renderer-sync/internal/clock"
	"renderer-sync/internal/logging"
	"renderer-sync/internal/metrics"
	"renderer-sync/internal/retry"
	"renderer-sync/internal/upnp"
)

// Source reads ground truth from the device. *upnp.Client satisfies it.
type Source interface {
	FetchQueue(ctx context.Context) (upnp.QueueState, error)
	GetTransportInfo(ctx context.Context) (upnp.TransportInfo, error)
	GetPositionInfo(ctx context.Context) (upnp.PositionInfo, error)
	GetVolume(ctx context.Context) (int, error)
	GetMute(ctx context.Context) (bool, error)
}

// Result is one complete reconciliation read.
type Result struct {
	Queue upnp.QueueState
	// QueueKnown is false when the queue could not be read, as happens on
	// inputs without a queue (line-in, Bluetooth, AirPlay). Transport and
	// position are still valid.
	QueueKnown bool
	Transport  upnp.TransportInfo
	Position  upnp.PositionInfo
	// Rendering is false when volume or mute could not be read; the other
	// fields are still valid.
	Rendering bool
	Volume    int
	Muted     bool
	FetchedAt time.Time
}

type Config struct {
	Interval          time.Duration
	UnhealthyInterval time.Duration
	Retry             retry.Policy
	CallTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Second,
		UnhealthyInterval: time.Second,
		Retry:             retry.DefaultPolicy(),
		CallTimeout:       5 * time.Second,
	}
}

type Poller struct {
	src   Source
	apply func(Result)
	clk   clock.Clock
	cfg   Config

	mu        sync.Mutex
	healthy   bool
	lastEvent time.Time
	lastPoll  time.Time
	wake      chan struct{}
}

// New returns a poller that starts out unhealthy, so it polls at the short
// interval until SetHealthy(true).
func New(src Source, apply func(Result), clk clock.Clock, cfg Config) *Poller {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.UnhealthyInterval <= 0 || cfg.UnhealthyInterval > cfg.Interval {
		cfg.UnhealthyInterval = min(d.UnhealthyInterval, cfg.Interval)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = d.CallTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Poller{
		src:   src,
		apply: apply,
		clk:   clk,
		cfg:   cfg,
		wake:  make(chan struct{}, 1),
	}
}

// SetHealthy switches between the normal and the unhealthy interval. Turning
// unhealthy requests an immediate poll.
func (p *Poller) SetHealthy(healthy bool) {
	p.mu.Lock()
	was := p.healthy
	p.healthy = healthy
	p.mu.Unlock()
	if was && !healthy {
		p.RequestNow()
	}
}

// EventSeen records that the device delivered an event at at.
func (p *Poller) EventSeen(at time.Time) {
	p.mu.Lock()
	if at.After(p.lastEvent) {
		p.lastEvent = at
	}
	p.mu.Unlock()
}

// RequestNow asks Run for an immediate poll. Requests coalesce.
func (p *Poller) RequestNow() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Interval is the current polling period.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.healthy {
		return p.cfg.Interval
	}
	return p.cfg.UnhealthyInterval
}

// suppressed reports whether a healthy subscription delivered an event
// within the last interval.
func (p *Poller) suppressed(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy && !p.lastEvent.IsZero() && now.Sub(p.lastEvent) < p.cfg.Interval
}

// Tick runs one scheduled poll unless it is suppressed.
func (p *Poller) Tick(ctx context.Context) (bool, error) {
	if p.suppressed(p.clk.Now()) {
		metrics.GetMetrics().Polls.WithLabelValues("suppressed").Inc()
		return false, nil
	}
	_, err := p.Poll(ctx)
	return true, err
}

// Poll reads ground truth and applies it, retrying transient failures.
func (p *Poller) Poll(ctx context.Context) (Result, error) {
	m := metrics.GetMetrics()
	start := p.clk.Now()
	res, err := p.fetch(ctx)
	m.PollDuration.Observe(p.clk.Now().Sub(start).Seconds())
	logger := logging.Component("poll")
	if err != nil {
		m.Polls.WithLabelValues("error").Inc()
		logger.Debug().Err(err).Msg("poll failed")
		return Result{}, err
	}
	m.Polls.WithLabelValues("ok").Inc()
	p.mu.Lock()
	p.lastPoll = res.FetchedAt
	p.mu.Unlock()
	if p.apply != nil {
		p.apply(res)
	}
	logger.Debug().Int("tracks", len(res.Queue.Items)).Bool("queue_known", res.QueueKnown).Str("state", res.Transport.State).Msg("polled")
	return res, nil
}

func (p *Poller) fetch(ctx context.Context) (Result, error) {
	var res Result
	res.QueueKnown = true
	if err := p.call(ctx, func(ctx context.Context) (err error) {
		res.Queue, err = p.src.FetchQueue(ctx)
		return err
	}); err != nil {
		if ctx.Err() != nil {
			return Result{}, err
		}
		logger := logging.Component("poll")
		logger.Debug().Err(err).Msg("queue unavailable, refreshing transport only")
		res.Queue = upnp.QueueState{}
		res.QueueKnown = false
	}
	if err := p.call(ctx, func(ctx context.Context) (err error) {
		res.Transport, err = p.src.GetTransportInfo(ctx)
		return err
	}); err != nil {
		return Result{}, err
	}
	if err := p.call(ctx, func(ctx context.Context) (err error) {
		res.Position, err = p.src.GetPositionInfo(ctx)
		return err
	}); err != nil {
		return Result{}, err
	}

	res.Rendering = true
	if err := p.call(ctx, func(ctx context.Context) (err error) {
		res.Volume, err = p.src.GetVolume(ctx)
		return err
	}); err != nil {
		res.Rendering = false
	}
	if err := p.call(ctx, func(ctx context.Context) (err error) {
		res.Muted, err = p.src.GetMute(ctx)
		return err
	}); err != nil {
		res.Rendering = false
	}
	res.FetchedAt = p.clk.Now()
	return res, nil
}

// call runs op with a per-call timeout under the retry policy. Faults that
// carry a UPnP error code are not retried.
func (p *Poller) call(ctx context.Context, op func(ctx context.Context) error) error {
	return p.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
		err := op(callCtx)
		var ae *upnp.ActionError
		if errors.As(err, &ae) && (ae.Code != 0 || errors.Is(err, upnp.ErrUnknownAction)) {
			return retry.Permanent(err)
		}
		return err
	})
}

// LastPoll returns when the last successful poll finished.
func (p *Poller) LastPoll() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPoll
}

// Run polls on the current interval and on request until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	for {
		timer := p.clk.After(p.Interval())
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
			_, _ = p.Poll(ctx)
		case <-timer:
			_, _ = p.Tick(ctx)
		}
	}
}

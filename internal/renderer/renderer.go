// Package renderer is the public face of the eventing client. It owns the
// queue and playback models, feeds them from events and polls through a
// single writer path, and proxies commands to the device.
package renderer

import (
	"context"
	"errors"
	"sync"
	"time"

	"renderer-sync/internal/clock"
	"renderer-sync/internal/listener"
	"renderer-sync/internal/logging"
	"renderer-sync/internal/metrics"
	"renderer-sync/internal/playback"
	"renderer-sync/internal/poll"
	"renderer-sync/internal/queue"
	"renderer-sync/internal/subscription"
	"renderer-sync/internal/upnp"
)

// ErrClosed is returned by commands once shutdown has begun.
var ErrClosed = errors.New("renderer is shutting down")

// Transport is the device surface the facade drives. *upnp.Client
// satisfies it.
type Transport interface {
	poll.Source
	subscription.Client

	Describe(ctx context.Context, descriptionPath string) (upnp.Description, error)
	EventedServices() []upnp.Service

	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	StopOrNoop(ctx context.Context) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	Seek(ctx context.Context, position time.Duration) error
	SetVolume(ctx context.Context, volume int) error
	SetMute(ctx context.Context, mute bool) error
	ReplaceQueue(ctx context.Context, items []upnp.DIDLItem) error
	Enqueue(ctx context.Context, items []upnp.DIDLItem) error
	PlayQueueIndex(ctx context.Context, i int) error
	SetLoopMode(ctx context.Context, loop string) error
}

var _ Transport = (*upnp.Client)(nil)

type Config struct {
	// ListenAddr serves the NOTIFY callback and any mounted routes.
	ListenAddr string
	// CallbackURL overrides the address the device posts events to. When
	// empty it is derived from CallbackHost (or the local address of the
	// route to the device) and the port of ListenAddr.
	CallbackURL  string
	CallbackHost string
	DeviceHost   string

	DescriptionPath   string
	TransitionTimeout time.Duration
	CallTimeout       time.Duration
	ShutdownTimeout   time.Duration
	VolumeStep        int

	Subscription subscription.Config
	Poll         poll.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":8095",
		DescriptionPath:   "/description.xml",
		TransitionTimeout: playback.DefaultTransitionTimeout,
		CallTimeout:       5 * time.Second,
		ShutdownTimeout:   2 * time.Second,
		VolumeStep:        2,
		Subscription:      subscription.DefaultConfig(),
		Poll:              poll.DefaultConfig(),
	}
}

// Snapshot is a consistent, independent copy of the reconciled state.
type Snapshot struct {
	Device         upnp.Description        `json:"device"`
	Queue          queue.Snapshot          `json:"queue"`
	Playback       playback.Status         `json:"playback"`
	NowPlaying     queue.Track             `json:"nowPlaying"`
	Volume         int                     `json:"volume"`
	Muted          bool                    `json:"muted"`
	RenderingKnown bool                    `json:"renderingKnown"`
	Subscriptions  map[upnp.ServiceID]bool `json:"subscriptions"`
	Healthy        bool                    `json:"healthy"`
	TakenAt        time.Time               `json:"takenAt"`
}

type Renderer struct {
	dev Transport
	clk clock.Clock
	cfg Config

	queue    *queue.Model
	playback *playback.Machine
	subs     *subscription.Manager
	poller   *poll.Poller
	listener *listener.Listener
	meta     *upnp.MetadataCache

	// mu serializes every model mutation; readers take it shared so a
	// snapshot never mixes two updates.
	mu         sync.RWMutex
	device     upnp.Description
	nowPlaying queue.Track
	volume     int
	muted      bool
	rendering  bool
	closing    bool

	watchMu     sync.Mutex
	watchers    map[int]chan Snapshot
	nextWatcher int
}

func New(dev Transport, clk clock.Clock, cfg Config) *Renderer {
	if clk == nil {
		clk = clock.Real()
	}
	d := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = d.CallTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	if cfg.VolumeStep <= 0 {
		cfg.VolumeStep = d.VolumeStep
	}
	if cfg.DescriptionPath == "" {
		cfg.DescriptionPath = d.DescriptionPath
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = d.ListenAddr
	}

	if cb, err := callbackURL(cfg); err != nil {
		logger := logging.Component("renderer")
		logger.Warn().Err(err).Msg("cannot determine callback address, events disabled until configured")
	} else {
		cfg.CallbackURL = cb
		cfg.Subscription.CallbackURL = cb
	}

	meta, _ := upnp.NewMetadataCache(0)
	r := &Renderer{
		dev:      dev,
		clk:      clk,
		cfg:      cfg,
		queue:    queue.New(),
		meta:     meta,
		watchers: make(map[int]chan Snapshot),
	}
	r.playback = playback.New(clk, cfg.TransitionTimeout, r.onStuck)
	r.poller = poll.New(dev, r.applyPoll, clk, cfg.Poll)

	var services []upnp.ServiceID
	for _, s := range dev.EventedServices() {
		services = append(services, s.ID)
	}
	r.subs = subscription.New(dev, clk, cfg.Subscription, subscription.Hooks{
		OnHealthChange: r.onHealthChange,
		OnResubscribe: func(upnp.ServiceID, string, string) {
			r.poller.RequestNow()
		},
	}, services...)
	r.listener = listener.New(r.subs, r.handleEvent, listener.Config{
		Clock:      clk,
		OnGap:      func(upnp.ServiceID, string, uint32, uint32) { r.poller.RequestNow() },
		OnOverflow: func(upnp.ServiceID) { r.poller.RequestNow() },
	})
	return r
}

// Snapshot returns a copy of the current state.
func (r *Renderer) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	health := r.subs.Health()
	return Snapshot{
		Device:         r.device,
		Queue:          r.queue.Snapshot(),
		Playback:       r.playback.Snapshot(),
		NowPlaying:     r.nowPlaying,
		Volume:         r.volume,
		Muted:          r.muted,
		RenderingKnown: r.rendering,
		Subscriptions:  health,
		Healthy:        r.subs.AllHealthy(),
		TakenAt:        r.clk.Now(),
	}
}

// Healthy reports whether every subscription is live.
func (r *Renderer) Healthy() bool { return r.subs.AllHealthy() }

// LastPoll returns when ground truth was last read from the device.
func (r *Renderer) LastPoll() time.Time { return r.poller.LastPoll() }

// Watch returns a channel that receives a snapshot after every applied
// change. A slow reader only sees the latest snapshot. Call the returned
// function to stop watching.
func (r *Renderer) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	if r.isClosing() {
		close(ch)
		return ch, func() {}
	}
	r.watchMu.Lock()
	id := r.nextWatcher
	r.nextWatcher++
	r.watchers[id] = ch
	r.watchMu.Unlock()
	metrics.GetMetrics().Watchers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.watchMu.Lock()
			_, ok := r.watchers[id]
			delete(r.watchers, id)
			r.watchMu.Unlock()
			if ok {
				metrics.GetMetrics().Watchers.Dec()
			}
		})
	}
}

func (r *Renderer) notify() {
	snap := r.Snapshot()
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for _, ch := range r.watchers {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Replace the stale pending snapshot with the latest one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// write runs fn as the single writer. It returns false without running fn
// once shutdown has begun.
func (r *Renderer) write(fn func() bool) bool {
	changed := r.locked(fn)
	if changed {
		metrics.GetMetrics().QueueRevision.Set(float64(r.queue.Revision()))
		r.notify()
	}
	return changed
}

func (r *Renderer) locked(fn func() bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	return fn()
}

func (r *Renderer) isClosing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closing
}

func (r *Renderer) onStuck() {
	r.poller.RequestNow()
	r.notify()
}

func (r *Renderer) onHealthChange(service upnp.ServiceID, healthy bool) {
	all := r.subs.AllHealthy()
	r.poller.SetHealthy(all)
	r.write(func() bool {
		if !healthy {
			r.playback.MarkStale()
		}
		return true
	})
}

// Package subscription keeps one event subscription per renderer service
// alive: it subscribes, renews ahead of lease expiry, falls back to a fresh
// subscription when renewal fails and reports per-service health.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"renderer-sync/internal/clock"
	"renderer-sync/internal/logging"
	"renderer-sync/internal/metrics"
	"renderer-sync/internal/retry"
	"renderer-sync/internal/upnp"
)

// Client issues the eventing calls. *upnp.Client satisfies it.
type Client interface {
	Subscribe(ctx context.Context, id upnp.ServiceID, callbackURL string, requested time.Duration) (upnp.Lease, error)
	Renew(ctx context.Context, lease upnp.Lease, requested time.Duration) (upnp.Lease, error)
	Unsubscribe(ctx context.Context, lease upnp.Lease) error
}

var ErrNotSubscribed = errors.New("service has no active subscription")

// unhealthyAfter is the number of consecutive failed renewal attempts after
// which a service is reported unhealthy.
const unhealthyAfter = 2

type Config struct {
	CallbackURL string
	// Lease is the requested subscription duration.
	Lease time.Duration
	// RenewFraction of the granted lease elapses before renewal, but renewal
	// is never later than SafetyMargin before expiry.
	RenewFraction float64
	SafetyMargin  time.Duration
	// MinRenewInterval is the floor for any renewal delay.
	MinRenewInterval time.Duration
	// RetryInterval is the delay before another attempt after a failed
	// subscribe or renewal.
	RetryInterval time.Duration
	Retry         retry.Policy
	CallTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Lease:            300 * time.Second,
		RenewFraction:    0.8,
		SafetyMargin:     15 * time.Second,
		MinRenewInterval: time.Second,
		RetryInterval:    5 * time.Second,
		Retry:            retry.DefaultPolicy(),
		CallTimeout:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.RenewFraction <= 0 || c.RenewFraction >= 1 {
		c.RenewFraction = d.RenewFraction
	}
	if c.SafetyMargin < 0 {
		c.SafetyMargin = 0
	}
	if c.MinRenewInterval <= 0 {
		c.MinRenewInterval = d.MinRenewInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// RenewDelay returns how long after a grant of lease the renewal is due.
func (c Config) RenewDelay(lease time.Duration) time.Duration {
	c = c.withDefaults()
	d := time.Duration(float64(lease) * c.RenewFraction)
	if limit := lease - c.SafetyMargin; limit > 0 && limit < d {
		d = limit
	}
	if d < c.MinRenewInterval {
		d = c.MinRenewInterval
	}
	return d
}

type Hooks struct {
	// OnHealthChange runs when a service turns healthy or unhealthy.
	OnHealthChange func(service upnp.ServiceID, healthy bool)
	// OnResubscribe runs when a failed renewal was replaced by a new
	// subscription with a different SID.
	OnResubscribe func(service upnp.ServiceID, oldSID, newSID string)
}

// Handle describes an active subscription.
type Handle struct {
	Service  upnp.ServiceID `json:"service"`
	SID      string         `json:"sid"`
	Expires  time.Time      `json:"expires"`
	RenewAt  time.Time      `json:"renewAt"`
	Renewing bool           `json:"renewing"`
	Healthy  bool           `json:"healthy"`
}

type entry struct {
	lease    upnp.Lease
	active   bool
	expires  time.Time
	due      time.Time
	renewing bool
	failures int
	healthy  bool
}

type Manager struct {
	client   Client
	clk      clock.Clock
	cfg      Config
	hooks    Hooks
	services []upnp.ServiceID

	mu     sync.Mutex
	subs   map[upnp.ServiceID]*entry
	bySID  map[string]upnp.ServiceID
	closed bool
	wake   chan struct{}
}

func New(client Client, clk clock.Clock, cfg Config, hooks Hooks, services ...upnp.ServiceID) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	m := &Manager{
		client:   client,
		clk:      clk,
		cfg:      cfg.withDefaults(),
		hooks:    hooks,
		services: services,
		subs:     make(map[upnp.ServiceID]*entry, len(services)),
		bySID:    make(map[string]upnp.ServiceID, len(services)),
		wake:     make(chan struct{}, 1),
	}
	for _, s := range services {
		m.subs[s] = &entry{}
		metrics.GetMetrics().SubscriptionHealthy.WithLabelValues(string(s)).Set(0)
	}
	return m
}

func (m *Manager) entryLocked(service upnp.ServiceID) *entry {
	e, ok := m.subs[service]
	if !ok {
		e = &entry{}
		m.subs[service] = e
		m.services = append(m.services, service)
	}
	return e
}

// Subscribe establishes a lease for service, replacing any previous one.
func (m *Manager) Subscribe(ctx context.Context, service upnp.ServiceID) (Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, &upnp.SubscriptionError{Service: service, Op: "subscribe", Err: errors.New("manager closed")}
	}
	e := m.entryLocked(service)
	old := e.lease
	hadOld := e.active
	if hadOld {
		m.dropLocked(service, e)
	}
	m.mu.Unlock()

	if hadOld {
		m.unsubscribeLease(ctx, old)
	}
	lease, err := m.subscribe(ctx, service)
	if err != nil {
		m.recordFailure(service)
		return Handle{}, err
	}
	return m.install(service, lease, old.SID), nil
}

func (m *Manager) subscribe(ctx context.Context, service upnp.ServiceID) (upnp.Lease, error) {
	logger := logging.Component("subscription")
	var lease upnp.Lease
	err := m.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
		l, err := m.client.Subscribe(callCtx, service, m.cfg.CallbackURL, m.cfg.Lease)
		if err != nil {
			logger.Debug().Err(err).Str("service", string(service)).Msg("subscribe attempt failed")
			return err
		}
		lease = l
		return nil
	})
	observe(service, "subscribe", err)
	return lease, err
}

// install records a granted lease and schedules its renewal.
func (m *Manager) install(service upnp.ServiceID, lease upnp.Lease, oldSID string) Handle {
	now := m.clk.Now()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.unsubscribeLease(context.Background(), lease)
		return Handle{Service: service}
	}
	e := m.entryLocked(service)
	var superseded upnp.Lease
	if e.active && e.lease.SID != lease.SID {
		// A racing Subscribe granted another SID; only the newest stays active.
		superseded = e.lease
		m.dropLocked(service, e)
	}
	e.lease = lease
	e.active = true
	e.expires = now.Add(lease.Timeout)
	e.due = now.Add(m.cfg.RenewDelay(lease.Timeout))
	e.renewing = false
	e.failures = 0
	m.bySID[lease.SID] = service
	changed := !e.healthy
	e.healthy = true
	h := handleOf(service, e)
	m.mu.Unlock()

	m.unsubscribeLease(context.Background(), superseded)
	logger := logging.Component("subscription")
	logger.Debug().Str("service", string(service)).Str("sid", lease.SID).Dur("timeout", lease.Timeout).Msg("subscribed")
	if oldSID != "" && oldSID != lease.SID && m.hooks.OnResubscribe != nil {
		m.hooks.OnResubscribe(service, oldSID, lease.SID)
	}
	if changed {
		m.healthChanged(service, true)
	}
	m.poke()
	return h
}

// recordFailure counts a failed attempt and schedules the next one.
func (m *Manager) recordFailure(service upnp.ServiceID) {
	m.mu.Lock()
	e := m.entryLocked(service)
	e.failures++
	e.renewing = false
	e.due = m.clk.Now().Add(m.cfg.RetryInterval)
	changed := false
	if e.healthy && e.failures >= unhealthyAfter {
		e.healthy = false
		changed = true
	}
	failures := e.failures
	m.mu.Unlock()

	logger := logging.Component("subscription")
	logger.Debug().Str("service", string(service)).Int("failures", failures).Msg("subscription attempt failed")
	if changed {
		m.healthChanged(service, false)
	}
	m.poke()
}

func (m *Manager) healthChanged(service upnp.ServiceID, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	metrics.GetMetrics().SubscriptionHealthy.WithLabelValues(string(service)).Set(v)
	logger := logging.Component("subscription")
	logger.Warn().Str("service", string(service)).Bool("healthy", healthy).Msg("subscription health changed")
	if m.hooks.OnHealthChange != nil {
		m.hooks.OnHealthChange(service, healthy)
	}
}

// Renew extends the lease of service. When the device refuses, the old lease
// is dropped and a new subscription takes its place.
func (m *Manager) Renew(ctx context.Context, service upnp.ServiceID) (Handle, error) {
	m.mu.Lock()
	e, ok := m.subs[service]
	if m.closed || !ok {
		m.mu.Unlock()
		return Handle{}, ErrNotSubscribed
	}
	if e.renewing {
		h := handleOf(service, e)
		m.mu.Unlock()
		return h, nil
	}
	if !e.active {
		m.mu.Unlock()
		return m.Subscribe(ctx, service)
	}
	e.renewing = true
	lease := e.lease
	m.mu.Unlock()

	renewed, err := m.renew(ctx, lease)
	if err == nil {
		return m.install(service, renewed, lease.SID), nil
	}

	logger := logging.Component("subscription")
	logger.Debug().Err(err).Str("service", string(service)).Str("sid", lease.SID).Msg("renew failed, resubscribing")

	m.mu.Lock()
	if cur := m.subs[service]; cur != nil && cur.active && cur.lease.SID == lease.SID {
		m.dropLocked(service, cur)
		cur.renewing = true
	}
	m.mu.Unlock()
	m.unsubscribeLease(ctx, lease)

	fresh, serr := m.subscribe(ctx, service)
	if serr != nil {
		m.recordFailure(service)
		return Handle{}, fmt.Errorf("renew: %v; resubscribe: %w", err, serr)
	}
	return m.install(service, fresh, lease.SID), nil
}

func (m *Manager) renew(ctx context.Context, lease upnp.Lease) (upnp.Lease, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	renewed, err := m.client.Renew(callCtx, lease, m.cfg.Lease)
	observe(lease.Service, "renew", err)
	return renewed, err
}

// Unsubscribe ends the subscription of service. Failures are logged only; the
// device drops the lease on expiry anyway.
func (m *Manager) Unsubscribe(ctx context.Context, service upnp.ServiceID) {
	m.mu.Lock()
	e, ok := m.subs[service]
	if !ok || !e.active {
		m.mu.Unlock()
		return
	}
	lease := e.lease
	m.dropLocked(service, e)
	m.mu.Unlock()
	m.unsubscribeLease(ctx, lease)
}

func (m *Manager) dropLocked(service upnp.ServiceID, e *entry) {
	delete(m.bySID, e.lease.SID)
	e.active = false
	e.lease = upnp.Lease{Service: service}
}

func (m *Manager) unsubscribeLease(ctx context.Context, lease upnp.Lease) {
	if lease.SID == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	err := m.client.Unsubscribe(callCtx, lease)
	observe(lease.Service, "unsubscribe", err)
	if err != nil {
		logger := logging.Component("subscription")
		logger.Debug().Err(err).Str("service", string(lease.Service)).Str("sid", lease.SID).Msg("unsubscribe failed")
	}
}

// Lookup resolves an inbound SID to its service.
func (m *Manager) Lookup(sid string) (upnp.ServiceID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.bySID[sid]
	return s, ok
}

func (m *Manager) Healthy(service upnp.ServiceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.subs[service]
	return ok && e.healthy
}

// AllHealthy reports whether every managed service is healthy.
func (m *Manager) AllHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.subs {
		if !e.healthy {
			return false
		}
	}
	return len(m.subs) > 0
}

func (m *Manager) Health() map[upnp.ServiceID]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[upnp.ServiceID]bool, len(m.subs))
	for s, e := range m.subs {
		out[s] = e.healthy
	}
	return out
}

// Handles lists the active subscriptions ordered by service.
func (m *Manager) Handles() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.subs))
	for s, e := range m.subs {
		if e.active {
			out = append(out, handleOf(s, e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

func handleOf(service upnp.ServiceID, e *entry) Handle {
	return Handle{
		Service:  service,
		SID:      e.lease.SID,
		Expires:  e.expires,
		RenewAt:  e.due,
		Renewing: e.renewing,
		Healthy:  e.healthy,
	}
}

// NextDue returns the earliest scheduled renewal or retry.
func (m *Manager) NextDue() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next time.Time
	for _, e := range m.subs {
		if e.renewing || e.due.IsZero() {
			continue
		}
		if next.IsZero() || e.due.Before(next) {
			next = e.due
		}
	}
	return next, !next.IsZero()
}

// RenewDue renews every lease whose renewal time has come and retries failed
// subscriptions.
func (m *Manager) RenewDue(ctx context.Context) {
	now := m.clk.Now()
	var due []upnp.ServiceID
	m.mu.Lock()
	for _, s := range m.services {
		e := m.subs[s]
		if !e.renewing && !e.due.IsZero() && !e.due.After(now) {
			due = append(due, s)
		}
	}
	m.mu.Unlock()

	for _, s := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.Renew(ctx, s); err != nil {
			logger := logging.Component("subscription")
			logger.Debug().Err(err).Str("service", string(s)).Msg("renewal failed")
		}
	}
}

// SubscribeAll subscribes every managed service. Failures are scheduled for
// retry; the first error is returned.
func (m *Manager) SubscribeAll(ctx context.Context) error {
	m.mu.Lock()
	services := append([]upnp.ServiceID(nil), m.services...)
	m.mu.Unlock()

	var first error
	for _, s := range services {
		if _, err := m.Subscribe(ctx, s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Run subscribes all services and then renews them until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	logger := logging.Component("subscription")
	if err := m.SubscribeAll(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial subscription failed, falling back to polling")
	}
	for {
		var timer <-chan time.Time
		if next, ok := m.NextDue(); ok {
			timer = m.clk.After(next.Sub(m.clk.Now()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
			continue
		case <-timer:
			m.RenewDue(ctx)
		}
	}
}

// CallbackURL is the NOTIFY address sent with every SUBSCRIBE.
func (m *Manager) CallbackURL() string { return m.cfg.CallbackURL }

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Close unsubscribes every active lease and stops accepting new ones.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	var leases []upnp.Lease
	for s, e := range m.subs {
		if e.active {
			leases = append(leases, e.lease)
			m.dropLocked(s, e)
		}
		e.due = time.Time{}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range leases {
		wg.Add(1)
		go func(l upnp.Lease) {
			defer wg.Done()
			m.unsubscribeLease(ctx, l)
		}(l)
	}
	wg.Wait()
}

func observe(service upnp.ServiceID, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.GetMetrics().SubscriptionOps.WithLabelValues(string(service), op, result).Inc()
}

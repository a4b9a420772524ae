package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderer-sync/internal/clock"
	"renderer-sync/internal/retry"
	"renderer-sync/internal/upnp"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeDevice struct {
	mu           sync.Mutex
	next         int
	grant        time.Duration
	failSub      int
	failRenew    bool
	unsubscribed []string
	calls        []string
}

func (d *fakeDevice) Subscribe(ctx context.Context, id upnp.ServiceID, callbackURL string, requested time.Duration) (upnp.Lease, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "subscribe "+string(id))
	if d.failSub > 0 {
		d.failSub--
		return upnp.Lease{}, &upnp.SubscriptionError{Service: id, Op: "subscribe", Err: errors.New("unreachable")}
	}
	d.next++
	grant := d.grant
	if grant == 0 {
		grant = requested
	}
	return upnp.Lease{Service: id, SID: fmt.Sprintf("uuid:%s-%d", id, d.next), Timeout: grant}, nil
}

func (d *fakeDevice) Renew(ctx context.Context, lease upnp.Lease, requested time.Duration) (upnp.Lease, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "renew "+lease.SID)
	if d.failRenew {
		return upnp.Lease{}, &upnp.SubscriptionError{Service: lease.Service, Op: "renew", StatusCode: 412}
	}
	lease.Timeout = requested
	return lease, nil
}

func (d *fakeDevice) Unsubscribe(ctx context.Context, lease upnp.Lease) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unsubscribed = append(d.unsubscribed, lease.SID)
	return errors.New("network down")
}

func testConfig() Config {
	return Config{
		CallbackURL:   "http://127.0.0.1:8095/notify",
		Lease:         100 * time.Second,
		RenewFraction: 0.8,
		SafetyMargin:  15 * time.Second,
		RetryInterval: 5 * time.Second,
		Retry:         retry.Policy{Attempts: 1},
	}
}

func TestRenewDelay(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, 80*time.Second, cfg.RenewDelay(100*time.Second))
	assert.Equal(t, 285*time.Second, cfg.RenewDelay(300*time.Second), "never later than lease minus margin")
	assert.Equal(t, 8*time.Second, cfg.RenewDelay(10*time.Second), "fraction when the margin exceeds the lease")
	assert.Equal(t, time.Second, cfg.RenewDelay(0))
}

func TestSubscribeRegistersSID(t *testing.T) {
	clk := clock.NewFake(t0)
	dev := &fakeDevice{}
	var health []bool
	m := New(dev, clk, testConfig(), Hooks{
		OnHealthChange: func(_ upnp.ServiceID, healthy bool) { health = append(health, healthy) },
	}, upnp.AVTransport)

	h, err := m.Subscribe(context.Background(), upnp.AVTransport)
	require.NoError(t, err)
	assert.Equal(t, "uuid:AVTransport-1", h.SID)
	assert.Equal(t, t0.Add(100*time.Second), h.Expires)
	assert.Equal(t, t0.Add(80*time.Second), h.RenewAt)

	svc, ok := m.Lookup(h.SID)
	assert.True(t, ok)
	assert.Equal(t, upnp.AVTransport, svc)
	assert.True(t, m.Healthy(upnp.AVTransport))
	assert.Equal(t, []bool{true}, health)
}

func TestRenewDueKeepsSID(t *testing.T) {
	clk := clock.NewFake(t0)
	dev := &fakeDevice{}
	m := New(dev, clk, testConfig(), Hooks{}, upnp.AVTransport)
	_, err := m.Subscribe(context.Background(), upnp.AVTransport)
	require.NoError(t, err)

	clk.Advance(79 * time.Second)
	m.RenewDue(context.Background())
	assert.Equal(t, []string{"subscribe AVTransport"}, dev.calls)

	clk.Advance(time.Second)
	m.RenewDue(context.Background())
	assert.Equal(t, []string{"subscribe AVTransport", "renew uuid:AVTransport-1"}, dev.calls)

	hs := m.Handles()
	require.Len(t, hs, 1)
	assert.Equal(t, "uuid:AVTransport-1", hs[0].SID)
	assert.Equal(t, clk.Now().Add(80*time.Second), hs[0].RenewAt)
}

func TestFailedRenewResubscribesWithNewSID(t *testing.T) {
	clk := clock.NewFake(t0)
	dev := &fakeDevice{}
	var swapped [][2]string
	m := New(dev, clk, testConfig(), Hooks{
		OnResubscribe: func(_ upnp.ServiceID, oldSID, newSID string) {
			swapped = append(swapped, [2]string{oldSID, newSID})
		},
	}, upnp.AVTransport)
	_, err := m.Subscribe(context.Background(), upnp.AVTransport)
	require.NoError(t, err)

	dev.failRenew = true
	h, err := m.Renew(context.Background(), upnp.AVTransport)
	require.NoError(t, err)
	assert.Equal(t, "uuid:AVTransport-2", h.SID)
	assert.Equal(t, [][2]string{{"uuid:AVTransport-1", "uuid:AVTransport-2"}}, swapped)
	assert.Equal(t, []string{"uuid:AVTransport-1"}, dev.unsubscribed, "old lease released before the new one")

	_, ok := m.Lookup("uuid:AVTransport-1")
	assert.False(t, ok, "only one lease per service")
	_, ok = m.Lookup("uuid:AVTransport-2")
	assert.True(t, ok)
	assert.True(t, m.Healthy(upnp.AVTransport))
}

func TestTwoFailedRenewalsMarkUnhealthy(t *testing.T) {
	clk := clock.NewFake(t0)
	dev := &fakeDevice{}
	var health []bool
	m := New(dev, clk, testConfig(), Hooks{
		OnHealthChange: func(_ upnp.ServiceID, healthy bool) { health = append(health, healthy) },
	}, upnp.AVTransport)
	_, err := m.Subscribe(context.Background(), upnp.AVTransport)
	require.NoError(t, err)

	dev.failRenew = true
	dev.failSub = 2
	clk.Advance(80 * time.Second)
	m.RenewDue(context.Background())
	assert.True(t, m.Healthy(upnp.AVTransport), "one failure is tolerated")

	next, ok := m.NextDue()
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(5*time.Second), next)

	clk.Advance(5 * time.Second)
	m.RenewDue(context.Background())
	assert.False(t, m.Healthy(upnp.AVTransport))
	assert.Equal(t, []bool{true, false}, health)

	clk.Advance(5 * time.Second)
	m.RenewDue(context.Background())
	assert.True(t, m.Healthy(upnp.AVTransport))
	assert.Equal(t, []bool{true, false, true}, health)
	assert.True(t, m.AllHealthy())
}

func TestInstallReplacesActiveLease(t *testing.T) {
	clk := clock.NewFake(t0)
	dev := &fakeDevice{}
	m := New(dev, clk, testConfig(), Hooks{}, upnp.AVTransport)
	first, err := m.Subscribe(context.Background(), upnp.AVTransport)
	require.NoError(t, err)

	// A second grant lands while the first lease is still active.
	h := m.install(upnp.AVTransport, upnp.Lease{Service: upnp.AVTransport, SID: "uuid:late", Timeout: 100 * time.Second}, "")
	assert.Equal(t, "uuid:late", h.SID)

	_, ok := m.Lookup(first.SID)
	assert.False(t, ok)
	svc, ok := m.Lookup("uuid:late")
	assert.True(t, ok)
	assert.Equal(t, upnp.AVTransport, svc)
	require.Len(t, m.Handles(), 1)
	assert.Equal(t, "uuid:late", m.Handles()[0].SID)

	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.Equal(t, []string{first.SID}, dev.unsubscribed)
}

func TestInstallSameSIDDoesNotUnsubscribe(t *testing.T) {
	clk := clock.NewFake(t0)
	dev := &fakeDevice{}
	m := New(dev, clk, testConfig(), Hooks{}, upnp.AVTransport)
	first, err := m.Subscribe(context.Background(), upnp.AVTransport)
	require.NoError(t, err)

	m.install(upnp.AVTransport, upnp.Lease{Service: upnp.AVTransport, SID: first.SID, Timeout: 100 * time.Second}, first.SID)
	_, ok := m.Lookup(first.SID)
	assert.True(t, ok)

	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.Empty(t, dev.unsubscribed)
}

func TestUnsubscribeSwallowsErrors(t *testing.T) {
	clk := clock.NewFake(t0)
	dev := &fakeDevice{}
	m := New(dev, clk, testConfig(), Hooks{}, upnp.AVTransport, upnp.RenderingControl)
	require.NoError(t, m.SubscribeAll(context.Background()))
	require.Len(t, m.Handles(), 2)

	m.Unsubscribe(context.Background(), upnp.AVTransport)
	assert.Len(t, m.Handles(), 1)
	assert.Equal(t, []string{"uuid:AVTransport-1"}, dev.unsubscribed)

	m.Close(context.Background())
	assert.Empty(t, m.Handles())
	assert.Len(t, dev.unsubscribed, 2)

	_, err := m.Subscribe(context.Background(), upnp.AVTransport)
	assert.Error(t, err)
	_, err = m.Renew(context.Background(), upnp.AVTransport)
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func TestInitialFailureIsRetried(t *testing.T) {
	clk := clock.NewFake(t0)
	dev := &fakeDevice{failSub: 1}
	m := New(dev, clk, testConfig(), Hooks{}, upnp.AVTransport)

	err := m.SubscribeAll(context.Background())
	var se *upnp.SubscriptionError
	require.ErrorAs(t, err, &se)
	assert.False(t, m.Healthy(upnp.AVTransport))

	clk.Advance(5 * time.Second)
	m.RenewDue(context.Background())
	assert.True(t, m.Healthy(upnp.AVTransport))
	assert.Len(t, m.Handles(), 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	dev := &fakeDevice{}
	m := New(dev, clock.NewFake(t0), testConfig(), Hooks{}, upnp.AVTransport)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.Healthy(upnp.AVTransport) }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

// Package listener accepts NOTIFY deliveries from the renderer and hands the
// decoded variable updates to the model in per-service arrival order.
package listener

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"renderer-sync/internal/clock"
	"renderer-sync/internal/logging"
	"renderer-sync/internal/metrics"
	"renderer-sync/internal/upnp"
)

// NotifyPath is the callback path registered with the device.
const NotifyPath = "/notify"

const (
	maxNotifyBytes   = 1 << 20
	defaultQueueSize = 64
)

func init() {
	chi.RegisterMethod("NOTIFY")
}

// Resolver maps an inbound SID to the subscribed service.
type Resolver interface {
	Lookup(sid string) (upnp.ServiceID, bool)
}

// Event is one parsed delivery.
type Event struct {
	SID        string
	Service    upnp.ServiceID
	Seq        uint32
	Updates    []upnp.VariableUpdate
	ReceivedAt time.Time
}

type Handler func(ctx context.Context, ev Event)

type Config struct {
	QueueSize int
	Clock     clock.Clock
	// OnParseError runs once for every payload that fails to parse.
	OnParseError func(service upnp.ServiceID, err error)
	// OnGap runs when a SEQ shows that deliveries were missed.
	OnGap func(service upnp.ServiceID, sid string, expected, got uint32)
	// OnOverflow runs when a delivery is dropped because the service's
	// queue is full.
	OnOverflow func(service upnp.ServiceID)
}

type rawEvent struct {
	sid        string
	seq        uint32
	hasSeq     bool
	payload    []byte
	receivedAt time.Time
}

type worker struct {
	service upnp.ServiceID
	events  chan rawEvent
	lastSID string
	lastSeq uint32
}

type Listener struct {
	resolver Resolver
	handler  Handler
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	workers  map[upnp.ServiceID]*worker
	localSeq uint32
	closed   bool
	wg       sync.WaitGroup
}

func New(resolver Resolver, handler Handler, cfg Config) *Listener {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		resolver: resolver,
		handler:  handler,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[upnp.ServiceID]*worker),
	}
}

// Routes mounts the NOTIFY callback on r.
func (l *Listener) Routes(r chi.Router) {
	r.MethodFunc("NOTIFY", NotifyPath, l.ServeNotify)
}

// ServeNotify acknowledges every delivery. Unknown SIDs, full queues and
// deliveries after Close are dropped after the acknowledgment.
func (l *Listener) ServeNotify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotifyBytes))
	w.WriteHeader(http.StatusOK)
	m := metrics.GetMetrics()
	logger := logging.Component("listener")
	if err != nil {
		logger.Debug().Err(err).Msg("reading notify body")
		m.EventsDropped.WithLabelValues("read_error").Inc()
		return
	}

	sid := strings.TrimSpace(r.Header.Get("SID"))
	service, ok := l.resolver.Lookup(sid)
	if !ok {
		logger.Debug().Str("sid", sid).Msg("notify for unknown subscription")
		m.EventsDropped.WithLabelValues("unknown_sid").Inc()
		return
	}
	m.EventsReceived.WithLabelValues(string(service)).Inc()

	ev := rawEvent{sid: sid, payload: body, receivedAt: l.cfg.Clock.Now()}
	if v, err := strconv.ParseUint(strings.TrimSpace(r.Header.Get("SEQ")), 10, 32); err == nil {
		ev.seq = uint32(v)
		ev.hasSeq = true
	} else {
		l.mu.Lock()
		l.localSeq++
		ev.seq = l.localSeq
		l.mu.Unlock()
	}

	wk, ok := l.worker(service)
	if !ok {
		m.EventsDropped.WithLabelValues("closed").Inc()
		return
	}
	select {
	case wk.events <- ev:
	default:
		m.EventsDropped.WithLabelValues("queue_full").Inc()
		logger.Warn().Str("service", string(service)).Msg("event queue full, dropping delivery")
		if l.cfg.OnOverflow != nil {
			l.cfg.OnOverflow(service)
		}
	}
}

func (l *Listener) worker(service upnp.ServiceID) (*worker, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, false
	}
	if wk, ok := l.workers[service]; ok {
		return wk, true
	}
	wk := &worker{
		service: service,
		events:  make(chan rawEvent, l.cfg.QueueSize),
	}
	l.workers[service] = wk
	l.wg.Add(1)
	go l.run(wk)
	return wk, true
}

func (l *Listener) run(wk *worker) {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case ev := <-wk.events:
			l.process(wk, ev)
		}
	}
}

func (l *Listener) process(wk *worker, ev rawEvent) {
	l.checkSeq(wk, ev)

	logger := logging.Component("listener")
	updates, err := upnp.ParseEvent(wk.service, ev.payload, ev.receivedAt)
	if err != nil {
		metrics.GetMetrics().ParseErrors.WithLabelValues(string(wk.service)).Inc()
		logger.Warn().Err(err).Str("service", string(wk.service)).Str("sid", ev.sid).Uint32("seq", ev.seq).Msg("dropping malformed event")
		if l.cfg.OnParseError != nil {
			l.cfg.OnParseError(wk.service, err)
		}
		return
	}
	l.handler(l.ctx, Event{
		SID:        ev.sid,
		Service:    wk.service,
		Seq:        ev.seq,
		Updates:    updates,
		ReceivedAt: ev.receivedAt,
	})
}

// checkSeq reports a gap when a SEQ is not the successor of the previous one
// for the same SID. SEQ 0 starts a subscription and never counts as a gap.
// Only the latest SID of a service is tracked.
func (l *Listener) checkSeq(wk *worker, ev rawEvent) {
	if !ev.hasSeq {
		return
	}
	seen := wk.lastSID == ev.sid
	last := wk.lastSeq
	wk.lastSID = ev.sid
	wk.lastSeq = ev.seq
	if ev.seq == 0 {
		return
	}
	expected := uint32(0)
	if seen {
		expected = last + 1
		if expected == 0 {
			// SEQ wraps to 1, not 0.
			expected = 1
		}
	}
	if ev.seq == expected {
		return
	}
	metrics.GetMetrics().SeqGaps.WithLabelValues(string(wk.service)).Inc()
	logger := logging.Component("listener")
	logger.Debug().Str("service", string(wk.service)).Str("sid", ev.sid).Uint32("expected", expected).Uint32("seq", ev.seq).Msg("event sequence gap")
	if l.cfg.OnGap != nil {
		l.cfg.OnGap(wk.service, ev.sid, expected, ev.seq)
	}
}

// Close stops the workers. A handler call in progress completes; queued
// deliveries are discarded.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	l.wg.Wait()
}

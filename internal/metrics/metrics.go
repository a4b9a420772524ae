package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	instance *Metrics
	once     sync.Once
)

// Metrics holds the Prometheus collectors for the eventing client.
type Metrics struct {
	// Eventing
	EventsReceived *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	ParseErrors    *prometheus.CounterVec
	SeqGaps        *prometheus.CounterVec

	// Subscriptions
	SubscriptionOps     *prometheus.CounterVec
	SubscriptionHealthy *prometheus.GaugeVec

	// Actions
	ActionCalls    *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec

	// Reconciliation
	Polls              *prometheus.CounterVec
	PollDuration       prometheus.Histogram
	QueueRevision      prometheus.Gauge
	StaleDeltas        prometheus.Counter
	TransitionTimeouts prometheus.Counter
	Watchers           prometheus.Gauge

	// Forwarding
	StreamClients prometheus.Gauge
	Published     *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderer_events_received_total",
			Help: "Total number of NOTIFY deliveries accepted",
		},
		[]string{"service"},
	)

	m.EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderer_events_dropped_total",
			Help: "Total number of NOTIFY deliveries discarded",
		},
		[]string{"reason"}, // unknown_sid, queue_full, closed
	)

	m.ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderer_parse_errors_total",
			Help: "Total number of event payloads that failed to parse",
		},
		[]string{"service"},
	)

	m.SeqGaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderer_event_seq_gaps_total",
			Help: "Total number of missing event sequence numbers detected",
		},
		[]string{"service"},
	)

	m.SubscriptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderer_subscription_operations_total",
			Help: "Total number of subscribe, renew and unsubscribe calls",
		},
		[]string{"service", "op", "result"},
	)

	m.SubscriptionHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "renderer_subscription_healthy",
			Help: "1 while the service subscription is healthy",
		},
		[]string{"service"},
	)

	m.ActionCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderer_action_calls_total",
			Help: "Total number of SOAP action calls",
		},
		[]string{"service", "action", "result"},
	)

	m.ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "renderer_action_duration_seconds",
			Help:    "SOAP action call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"service", "action"},
	)

	m.Polls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderer_polls_total",
			Help: "Total number of poll reconciliations",
		},
		[]string{"result"}, // ok, error, suppressed
	)

	m.PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "renderer_poll_duration_seconds",
			Help:    "Duration of a full poll reconciliation in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	m.QueueRevision = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderer_queue_revision",
			Help: "Current queue model revision",
		},
	)

	m.StaleDeltas = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renderer_queue_stale_deltas_total",
			Help: "Total number of queue deltas discarded as stale",
		},
	)

	m.TransitionTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renderer_transition_timeouts_total",
			Help: "Total number of transitioning states forced back to unknown",
		},
	)

	m.Watchers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderer_snapshot_watchers",
			Help: "Number of active snapshot watchers",
		},
	)

	m.StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderer_stream_clients",
			Help: "Number of connected websocket stream clients",
		},
	)

	m.Published = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderer_mqtt_published_total",
			Help: "MQTT messages published, by topic and result",
		},
		[]string{"topic", "result"},
	)

	return m
}

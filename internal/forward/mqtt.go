// Package forward publishes renderer snapshots to other systems: an MQTT
// broker and websocket clients.
package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"renderer-sync/internal/logging"
	"renderer-sync/internal/metrics"
	"renderer-sync/internal/renderer"
)

const QOS byte = 0

const (
	Online  = "online"
	Offline = "offline"
)

// Topics below the configured prefix.
const (
	TopicState   = "state"
	TopicTrack   = "track"
	TopicVolume  = "volume"
	TopicStatus  = "status"
	TopicCommand = "command"
)

type Options struct {
	URL               string
	Username          string
	Password          string
	TopicPrefix       string
	Retain            bool
	DisconnectTimeout time.Duration
}

// Client is the slice of an MQTT connection the forwarder needs.
type Client interface {
	Connect() error
	Disconnect() error
	Publish(topic string, payload []byte) error
	PublishAndRetain(topic string, payload []byte) error
	Subscribe(topic string, handler func(payload []byte)) error
	IsConnected() bool
}

type subscription struct {
	topic   string
	handler mqtt.MessageHandler
}

type pahoClient struct {
	raw     mqtt.Client
	options Options

	mu                sync.Mutex
	shouldResubscribe bool
	subs              []subscription
}

// NewClient builds a paho client with auto-reconnect. The status topic is
// set as the last will so the broker reports offline on a lost connection.
func NewClient(options Options) Client {
	if options.DisconnectTimeout <= 0 {
		options.DisconnectTimeout = time.Second
	}
	c := &pahoClient{options: options}
	logger := logging.Component("mqtt")
	opts := mqtt.NewClientOptions().
		AddBroker(options.URL).
		SetClientID("renderer-sync-" + uuid.New().String()).
		SetOrderMatters(false).
		SetUsername(options.Username).
		SetPassword(options.Password).
		SetAutoReconnect(true).
		SetWill(c.topic(TopicStatus), Offline, QOS, true).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			logger.Info().Str("url", options.URL).Msg("reconnecting to MQTT broker")
			c.mu.Lock()
			c.shouldResubscribe = true
			c.mu.Unlock()
		}).
		SetOnConnectHandler(func(client mqtt.Client) {
			logger.Info().Str("url", options.URL).Msg("connected to MQTT broker")
			c.mu.Lock()
			resubscribe := c.shouldResubscribe
			c.shouldResubscribe = false
			subs := append([]subscription(nil), c.subs...)
			c.mu.Unlock()
			if !resubscribe {
				return
			}
			for _, s := range subs {
				t := client.Subscribe(s.topic, QOS, s.handler)
				<-t.Done()
				if t.Error() != nil {
					logger.Error().Err(t.Error()).Str("topic", s.topic).Msg("re-subscribing")
				}
			}
		})
	c.raw = mqtt.NewClient(opts)
	return c
}

func (c *pahoClient) topic(sub string) string {
	return path.Join(c.options.TopicPrefix, sub)
}

func (c *pahoClient) Connect() error {
	t := c.raw.Connect()
	<-t.Done()
	if t.Error() != nil {
		return fmt.Errorf("connecting to MQTT broker: %w", t.Error())
	}
	return c.PublishAndRetain(TopicStatus, []byte(Online))
}

func (c *pahoClient) Disconnect() error {
	err := c.PublishAndRetain(TopicStatus, []byte(Offline))
	c.raw.Disconnect(uint(c.options.DisconnectTimeout.Milliseconds()))
	return err
}

func (c *pahoClient) publish(topic string, payload []byte, retain bool) error {
	t := c.raw.Publish(c.topic(topic), QOS, c.options.Retain || retain, payload)
	<-t.Done()
	return t.Error()
}

func (c *pahoClient) Publish(topic string, payload []byte) error {
	return c.publish(topic, payload, false)
}

func (c *pahoClient) PublishAndRetain(topic string, payload []byte) error {
	return c.publish(topic, payload, true)
}

func (c *pahoClient) Subscribe(topic string, handler func(payload []byte)) error {
	s := subscription{
		topic: c.topic(topic),
		handler: func(_ mqtt.Client, msg mqtt.Message) {
			handler(msg.Payload())
		},
	}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	t := c.raw.Subscribe(s.topic, QOS, s.handler)
	<-t.Done()
	return t.Error()
}

func (c *pahoClient) IsConnected() bool {
	return c.raw.IsConnectionOpen()
}

// Source is what the forwarders read from. *renderer.Renderer satisfies it.
type Source interface {
	Snapshot() renderer.Snapshot
	Watch() (<-chan renderer.Snapshot, func())
}

// Executor runs commands received from MQTT.
type Executor interface {
	Exec(ctx context.Context, cmd renderer.Command) error
}

// statePayload is published on the state topic.
type statePayload struct {
	State         string `json:"state"`
	PositionMS    int64  `json:"positionMs"`
	DurationMS    int64  `json:"durationMs,omitempty"`
	QueueLength   int    `json:"queueLength"`
	QueueIndex    int    `json:"queueIndex"`
	QueueRevision uint64 `json:"queueRevision"`
	LoopMode      string `json:"loopMode"`
	Healthy       bool   `json:"healthy"`
	LastKnownGood bool   `json:"lastKnownGood"`
}

type volumePayload struct {
	Volume int  `json:"volume"`
	Muted  bool `json:"muted"`
}

// MQTT forwards snapshots to a broker and executes inbound commands.
type MQTT struct {
	client Client
	src    Source
	exec   Executor

	// last published payload per topic; unchanged payloads are skipped.
	last map[string]string
}

func NewMQTT(client Client, src Source, exec Executor) *MQTT {
	return &MQTT{client: client, src: src, exec: exec, last: make(map[string]string)}
}

// Run connects, publishes every snapshot change until ctx is done and then
// publishes the offline status and disconnects.
func (f *MQTT) Run(ctx context.Context) error {
	logger := logging.Component("mqtt")
	if err := f.client.Connect(); err != nil {
		return err
	}
	if err := f.client.Subscribe(TopicCommand, func(payload []byte) {
		f.handleCommand(ctx, payload)
	}); err != nil {
		logger.Error().Err(err).Msg("subscribing to command topic")
	}

	updates, cancel := f.src.Watch()
	defer cancel()
	f.publish(f.src.Snapshot())
	for {
		select {
		case <-ctx.Done():
			if err := f.client.Disconnect(); err != nil {
				logger.Warn().Err(err).Msg("publishing offline status")
			}
			return nil
		case snap, ok := <-updates:
			if !ok {
				// The renderer shut down; wait for ctx so Disconnect runs once.
				updates = nil
				continue
			}
			f.publish(snap)
		}
	}
}

func (f *MQTT) publish(snap renderer.Snapshot) {
	logger := logging.Component("mqtt")
	payloads := map[string]any{
		TopicState: statePayload{
			State:         string(snap.Playback.State),
			PositionMS:    snap.Playback.Position.Milliseconds(),
			DurationMS:    snap.Playback.Duration.Milliseconds(),
			QueueLength:   len(snap.Queue.Tracks),
			QueueIndex:    snap.Queue.Current,
			QueueRevision: snap.Queue.Revision,
			LoopMode:      string(snap.Queue.LoopMode),
			Healthy:       snap.Healthy,
			LastKnownGood: snap.Playback.LastKnownGood,
		},
		TopicTrack: snap.NowPlaying,
	}
	if snap.RenderingKnown {
		payloads[TopicVolume] = volumePayload{Volume: snap.Volume, Muted: snap.Muted}
	}
	for _, topic := range []string{TopicState, TopicTrack, TopicVolume} {
		v, ok := payloads[topic]
		if !ok {
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			logger.Error().Err(err).Str("topic", topic).Msg("encoding payload")
			continue
		}
		if f.last[topic] == string(data) {
			continue
		}
		if err := f.client.Publish(topic, data); err != nil {
			metrics.GetMetrics().Published.WithLabelValues(topic, "error").Inc()
			logger.Warn().Err(err).Str("topic", topic).Msg("publishing")
			continue
		}
		metrics.GetMetrics().Published.WithLabelValues(topic, "ok").Inc()
		f.last[topic] = string(data)
	}
}

func (f *MQTT) handleCommand(ctx context.Context, payload []byte) {
	logger := logging.Component("mqtt")
	cmd, err := renderer.ParseCommand(string(payload))
	if err != nil {
		logger.Warn().Err(err).Str("payload", string(payload)).Msg("ignoring command")
		return
	}
	logger.Info().Str("command", cmd.Name).Msg("executing command")
	if err := f.exec.Exec(ctx, cmd); err != nil {
		logger.Warn().Err(err).Str("command", cmd.Name).Msg("command failed")
	}
}

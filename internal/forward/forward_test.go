package forward

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderer-sync/internal/playback"
	"renderer-sync/internal/queue"
	"renderer-sync/internal/renderer"
)

type fakeSource struct {
	mu      sync.Mutex
	current renderer.Snapshot
	ch      chan renderer.Snapshot
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan renderer.Snapshot, 8)}
}

func (s *fakeSource) Snapshot() renderer.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *fakeSource) Watch() (<-chan renderer.Snapshot, func()) { return s.ch, func() {} }

func (s *fakeSource) push(snap renderer.Snapshot) {
	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()
	s.ch <- snap
}

type message struct {
	topic   string
	payload string
	retain  bool
}

type fakeClient struct {
	mu        sync.Mutex
	published []message
	handlers  map[string]func([]byte)
	connected bool
}

func (c *fakeClient) Connect() error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return c.PublishAndRetain(TopicStatus, []byte(Online))
}

func (c *fakeClient) Disconnect() error {
	err := c.PublishAndRetain(TopicStatus, []byte(Offline))
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return err
}

func (c *fakeClient) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, message{topic: topic, payload: string(payload)})
	return nil
}

func (c *fakeClient) PublishAndRetain(topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, message{topic: topic, payload: string(payload), retain: true})
	return nil
}

func (c *fakeClient) Subscribe(topic string, handler func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]func([]byte))
	}
	c.handlers[topic] = handler
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) messages(topic string) []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message
	for _, m := range c.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeClient) handler(topic string) func([]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[topic]
}

type execRecorder struct {
	mu   sync.Mutex
	cmds []renderer.Command
}

func (e *execRecorder) Exec(_ context.Context, cmd renderer.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cmds = append(e.cmds, cmd)
	return nil
}

func (e *execRecorder) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, c := range e.cmds {
		out = append(out, c.Name)
	}
	return out
}

func playing(title string, volume int) renderer.Snapshot {
	return renderer.Snapshot{
		Queue:          queue.Snapshot{Tracks: []queue.Track{{Title: title}}, Current: 0, LoopMode: queue.LoopAll, Revision: 3},
		Playback:       playback.Status{State: playback.Playing, Position: 1500 * time.Millisecond},
		NowPlaying:     queue.Track{Title: title},
		Volume:         volume,
		RenderingKnown: true,
		Healthy:        true,
	}
}

func TestMQTTPublishesChangesOnly(t *testing.T) {
	src := newFakeSource()
	src.current = playing("One", 20)
	client := &fakeClient{}
	exec := &execRecorder{}
	f := NewMQTT(client, src, exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return len(client.messages(TopicTrack)) == 1 }, time.Second, 5*time.Millisecond)

	// Same track, new volume.
	src.push(playing("One", 30))
	require.Eventually(t, func() bool { return len(client.messages(TopicVolume)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, client.messages(TopicTrack), 1)

	cancel()
	require.NoError(t, <-done)

	status := client.messages(TopicStatus)
	require.Len(t, status, 2)
	assert.Equal(t, Online, status[0].payload)
	assert.Equal(t, Offline, status[1].payload)
	assert.True(t, status[1].retain)

	var state statePayload
	require.NoError(t, json.Unmarshal([]byte(client.messages(TopicState)[0].payload), &state))
	assert.Equal(t, "playing", state.State)
	assert.Equal(t, int64(1500), state.PositionMS)
	assert.Equal(t, 1, state.QueueLength)
	assert.Equal(t, uint64(3), state.QueueRevision)
	assert.Equal(t, "all", state.LoopMode)

	var vol volumePayload
	require.NoError(t, json.Unmarshal([]byte(client.messages(TopicVolume)[1].payload), &vol))
	assert.Equal(t, 30, vol.Volume)
}

func TestMQTTSkipsUnknownVolume(t *testing.T) {
	client := &fakeClient{}
	f := NewMQTT(client, newFakeSource(), &execRecorder{})
	f.publish(renderer.Snapshot{})
	assert.Empty(t, client.messages(TopicVolume))
	assert.Len(t, client.messages(TopicState), 1)
}

func TestMQTTCommands(t *testing.T) {
	src := newFakeSource()
	client := &fakeClient{}
	exec := &execRecorder{}
	f := NewMQTT(client, src, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()
	require.Eventually(t, func() bool { return client.handler(TopicCommand) != nil }, time.Second, 5*time.Millisecond)

	h := client.handler(TopicCommand)
	h([]byte("play"))
	h([]byte("dance"))
	h([]byte("volume +2"))
	assert.Equal(t, []string{"play", "volume"}, exec.names())
}

func TestStreamSendsSnapshots(t *testing.T) {
	src := newFakeSource()
	src.current = playing("One", 20)
	srv := httptest.NewServer(NewStream(src))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first renderer.Snapshot
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "One", first.NowPlaying.Title)

	src.push(playing("Two", 20))
	var next renderer.Snapshot
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "Two", next.NowPlaying.Title)
	assert.Equal(t, playback.Playing, next.Playback.State)
}

func TestStreamClosesWhenRendererStops(t *testing.T) {
	src := newFakeSource()
	srv := httptest.NewServer(NewStream(src))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var first renderer.Snapshot
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))

	close(src.ch)
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

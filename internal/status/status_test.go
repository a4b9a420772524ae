package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderer-sync/internal/queue"
	"renderer-sync/internal/renderer"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeRenderer struct {
	mu       sync.Mutex
	snap     renderer.Snapshot
	healthy  bool
	lastPoll time.Time
	execErr  error
	executed []string
}

func (f *fakeRenderer) Snapshot() renderer.Snapshot { return f.snap }

func (f *fakeRenderer) Watch() (<-chan renderer.Snapshot, func()) {
	return make(chan renderer.Snapshot), func() {}
}

func (f *fakeRenderer) Exec(_ context.Context, cmd renderer.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, cmd.Name)
	return f.execErr
}

func (f *fakeRenderer) Healthy() bool       { return f.healthy }
func (f *fakeRenderer) LastPoll() time.Time { return f.lastPoll }

func newServer(t *testing.T, r *fakeRenderer) *httptest.Server {
	t.Helper()
	s, err := New(r, Options{StaleAfter: 30 * time.Second, Now: func() time.Time { return t0 }})
	require.NoError(t, err)
	router := chi.NewRouter()
	s.Routes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestStateAndQueue(t *testing.T) {
	r := &fakeRenderer{snap: renderer.Snapshot{
		Queue:  queue.Snapshot{Tracks: []queue.Track{{Title: "One"}, {Index: 1, Title: "Two"}}, Current: 1, LoopMode: queue.LoopNone, Revision: 4},
		Volume: 12,
	}}
	srv := newServer(t, r)

	resp, err := http.Get(srv.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var snap renderer.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, 12, snap.Volume)
	assert.Equal(t, uint64(4), snap.Queue.Revision)

	resp2, err := http.Get(srv.URL + "/queue")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var q queue.Snapshot
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&q))
	require.Len(t, q.Tracks, 2)
	assert.Equal(t, "Two", q.Tracks[1].Title)
	assert.Equal(t, 1, q.Current)
}

func TestCommand(t *testing.T) {
	r := &fakeRenderer{}
	srv := newServer(t, r)

	resp, err := http.Post(srv.URL+"/command", "text/plain", strings.NewReader("skip 1"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/command", "text/plain", strings.NewReader("dance"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r.execErr = renderer.ErrClosed
	resp, err = http.Post(srv.URL+"/command", "text/plain", strings.NewReader("play"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	assert.Equal(t, []string{"skip", "play"}, r.executed)
}

func TestHealth(t *testing.T) {
	r := &fakeRenderer{}
	srv := newServer(t, r)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "never polled")

	r.lastPoll = t0.Add(-5 * time.Second)
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "unhealthy subscriptions only degrade")

	r.lastPoll = t0.Add(-time.Minute)
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "stale poll")

	resp, err = http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newServer(t, &fakeRenderer{})
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

package renderer

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"renderer-sync/internal/listener"
	"renderer-sync/internal/logging"
	"renderer-sync/internal/metrics"
	"renderer-sync/internal/playback"
	"renderer-sync/internal/poll"
	"renderer-sync/internal/queue"
	"renderer-sync/internal/upnp"
)

func trackFromItem(i int, it upnp.DIDLItem) queue.Track {
	return queue.Track{
		Index:      i,
		ID:         it.ID,
		Title:      it.Title,
		Artist:     it.Artist,
		Album:      it.Album,
		Duration:   it.Duration,
		ArtworkURL: it.AlbumArtURI,
		URI:        it.URI,
	}
}

func itemFromTrack(t queue.Track) upnp.DIDLItem {
	return upnp.DIDLItem{
		ID:          t.ID,
		Title:       t.Title,
		Artist:      t.Artist,
		Album:       t.Album,
		Duration:    t.Duration,
		AlbumArtURI: t.ArtworkURL,
		URI:         t.URI,
	}
}

// eventPlan collects what one event asks of the models. Queue changes are
// turned into one delta against the revision seen when the event arrived.
type eventPlan struct {
	count     int
	current   int
	loop      queue.LoopMode
	meta      *queue.Track
	state     string
	hasState  bool
	position  string
	duration  string
	track     *queue.Track
	clearNow  bool
	volume    *int
	muted     *bool
	needsPoll bool
}

// ops orders the queue edits: length first, then metadata for the
// resulting current track, then the current index and loop mode.
func (p eventPlan) ops(base queue.Snapshot) []queue.Op {
	var ops []queue.Op
	have := len(base.Tracks)
	n := have
	switch {
	case p.count < 0:
	case p.count > have:
		ops = append(ops, queue.Insert(have, p.count-have))
		n = p.count
	case p.count < have:
		ops = append(ops, queue.Remove(p.count, have-p.count))
		n = p.count
	}
	current := base.Current
	if p.current != unset {
		current = p.current
	}
	if p.meta != nil && current >= 0 && current < n {
		old := queue.Track{}
		if current < have {
			old = base.Tracks[current]
		}
		ops = append(ops, queue.SetMetadata(current, mergeTrack(old, *p.meta)))
	}
	if p.current != unset {
		ops = append(ops, queue.SetCurrent(p.current))
	}
	if p.loop != "" {
		ops = append(ops, queue.SetLoop(p.loop))
	}
	return ops
}

const unset = -2

func (r *Renderer) handleEvent(_ context.Context, ev listener.Event) {
	r.poller.EventSeen(ev.ReceivedAt)
	base := r.queue.Snapshot()
	plan := r.plan(ev)
	ops := plan.ops(base)
	if plan.count >= 0 && plan.count != len(base.Tracks) {
		// Placeholders and trimmed tails are filled in by the next poll.
		plan.needsPoll = true
	}
	if plan.track != nil {
		plan.track.Index = base.Current
		if plan.current != unset {
			plan.track.Index = plan.current
		}
	}
	logger := logging.Component("renderer")

	stale := false
	r.write(func() bool {
		changed := false
		if len(ops) > 0 {
			ok, err := r.queue.ApplyDelta(queue.Delta{BaseRevision: base.Revision, Ops: ops})
			switch {
			case errors.Is(err, queue.ErrStaleDelta):
				stale = true
			case ok:
				changed = true
			}
		}
		if plan.hasState && r.playback.ApplyTransportState(plan.state) {
			changed = true
		}
		if d, ok := upnp.ParseDuration(plan.duration); ok {
			r.playback.SetDuration(d)
			changed = true
		}
		if d, ok := upnp.ParseDuration(plan.position); ok {
			r.playback.UpdatePosition(d)
			changed = true
		}
		if plan.track != nil && *plan.track != r.nowPlaying {
			r.nowPlaying = *plan.track
			changed = true
		}
		if plan.clearNow && r.nowPlaying != (queue.Track{}) {
			r.nowPlaying = queue.Track{}
			changed = true
		}
		if plan.volume != nil && (*plan.volume != r.volume || !r.rendering) {
			r.volume = *plan.volume
			r.rendering = true
			changed = true
		}
		if plan.muted != nil && *plan.muted != r.muted {
			r.muted = *plan.muted
			changed = true
		}
		return changed
	})

	if stale {
		metrics.GetMetrics().StaleDeltas.Inc()
		logger.Debug().Str("service", string(ev.Service)).Uint64("revision", base.Revision).Msg("discarding stale queue delta")
	}
	if plan.needsPoll {
		r.poller.RequestNow()
	}
}

// plan maps the variables of one event onto model changes. Unknown variables
// are ignored.
func (r *Renderer) plan(ev listener.Event) eventPlan {
	p := eventPlan{count: -1, current: unset}
	for _, u := range ev.Updates {
		switch ev.Service {
		case upnp.AVTransport:
			r.planTransport(&p, u)
		case upnp.RenderingControl:
			planRendering(&p, u)
		case upnp.PlayQueue:
			if u.Name == "LoopMode" {
				if n, err := strconv.Atoi(strings.TrimSpace(u.Value)); err == nil {
					if loop, ok := upnp.LoopFromQueueMode(n); ok {
						p.loop = queue.LoopMode(loop)
						continue
					}
				}
			}
			p.needsPoll = true
		case upnp.ContentDirectory:
			if u.Name == "ContainerUpdateIDs" && strings.Contains(u.Value, "Q:") {
				p.needsPoll = true
			}
		}
	}
	return p
}

func (r *Renderer) planTransport(p *eventPlan, u upnp.VariableUpdate) {
	switch u.Name {
	case "TransportState":
		p.state = u.Value
		p.hasState = true
	case "RelativeTimePosition", "RelTime":
		p.position = u.Value
	case "CurrentTrackDuration":
		p.duration = u.Value
	case "CurrentTrack":
		if n, err := strconv.Atoi(strings.TrimSpace(u.Value)); err == nil && n >= 0 {
			// 1-based; 0 means no current track.
			p.current = n - 1
		}
	case "NumberOfTracks":
		n, err := strconv.Atoi(strings.TrimSpace(u.Value))
		switch {
		case err != nil || n < 0:
		case n > queue.MaxTracks:
			// Not a plausible queue length; let a poll read the real one.
			p.needsPoll = true
		default:
			p.count = n
		}
	case "CurrentTrackMetaData":
		it, ok, err := r.meta.Item(u.Value)
		if err != nil {
			logger := logging.Component("renderer")
			logger.Debug().Err(err).Msg("undecodable track metadata")
			return
		}
		if !ok {
			p.clearNow = true
			return
		}
		t := trackFromItem(0, it)
		p.track = &t
		m := t
		p.meta = &m
	case "CurrentPlayMode":
		if loop, ok := upnp.LoopFromPlayMode(u.Value); ok {
			p.loop = queue.LoopMode(loop)
		}
	}
}

// mergeTrack keeps fields of the queued track that the event metadata lacks.
func mergeTrack(old, upd queue.Track) queue.Track {
	if upd.ID == "" {
		upd.ID = old.ID
	}
	if upd.URI == "" {
		upd.URI = old.URI
	}
	if upd.Duration == 0 {
		upd.Duration = old.Duration
	}
	if upd.ArtworkURL == "" {
		upd.ArtworkURL = old.ArtworkURL
	}
	return upd
}

func planRendering(p *eventPlan, u upnp.VariableUpdate) {
	if u.Channel != "" && !strings.EqualFold(u.Channel, "Master") {
		return
	}
	switch u.Name {
	case "Volume":
		if v, err := strconv.Atoi(strings.TrimSpace(u.Value)); err == nil {
			v = max(0, min(100, v))
			p.volume = &v
		}
	case "Mute":
		m := u.Value == "1" || strings.EqualFold(u.Value, "true")
		p.muted = &m
	}
}

// applyPoll installs ground truth read by the poller.
func (r *Renderer) applyPoll(res poll.Result) {
	tracks := make([]queue.Track, len(res.Queue.Items))
	for i, it := range res.Queue.Items {
		tracks[i] = trackFromItem(i, it)
	}
	current := res.Queue.Current
	if current < 0 {
		current = queue.NoIndex
	}

	if !res.QueueKnown {
		current = queue.NoIndex
	}

	var now queue.Track
	if it, ok, err := r.meta.Item(res.Position.TrackMetaData); err == nil && ok {
		now = trackFromItem(0, it)
		if current != queue.NoIndex {
			now.Index = current
		}
	} else if current != queue.NoIndex && current < len(tracks) {
		now = tracks[current]
	}
	elapsed, elapsedOK := res.Position.Elapsed()
	duration, durationOK := res.Position.Duration()

	r.write(func() bool {
		if res.QueueKnown {
			r.queue.ApplyFullSnapshot(tracks, current, queue.LoopMode(res.Queue.LoopMode))
		}
		r.playback.Refresh(playback.ParseTransportState(res.Transport.State), elapsed, elapsedOK)
		if durationOK {
			r.playback.SetDuration(duration)
		}
		r.nowPlaying = now
		if res.Rendering {
			r.volume = res.Volume
			r.muted = res.Muted
			r.rendering = true
		}
		return true
	})
}

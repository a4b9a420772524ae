package renderer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"renderer-sync/internal/logging"
	"renderer-sync/internal/playback"
	"renderer-sync/internal/queue"
	"renderer-sync/internal/upnp"
)

// Commands ask the device to change state and return once it has accepted
// (or refused) the request. None of them touch the local model: the result
// shows up through events or the next poll.

func (r *Renderer) command(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if r.isClosing() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	logger := logging.Component("renderer")
	if err := fn(ctx); err != nil {
		logger.Debug().Err(err).Str("command", name).Msg("command failed")
		return fmt.Errorf("%s: %w", name, err)
	}
	logger.Debug().Str("command", name).Msg("command accepted")
	return nil
}

func (r *Renderer) Play(ctx context.Context) error {
	return r.command(ctx, "play", r.dev.Play)
}

func (r *Renderer) Pause(ctx context.Context) error {
	return r.command(ctx, "pause", r.dev.Pause)
}

// Stop treats "nothing to stop" as success.
func (r *Renderer) Stop(ctx context.Context) error {
	return r.command(ctx, "stop", r.dev.StopOrNoop)
}

func (r *Renderer) Next(ctx context.Context) error {
	return r.command(ctx, "next", r.dev.Next)
}

func (r *Renderer) Previous(ctx context.Context) error {
	return r.command(ctx, "previous", r.dev.Previous)
}

// PlayPause pauses when the last known state is playing and plays otherwise.
func (r *Renderer) PlayPause(ctx context.Context) error {
	if r.playback.State() == playback.Playing {
		return r.Pause(ctx)
	}
	return r.Play(ctx)
}

func (r *Renderer) Seek(ctx context.Context, position time.Duration) error {
	if position < 0 {
		return fmt.Errorf("seek: negative position %s", position)
	}
	return r.command(ctx, "seek", func(ctx context.Context) error {
		return r.dev.Seek(ctx, position)
	})
}

// SetQueue replaces the device queue with tracks and starts playback at the
// zero-based index start.
func (r *Renderer) SetQueue(ctx context.Context, tracks []queue.Track, start int) error {
	if len(tracks) == 0 {
		return errors.New("set queue: no tracks")
	}
	if start < 0 || start >= len(tracks) {
		return fmt.Errorf("set queue: start %d out of range [0,%d)", start, len(tracks))
	}
	return r.command(ctx, "set queue", func(ctx context.Context) error {
		items := make([]upnp.DIDLItem, len(tracks))
		for i, t := range tracks {
			items[i] = itemFromTrack(t)
		}
		if err := r.dev.ReplaceQueue(ctx, items); err != nil {
			return err
		}
		return r.dev.PlayQueueIndex(ctx, start)
	})
}

// Enqueue appends tracks to the device queue.
func (r *Renderer) Enqueue(ctx context.Context, tracks ...queue.Track) error {
	if len(tracks) == 0 {
		return nil
	}
	return r.command(ctx, "enqueue", func(ctx context.Context) error {
		items := make([]upnp.DIDLItem, len(tracks))
		for i, t := range tracks {
			items[i] = itemFromTrack(t)
		}
		return r.dev.Enqueue(ctx, items)
	})
}

// SkipTo plays the zero-based queue index i. The local queue may lag behind
// a queue the device just accepted, so an index past its end is still sent
// and the device's fault, if any, is returned.
func (r *Renderer) SkipTo(ctx context.Context, i int) error {
	if i < 0 {
		return fmt.Errorf("skip: negative index %d", i)
	}
	return r.command(ctx, "skip", func(ctx context.Context) error {
		return r.dev.PlayQueueIndex(ctx, i)
	})
}

func (r *Renderer) SetVolume(ctx context.Context, volume int) error {
	volume = max(0, min(100, volume))
	return r.command(ctx, "set volume", func(ctx context.Context) error {
		return r.dev.SetVolume(ctx, volume)
	})
}

// VolumeUp raises the volume by the configured step from the last known
// level.
func (r *Renderer) VolumeUp(ctx context.Context) error {
	return r.SetVolume(ctx, r.currentVolume()+r.cfg.VolumeStep)
}

func (r *Renderer) VolumeDown(ctx context.Context) error {
	return r.SetVolume(ctx, r.currentVolume()-r.cfg.VolumeStep)
}

func (r *Renderer) currentVolume() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.volume
}

func (r *Renderer) SetMute(ctx context.Context, mute bool) error {
	return r.command(ctx, "set mute", func(ctx context.Context) error {
		return r.dev.SetMute(ctx, mute)
	})
}

func (r *Renderer) SetLoopMode(ctx context.Context, loop queue.LoopMode) error {
	loop, err := queue.ParseLoopMode(string(loop))
	if err != nil {
		return err
	}
	return r.command(ctx, "set loop mode", func(ctx context.Context) error {
		return r.dev.SetLoopMode(ctx, string(loop))
	})
}

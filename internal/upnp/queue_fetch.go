package upnp

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// QueueState is the device queue as read by a full fetch. Current is
// zero-based; -1 means no current track.
type QueueState struct {
	Items    []DIDLItem
	Current  int
	LoopMode string
	UpdateID int
}

// FetchQueue reads the whole play queue, the current position and the loop
// mode using whichever queue service the profile provides.
func (c *Client) FetchQueue(ctx context.Context) (QueueState, error) {
	if c.Profile == ProfileSonos {
		return c.fetchSonosQueue(ctx)
	}
	return c.fetchPlayQueue(ctx)
}

func (c *Client) fetchPlayQueue(ctx context.Context) (QueueState, error) {
	qc, err := c.BrowseQueue(ctx, CurrentQueue)
	if err != nil {
		return QueueState{}, err
	}
	st := QueueState{Current: -1, Items: make([]DIDLItem, 0, len(qc.Tracks))}
	for _, t := range qc.Tracks {
		it, ok, err := c.Metadata.Item(t.Metadata)
		if err != nil {
			return QueueState{}, fmt.Errorf("queue track metadata: %w", err)
		}
		if !ok {
			it = DIDLItem{}
		}
		if it.URI == "" {
			it.URI = t.URL
		}
		st.Items = append(st.Items, it)
	}

	idx, err := c.GetQueueIndex(ctx, CurrentQueue)
	if err != nil {
		return QueueState{}, err
	}
	if idx >= 1 && idx <= len(st.Items) {
		st.Current = idx - 1
	}
	st.LoopMode, err = c.GetQueueLoopMode(ctx)
	if err != nil {
		return QueueState{}, err
	}
	return st, nil
}

func (c *Client) fetchSonosQueue(ctx context.Context) (QueueState, error) {
	items, updateID, err := c.ListQueueAll(ctx)
	if err != nil {
		return QueueState{}, err
	}
	st := QueueState{Items: items, Current: -1, UpdateID: updateID}

	media, err := c.GetMediaInfo(ctx)
	if err != nil {
		return QueueState{}, err
	}
	if strings.HasPrefix(media.CurrentURI, "x-rincon-queue:") {
		pos, err := c.GetPositionInfo(ctx)
		if err != nil {
			return QueueState{}, err
		}
		if pos.Track >= 1 && pos.Track <= len(items) {
			st.Current = pos.Track - 1
		}
	}

	settings, err := c.GetTransportSettings(ctx)
	if err != nil {
		return QueueState{}, err
	}
	loop, ok := LoopFromPlayMode(settings.PlayMode)
	if !ok {
		loop = LoopNone
	}
	st.LoopMode = loop
	return st, nil
}

// ReplaceQueue swaps the device queue for items without starting playback.
func (c *Client) ReplaceQueue(ctx context.Context, items []DIDLItem) error {
	if c.Profile != ProfileSonos {
		return c.ReplacePlayQueue(ctx, CurrentQueue, items)
	}
	if err := c.RemoveAllTracksFromQueue(ctx); err != nil {
		return err
	}
	for _, it := range items {
		if _, err := c.AddURIToQueue(ctx, it, 0, false); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue appends items to the device queue.
func (c *Client) Enqueue(ctx context.Context, items []DIDLItem) error {
	if c.Profile != ProfileSonos {
		return c.AppendTracksInQueue(ctx, CurrentQueue, items)
	}
	for _, it := range items {
		if _, err := c.AddURIToQueue(ctx, it, 0, false); err != nil {
			return err
		}
	}
	return nil
}

// PlayQueueIndex starts playback at zero-based queue position i.
func (c *Client) PlayQueueIndex(ctx context.Context, i int) error {
	if i < 0 {
		return fmt.Errorf("queue index must be >= 0")
	}
	if c.Profile != ProfileSonos {
		return c.PlayQueueWithIndex(ctx, CurrentQueue, i+1)
	}
	uri, err := c.queueURI()
	if err != nil {
		return err
	}
	if err := c.SetAVTransportURI(ctx, uri, ""); err != nil {
		return err
	}
	if err := c.SeekTrack(ctx, i+1); err != nil {
		return err
	}
	return c.Play(ctx)
}

func (c *Client) SetLoopMode(ctx context.Context, loop string) error {
	if c.Profile != ProfileSonos {
		return c.SetQueueLoopMode(ctx, loop)
	}
	mode, err := PlayModeFromLoop(loop)
	if err != nil {
		return err
	}
	return c.SetPlayMode(ctx, mode)
}

var errNoUDN = errors.New("device UDN unknown; describe the device first")

func (c *Client) queueURI() (string, error) {
	udn := strings.TrimPrefix(c.UDN(), "uuid:")
	if udn == "" {
		return "", errNoUDN
	}
	return "x-rincon-queue:" + udn + "#0", nil
}

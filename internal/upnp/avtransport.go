package upnp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UPnP AVTransport fault codes.
const (
	ErrCodeTransitionNotAvailable = 701
	ErrCodeNoContents             = 702
	ErrCodeSeekModeNotSupported   = 710
	ErrCodeIllegalSeekTarget      = 711
)

type TransportInfo struct {
	State  string `mapstructure:"CurrentTransportState"`
	Status string `mapstructure:"CurrentTransportStatus"`
	Speed  string `mapstructure:"CurrentSpeed"`
}

type PositionInfo struct {
	Track         int    `mapstructure:"Track"`
	TrackDuration string `mapstructure:"TrackDuration"`
	TrackMetaData string `mapstructure:"TrackMetaData"`
	TrackURI      string `mapstructure:"TrackURI"`
	RelTime       string `mapstructure:"RelTime"`
	AbsTime       string `mapstructure:"AbsTime"`
}

func (p PositionInfo) Elapsed() (time.Duration, bool) {
	if d, ok := ParseDuration(p.RelTime); ok {
		return d, true
	}
	return ParseDuration(p.AbsTime)
}

func (p PositionInfo) Duration() (time.Duration, bool) {
	return ParseDuration(p.TrackDuration)
}

type MediaInfo struct {
	NrTracks           int    `mapstructure:"NrTracks"`
	MediaDuration      string `mapstructure:"MediaDuration"`
	CurrentURI         string `mapstructure:"CurrentURI"`
	CurrentURIMetaData string `mapstructure:"CurrentURIMetaData"`
	TrackSource        string `mapstructure:"TrackSource"`
}

type TransportSettings struct {
	PlayMode       string `mapstructure:"PlayMode"`
	RecQualityMode string `mapstructure:"RecQualityMode"`
}

func instance() map[string]string {
	return map[string]string{"InstanceID": "0"}
}

func (c *Client) GetTransportInfo(ctx context.Context) (TransportInfo, error) {
	res, err := decodeResponse[TransportInfo](c.soapCall(ctx, AVTransport, "GetTransportInfo", instance()))
	if err != nil {
		return TransportInfo{}, err
	}
	return *res, nil
}

func (c *Client) GetPositionInfo(ctx context.Context) (PositionInfo, error) {
	res, err := decodeResponse[PositionInfo](c.soapCall(ctx, AVTransport, "GetPositionInfo", instance()))
	if err != nil {
		return PositionInfo{}, err
	}
	return *res, nil
}

func (c *Client) GetMediaInfo(ctx context.Context) (MediaInfo, error) {
	res, err := decodeResponse[MediaInfo](c.soapCall(ctx, AVTransport, "GetMediaInfo", instance()))
	if err != nil {
		return MediaInfo{}, err
	}
	return *res, nil
}

func (c *Client) GetTransportSettings(ctx context.Context) (TransportSettings, error) {
	res, err := decodeResponse[TransportSettings](c.soapCall(ctx, AVTransport, "GetTransportSettings", instance()))
	if err != nil {
		return TransportSettings{}, err
	}
	return *res, nil
}

func (c *Client) Play(ctx context.Context) error {
	_, err := c.soapCall(ctx, AVTransport, "Play", map[string]string{
		"InstanceID": "0",
		"Speed":      "1",
	})
	return err
}

func (c *Client) Pause(ctx context.Context) error {
	_, err := c.soapCall(ctx, AVTransport, "Pause", instance())
	return err
}

func (c *Client) Stop(ctx context.Context) error {
	_, err := c.soapCall(ctx, AVTransport, "Stop", instance())
	return err
}

// StopOrNoop stops playback, treating "transition not available" (nothing is
// playing) as success.
func (c *Client) StopOrNoop(ctx context.Context) error {
	err := c.Stop(ctx)
	if HasUPnPCode(err, ErrCodeTransitionNotAvailable) {
		return nil
	}
	return err
}

func (c *Client) Next(ctx context.Context) error {
	_, err := c.soapCall(ctx, AVTransport, "Next", instance())
	return err
}

func (c *Client) Previous(ctx context.Context) error {
	_, err := c.soapCall(ctx, AVTransport, "Previous", instance())
	return err
}

// Seek moves within the current track.
func (c *Client) Seek(ctx context.Context, position time.Duration) error {
	_, err := c.soapCall(ctx, AVTransport, "Seek", map[string]string{
		"InstanceID": "0",
		"Unit":       "REL_TIME",
		"Target":     FormatDuration(position),
	})
	return err
}

// SeekTrack selects a 1-based queue position.
func (c *Client) SeekTrack(ctx context.Context, position int) error {
	if position <= 0 {
		return fmt.Errorf("position must be >= 1")
	}
	_, err := c.soapCall(ctx, AVTransport, "Seek", map[string]string{
		"InstanceID": "0",
		"Unit":       "TRACK_NR",
		"Target":     strconv.Itoa(position),
	})
	return err
}

func (c *Client) SetPlayMode(ctx context.Context, mode string) error {
	_, err := c.soapCall(ctx, AVTransport, "SetPlayMode", map[string]string{
		"InstanceID":  "0",
		"NewPlayMode": mode,
	})
	return err
}

func (c *Client) SetAVTransportURI(ctx context.Context, uri, metadata string) error {
	_, err := c.soapCall(ctx, AVTransport, "SetAVTransportURI", map[string]string{
		"InstanceID":         "0",
		"CurrentURI":         uri,
		"CurrentURIMetaData": metadata,
	})
	return err
}

// Normalised loop modes shared by the AVTransport play mode and the PlayQueue
// loop mode.
const (
	LoopNone  = "none"
	LoopTrack = "track"
	LoopAll   = "all"
)

// LoopFromPlayMode maps an AVTransport CurrentPlayMode value.
func LoopFromPlayMode(mode string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "NORMAL", "SHUFFLE_NOREPEAT", "DIRECT_1", "INTRO":
		return LoopNone, true
	case "REPEAT_ALL", "SHUFFLE", "REPEAT_SHUFFLE", "RANDOM":
		return LoopAll, true
	case "REPEAT_ONE", "REPEAT_TRACK", "SHUFFLE_REPEAT_ONE":
		return LoopTrack, true
	default:
		return "", false
	}
}

func PlayModeFromLoop(loop string) (string, error) {
	switch loop {
	case LoopNone:
		return "NORMAL", nil
	case LoopAll:
		return "REPEAT_ALL", nil
	case LoopTrack:
		return "REPEAT_ONE", nil
	default:
		return "", fmt.Errorf("unknown loop mode %q", loop)
	}
}

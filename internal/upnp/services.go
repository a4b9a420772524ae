package upnp

import (
	"fmt"
	"strings"
)

type ServiceID string

const (
	AVTransport       ServiceID = "AVTransport"
	RenderingControl  ServiceID = "RenderingControl"
	ConnectionManager ServiceID = "ConnectionManager"
	PlayQueue         ServiceID = "PlayQueue"
	QPlay             ServiceID = "QPlay"
	ContentDirectory  ServiceID = "ContentDirectory"
)

type Profile string

const (
	// ProfileLinkPlay covers LinkPlay/WiiM based renderers such as the Yamaha YAS-209.
	ProfileLinkPlay Profile = "linkplay"
	ProfileSonos    Profile = "sonos"
)

func ParseProfile(s string) (Profile, error) {
	switch Profile(strings.ToLower(strings.TrimSpace(s))) {
	case ProfileLinkPlay, "":
		return ProfileLinkPlay, nil
	case ProfileSonos:
		return ProfileSonos, nil
	default:
		return "", fmt.Errorf("unknown device profile %q", s)
	}
}

// Service describes one UPnP service of the renderer. Actions maps every
// declared action name to its input arguments in wire order; a nil slice means
// the action exists but its arguments are sent in sorted order.
type Service struct {
	ID          ServiceID
	URN         string
	ControlPath string
	EventPath   string
	Evented     bool
	Actions     map[string][]string
}

func (s Service) HasAction(name string) bool {
	_, ok := s.Actions[name]
	return ok
}

func (s Service) String() string { return string(s.ID) }

var (
	instanceArgs = []string{"InstanceID"}
	channelArgs  = []string{"InstanceID", "Channel"}
)

func declare(names ...string) map[string][]string {
	out := make(map[string][]string, len(names))
	for _, n := range names {
		out[n] = nil
	}
	return out
}

func avTransportActions(extra ...string) map[string][]string {
	a := declare(
		"GetCurrentTransportActions", "GetDeviceCapabilities", "GetInfoEx",
		"GetPlayType", "SeekBackward", "SeekForward",
	)
	for _, n := range extra {
		a[n] = nil
	}
	for _, n := range []string{
		"Pause", "Stop", "Next", "Previous", "GetTransportInfo",
		"GetPositionInfo", "GetMediaInfo", "GetTransportSettings",
	} {
		a[n] = instanceArgs
	}
	a["Play"] = []string{"InstanceID", "Speed"}
	a["Seek"] = []string{"InstanceID", "Unit", "Target"}
	a["SetPlayMode"] = []string{"InstanceID", "NewPlayMode"}
	a["SetAVTransportURI"] = []string{"InstanceID", "CurrentURI", "CurrentURIMetaData"}
	return a
}

func renderingControlActions(extra ...string) map[string][]string {
	a := declare(extra...)
	a["GetVolume"] = channelArgs
	a["GetMute"] = channelArgs
	a["SetVolume"] = []string{"InstanceID", "Channel", "DesiredVolume"}
	a["SetMute"] = []string{"InstanceID", "Channel", "DesiredMute"}
	return a
}

func linkPlayServices() []Service {
	pq := declare(
		"AppendQueue", "AppendTracksInQueueEx", "BackUpQueue", "CreateQueue",
		"DeleteActionQueue", "DeleteQueue", "GetKeyMapping", "GetQueueOnline",
		"GetUserAccountHistory", "GetUserFavorites", "GetUserInfo",
		"SearchQueueOnline", "SetKeyMapping", "SetQueuePolicy", "SetQueueRecord",
		"SetSongsRecord", "SetSpotifyPreset", "SetUserFavorites", "UserLogin",
		"UserLogout", "UserRegister",
	)
	pq["BrowseQueue"] = []string{"QueueName"}
	pq["GetQueueIndex"] = []string{"QueueName"}
	pq["GetQueueLoopMode"] = []string{}
	pq["SetQueueLoopMode"] = []string{"LoopMode"}
	pq["PlayQueueWithIndex"] = []string{"QueueName", "Index"}
	pq["ReplaceQueue"] = []string{"QueueContext"}
	pq["AppendTracksInQueue"] = []string{"QueueContext"}
	pq["RemoveTracksInQueue"] = []string{"QueueName", "RangStart", "RangEnd"}

	return []Service{
		{
			ID:          AVTransport,
			URN:         "urn:schemas-upnp-org:service:AVTransport:1",
			ControlPath: "/upnp/control/rendertransport1",
			EventPath:   "/upnp/event/rendertransport1",
			Evented:     true,
			Actions:     avTransportActions(),
		},
		{
			ID:          RenderingControl,
			URN:         "urn:schemas-upnp-org:service:RenderingControl:1",
			ControlPath: "/upnp/control/rendercontrol1",
			EventPath:   "/upnp/event/rendercontrol1",
			Evented:     true,
			Actions: renderingControlActions(
				"DeleteAlarmQueue", "GetAlarmQueue", "GetChannel", "GetControlDeviceInfo",
				"GetEqualizer", "GetSimpleDeviceInfo", "ListPresets", "MultiPlaySlaveMask",
				"SelectPreset", "SetAlarmQueue", "SetChannel", "SetDeviceName",
				"SetEqualizer", "StartRecording", "StopRecording",
			),
		},
		{
			ID:          ConnectionManager,
			URN:         "urn:schemas-upnp-org:service:ConnectionManager:1",
			ControlPath: "/upnp/control/rendermgr1",
			EventPath:   "/upnp/event/rendermgr1",
			Actions:     declare("GetCurrentConnectionIDs", "GetCurrentConnectionInfo", "GetProtocolInfo"),
		},
		{
			ID:          PlayQueue,
			URN:         "urn:schemas-wiimu-com:service:PlayQueue:1",
			ControlPath: "/upnp/control/PlayQueue1",
			EventPath:   "/upnp/event/PlayQueue1",
			Evented:     true,
			Actions:     pq,
		},
		{
			ID:          QPlay,
			URN:         "urn:schemas-tencent-com:service:QPlay:1",
			ControlPath: "/upnp/control/QPlay1",
			EventPath:   "/upnp/event/QPlay1",
			Actions: declare(
				"GetMaxTracks", "GetTracksCount", "GetTracksInfo", "InsertTracks",
				"QPlayAuth", "RemoveAllTracks", "RemoveTracks", "SetNetwork", "SetTracksInfo",
			),
		},
	}
}

func sonosServices() []Service {
	avt := avTransportActions("BecomeCoordinatorOfStandaloneGroup", "SaveQueue")
	avt["AddURIToQueue"] = []string{"InstanceID", "EnqueuedURI", "EnqueuedURIMetaData", "DesiredFirstTrackNumberEnqueued", "EnqueueAsNext"}
	avt["RemoveAllTracksFromQueue"] = instanceArgs
	avt["RemoveTrackRangeFromQueue"] = []string{"InstanceID", "UpdateID", "StartingIndex", "NumberOfTracks"}

	cd := declare("GetSearchCapabilities", "GetSortCapabilities", "GetSystemUpdateID")
	cd["Browse"] = []string{"ObjectID", "BrowseFlag", "Filter", "StartingIndex", "RequestedCount", "SortCriteria"}

	return []Service{
		{
			ID:          AVTransport,
			URN:         "urn:schemas-upnp-org:service:AVTransport:1",
			ControlPath: "/MediaRenderer/AVTransport/Control",
			EventPath:   "/MediaRenderer/AVTransport/Event",
			Evented:     true,
			Actions:     avt,
		},
		{
			ID:          RenderingControl,
			URN:         "urn:schemas-upnp-org:service:RenderingControl:1",
			ControlPath: "/MediaRenderer/RenderingControl/Control",
			EventPath:   "/MediaRenderer/RenderingControl/Event",
			Evented:     true,
			Actions:     renderingControlActions("GetBass", "GetTreble", "GetLoudness", "SetRelativeVolume"),
		},
		{
			ID:          ContentDirectory,
			URN:         "urn:schemas-upnp-org:service:ContentDirectory:1",
			ControlPath: "/MediaServer/ContentDirectory/Control",
			EventPath:   "/MediaServer/ContentDirectory/Event",
			Evented:     true,
			Actions:     cd,
		},
	}
}

// DefaultServices returns the service table for a profile. Each call returns
// fresh values, so callers may modify them.
func DefaultServices(p Profile) []Service {
	if p == ProfileSonos {
		return sonosServices()
	}
	return linkPlayServices()
}

func serviceIDFromURN(urn string) (ServiceID, bool) {
	// urn:schemas-upnp-org:service:AVTransport:1
	parts := strings.Split(urn, ":")
	if len(parts) < 5 || parts[2] != "service" {
		return "", false
	}
	return ServiceID(parts[3]), true
}

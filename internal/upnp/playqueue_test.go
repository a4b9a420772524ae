package upnp

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueContextDoc(titles ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><PlayList><ListName>CurrentQueue</ListName><ListInfo><SourceName>test</SourceName><TrackNumber>`)
	b.WriteString(strconv.Itoa(len(titles)))
	b.WriteString(`</TrackNumber></ListInfo><Tracks>`)
	for i, title := range titles {
		tag := "Track" + strconv.Itoa(i+1)
		item := DIDLItem{ID: title, Title: title, URI: "http://host/" + title + ".flac"}
		b.WriteString("<" + tag + "><URL>http://host/" + title + ".flac</URL><Metadata>")
		b.WriteString(xmlEscape(BuildDIDL(item)))
		b.WriteString("</Metadata></" + tag + ">")
	}
	b.WriteString(`</Tracks></PlayList>`)
	return b.String()
}

func TestParseQueueContext(t *testing.T) {
	qc, err := ParseQueueContext(queueContextDoc("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, "CurrentQueue", qc.Name)
	assert.Equal(t, 3, qc.TrackNumber)
	require.Len(t, qc.Tracks, 3)
	assert.Equal(t, "http://host/b.flac", qc.Tracks[1].URL)
	assert.Contains(t, qc.Tracks[2].Metadata, "<dc:title>c</dc:title>")

	qc, err = ParseQueueContext("")
	require.NoError(t, err)
	assert.Empty(t, qc.Tracks)
}

func TestBuildQueueContextParsesBack(t *testing.T) {
	items := []DIDLItem{
		{ID: "1", Title: "One & Only", URI: "http://host/1.mp3"},
		{ID: "2", Title: "Two", URI: "http://host/2.mp3?a=1&b=2"},
	}
	qc, err := ParseQueueContext(BuildQueueContext(CurrentQueue, items))
	require.NoError(t, err)
	require.Len(t, qc.Tracks, 2)
	assert.Equal(t, "http://host/2.mp3?a=1&b=2", qc.Tracks[1].URL)

	parsed, err := ParseDIDLItems(qc.Tracks[0].Metadata)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "One & Only", parsed[0].Title)
}

func TestFetchQueueLinkPlay(t *testing.T) {
	var actions []string
	c := testClient(ProfileLinkPlay, func(req *http.Request) (*http.Response, error) {
		a := soapAction(req)
		actions = append(actions, a)
		switch a {
		case "BrowseQueue":
			raw, _ := io.ReadAll(req.Body)
			assert.Contains(t, string(raw), "<QueueName>CurrentQueue</QueueName>")
			return soapOK(a, map[string]string{"QueueContext": queueContextDoc("a", "b", "c")}), nil
		case "GetQueueIndex":
			return soapOK(a, map[string]string{"CurrentIndex": "2"}), nil
		case "GetQueueLoopMode":
			return soapOK(a, map[string]string{"LoopMode": "1"}), nil
		}
		t.Fatalf("unexpected action %s", a)
		return nil, nil
	})

	st, err := c.FetchQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Items, 3)
	assert.Equal(t, "b", st.Items[1].Title)
	assert.Equal(t, 1, st.Current, "device index is 1-based")
	assert.Equal(t, LoopTrack, st.LoopMode)
	assert.Equal(t, []string{"BrowseQueue", "GetQueueIndex", "GetQueueLoopMode"}, actions)
}

func TestFetchQueueLinkPlayIndexOutOfRange(t *testing.T) {
	c := testClient(ProfileLinkPlay, func(req *http.Request) (*http.Response, error) {
		a := soapAction(req)
		switch a {
		case "BrowseQueue":
			return soapOK(a, map[string]string{"QueueContext": queueContextDoc("a")}), nil
		case "GetQueueIndex":
			return soapOK(a, map[string]string{"CurrentIndex": "0"}), nil
		default:
			return soapOK(a, map[string]string{"LoopMode": "3"}), nil
		}
	})

	st, err := c.FetchQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1, st.Current)
	assert.Equal(t, LoopNone, st.LoopMode)
}

func TestFetchQueueSonos(t *testing.T) {
	c := testClient(ProfileSonos, func(req *http.Request) (*http.Response, error) {
		a := soapAction(req)
		switch a {
		case "Browse":
			raw, _ := io.ReadAll(req.Body)
			assert.Contains(t, string(raw), "<ObjectID>Q:0</ObjectID>")
			return soapOK(a, map[string]string{
				"Result":         BuildDIDL(DIDLItem{Title: "x", URI: "http://h/x"}, DIDLItem{Title: "y", URI: "http://h/y"}),
				"NumberReturned": "2",
				"TotalMatches":   "2",
				"UpdateID":       "17",
			}), nil
		case "GetMediaInfo":
			return soapOK(a, map[string]string{"CurrentURI": "x-rincon-queue:RINCON_1#0", "NrTracks": "2"}), nil
		case "GetPositionInfo":
			return soapOK(a, map[string]string{"Track": "2"}), nil
		case "GetTransportSettings":
			return soapOK(a, map[string]string{"PlayMode": "REPEAT_ALL"}), nil
		}
		t.Fatalf("unexpected action %s", a)
		return nil, nil
	})

	st, err := c.FetchQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Items, 2)
	assert.Equal(t, 1, st.Current)
	assert.Equal(t, 17, st.UpdateID)
	assert.Equal(t, LoopAll, st.LoopMode)
}

func TestPlayQueueIndexSonosNeedsUDN(t *testing.T) {
	c := testClient(ProfileSonos, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected request")
		return nil, nil
	})
	assert.ErrorIs(t, c.PlayQueueIndex(context.Background(), 0), errNoUDN)
}

func TestPlayQueueIndexLinkPlayIsOneBased(t *testing.T) {
	var body string
	c := testClient(ProfileLinkPlay, func(req *http.Request) (*http.Response, error) {
		raw, _ := io.ReadAll(req.Body)
		body = string(raw)
		return soapOK(soapAction(req), nil), nil
	})
	require.NoError(t, c.PlayQueueIndex(context.Background(), 2))
	assert.Contains(t, body, "<Index>3</Index>")
	assert.Error(t, c.PlayQueueIndex(context.Background(), -1))
}

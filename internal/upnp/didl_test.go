package upnp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trackDIDL = `<DIDL-Lite xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/" xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/">` +
	`<item id="42" parentID="-1" restricted="1">` +
	`<dc:title>Song &amp; Dance</dc:title><upnp:artist>Someone</upnp:artist><upnp:album>Record</upnp:album>` +
	`<upnp:albumArtURI>un_known</upnp:albumArtURI><upnp:class>object.item.audioItem.musicTrack</upnp:class>` +
	`<res protocolInfo="http-get:*:audio/flac:*" duration="0:04:05.250">http://host/song.flac</res>` +
	`</item></DIDL-Lite>`

func TestParseDIDLItems(t *testing.T) {
	items, err := ParseDIDLItems(trackDIDL)
	require.NoError(t, err)
	require.Len(t, items, 1)
	it := items[0]
	assert.Equal(t, "42", it.ID)
	assert.Equal(t, "Song & Dance", it.Title)
	assert.Equal(t, "Someone", it.Artist)
	assert.Equal(t, "Record", it.Album)
	assert.Equal(t, "", it.AlbumArtURI, "placeholder art is dropped")
	assert.Equal(t, "http://host/song.flac", it.URI)
	assert.Equal(t, 4*time.Minute+5250*time.Millisecond, it.Duration)
}

func TestParseDIDLItemsEscapedAndEmpty(t *testing.T) {
	items, err := ParseDIDLItems(xmlEscape(trackDIDL))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Song & Dance", items[0].Title)

	items, err = ParseDIDLItems("")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestBuildDIDLParsesBack(t *testing.T) {
	in := DIDLItem{
		ID:          "t1",
		Title:       "A <B> & C",
		Artist:      "Artist",
		URI:         "http://host/a.mp3?x=1&y=2",
		AlbumArtURI: "http://host/art.jpg",
		Duration:    90 * time.Second,
	}
	items, err := ParseDIDLItems(BuildDIDL(in))
	require.NoError(t, err)
	require.Len(t, items, 1)
	out := items[0]
	assert.Equal(t, in.Title, out.Title)
	assert.Equal(t, in.URI, out.URI)
	assert.Equal(t, in.Duration, out.Duration)
	assert.Equal(t, "object.item.audioItem.musicTrack", out.Class)
}

func TestMetadataCacheReturnsCopies(t *testing.T) {
	cache, err := NewMetadataCache(4)
	require.NoError(t, err)

	first, err := cache.Items(trackDIDL)
	require.NoError(t, err)
	first[0].Title = "changed"

	second, err := cache.Items(trackDIDL)
	require.NoError(t, err)
	assert.Equal(t, "Song & Dance", second[0].Title)
	assert.Equal(t, 1, cache.Len())

	var nilCache *MetadataCache
	it, ok, err := nilCache.Item(trackDIDL)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", it.ID)
}

func TestDurationFormat(t *testing.T) {
	d, ok := ParseDuration("1:02:03.500")
	require.True(t, ok)
	assert.Equal(t, time.Hour+2*time.Minute+3500*time.Millisecond, d)
	assert.Equal(t, "1:02:03", FormatDuration(d))

	for _, bad := range []string{"", "NOT_IMPLEMENTED", "3:20", "0:61:00", "x:00:00"} {
		_, ok := ParseDuration(bad)
		assert.False(t, ok, bad)
	}
	assert.Equal(t, "0:00:00", FormatDuration(-time.Second))
}

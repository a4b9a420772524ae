package upnp

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"
)

type DIDLItem struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	URI         string        `json:"uri"`
	Class       string        `json:"class,omitempty"`
	Artist      string        `json:"artist,omitempty"`
	Album       string        `json:"album,omitempty"`
	AlbumArtURI string        `json:"albumArtURI,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// unknownArt is the placeholder some renderers send instead of omitting albumArtURI.
const unknownArt = "un_known"

func ParseDIDLItems(didlXML string) ([]DIDLItem, error) {
	didlXML = strings.TrimSpace(unescapeText(didlXML))
	if didlXML == "" {
		return nil, nil
	}

	dec := newDecoder(repairAmpersands(didlXML))
	var items []DIDLItem

	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return items, nil
			}
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local != "item" && se.Name.Local != "container" {
			continue
		}
		it, err := parseDIDLItem(dec, se)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
}

func parseDIDLItem(dec *xml.Decoder, start xml.StartElement) (DIDLItem, error) {
	var it DIDLItem
	for _, a := range start.Attr {
		if strings.EqualFold(a.Name.Local, "id") {
			it.ID = strings.TrimSpace(a.Value)
		}
	}

	var current string
	for {
		tok, err := dec.Token()
		if err != nil {
			return it, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			current = strings.ToLower(t.Name.Local)
			if current == "res" && it.Duration == 0 {
				for _, a := range t.Attr {
					if a.Name.Local == "duration" {
						it.Duration, _ = ParseDuration(a.Value)
					}
				}
			}
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				if it.AlbumArtURI == unknownArt {
					it.AlbumArtURI = ""
				}
				return it, nil
			}
			current = ""
		case xml.CharData:
			if current == "" {
				continue
			}
			val := strings.TrimSpace(string(t))
			if val == "" {
				continue
			}
			switch current {
			case "title":
				if it.Title == "" {
					it.Title = val
				}
			case "res":
				if it.URI == "" {
					it.URI = val
				}
			case "class":
				if it.Class == "" {
					it.Class = val
				}
			case "artist", "creator":
				if it.Artist == "" {
					it.Artist = val
				}
			case "album":
				if it.Album == "" {
					it.Album = val
				}
			case "albumarturi":
				if it.AlbumArtURI == "" {
					it.AlbumArtURI = val
				}
			}
		}
	}
}

// BuildDIDL renders items as a DIDL-Lite document suitable for
// SetAVTransportURI, AddURIToQueue and queue contexts.
func BuildDIDL(items ...DIDLItem) string {
	var buf bytes.Buffer
	buf.WriteString(`<DIDL-Lite xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/" xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/">`)
	for i, it := range items {
		id := it.ID
		if id == "" {
			id = "item" + strconv.Itoa(i)
		}
		buf.WriteString(`<item id="`)
		escape(&buf, id)
		buf.WriteString(`" parentID="-1" restricted="true">`)
		element(&buf, "dc:title", it.Title)
		element(&buf, "dc:creator", it.Artist)
		element(&buf, "upnp:artist", it.Artist)
		element(&buf, "upnp:album", it.Album)
		element(&buf, "upnp:albumArtURI", it.AlbumArtURI)
		class := it.Class
		if class == "" {
			class = "object.item.audioItem.musicTrack"
		}
		element(&buf, "upnp:class", class)
		buf.WriteString(`<res protocolInfo="http-get:*:*:*"`)
		if it.Duration > 0 {
			buf.WriteString(` duration="` + FormatDuration(it.Duration) + `.000"`)
		}
		buf.WriteString(`>`)
		escape(&buf, it.URI)
		buf.WriteString(`</res></item>`)
	}
	buf.WriteString(`</DIDL-Lite>`)
	return buf.String()
}

func element(buf *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	buf.WriteString("<" + name + ">")
	escape(buf, value)
	buf.WriteString("</" + name + ">")
}

func escape(buf *bytes.Buffer, s string) {
	_ = xml.EscapeText(buf, []byte(s))
}

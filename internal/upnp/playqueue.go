package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// CurrentQueue is the queue name LinkPlay firmware plays from.
const CurrentQueue = "CurrentQueue"

// PlayQueue LoopMode values.
const (
	pqLoopAll        = 0
	pqLoopTrack      = 1
	pqLoopAllShuffle = 2
	pqLoopNone       = 3
	pqLoopShuffle    = 4
)

// LoopFromQueueMode maps a PlayQueue LoopMode integer.
func LoopFromQueueMode(v int) (string, bool) {
	switch v {
	case pqLoopAll, pqLoopAllShuffle:
		return LoopAll, true
	case pqLoopTrack:
		return LoopTrack, true
	case pqLoopNone, pqLoopShuffle:
		return LoopNone, true
	default:
		return "", false
	}
}

func QueueModeFromLoop(loop string) (int, error) {
	switch loop {
	case LoopAll:
		return pqLoopAll, nil
	case LoopTrack:
		return pqLoopTrack, nil
	case LoopNone:
		return pqLoopNone, nil
	default:
		return 0, fmt.Errorf("unknown loop mode %q", loop)
	}
}

// QueueTrack is one entry of a PlayQueue queue context.
type QueueTrack struct {
	URL      string
	Metadata string
}

// QueueContext is the decoded PlayList document BrowseQueue returns.
type QueueContext struct {
	Name        string
	TrackNumber int
	Tracks      []QueueTrack
}

// ParseQueueContext decodes a PlayList document. Track elements are named
// Track1..TrackN; they are returned in document order.
func ParseQueueContext(raw string) (QueueContext, error) {
	raw = strings.TrimSpace(unescapeText(raw))
	var qc QueueContext
	if raw == "" {
		return qc, nil
	}
	dec := newDecoder(repairAmpersands(raw))
	var (
		path    []string
		current *QueueTrack
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return qc, nil
			}
			return QueueContext{}, fmt.Errorf("queue context: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			if len(path) == 2 && path[1] == "Tracks" && strings.HasPrefix(name, "Track") {
				qc.Tracks = append(qc.Tracks, QueueTrack{})
				current = &qc.Tracks[len(qc.Tracks)-1]
			}
			if current != nil && len(path) == 3 {
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					return QueueContext{}, fmt.Errorf("queue context: %w", err)
				}
				switch name {
				case "URL":
					current.URL = strings.TrimSpace(text)
				case "Metadata":
					current.Metadata = strings.TrimSpace(text)
				}
				continue
			}
			if len(path) == 2 && (name == "ListName" || name == "TrackNumber") {
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					return QueueContext{}, fmt.Errorf("queue context: %w", err)
				}
				if name == "ListName" {
					qc.Name = strings.TrimSpace(text)
				} else {
					qc.TrackNumber, _ = strconv.Atoi(strings.TrimSpace(text))
				}
				continue
			}
			if len(path) == 1 && name == "ListName" {
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					return QueueContext{}, fmt.Errorf("queue context: %w", err)
				}
				qc.Name = strings.TrimSpace(text)
				continue
			}
			path = append(path, name)
		case xml.EndElement:
			if len(path) == 0 {
				continue
			}
			if len(path) == 3 && path[1] == "Tracks" {
				current = nil
			}
			path = path[:len(path)-1]
		}
	}
}

// BuildQueueContext renders a PlayList document for ReplaceQueue.
func BuildQueueContext(name string, items []DIDLItem) string {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?><PlayList><ListName>`)
	escape(&buf, name)
	buf.WriteString(`</ListName><ListInfo><SourceName>renderer-sync</SourceName><TrackNumber>`)
	buf.WriteString(strconv.Itoa(len(items)))
	buf.WriteString(`</TrackNumber><SearchUrl></SearchUrl><Quality>0</Quality><UpdateTime>0</UpdateTime><LastPlayIndex>1</LastPlayIndex><SwitchPageMode>0</SwitchPageMode><CurrentPage>0</CurrentPage><TotalPages>0</TotalPages></ListInfo><Tracks>`)
	for i, it := range items {
		tag := "Track" + strconv.Itoa(i+1)
		buf.WriteString("<" + tag + "><URL>")
		escape(&buf, it.URI)
		buf.WriteString("</URL><Metadata>")
		escape(&buf, BuildDIDL(it))
		buf.WriteString("</Metadata><Id>")
		escape(&buf, it.ID)
		buf.WriteString("</Id><Source>renderer-sync</Source></" + tag + ">")
	}
	buf.WriteString(`</Tracks></PlayList>`)
	return buf.String()
}

func (c *Client) BrowseQueue(ctx context.Context, name string) (QueueContext, error) {
	resp, err := c.soapCall(ctx, PlayQueue, "BrowseQueue", map[string]string{"QueueName": name})
	if err != nil {
		return QueueContext{}, err
	}
	return ParseQueueContext(resp["QueueContext"])
}

// GetQueueIndex returns the 1-based index of the current track; 0 means none.
func (c *Client) GetQueueIndex(ctx context.Context, name string) (int, error) {
	resp, err := c.soapCall(ctx, PlayQueue, "GetQueueIndex", map[string]string{"QueueName": name})
	if err != nil {
		return 0, err
	}
	n, _ := firstInt(resp, "CurrentIndex", "QueueIndex", "Index")
	return n, nil
}

func (c *Client) GetQueueLoopMode(ctx context.Context) (string, error) {
	resp, err := c.soapCall(ctx, PlayQueue, "GetQueueLoopMode", nil)
	if err != nil {
		return "", err
	}
	n, ok := firstInt(resp, "LoopMode")
	if !ok {
		return LoopNone, nil
	}
	loop, ok := LoopFromQueueMode(n)
	if !ok {
		return "", fmt.Errorf("unknown queue loop mode %d", n)
	}
	return loop, nil
}

func (c *Client) SetQueueLoopMode(ctx context.Context, loop string) error {
	n, err := QueueModeFromLoop(loop)
	if err != nil {
		return err
	}
	_, err = c.soapCall(ctx, PlayQueue, "SetQueueLoopMode", map[string]string{"LoopMode": strconv.Itoa(n)})
	return err
}

// PlayQueueWithIndex starts playback at a 1-based queue index.
func (c *Client) PlayQueueWithIndex(ctx context.Context, name string, index int) error {
	if index <= 0 {
		return fmt.Errorf("index must be >= 1")
	}
	_, err := c.soapCall(ctx, PlayQueue, "PlayQueueWithIndex", map[string]string{
		"QueueName": name,
		"Index":     strconv.Itoa(index),
	})
	return err
}

func (c *Client) ReplacePlayQueue(ctx context.Context, name string, items []DIDLItem) error {
	_, err := c.soapCall(ctx, PlayQueue, "ReplaceQueue", map[string]string{
		"QueueContext": BuildQueueContext(name, items),
	})
	return err
}

func (c *Client) AppendTracksInQueue(ctx context.Context, name string, items []DIDLItem) error {
	_, err := c.soapCall(ctx, PlayQueue, "AppendTracksInQueue", map[string]string{
		"QueueContext": BuildQueueContext(name, items),
	})
	return err
}

// RemoveTracksInQueue removes the 1-based inclusive range [start, end].
func (c *Client) RemoveTracksInQueue(ctx context.Context, name string, start, end int) error {
	if start <= 0 || end < start {
		return fmt.Errorf("invalid range %d-%d", start, end)
	}
	_, err := c.soapCall(ctx, PlayQueue, "RemoveTracksInQueue", map[string]string{
		"QueueName": name,
		"RangStart": strconv.Itoa(start),
		"RangEnd":   strconv.Itoa(end),
	})
	return err
}

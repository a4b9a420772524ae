package upnp

import (
	"context"
	"fmt"
	"strconv"
)

type BrowseResponse struct {
	Result         string `mapstructure:"Result"`
	NumberReturned int    `mapstructure:"NumberReturned"`
	TotalMatches   int    `mapstructure:"TotalMatches"`
	UpdateID       int    `mapstructure:"UpdateID"`
}

func (c *Client) Browse(ctx context.Context, objectID string, start, count int) (BrowseResponse, error) {
	res, err := decodeResponse[BrowseResponse](c.soapCall(ctx, ContentDirectory, "Browse", map[string]string{
		"ObjectID":       objectID,
		"BrowseFlag":     "BrowseDirectChildren",
		"Filter":         "*",
		"StartingIndex":  strconv.Itoa(start),
		"RequestedCount": strconv.Itoa(count),
		"SortCriteria":   "",
	}))
	if err != nil {
		return BrowseResponse{}, err
	}
	return *res, nil
}

type QueuePage struct {
	Items          []DIDLItem `json:"items"`
	Start          int        `json:"start"`
	NumberReturned int        `json:"numberReturned"`
	TotalMatches   int        `json:"totalMatches"`
	UpdateID       int        `json:"updateID"`
}

const queuePageSize = 100

// ListQueue reads one page of the Sonos queue container Q:0.
func (c *Client) ListQueue(ctx context.Context, start, count int) (QueuePage, error) {
	if start < 0 {
		start = 0
	}
	if count <= 0 {
		count = queuePageSize
	}
	br, err := c.Browse(ctx, "Q:0", start, count)
	if err != nil {
		return QueuePage{}, err
	}
	items, err := c.Metadata.Items(br.Result)
	if err != nil {
		return QueuePage{}, fmt.Errorf("queue page at %d: %w", start, err)
	}
	return QueuePage{
		Items:          items,
		Start:          start,
		NumberReturned: br.NumberReturned,
		TotalMatches:   br.TotalMatches,
		UpdateID:       br.UpdateID,
	}, nil
}

// ListQueueAll pages through Q:0 until TotalMatches items are read or the
// device returns an empty page.
func (c *Client) ListQueueAll(ctx context.Context) ([]DIDLItem, int, error) {
	var (
		all      []DIDLItem
		updateID int
	)
	for {
		page, err := c.ListQueue(ctx, len(all), queuePageSize)
		if err != nil {
			return nil, 0, err
		}
		updateID = page.UpdateID
		all = append(all, page.Items...)
		if len(page.Items) == 0 || len(all) >= page.TotalMatches {
			return all, updateID, nil
		}
	}
}

func (c *Client) AddURIToQueue(ctx context.Context, item DIDLItem, position int, asNext bool) (int, error) {
	if position < 0 {
		position = 0
	}
	next := "0"
	if asNext {
		next = "1"
	}
	resp, err := c.soapCall(ctx, AVTransport, "AddURIToQueue", map[string]string{
		"InstanceID":                      "0",
		"EnqueuedURI":                     item.URI,
		"EnqueuedURIMetaData":             BuildDIDL(item),
		"DesiredFirstTrackNumberEnqueued": strconv.Itoa(position),
		"EnqueueAsNext":                   next,
	})
	if err != nil {
		return 0, err
	}
	n, _ := firstInt(resp, "FirstTrackNumberEnqueued")
	return n, nil
}

func (c *Client) RemoveAllTracksFromQueue(ctx context.Context) error {
	_, err := c.soapCall(ctx, AVTransport, "RemoveAllTracksFromQueue", instance())
	return err
}

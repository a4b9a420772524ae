package upnp

import (
	lru "github.com/hashicorp/golang-lru"
)

const defaultMetadataCacheSize = 256

// MetadataCache memoises DIDL-Lite decoding. Renderers repeat the same
// CurrentTrackMetaData in every AVTransport event, and queue listings repeat
// per-track metadata on every poll.
type MetadataCache struct {
	items *lru.TwoQueueCache
}

func NewMetadataCache(size int) (*MetadataCache, error) {
	if size <= 0 {
		size = defaultMetadataCacheSize
	}
	c, err := lru.New2Q(size)
	if err != nil {
		return nil, err
	}
	return &MetadataCache{items: c}, nil
}

// Items decodes didl, serving repeated payloads from the cache. A nil cache
// decodes every time.
func (m *MetadataCache) Items(didl string) ([]DIDLItem, error) {
	if m == nil || didl == "" {
		return ParseDIDLItems(didl)
	}
	if v, ok := m.items.Get(didl); ok {
		return append([]DIDLItem(nil), v.([]DIDLItem)...), nil
	}
	items, err := ParseDIDLItems(didl)
	if err != nil {
		return nil, err
	}
	m.items.Add(didl, append([]DIDLItem(nil), items...))
	return items, nil
}

// Item returns the first item of didl. ok is false for empty metadata.
func (m *MetadataCache) Item(didl string) (item DIDLItem, ok bool, err error) {
	items, err := m.Items(didl)
	if err != nil || len(items) == 0 {
		return DIDLItem{}, false, err
	}
	return items[0], true, nil
}

func (m *MetadataCache) Len() int {
	if m == nil {
		return 0
	}
	return m.items.Len()
}

package upnp

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Doer issues a single HTTP request. *http.Client satisfies it; callers may
// supply a retrying or instrumented implementation.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	IP      string
	Port    int
	HTTP    Doer
	Profile Profile

	// Metadata caches decoded DIDL-Lite payloads. Nil disables caching.
	Metadata *MetadataCache

	mu       sync.RWMutex
	services map[ServiceID]Service
	udn      string
}

func NewClient(ip string, port int, profile Profile, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cache, _ := NewMetadataCache(defaultMetadataCacheSize)
	c := &Client{
		IP:       ip,
		Port:     port,
		HTTP:     &http.Client{Timeout: timeout},
		Profile:  profile,
		Metadata: cache,
	}
	c.SetServices(DefaultServices(profile))
	return c
}

func (c *Client) baseURL() string {
	port := c.Port
	if port == 0 {
		port = 49152
	}
	return "http://" + net.JoinHostPort(c.IP, strconv.Itoa(port))
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL() + path
}

// Service returns the service table entry, falling back to the profile
// defaults when SetServices was never called.
func (c *Client) Service(id ServiceID) (Service, bool) {
	c.mu.RLock()
	services := c.services
	c.mu.RUnlock()
	if services == nil {
		for _, s := range DefaultServices(c.Profile) {
			if s.ID == id {
				return s, true
			}
		}
		return Service{}, false
	}
	s, ok := services[id]
	return s, ok
}

func (c *Client) Services() []Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.services == nil {
		return DefaultServices(c.Profile)
	}
	out := make([]Service, 0, len(c.services))
	for _, s := range DefaultServices(c.Profile) {
		if cur, ok := c.services[s.ID]; ok {
			out = append(out, cur)
		}
	}
	return out
}

// EventedServices lists the services that accept subscriptions.
func (c *Client) EventedServices() []Service {
	var out []Service
	for _, s := range c.Services() {
		if s.Evented {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) SetServices(services []Service) {
	m := make(map[ServiceID]Service, len(services))
	for _, s := range services {
		m[s.ID] = s
	}
	c.mu.Lock()
	c.services = m
	c.mu.Unlock()
}

// UDN is the device's unique name from its description, if known.
func (c *Client) UDN() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.udn
}

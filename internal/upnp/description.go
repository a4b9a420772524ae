package upnp

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

type Description struct {
	FriendlyName string
	Manufacturer string
	ModelName    string
	UDN          string
}

type descDevice struct {
	FriendlyName string `xml:"friendlyName"`
	Manufacturer string `xml:"manufacturer"`
	ModelName    string `xml:"modelName"`
	UDN          string `xml:"UDN"`
	Services     []struct {
		ServiceType string `xml:"serviceType"`
		ControlURL  string `xml:"controlURL"`
		EventSubURL string `xml:"eventSubURL"`
	} `xml:"serviceList>service"`
	Devices []descDevice `xml:"deviceList>device"`
}

type deviceDesc struct {
	XMLName xml.Name   `xml:"root"`
	URLBase string     `xml:"URLBase"`
	Device  descDevice `xml:"device"`
}

// Describe fetches the device description and points the service table at the
// control and event URLs the device advertises. Services the profile does not
// know are ignored; known services missing from the description keep their
// default paths.
func (c *Client) Describe(ctx context.Context, descriptionPath string) (Description, error) {
	location := c.url(descriptionPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return Description{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Description{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Description{}, fmt.Errorf("device description: %s", resp.Status)
	}
	var dd deviceDesc
	if err := xml.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&dd); err != nil {
		return Description{}, fmt.Errorf("device description: %w", err)
	}

	base, err := url.Parse(location)
	if err != nil {
		return Description{}, err
	}
	if dd.URLBase != "" {
		if b, err := url.Parse(dd.URLBase); err == nil {
			base = b
		}
	}

	services := c.Services()
	byID := make(map[ServiceID]int, len(services))
	for i, s := range services {
		byID[s.ID] = i
	}
	var walk func(d descDevice)
	walk = func(d descDevice) {
		for _, s := range d.Services {
			id, ok := serviceIDFromURN(strings.TrimSpace(s.ServiceType))
			if !ok {
				continue
			}
			i, known := byID[id]
			if !known {
				continue
			}
			if s.ControlURL != "" {
				services[i].ControlPath = resolveRef(base, s.ControlURL)
			}
			if s.EventSubURL != "" {
				services[i].EventPath = resolveRef(base, s.EventSubURL)
			}
			services[i].URN = strings.TrimSpace(s.ServiceType)
		}
		for _, child := range d.Devices {
			walk(child)
		}
	}
	walk(dd.Device)
	c.SetServices(services)

	desc := Description{
		FriendlyName: strings.TrimSpace(dd.Device.FriendlyName),
		Manufacturer: strings.TrimSpace(dd.Device.Manufacturer),
		ModelName:    strings.TrimSpace(dd.Device.ModelName),
		UDN:          strings.TrimSpace(dd.Device.UDN),
	}
	c.mu.Lock()
	c.udn = desc.UDN
	c.mu.Unlock()
	return desc, nil
}

// resolveRef turns a description URL into something Client.url accepts:
// absolute URLs on another host stay absolute, everything else becomes a path.
func resolveRef(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if strings.HasPrefix(ref, "/") {
		return ref
	}
	return path.Join(path.Dir(base.Path), ref)
}

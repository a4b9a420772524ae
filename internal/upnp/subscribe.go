package upnp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Lease is a granted event subscription.
type Lease struct {
	Service ServiceID
	SID     string
	URL     string
	// Timeout is the duration granted by the device. Infinite or missing
	// grants fall back to the requested duration.
	Timeout time.Duration
}

var errMissingSID = errors.New("response missing SID header")

func parseSecondTimeout(h string) (time.Duration, bool) {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0, false
	}
	if strings.EqualFold(h, "infinite") || strings.EqualFold(h, "second-infinite") {
		return 0, true
	}
	h = strings.TrimPrefix(strings.ToLower(h), "second-")
	secs, err := strconv.Atoi(h)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func grantedTimeout(header string, requested time.Duration) (time.Duration, error) {
	if strings.TrimSpace(header) == "" {
		return requested, nil
	}
	to, ok := parseSecondTimeout(header)
	if !ok {
		return 0, fmt.Errorf("malformed TIMEOUT header %q", header)
	}
	if to == 0 {
		return requested, nil
	}
	return to, nil
}

func setTimeoutHeader(req *http.Request, requested time.Duration) {
	if requested > 0 {
		req.Header.Set("TIMEOUT", fmt.Sprintf("Second-%d", int(requested.Seconds())))
	}
}

func (c *Client) Subscribe(ctx context.Context, id ServiceID, callbackURL string, requested time.Duration) (Lease, error) {
	svc, ok := c.Service(id)
	if !ok || !svc.Evented {
		return Lease{}, &SubscriptionError{Service: id, Op: "subscribe", Err: errors.New("service does not send events")}
	}
	eventURL := c.url(svc.EventPath)
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", eventURL, nil)
	if err != nil {
		return Lease{}, &SubscriptionError{Service: id, Op: "subscribe", Err: err}
	}
	req.Header.Set("CALLBACK", "<"+callbackURL+">")
	req.Header.Set("NT", "upnp:event")
	setTimeoutHeader(req, requested)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Lease{}, &SubscriptionError{Service: id, Op: "subscribe", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Lease{}, &SubscriptionError{Service: id, Op: "subscribe", StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	sid := strings.TrimSpace(resp.Header.Get("SID"))
	if sid == "" {
		return Lease{}, &SubscriptionError{Service: id, Op: "subscribe", StatusCode: resp.StatusCode, Err: errMissingSID}
	}
	to, err := grantedTimeout(resp.Header.Get("TIMEOUT"), requested)
	if err != nil {
		return Lease{}, &SubscriptionError{Service: id, Op: "subscribe", StatusCode: resp.StatusCode, Err: err}
	}

	return Lease{
		Service: id,
		SID:     sid,
		URL:     eventURL,
		Timeout: to,
	}, nil
}

// Renew extends lease. The device must answer with the same SID.
func (c *Client) Renew(ctx context.Context, lease Lease, requested time.Duration) (Lease, error) {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", lease.URL, nil)
	if err != nil {
		return Lease{}, &SubscriptionError{Service: lease.Service, Op: "renew", Err: err}
	}
	req.Header.Set("SID", lease.SID)
	setTimeoutHeader(req, requested)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Lease{}, &SubscriptionError{Service: lease.Service, Op: "renew", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Lease{}, &SubscriptionError{Service: lease.Service, Op: "renew", StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	if sid := strings.TrimSpace(resp.Header.Get("SID")); sid != "" && sid != lease.SID {
		return Lease{}, &SubscriptionError{Service: lease.Service, Op: "renew", StatusCode: resp.StatusCode, Err: fmt.Errorf("device answered with SID %q", sid)}
	}
	to, err := grantedTimeout(resp.Header.Get("TIMEOUT"), requested)
	if err != nil {
		return Lease{}, &SubscriptionError{Service: lease.Service, Op: "renew", StatusCode: resp.StatusCode, Err: err}
	}
	lease.Timeout = to
	return lease, nil
}

func (c *Client) Unsubscribe(ctx context.Context, lease Lease) error {
	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", lease.URL, nil)
	if err != nil {
		return &SubscriptionError{Service: lease.Service, Op: "unsubscribe", Err: err}
	}
	req.Header.Set("SID", lease.SID)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &SubscriptionError{Service: lease.Service, Op: "unsubscribe", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusPreconditionFailed {
		// Device rebooted or the lease already lapsed.
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &SubscriptionError{Service: lease.Service, Op: "unsubscribe", StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	return nil
}

package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"renderer-sync/internal/logging"
	"renderer-sync/internal/metrics"
)

const maxResponseBytes = 4 << 20

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail struct {
		UPnPError struct {
			Code        int    `xml:"errorCode"`
			Description string `xml:"errorDescription"`
		} `xml:"UPnPError"`
	} `xml:"detail"`
}

// Call invokes a declared action and returns its output arguments by name.
func (c *Client) Call(ctx context.Context, id ServiceID, action string, args map[string]string) (map[string]string, error) {
	return c.soapCall(ctx, id, action, args)
}

func (c *Client) soapCall(ctx context.Context, id ServiceID, action string, args map[string]string) (map[string]string, error) {
	svc, ok := c.Service(id)
	if !ok {
		return nil, &ActionError{Service: id, Action: action, Err: fmt.Errorf("service not available on this device")}
	}
	if !svc.HasAction(action) {
		return nil, &ActionError{Service: id, Action: action, Err: ErrUnknownAction}
	}

	m := metrics.GetMetrics()
	start := time.Now()
	out, err := c.doSOAP(ctx, svc, action, args)
	m.ActionDuration.WithLabelValues(string(id), action).Observe(time.Since(start).Seconds())
	if err != nil {
		m.ActionCalls.WithLabelValues(string(id), action, "error").Inc()
		logger := logging.Component("upnp")
		logger.Debug().Err(err).Str("service", string(id)).Str("action", action).Msg("action failed")
		return nil, err
	}
	m.ActionCalls.WithLabelValues(string(id), action, "ok").Inc()
	return out, nil
}

func (c *Client) doSOAP(ctx context.Context, svc Service, action string, args map[string]string) (map[string]string, error) {
	body := buildEnvelope(svc, action, args)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(svc.ControlPath), bytes.NewReader(body))
	if err != nil {
		return nil, &ActionError{Service: svc.ID, Action: action, Err: err}
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, svc.URN, action))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &ActionError{Service: svc.ID, Action: action, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ActionError{Service: svc.ID, Action: action, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ae := &ActionError{Service: svc.ID, Action: action, StatusCode: resp.StatusCode}
		if f, ok := parseFault(raw); ok {
			ae.Code = f.Detail.UPnPError.Code
			ae.Description = strings.TrimSpace(f.Detail.UPnPError.Description)
			if ae.Code == 0 && strings.TrimSpace(f.String) != "" {
				ae.Err = errors.New(strings.TrimSpace(f.String))
			}
		} else {
			ae.Err = errors.New(resp.Status)
		}
		return nil, ae
	}

	out, err := parseActionResponse(raw)
	if err != nil {
		return nil, &ActionError{Service: svc.ID, Action: action, StatusCode: resp.StatusCode, Err: err}
	}
	return out, nil
}

func buildEnvelope(svc Service, action string, args map[string]string) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	buf.WriteString(`<s:Body><u:` + action + ` xmlns:u="` + svc.URN + `">`)
	for _, name := range argOrder(svc.Actions[action], args) {
		buf.WriteString("<" + name + ">")
		_ = xml.EscapeText(&buf, []byte(args[name]))
		buf.WriteString("</" + name + ">")
	}
	buf.WriteString(`</u:` + action + `></s:Body></s:Envelope>`)
	return buf.Bytes()
}

// argOrder lists declared arguments first, in declaration order, then any
// extra arguments sorted by name. Declared arguments missing from args are
// sent empty.
func argOrder(declared []string, args map[string]string) []string {
	out := make([]string, 0, len(args)+len(declared))
	seen := make(map[string]bool, len(declared))
	for _, name := range declared {
		out = append(out, name)
		seen[name] = true
	}
	var extra []string
	for name := range args {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// parseActionResponse returns the child elements of the first element inside
// the SOAP Body. Values are unescaped text.
func parseActionResponse(raw []byte) (map[string]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = false
	inBody := false
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil, errors.New("response has no SOAP body")
			}
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !inBody {
			inBody = se.Name.Local == "Body"
			continue
		}
		return readChildren(dec, se)
	}
}

func readChildren(dec *xml.Decoder, parent xml.StartElement) (map[string]string, error) {
	out := map[string]string{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var v string
			if err := dec.DecodeElement(&v, &t); err != nil {
				return nil, err
			}
			out[t.Name.Local] = v
		case xml.EndElement:
			if t.Name.Local == parent.Name.Local {
				return out, nil
			}
		}
	}
}

func parseFault(raw []byte) (soapFault, bool) {
	var env struct {
		Body struct {
			Fault *soapFault `xml:"Fault"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(raw, &env); err != nil || env.Body.Fault == nil {
		return soapFault{}, false
	}
	return *env.Body.Fault, true
}

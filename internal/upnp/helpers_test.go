package upnp

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func testClient(profile Profile, rt roundTripFunc) *Client {
	cache, _ := NewMetadataCache(16)
	return &Client{
		IP:       "192.0.2.1",
		Profile:  profile,
		Metadata: cache,
		HTTP: &http.Client{
			Transport: rt,
			Timeout:   2 * time.Second,
		},
	}
}

// soapAction extracts "Action" from a SOAPACTION header.
func soapAction(req *http.Request) string {
	h := strings.Trim(req.Header.Get("SOAPACTION"), `"`)
	if i := strings.LastIndex(h, "#"); i >= 0 {
		return h[i+1:]
	}
	return h
}

func xmlResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func soapOK(action string, args map[string]string) *http.Response {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>`)
	b.WriteString(`<u:` + action + `Response xmlns:u="urn:test">`)
	for k, v := range args {
		b.WriteString("<" + k + ">")
		b.WriteString(xmlEscape(v))
		b.WriteString("</" + k + ">")
	}
	b.WriteString(`</u:` + action + `Response></s:Body></s:Envelope>`)
	return xmlResponse(http.StatusOK, b.String())
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

func soapFaultWithUPnPCode(code string) string {
	return `<?xml version="1.0"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` +
		`<s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring>` +
		`<detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>` + code + `</errorCode>` +
		`<errorDescription>Transition not available</errorDescription></UPnPError></detail>` +
		`</s:Fault></s:Body></s:Envelope>`
}

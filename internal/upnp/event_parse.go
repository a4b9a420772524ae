package upnp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"html"
	"io"
	"regexp"
	"strings"
	"time"
)

// VariableUpdate is one state variable change reported by the device. Value is
// the device-native string; Channel is set for per-channel variables such as
// Volume.
type VariableUpdate struct {
	Service    ServiceID
	Name       string
	Value      string
	Channel    string
	ObservedAt time.Time
}

var errEmptyPayload = errors.New("empty payload")

// strayAmp matches every '&'; the group is set when it starts a reference.
var strayAmp = regexp.MustCompile(`&([A-Za-z][A-Za-z0-9]*;|#[0-9]+;|#[xX][0-9a-fA-F]+;)?`)

// repairAmpersands escapes '&' characters that do not start an entity or
// character reference. Some firmware embeds raw track titles like "Tom & Jerry".
func repairAmpersands(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return strayAmp.ReplaceAllStringFunc(s, func(m string) string {
		if m == "&" {
			return "&amp;"
		}
		return m
	})
}

func newDecoder(s string) *xml.Decoder {
	dec := xml.NewDecoder(strings.NewReader(s))
	dec.Strict = true
	dec.Entity = xml.HTMLEntity
	return dec
}

// ParseEvent decodes a NOTIFY propertyset. Plain properties become one update
// each; a LastChange property is unwrapped (once more if it arrives doubly
// encoded) and flattened into one update per state variable. Unknown variables
// are kept.
func ParseEvent(service ServiceID, payload []byte, at time.Time) ([]VariableUpdate, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, &ParseError{Service: service, Err: errEmptyPayload}
	}
	repaired := repairAmpersands(string(payload))

	var out []VariableUpdate
	dec := newDecoder(repaired)
	depth := 0
	sawRoot := false
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				if !sawRoot {
					return nil, &ParseError{Service: service, Fragment: truncate(repaired), Err: errors.New("no propertyset element")}
				}
				return out, nil
			}
			return nil, newParseError(service, []byte(repaired), dec.InputOffset(), err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			sawRoot = true
			// propertyset(1) > property(2) > variable(3)
			if depth != 3 {
				continue
			}
			var prop struct {
				Inner string `xml:",innerxml"`
			}
			if err := dec.DecodeElement(&prop, &t); err != nil {
				return nil, newParseError(service, []byte(repaired), dec.InputOffset(), err)
			}
			depth--
			if t.Name.Local != "LastChange" {
				out = append(out, VariableUpdate{
					Service:    service,
					Name:       t.Name.Local,
					Value:      strings.TrimSpace(unescapeText(unwrapCDATA(prop.Inner))),
					ObservedAt: at,
				})
				continue
			}
			updates, err := parseLastChange(service, prop.Inner, at)
			if err != nil {
				return nil, err
			}
			out = append(out, updates...)
		case xml.EndElement:
			depth--
		}
	}
}

func parseLastChange(service ServiceID, raw string, at time.Time) ([]VariableUpdate, error) {
	inner := strings.TrimSpace(unescapeText(unwrapCDATA(raw)))
	if inner == "" {
		return nil, nil
	}
	// Doubly encoded payloads still read "&lt;Event" after one pass.
	inner = unescapeText(inner)
	inner = repairAmpersands(inner)

	var out []VariableUpdate
	dec := newDecoder(inner)
	var inInstance, sawElement bool
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				if !sawElement {
					return nil, &ParseError{Service: service, Fragment: truncate(inner), Err: errors.New("LastChange holds no Event element")}
				}
				return out, nil
			}
			return nil, newParseError(service, []byte(inner), dec.InputOffset(), err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			sawElement = true
			if t.Name.Local == "InstanceID" || t.Name.Local == "QueueID" {
				inInstance = true
				continue
			}
			if !inInstance {
				continue
			}
			u := VariableUpdate{Service: service, Name: t.Name.Local, ObservedAt: at}
			hasVal := false
			for _, a := range t.Attr {
				switch strings.ToLower(a.Name.Local) {
				case "val":
					u.Value = a.Value
					hasVal = true
				case "channel":
					u.Channel = a.Value
				}
			}
			if hasVal {
				out = append(out, u)
			}
		case xml.EndElement:
			if t.Name.Local == "InstanceID" || t.Name.Local == "QueueID" {
				inInstance = false
			}
		}
	}
}

// unwrapCDATA returns the content of a value sent as a single CDATA section.
func unwrapCDATA(s string) string {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "<![CDATA[") && strings.HasSuffix(t, "]]>") {
		return t[len("<![CDATA[") : len(t)-len("]]>")]
	}
	return s
}

// unescapeText decodes escaped markup. Text that already holds elements is
// returned unchanged.
func unescapeText(s string) string {
	if strings.Contains(s, "<") || !strings.Contains(s, "&") {
		return s
	}
	return html.UnescapeString(s)
}

func truncate(s string) string {
	if len(s) > maxFragment {
		return s[:maxFragment]
	}
	return s
}

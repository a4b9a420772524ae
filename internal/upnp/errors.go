package upnp

import (
	"errors"
	"fmt"
)

// ErrUnknownAction is returned before any network I/O when a service does not
// declare the requested action.
var ErrUnknownAction = errors.New("action not declared by service")

// ActionError is a failed SOAP action call. Code is the UPnP errorCode from a
// SOAP fault, or 0 when the device did not send one.
type ActionError struct {
	Service     ServiceID
	Action      string
	StatusCode  int
	Code        int
	Description string
	Err         error
}

func (e *ActionError) Error() string {
	msg := fmt.Sprintf("%s#%s", e.Service, e.Action)
	switch {
	case e.Code != 0 && e.Description != "":
		msg += fmt.Sprintf(": upnp error %d (%s)", e.Code, e.Description)
	case e.Code != 0:
		msg += fmt.Sprintf(": upnp error %d", e.Code)
	case e.StatusCode != 0:
		msg += fmt.Sprintf(": http %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ActionError) Unwrap() error { return e.Err }

// HasUPnPCode reports whether err is an ActionError carrying the given fault code.
func HasUPnPCode(err error, code int) bool {
	var ae *ActionError
	return errors.As(err, &ae) && ae.Code == code
}

// SubscriptionError covers an unreachable device, a rejected lease and a
// response that violates the eventing protocol.
type SubscriptionError struct {
	Service    ServiceID
	Op         string // subscribe, renew, unsubscribe
	StatusCode int
	Err        error
}

func (e *SubscriptionError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Service)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": http %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

const maxFragment = 120

// ParseError names the part of an event payload that could not be decoded.
type ParseError struct {
	Service  ServiceID
	Fragment string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s event near %q: %v", e.Service, e.Fragment, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func newParseError(service ServiceID, payload []byte, offset int64, err error) *ParseError {
	start := int(offset) - maxFragment/2
	if start < 0 {
		start = 0
	}
	end := start + maxFragment
	if end > len(payload) {
		end = len(payload)
	}
	if start > end {
		start = end
	}
	return &ParseError{Service: service, Fragment: string(payload[start:end]), Err: err}
}

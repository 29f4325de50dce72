package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the generic classification of a failed call. Call sites translate it into their own
// domain error; the client never returns a domain error itself.
type Kind int

const (
	// KindNone means the call succeeded.
	KindNone Kind = iota
	// KindNetwork: no response (dial error, timeout, cancelled context, truncated body).
	KindNetwork
	// KindDenied: 401, 403 or 404.
	KindDenied
	// KindConflict: 400 or 409, the server refused the payload.
	KindConflict
	// KindServer: 5xx.
	KindServer
	// KindInvalidResponse: 2xx whose body could not be decoded.
	KindInvalidResponse
	// KindUnexpected: any other non-2xx status.
	KindUnexpected
	// KindRequest: the request could not be built (bad path or unencodable body).
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "success"
	case KindNetwork:
		return "network"
	case KindDenied:
		return "denied"
	case KindConflict:
		return "conflict"
	case KindServer:
		return "server_error"
	case KindInvalidResponse:
		return "invalid_response"
	case KindUnexpected:
		return "unexpected_status"
	case KindRequest:
		return "bad_request"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Classify maps an HTTP status onto a Kind. It looks at the code only.
func Classify(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return KindNone
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusNotFound:
		return KindDenied
	case status == http.StatusBadRequest, status == http.StatusConflict:
		return KindConflict
	case status >= 500 && status < 600:
		return KindServer
	default:
		return KindUnexpected
	}
}

// Failure describes a call that did not produce a usable success body.
type Failure struct {
	Kind    Kind
	Status  int // zero for network and request failures
	Method  string
	Path    string
	Message string // server supplied message, when the error body carried one
	Err     error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("apiclient: %s %s: %s", f.Method, f.Path, f.Kind)
	if f.Status != 0 {
		msg = fmt.Sprintf("apiclient: %s %s: %d %s", f.Method, f.Path, f.Status, f.Kind)
	}
	if f.Message != "" {
		msg += ": " + f.Message
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf reports the classification carried by err. Errors that are not a *Failure are
// reported as KindRequest; nil is KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindRequest
}

// StatusOf returns the HTTP status recorded in err, or zero.
func StatusOf(err error) int {
	var f *Failure
	if errors.As(err, &f) {
		return f.Status
	}
	return 0
}

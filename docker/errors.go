package docker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/containerd/errdefs"
)

// Kind classifies the errors returned by Client operations.
type Kind int

const (
	// KindFailure is any error that none of the other kinds describe. It
	// carries the daemon's status code when there was one.
	KindFailure Kind = iota
	// KindConnectionFailed means the daemon could not be reached over TCP
	// while the client was being constructed.
	KindConnectionFailed
	// KindSocketNotFound means the configured unix socket could not be
	// connected to while the client was being constructed.
	KindSocketNotFound
	// KindBadParameter means the daemon rejected the request (HTTP 400).
	KindBadParameter
	// KindNotFound means the container or image does not exist (HTTP 404).
	KindNotFound
	// KindBusy means the request conflicts with the resource's current
	// state (HTTP 409), e.g. deleting a running container without force.
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "connection-failed"
	case KindSocketNotFound:
		return "socket-not-found"
	case KindBadParameter:
		return "bad-parameter"
	case KindNotFound:
		return "resource-not-found"
	case KindBusy:
		return "resource-busy"
	default:
		return "failure"
	}
}

// Error is the error type returned by Client operations.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int   // zero when no response was received
	Err        error // underlying cause, if any
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errdefs predicates such as errdefs.IsNotFound recognize our
// kinds.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindNotFound:
		return target == errdefs.ErrNotFound
	case KindBadParameter:
		return target == errdefs.ErrInvalidArgument
	case KindBusy:
		return target == errdefs.ErrConflict
	case KindConnectionFailed, KindSocketNotFound:
		return target == errdefs.ErrUnavailable
	}
	return false
}

// KindOf returns the Kind of the first *Error in err's chain, or KindFailure
// when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFailure
}

// StatusCode returns the daemon status code carried by err, or zero.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

func isKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsNotFound reports whether err is a resource-not-found error.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

// IsBadParameter reports whether err is a bad-parameter error.
func IsBadParameter(err error) bool { return isKind(err, KindBadParameter) }

// IsBusy reports whether err is a resource-busy error.
func IsBusy(err error) bool { return isKind(err, KindBusy) }

// IsConnectionFailed reports whether err is a connection-failed error.
func IsConnectionFailed(err error) bool { return isKind(err, KindConnectionFailed) }

// IsSocketNotFound reports whether err is a socket-not-found error.
func IsSocketNotFound(err error) bool { return isKind(err, KindSocketNotFound) }

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// fromResponse classifies a failed daemon response. It is the only place
// status codes are mapped to kinds.
func fromResponse(method, path string, status int, body io.Reader) *Error {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))

	message := strings.TrimSpace(string(data))
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Message != "" {
		message = payload.Message
	}
	if message == "" {
		message = http.StatusText(status)
	}

	kind := KindFailure
	switch status {
	case http.StatusBadRequest:
		kind = KindBadParameter
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusConflict:
		kind = KindBusy
	}

	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf("%s %s: %s", method, path, message),
		StatusCode: status,
	}
}

// fromTransport wraps a failure to exchange a request with the daemon.
func fromTransport(err error) *Error {
	return &Error{
		Kind:    KindFailure,
		Message: "engine request failed",
		Err:     err,
	}
}

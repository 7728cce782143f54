package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Class is how a gateway failure should be handled.
type Class int

const (
	// Configuration: credentials missing or rejected. Do not retry.
	Configuration Class = iota + 1
	// Unlinked: the target has no valid subscription. Do not retry.
	Unlinked
	// Transient: network trouble or a 5xx. Retried with backoff.
	Transient
	// Permanent: the gateway rejected the payload. Do not retry.
	Permanent
)

func (c Class) String() string {
	switch c {
	case Configuration:
		return "configuration"
	case Unlinked:
		return "unlinked"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// ErrChannelUnavailable means the subscription is not Linked, so nothing
// was sent to the gateway.
var ErrChannelUnavailable = errors.New("gateway: push channel unavailable")

// Error is a classified gateway failure.
type Error struct {
	Class    Class
	Op       string
	Status   int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway %s: %s error", e.Op, e.Class)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf extracts the failure class from err.
func ClassOf(err error) (Class, bool) {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Class, true
	}
	return 0, false
}

// IsClass reports whether err is a gateway error of class c.
func IsClass(err error, c Class) bool {
	got, ok := ClassOf(err)
	return ok && got == c
}

func classifyStatus(status int) Class {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Configuration
	case status == http.StatusNotFound, status == http.StatusGone:
		return Unlinked
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Transient
	default:
		return Permanent
	}
}

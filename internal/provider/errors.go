package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind says what the gateway rejected.
type ErrorKind string

const (
	KindUnavailable      ErrorKind = "unavailable"
	KindLoggedOut        ErrorKind = "logged_out"
	KindUnknownRecipient ErrorKind = "unknown_recipient"
	KindRateLimited      ErrorKind = "rate_limited"
	KindRejected         ErrorKind = "rejected"
)

// TransportError classifies transport call failures as transient/permanent.
type TransportError struct {
	StatusCode int
	Kind       ErrorKind
	Message    string
	Transient  bool
	Cause      error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "transport error")

	if e.Kind != "" {
		parts = append(parts, string(e.Kind))
	}

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error is likely to clear up on its own.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// kindForStatus maps a gateway status code onto an ErrorKind. The gateway
// answers 401 when the chat session is logged out and 404 when the recipient
// has no account on the network.
func kindForStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindLoggedOut
	case statusCode == http.StatusNotFound:
		return KindUnknownRecipient
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode >= http.StatusInternalServerError:
		return KindUnavailable
	default:
		return KindRejected
	}
}

// IsLoggedOut reports whether the gateway refused a call because the chat
// session is no longer authenticated.
func IsLoggedOut(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr) && transportErr.Kind == KindLoggedOut
}

// FailureReason is a short label for a failed call, used for metrics and
// outcome events.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) && transportErr.Kind != "" {
		return string(transportErr.Kind)
	}
	if IsTransient(err) {
		return "transient_error"
	}
	return "permanent_error"
}

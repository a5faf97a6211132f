// Package resilience classifies backend errors and retries transient ones
// with exponential backoff.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// BackendError carries an HTTP status code from a research backend so the
// retry policy can distinguish rate limits and gateway failures from
// permanent request errors.
type BackendError struct {
	Backend    string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	return e.Err.Error()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError wraps an error with its originating backend and status.
func NewBackendError(backend string, statusCode int, err error) *BackendError {
	return &BackendError{Backend: backend, StatusCode: statusCode, Err: err}
}

// permanentError forces an error to be treated as non-retryable regardless
// of its shape.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as never-retryable (malformed input, auth failure,
// unparseable response).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked via Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// retryableStatus is the whitelist of HTTP statuses safe to retry: rate
// limiting and upstream gateway trouble. Other 4xx are caller bugs and
// retrying them only burns budget.
func retryableStatus(code int) bool {
	switch code {
	case 429, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Retryable reports whether err is a transient condition worth another
// attempt: a whitelisted HTTP status, a network timeout, or a broken
// connection. Errors marked Permanent never qualify.
func Retryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}

	var be *BackendError
	if errors.As(err, &be) {
		return retryableStatus(be.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Wrapped errors from HTTP clients frequently lose their type.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"context deadline exceeded",
		"i/o timeout",
		"tls handshake timeout",
		"no such host",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// Package apierr defines the SDK error taxonomy shared by the network path,
// the circuit breaker, the retry policy and event persistence.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// Code represents a machine-readable error code
type Code string

const (
	// Network error codes (retryable)
	CodeNetwork          Code = "NETWORK_ERROR"
	CodeTimeout          Code = "NETWORK_TIMEOUT"
	CodeConnectionFailed Code = "CONNECTION_FAILED"
	CodeServerError      Code = "SERVER_ERROR"
	CodeRateLimited      Code = "RATE_LIMITED"

	// Auth error codes (never retried)
	CodeInvalidKey       Code = "AUTH_INVALID_KEY"
	CodeMissingKey       Code = "AUTH_MISSING_KEY"
	CodePermissionDenied Code = "AUTH_PERMISSION_DENIED"

	// Request error codes
	CodeNotFound   Code = "NOT_FOUND"
	CodeBadRequest Code = "BAD_REQUEST"
	CodeBadPayload Code = "INVALID_RESPONSE"

	// SDK-local error codes
	CodeCircuitOpen   Code = "CIRCUIT_OPEN"
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeStorageError  Code = "STORAGE_ERROR"
	CodeStreamError   Code = "STREAM_ERROR"
	CodeClosed        Code = "CLIENT_CLOSED"
	CodeOffline       Code = "OFFLINE"
)

// Retryable reports whether errors with this code may succeed on a later attempt.
func (c Code) Retryable() bool {
	switch c {
	case CodeNetwork, CodeTimeout, CodeConnectionFailed, CodeServerError, CodeRateLimited:
		return true
	default:
		return false
	}
}

// Error is the error type returned by every SDK component.
type Error struct {
	Code       Code
	Message    string
	StatusCode int           // HTTP status, 0 when no response was received
	RetryAfter time.Duration // server hint for rate-limited responses
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error with the given code around a cause.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code carried by err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// FromStatus maps a non-2xx HTTP status into the error taxonomy.
func FromStatus(status int, body string) *Error {
	e := &Error{StatusCode: status, Message: body}
	switch {
	case status == http.StatusUnauthorized:
		e.Code = CodeInvalidKey
	case status == http.StatusForbidden:
		e.Code = CodePermissionDenied
	case status == http.StatusNotFound:
		e.Code = CodeNotFound
	case status == http.StatusTooManyRequests:
		e.Code = CodeRateLimited
	case status == http.StatusRequestTimeout:
		e.Code = CodeTimeout
	case status >= 500:
		e.Code = CodeServerError
	default:
		e.Code = CodeBadRequest
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// FromTransport classifies an error returned by http.Client.Do.
func FromTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeTimeout, err, "request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(CodeTimeout, err, "request timed out")
	}
	if isConnectionError(err) {
		return Wrap(CodeConnectionFailed, err, "connection failed")
	}
	return Wrap(CodeNetwork, err, "request failed")
}

// IsRetryable reports whether an operation that failed with err is worth retrying.
// Cancellation is never retryable; transport failures, timeouts, 5xx and
// rate-limited responses are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err != nil && isConnectionError(urlErr.Err)
	}
	return false
}

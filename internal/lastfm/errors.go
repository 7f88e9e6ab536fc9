package lastfm

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Last.fm API error codes.
const (
	errCodeInvalidService    = 2
	errCodeInvalidMethod     = 3
	errCodeAuthFailed        = 4
	errCodeInvalidFormat     = 5
	errCodeInvalidParams     = 6
	errCodeInvalidResource   = 7
	errCodeOperationFailed   = 8
	errCodeInvalidSession    = 9
	errCodeInvalidAPIKey     = 10
	errCodeServiceOffline    = 11
	errCodeInvalidSignature  = 13
	errCodeUnauthorizedToken = 14
	errCodeTemporaryError    = 16
	errCodeSuspendedAPIKey   = 26
	errCodeDeprecated        = 27
	errCodeRateLimited       = 29
)

// Machine-readable reasons carried by *Error.
const (
	ReasonRateLimited     = "rate_limited"
	ReasonUnavailable     = "upstream_unavailable"
	ReasonTransport       = "transport_failure"
	ReasonContentType     = "unexpected_content_type"
	ReasonMalformedBody   = "malformed_body"
	ReasonCircuitOpen     = "circuit_open"
	ReasonInvalidAPIKey   = "invalid_api_key"
	ReasonUnauthorized    = "unauthorized"
	ReasonInvalidRequest  = "invalid_request"
	ReasonUpstreamFailure = "upstream_error"
)

// Sentinel errors. *Error values match them through errors.Is.
var (
	// ErrRateLimited matches rate-limit errors (API code 29 or HTTP 429).
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidAPIKey matches invalid or suspended API key errors.
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrUnavailable matches any transient upstream condition.
	ErrUnavailable = errors.New("upstream temporarily unavailable")
)

// Error is the single error type produced for failed upstream reads.
type Error struct {
	Method     string        // API method, e.g. user.getrecenttracks
	Status     int           // HTTP-like status class
	Code       int           // Last.fm error code, 0 when the failure was not reported by the API
	Reason     string        // machine-readable reason
	Message    string        // human-readable detail
	Transient  bool          // retryable after a cooldown
	RetryAfter time.Duration // upstream hint, zero when absent
	Err        error         // underlying transport error, if any
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("lastfm")
	if e.Method != "" {
		b.WriteString(" " + e.Method)
	}
	fmt.Fprintf(&b, ": %s (status %d", e.Reason, e.Status)
	if e.Code != 0 {
		fmt.Fprintf(&b, ", code %d", e.Code)
	}
	b.WriteString(")")
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Code == errCodeRateLimited || e.Status == http.StatusTooManyRequests
	case ErrInvalidAPIKey:
		return e.Code == errCodeInvalidAPIKey || e.Code == errCodeSuspendedAPIKey
	case ErrUnavailable:
		return e.Transient
	}
	return false
}

// IsTransient reports whether err is worth retrying after a cooldown.
// Network timeouts count as transient; context cancellation does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// RetryAfter returns the retry hint carried by err, or def.
func RetryAfter(err error, def time.Duration) time.Duration {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	return def
}

// fromAPICode classifies an error reported in a response body.
func fromAPICode(code int, message string, status int) *Error {
	e := &Error{Code: code, Message: message}
	switch code {
	case errCodeRateLimited:
		e.Status, e.Reason, e.Transient = http.StatusTooManyRequests, ReasonRateLimited, true
	case errCodeOperationFailed, errCodeServiceOffline, errCodeTemporaryError:
		e.Status, e.Reason, e.Transient = http.StatusServiceUnavailable, ReasonUnavailable, true
	case errCodeInvalidAPIKey, errCodeSuspendedAPIKey:
		e.Status, e.Reason = http.StatusUnauthorized, ReasonInvalidAPIKey
	case errCodeAuthFailed, errCodeInvalidSession, errCodeUnauthorizedToken:
		e.Status, e.Reason = http.StatusForbidden, ReasonUnauthorized
	case errCodeInvalidService, errCodeInvalidMethod, errCodeInvalidFormat, errCodeInvalidParams,
		errCodeInvalidResource, errCodeInvalidSignature, errCodeDeprecated:
		e.Status, e.Reason = http.StatusBadRequest, ReasonInvalidRequest
	default:
		e.Status, e.Reason = http.StatusBadGateway, ReasonUpstreamFailure
	}
	// A 5xx transport status wins over a permanent body code.
	if status >= 500 && !e.Transient {
		e.Status, e.Transient = status, true
	}
	return e
}

// fromStatus classifies a non-success HTTP status without a usable body.
func fromStatus(status int, retryAfter time.Duration) *Error {
	e := &Error{
		Status:     status,
		Message:    http.StatusText(status),
		RetryAfter: retryAfter,
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Reason, e.Transient = ReasonRateLimited, true
	case status >= 500:
		e.Reason, e.Transient = ReasonUnavailable, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Reason = ReasonUnauthorized
	default:
		e.Reason = ReasonInvalidRequest
	}
	return e
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

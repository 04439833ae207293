package provider

import (
	"fmt"
	"net/http"
	"time"
)

// Provider error kinds.
const (
	KindValidation  = "validation"
	KindRateLimit   = "rate_limit"
	KindUnavailable = "unavailable"
	KindConflict    = "conflict"
	KindUnknown     = "unknown"
)

// Error is a failure reported by an upstream provider.
type Error struct {
	Provider   string
	StatusCode int    // zero when the failure did not come with an HTTP status
	Kind       string // one of the Kind constants, or empty
	Message    string
	Param      string // offending input field, if the provider named one
	RetryDelay time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s (status=%d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the upstream status code, or zero.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// ProviderErrorKind returns the provider's failure discriminator.
func (e *Error) ProviderErrorKind() string { return e.Kind }

// ErrorParam returns the offending input field.
func (e *Error) ErrorParam() string { return e.Param }

// RetryAfter returns the server-provided retry delay.
func (e *Error) RetryAfter() (time.Duration, bool) {
	return e.RetryDelay, e.RetryDelay > 0
}

// ErrorFromStatusCode builds an Error for a non-2xx response.
func ErrorFromStatusCode(provider string, statusCode int, message, param string, retryAfter time.Duration) *Error {
	if message == "" {
		message = http.StatusText(statusCode)
	}
	e := &Error{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
		Param:      param,
		RetryDelay: retryAfter,
	}
	switch {
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnprocessableEntity:
		e.Kind = KindValidation
	case statusCode == http.StatusConflict:
		e.Kind = KindConflict
	case statusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
	case statusCode >= 500:
		e.Kind = KindUnavailable
	}
	return e
}

// Package toolerr defines the flat error taxonomy returned across the tool
// boundary and the normalizer that maps arbitrary failures onto it.
package toolerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Category is one of the five closed error categories.
type Category string

const (
	InvalidRequest       Category = "invalid_request"
	RequestNotIdempotent Category = "request_not_idempotent"
	ProcessingError      Category = "processing_error"
	ServiceUnavailable   Category = "service_unavailable"
	RateLimitExceeded    Category = "rate_limit_exceeded"
)

// Codes used by the normalizer and by components that raise errors directly.
const (
	CodeBadRequest          = "bad_request"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not_found"
	CodeIdempotencyConflict = "idempotency_conflict"
	CodeValidation          = "validation_error"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeServiceError        = "service_error"
	CodeRequestTimeout      = "request_timeout"
	CodeNetwork             = "network_error"
	CodeInternal            = "internal_error"
	CodeProvider            = "provider_error"
	CodeUnknown             = "unknown_error"
	CodeCancelled           = "cancelled"
	CodeTypeError           = "type_error"
	CodeRangeError          = "range_error"
	CodeSyntaxError         = "syntax_error"
	CodeRuntimeError        = "runtime_error"
)

// HTTPStatus returns the HTTP-equivalent status class of the category.
func (c Category) HTTPStatus() int {
	switch c {
	case InvalidRequest:
		return http.StatusBadRequest
	case RequestNotIdempotent:
		return http.StatusConflict
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ClientCaused reports whether errors of this category are the caller's
// fault. Client-caused errors are never retried.
func (c Category) ClientCaused() bool {
	return c == InvalidRequest || c == RequestNotIdempotent
}

// Error is a normalized failure. Values are not mutated after construction;
// use WithRequestID to derive a copy carrying a correlation id.
type Error struct {
	Type      Category `json:"type"`
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Param     string   `json:"param,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
}

// New creates a normalized error.
func New(category Category, code, message string) *Error {
	return &Error{Type: category, Code: code, Message: message}
}

// NotFound creates an invalid_request/not_found error.
func NotFound(message string) *Error {
	return New(InvalidRequest, CodeNotFound, message)
}

// IdempotencyConflict is raised when a live idempotency key is reused with
// different parameters.
func IdempotencyConflict(key string) *Error {
	return New(RequestNotIdempotent, CodeIdempotencyConflict,
		fmt.Sprintf("idempotency key %q was already used with different parameters", key))
}

// Cancelled is returned when the caller abandons a request.
func Cancelled(message string) *Error {
	return New(ServiceUnavailable, CodeCancelled, message)
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s/%s: %s", e.Type, e.Code, e.Message)
}

// HTTPStatus returns the HTTP-equivalent status of the error's category,
// or 0 for a nil *Error.
func (e *Error) HTTPStatus() int {
	if e == nil {
		return 0
	}
	return e.Type.HTTPStatus()
}

// WithRequestID returns a copy of e with the request id set.
func (e *Error) WithRequestID(requestID string) *Error {
	cp := *e
	cp.RequestID = requestID
	return &cp
}

// Is matches another *Error with the same type and code, so sentinel-style
// comparisons such as errors.Is(err, toolerr.NotFound("")) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if e == nil || !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) && te != nil {
		return te, true
	}
	return nil, false
}

// IsRetryable reports whether a failure may succeed when the same request is
// issued again. It classifies without logging. Client-caused categories are
// never retryable; rate limits and every server-side category are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !Classify(err).Type.ClientCaused()
}

package toolerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"unicode/utf8"
)

// unauthorizedMessage replaces upstream 401 detail, which may echo credentials.
const unauthorizedMessage = "Authentication with the upstream provider failed"

const networkMessage = "Unable to reach the upstream provider"

const timeoutMessage = "The upstream request timed out"

// Failure shapes recognized anywhere in an error chain.
type (
	statusCoder    interface{ HTTPStatus() int }
	paramCarrier   interface{ ErrorParam() string }
	providerKinded interface{ ProviderErrorKind() string }
	networkCoded   interface{ NetworkCode() string }
	timeouter      interface{ Timeout() bool }
)

// matcher returns a classification, or nil when raw does not have its shape.
type matcher func(raw any) *Error

// matchers is the priority order. matchUnknown is the final fallback.
var matchers = []matcher{
	matchNormalized,
	matchRuntime,
	matchTimeout,
	matchPlain,
	matchStatus,
	matchProviderKind,
	matchNetwork,
}

func matchNormalized(raw any) *Error {
	switch v := raw.(type) {
	case *Error:
		if v == nil {
			return matchUnknown(nil)
		}
		return v
	case Error:
		return &v
	case error:
		if e, ok := As(v); ok {
			return e
		}
	}
	return nil
}

func matchRuntime(raw any) *Error {
	err, ok := raw.(error)
	if !ok {
		return nil
	}
	var (
		typeErr    *json.UnmarshalTypeError
		syntaxErr  *json.SyntaxError
		invalidErr *json.InvalidUnmarshalError
		numErr     *strconv.NumError
		assertErr  *runtime.TypeAssertionError
		rtErr      runtime.Error
	)
	switch {
	case errors.As(err, &typeErr):
		e := New(InvalidRequest, CodeTypeError, messageOf(err))
		e.Param = typeErr.Field
		return e
	case errors.As(err, &syntaxErr):
		return New(InvalidRequest, CodeSyntaxError, messageOf(err))
	case errors.As(err, &invalidErr):
		return New(InvalidRequest, CodeTypeError, messageOf(err))
	case errors.As(err, &numErr):
		if errors.Is(numErr.Err, strconv.ErrRange) {
			return New(InvalidRequest, CodeRangeError, messageOf(err))
		}
		return New(InvalidRequest, CodeTypeError, messageOf(err))
	case errors.As(err, &assertErr):
		return New(InvalidRequest, CodeTypeError, messageOf(err))
	case errors.As(err, &rtErr):
		msg := rtErr.Error()
		if strings.Contains(msg, "out of range") || strings.Contains(msg, "bounds") {
			return New(InvalidRequest, CodeRangeError, messageOf(err))
		}
		return New(InvalidRequest, CodeRuntimeError, messageOf(err))
	}
	return nil
}

func matchTimeout(raw any) *Error {
	err, ok := raw.(error)
	if !ok {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(ServiceUnavailable, CodeRequestTimeout, timeoutMessage)
	}
	var t timeouter
	if errors.As(err, &t) && t.Timeout() {
		return New(ServiceUnavailable, CodeRequestTimeout, timeoutMessage)
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled("The request was cancelled")
	}
	return nil
}

// matchPlain handles errors that carry nothing but a message.
func matchPlain(raw any) *Error {
	err, ok := raw.(error)
	if !ok || hasShape(err) {
		return nil
	}
	return New(ProcessingError, CodeInternal, messageOf(err))
}

func hasShape(err error) bool {
	if _, ok := statusOf(err); ok {
		return true
	}
	if _, ok := providerKindOf(err); ok {
		return true
	}
	_, ok := networkCodeOf(err)
	return ok
}

func matchStatus(raw any) *Error {
	status, ok := statusOf(raw)
	if !ok {
		return nil
	}
	msg := messageOf(raw)
	switch {
	case status == 400:
		return New(InvalidRequest, CodeBadRequest, msg)
	case status == 401:
		return New(InvalidRequest, CodeUnauthorized, unauthorizedMessage)
	case status == 403:
		return New(InvalidRequest, CodeForbidden, msg)
	case status == 404:
		return New(InvalidRequest, CodeNotFound, msg)
	case status == 409:
		return New(RequestNotIdempotent, CodeIdempotencyConflict, msg)
	case status == 422:
		e := New(InvalidRequest, CodeValidation, msg)
		e.Param = paramOf(raw)
		return e
	case status == 429:
		return New(RateLimitExceeded, CodeRateLimitExceeded, msg)
	case status >= 500:
		return New(ServiceUnavailable, CodeServiceError, msg)
	default:
		return New(InvalidRequest, fmt.Sprintf("http_%d", status), msg)
	}
}

type classification struct {
	category Category
	code     string
}

var providerKinds = map[string]classification{
	"validation":  {InvalidRequest, CodeValidation},
	"rate_limit":  {RateLimitExceeded, CodeRateLimitExceeded},
	"unavailable": {ServiceUnavailable, CodeServiceError},
	"conflict":    {RequestNotIdempotent, CodeIdempotencyConflict},
	"unknown":     {ProcessingError, CodeProvider},
}

func matchProviderKind(raw any) *Error {
	kind, ok := providerKindOf(raw)
	if !ok {
		return nil
	}
	c, known := providerKinds[kind]
	if !known {
		c = providerKinds["unknown"]
	}
	e := New(c.category, c.code, messageOf(raw))
	if c.category == InvalidRequest {
		e.Param = paramOf(raw)
	}
	return e
}

var networkCodes = map[string]bool{
	"ECONNREFUSED": true,
	"ECONNRESET":   true,
	"ETIMEDOUT":    true,
	"ENOTFOUND":    true,
	"EHOSTUNREACH": true,
	"ENETUNREACH":  true,
	"EAI_AGAIN":    true,
}

func matchNetwork(raw any) *Error {
	if _, ok := networkCodeOf(raw); !ok {
		return nil
	}
	return New(ServiceUnavailable, CodeNetwork, networkMessage)
}

func matchUnknown(raw any) *Error {
	var msg string
	switch v := raw.(type) {
	case nil:
		msg = "unknown error"
	case string:
		msg = sanitize(v)
	default:
		msg = messageOf(raw)
	}
	return New(ProcessingError, CodeUnknown, msg)
}

func statusOf(raw any) (int, bool) {
	switch v := raw.(type) {
	case error:
		var sc statusCoder
		if errors.As(v, &sc) && sc.HTTPStatus() >= 400 {
			return sc.HTTPStatus(), true
		}
	case map[string]any:
		for _, k := range []string{"status", "statusCode", "status_code"} {
			if n, ok := toInt(v[k]); ok && n >= 400 {
				return n, true
			}
		}
	}
	return 0, false
}

func providerKindOf(raw any) (string, bool) {
	switch v := raw.(type) {
	case error:
		var pk providerKinded
		if errors.As(v, &pk) && pk.ProviderErrorKind() != "" {
			return pk.ProviderErrorKind(), true
		}
	case map[string]any:
		if s, ok := v["kind"].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func networkCodeOf(raw any) (string, bool) {
	switch v := raw.(type) {
	case error:
		var nc networkCoded
		if errors.As(v, &nc) && networkCodes[nc.NetworkCode()] {
			return nc.NetworkCode(), true
		}
		for code, errno := range map[string]syscall.Errno{
			"ECONNREFUSED": syscall.ECONNREFUSED,
			"ECONNRESET":   syscall.ECONNRESET,
			"ETIMEDOUT":    syscall.ETIMEDOUT,
			"EHOSTUNREACH": syscall.EHOSTUNREACH,
			"ENETUNREACH":  syscall.ENETUNREACH,
		} {
			if errors.Is(v, errno) {
				return code, true
			}
		}
		var dnsErr *net.DNSError
		if errors.As(v, &dnsErr) {
			return "ENOTFOUND", true
		}
		var opErr *net.OpError
		if errors.As(v, &opErr) && opErr.Op == "dial" {
			return "ECONNREFUSED", true
		}
	case map[string]any:
		if s, ok := v["code"].(string); ok && networkCodes[s] {
			return s, true
		}
	}
	return "", false
}

func messageOf(raw any) string {
	switch v := raw.(type) {
	case error:
		return sanitize(v.Error())
	case map[string]any:
		for _, k := range []string{"message", "detail", "error", "title"} {
			if s, ok := v[k].(string); ok && s != "" {
				return sanitize(s)
			}
		}
	}
	return sanitize(fmt.Sprint(raw))
}

func paramOf(raw any) string {
	switch v := raw.(type) {
	case error:
		var pc paramCarrier
		if errors.As(v, &pc) {
			return pc.ErrorParam()
		}
	case map[string]any:
		for _, k := range []string{"param", "field"} {
			if s, ok := v[k].(string); ok {
				return s
			}
		}
	}
	return ""
}

// sanitize keeps the first line only, so stack traces never leak, and bounds
// the length.
func sanitize(msg string) string {
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "unknown error"
	}
	if len(msg) > maxMessageLen {
		cut := maxMessageLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

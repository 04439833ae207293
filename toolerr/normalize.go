package toolerr

import (
	"context"
	"log/slog"
)

// maxMessageLen bounds messages derived from arbitrary input.
const maxMessageLen = 500

// Normalizer maps arbitrary failures onto the taxonomy and logs each
// normalization. Client-caused categories log at warn, everything else at
// error; alerting may depend on this split.
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer creates a Normalizer. A nil logger uses slog.Default().
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger}
}

// Normalize classifies raw and returns the normalized error. raw may be an
// error, a recovered panic value, a decoded JSON object, or any other value,
// including nil. An already-normalized error is returned unchanged, except
// that an empty request id is filled in. fields are extra slog key-value
// pairs attached to the log record.
func (n *Normalizer) Normalize(raw any, requestID string, fields ...any) *Error {
	e := Classify(raw)
	if e.RequestID == "" && requestID != "" {
		e = e.WithRequestID(requestID)
	}
	n.log(e, fields)
	return e
}

func (n *Normalizer) log(e *Error, fields []any) {
	level := slog.LevelError
	if e.Type.ClientCaused() {
		level = slog.LevelWarn
	}
	args := make([]any, 0, len(fields)+8)
	args = append(args,
		"type", string(e.Type),
		"code", e.Code,
		"message", e.Message,
	)
	if e.RequestID != "" {
		args = append(args, "request_id", e.RequestID)
	}
	if e.Param != "" {
		args = append(args, "param", e.Param)
	}
	args = append(args, fields...)
	n.logger.Log(context.Background(), level, "request failed", args...)
}

// Classify maps raw onto the taxonomy without logging. Matchers run in a
// fixed priority order and the first match wins.
func Classify(raw any) *Error {
	for _, m := range matchers {
		if e := m(raw); e != nil {
			return e
		}
	}
	return matchUnknown(raw)
}

// Normalize normalizes raw with a Normalizer backed by slog.Default().
func Normalize(raw any, requestID string, fields ...any) *Error {
	return NewNormalizer(nil).Normalize(raw, requestID, fields...)
}

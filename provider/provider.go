// Package provider talks to upstream generation backends. Adapters translate
// a prediction request into a backend call and surface failures with the
// shapes the toolerr normalizer understands: an HTTP status, a provider kind
// discriminator, a Retry-After hint, or the underlying network error.
package provider

import (
	"context"
	"time"
)

// Prediction statuses.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Terminal reports whether a prediction in status s will not change again.
func Terminal(s string) bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Request is one prediction call.
type Request struct {
	Model     string         // catalog model id, e.g. "black-forest-labs/flux-schnell"
	Provider  string         // adapter name; empty routes by model
	Input     map[string]any // tool arguments
	RequestID string
}

// Prediction is the upstream result of a generation call.
type Prediction struct {
	ID          string         `json:"id"`
	Model       string         `json:"model"`
	Provider    string         `json:"provider"`
	Status      string         `json:"status"`
	Output      any            `json:"output,omitempty"`
	Metrics     map[string]any `json:"metrics,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt time.Time      `json:"completedAt,omitzero"`
}

// Adapter is the interface every provider backend implements.
type Adapter interface {
	// Name returns the provider identifier (e.g. "replicate", "openai").
	Name() string

	// Predict runs a generation and blocks until it reaches a terminal state.
	Predict(ctx context.Context, req Request) (*Prediction, error)

	// FetchSchema returns the JSON Schema of the model's input.
	FetchSchema(ctx context.Context, modelID string) (map[string]any, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

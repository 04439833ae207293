package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Middleware wraps a prediction call. It receives the request and a next
// function that calls the downstream handler.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Prediction, error)) (*Prediction, error)

// Client routes requests to registered adapters by provider name and applies
// middleware.
type Client struct {
	mu              sync.RWMutex
	adapters        map[string]Adapter
	defaultProvider string
	router          func(modelID string) string
	middleware      []Middleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAdapter registers an adapter under its Name.
func WithAdapter(adapter Adapter) ClientOption {
	return func(c *Client) {
		c.adapters[adapter.Name()] = adapter
	}
}

// WithDefaultProvider sets the provider used when a request names none and
// the router has no opinion.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithRouter sets the function mapping a model id to a provider name.
func WithRouter(router func(modelID string) string) ClientOption {
	return func(c *Client) {
		c.router = router
	}
}

// WithMiddleware adds middleware to the client.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		adapters: make(map[string]Adapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one adapter, use it.
	if c.defaultProvider == "" && len(c.adapters) == 1 {
		for name := range c.adapters {
			c.defaultProvider = name
		}
	}
	return c
}

// Register adds an adapter to the client.
func (c *Client) Register(adapter Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[adapter.Name()] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = adapter.Name()
	}
}

// Providers returns the registered adapter names.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.adapters))
	for name := range c.adapters {
		names = append(names, name)
	}
	return names
}

func (c *Client) resolve(name, modelID string) (Adapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if name == "" && c.router != nil {
		name = c.router(modelID)
	}
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, fmt.Errorf("no provider configured for model %q", modelID)
	}
	adapter, ok := c.adapters[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", name)
	}
	return adapter, nil
}

// Predict sends a request through middleware to the resolved adapter.
func (c *Client) Predict(ctx context.Context, req Request) (*Prediction, error) {
	adapter, err := c.resolve(req.Provider, req.Model)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	handler := adapter.Predict
	// Apply middleware in reverse order so first registered runs first.
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := handler
		handler = func(ctx context.Context, r Request) (*Prediction, error) {
			return mw(ctx, r, next)
		}
	}
	return handler(ctx, req)
}

// FetchSchema asks the adapter that serves modelID for its input schema.
func (c *Client) FetchSchema(ctx context.Context, modelID string) (map[string]any, error) {
	adapter, err := c.resolve("", modelID)
	if err != nil {
		return nil, err
	}
	return adapter.FetchSchema(ctx, modelID)
}

// Close releases resources held by all registered adapters.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.adapters {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// LoggingMiddleware logs each prediction call with its duration.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Prediction, error)) (*Prediction, error) {
		start := time.Now()
		pred, err := next(ctx, req)
		attrs := []any{
			"provider", req.Provider,
			"model", req.Model,
			"request_id", req.RequestID,
			"duration", time.Since(start),
		}
		if err != nil {
			logger.DebugContext(ctx, "prediction failed", append(attrs, "error", err)...)
			return nil, err
		}
		logger.InfoContext(ctx, "prediction completed", append(attrs, "prediction_id", pred.ID, "status", pred.Status)...)
		return pred, nil
	}
}

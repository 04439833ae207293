// Package schema resolves the JSON Schema of a model's input. Fetched schemas
// are cached for a TTL; when the upstream lookup fails a heuristic schema is
// returned instead, so resolution never fails.
package schema

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long a fetched schema is served from cache.
	DefaultTTL = time.Hour
	// DefaultFetchTimeout bounds one upstream schema lookup.
	DefaultFetchTimeout = 30 * time.Second
)

// Fetcher retrieves a model's input schema from upstream.
type Fetcher interface {
	FetchSchema(ctx context.Context, modelID string) (map[string]any, error)
}

type entry struct {
	schema    map[string]any
	fetchedAt time.Time
}

// Resolver caches input schemas per model.
type Resolver struct {
	fetcher      Fetcher
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry
	flights singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL sets the cache lifetime. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithFetchTimeout bounds each upstream lookup. Non-positive values are ignored.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a Resolver backed by fetcher.
func NewResolver(fetcher Fetcher, opts ...Option) *Resolver {
	r := &Resolver{
		fetcher:      fetcher,
		ttl:          DefaultTTL,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		logger:       slog.Default(),
		entries:      make(map[string]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the input schema for modelID. A fresh cached schema is
// returned as is; otherwise upstream is consulted, with concurrent lookups
// for the same model sharing one fetch. Fetch failures and caller
// cancellation yield Heuristic(modelID), which is not cached.
func (r *Resolver) Resolve(ctx context.Context, modelID string) map[string]any {
	if s, ok := r.cached(modelID); ok {
		return s
	}

	ch := r.flights.DoChan(modelID, func() (any, error) {
		// Detached so one caller leaving does not fail the shared fetch.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()
		s, err := r.fetcher.FetchSchema(fctx, modelID)
		if err != nil {
			return nil, err
		}
		if s == nil {
			s = map[string]any{"type": "object"}
		}
		r.mu.Lock()
		r.entries[modelID] = entry{schema: s, fetchedAt: r.now()}
		r.mu.Unlock()
		return s, nil
	})

	select {
	case <-ctx.Done():
		return Heuristic(modelID)
	case res := <-ch:
		if res.Err != nil {
			r.logger.WarnContext(ctx, "schema fetch failed, using inferred schema",
				"model", modelID, "error", res.Err)
			return Heuristic(modelID)
		}
		return res.Val.(map[string]any)
	}
}

func (r *Resolver) cached(modelID string) (map[string]any, bool) {
	r.mu.RLock()
	e, ok := r.entries[modelID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if r.now().Sub(e.fetchedAt) > r.ttl {
		r.mu.Lock()
		// Only drop the entry we saw; a concurrent fetch may have replaced it.
		if cur, ok := r.entries[modelID]; ok && cur.fetchedAt.Equal(e.fetchedAt) {
			delete(r.entries, modelID)
		}
		r.mu.Unlock()
		return nil, false
	}
	return e.schema, true
}

// Invalidate drops the cached schema for modelID.
func (r *Resolver) Invalidate(modelID string) {
	r.mu.Lock()
	delete(r.entries, modelID)
	r.mu.Unlock()
}

// Purge drops every cached schema.
func (r *Resolver) Purge() {
	r.mu.Lock()
	clear(r.entries)
	r.mu.Unlock()
}

// Len returns the number of cached schemas, including stale ones not yet
// looked up again.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

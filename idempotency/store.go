// Package idempotency deduplicates side-effecting calls by client-supplied
// idempotency key. A key is bound to the digest of the parameters it was first
// used with; reusing a live key with different parameters is a conflict.
package idempotency

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/martinemde/modelgate/toolerr"
)

const (
	// DefaultTTL is how long a stored response stays live.
	DefaultTTL = 24 * time.Hour
	// DefaultEvictInterval is the janitor period.
	DefaultEvictInterval = time.Hour
)

// Entry is a stored response bound to a key and parameter digest.
type Entry struct {
	Key       string
	Digest    string
	Response  any
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (e *Entry) live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Size         int       `json:"size"`
	OldestExpiry time.Time `json:"oldestExpiry,omitzero"`
	NewestExpiry time.Time `json:"newestExpiry,omitzero"`
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the entry lifetime. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithEvictInterval sets the janitor period. Non-positive values are ignored.
func WithEvictInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.evictInterval = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store is an in-memory, process-local idempotency store. It is safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry

	ttl           time.Duration
	evictInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	flights singleflight.Group

	started   bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Store. Call Start to run the background janitor.
func New(opts ...Option) *Store {
	s := &Store{
		entries:       make(map[string]*Entry),
		ttl:           DefaultTTL,
		evictInterval: DefaultEvictInterval,
		now:           time.Now,
		logger:        slog.Default(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured entry lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Lookup returns the live response stored under key. It reports false when no
// live entry exists. A live entry whose digest differs from params yields a
// request_not_idempotent error and is left untouched.
func (s *Store) Lookup(key string, params any) (any, bool, error) {
	digest, err := Digest(params)
	if err != nil {
		return nil, false, err
	}
	return s.lookupDigest(key, digest)
}

func (s *Store) lookupDigest(key, digest string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.live(s.now()) {
		delete(s.entries, key)
		return nil, false, nil
	}
	if e.Digest != digest {
		return nil, false, toolerr.IdempotencyConflict(key)
	}
	return e.Response, true, nil
}

// Store records response under key. Storing again with an equal digest while
// the entry is live is a no-op; a different digest is a conflict.
func (s *Store) Store(key string, params, response any) error {
	digest, err := Digest(params)
	if err != nil {
		return err
	}
	return s.storeDigest(key, digest, response)
}

func (s *Store) storeDigest(key, digest string, response any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && e.live(now) {
		if e.Digest != digest {
			return toolerr.IdempotencyConflict(key)
		}
		return nil
	}
	s.entries[key] = &Entry{
		Key:       key,
		Digest:    digest,
		Response:  response,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	return nil
}

// Do runs fn at most once per live key and parameter digest. Lookup, fn and
// Store form one critical section per key: concurrent callers with the same
// key wait for the running call and then observe its result, or a conflict
// when their parameters differ. cached is true for every caller that did not
// run fn itself.
//
// fn runs detached from ctx cancellation because its side effect may be
// shared by other callers. A caller whose ctx ends while waiting gets a
// cancelled error; the running call still completes and is stored. Failures
// are not stored, so the next call with the key runs fn again.
func (s *Store) Do(ctx context.Context, key string, params any, fn func(context.Context) (any, error)) (response any, cached bool, err error) {
	digest, err := Digest(params)
	if err != nil {
		return nil, false, err
	}

	for {
		resp, ok, err := s.lookupDigest(key, digest)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return resp, true, nil
		}

		var led bool
		ch := s.flights.DoChan(key, func() (any, error) {
			led = true
			return s.execute(ctx, key, digest, fn)
		})

		select {
		case <-ctx.Done():
			return nil, false, toolerr.Cancelled("The request was cancelled while waiting for a prior call with the same idempotency key")
		case r := <-ch:
			fr, _ := r.Val.(flightResult)
			if fr.digest != digest {
				// Another caller ran this key with other parameters; look
				// again to observe its stored entry or start fresh.
				continue
			}
			if r.Err != nil {
				return nil, false, r.Err
			}
			return fr.response, !led || fr.cached, nil
		}
	}
}

type flightResult struct {
	digest   string
	response any
	cached   bool
}

func (s *Store) execute(ctx context.Context, key, digest string, fn func(context.Context) (any, error)) (res flightResult, err error) {
	res.digest = digest

	// A previous flight may have stored the key after our lookup.
	if resp, ok, err := s.lookupDigest(key, digest); err != nil || ok {
		res.response, res.cached = resp, ok
		return res, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = toolerr.Classify(r)
		}
	}()

	resp, err := fn(context.WithoutCancel(ctx))
	if err != nil {
		return res, err
	}
	if err := s.storeDigest(key, digest, resp); err != nil {
		return res, err
	}
	res.response = resp
	return res, nil
}

// Has reports whether a live entry exists for key.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if !e.live(s.now()) {
		delete(s.entries, key)
		return false
	}
	return true
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	clear(s.entries)
	s.mu.Unlock()
}

// EvictExpired removes every expired entry and returns how many were removed.
func (s *Store) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, e := range s.entries {
		if !e.live(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Stats returns the number of entries and their expiry range.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Size: len(s.entries)}
	for _, e := range s.entries {
		if st.OldestExpiry.IsZero() || e.ExpiresAt.Before(st.OldestExpiry) {
			st.OldestExpiry = e.ExpiresAt
		}
		if e.ExpiresAt.After(st.NewestExpiry) {
			st.NewestExpiry = e.ExpiresAt
		}
	}
	return st
}

// Start runs the janitor until ctx ends or Close is called. It is a no-op
// after the first call.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.janitor(ctx)
}

func (s *Store) janitor(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.EvictExpired(); n > 0 {
				s.logger.Debug("evicted expired idempotency entries", "count", n)
			}
		}
	}
}

// Close stops the janitor and clears the store.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.done
		}
		s.Clear()
	})
	return nil
}

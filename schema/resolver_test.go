package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeFetcher struct {
	calls   atomic.Int32
	err     error
	release chan struct{}
}

func (f *fakeFetcher) FetchSchema(ctx context.Context, modelID string) (map[string]any, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"seed": map[string]any{"type": "integer"}},
		"x-model":    modelID,
	}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestResolveCachesFetchedSchema(t *testing.T) {
	f := &fakeFetcher{}
	r := NewResolver(f)

	first := r.Resolve(context.Background(), "o/m")
	second := r.Resolve(context.Background(), "o/m")

	assert.Equal(t, "o/m", first["x-model"])
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, r.Len())
}

func TestResolveRefetchesAfterTTL(t *testing.T) {
	f := &fakeFetcher{}
	c := &clock{now: time.Unix(0, 0)}
	r := NewResolver(f, WithTTL(time.Minute), WithClock(c.Now))

	r.Resolve(context.Background(), "o/m")
	c.Advance(time.Minute)
	r.Resolve(context.Background(), "o/m")
	assert.Equal(t, int32(1), f.calls.Load(), "entry is fresh up to and including the TTL")

	c.Advance(time.Second)
	r.Resolve(context.Background(), "o/m")
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestResolveFallsBackOnFailure(t *testing.T) {
	f := &fakeFetcher{err: errors.New("upstream down")}
	r := NewResolver(f)

	got := r.Resolve(context.Background(), "black-forest-labs/flux-schnell")
	require.NotNil(t, got)
	assert.Equal(t, "object", got["type"])
	props := got["properties"].(map[string]any)
	assert.Contains(t, props, "prompt")
	assert.Contains(t, props, "image")

	assert.Equal(t, 0, r.Len(), "fallback schemas are not cached")
	r.Resolve(context.Background(), "black-forest-labs/flux-schnell")
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestResolveSingleFlight(t *testing.T) {
	f := &fakeFetcher{release: make(chan struct{})}
	r := NewResolver(f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := r.Resolve(context.Background(), "o/m")
			assert.Equal(t, "o/m", got["x-model"])
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(f.release)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
}

func TestResolveCallerCancelled(t *testing.T) {
	f := &fakeFetcher{release: make(chan struct{})}
	r := NewResolver(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := r.Resolve(ctx, "openai/whisper")
	props := got["properties"].(map[string]any)
	assert.Contains(t, props, "audio")

	close(f.release)
	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestResolveFetchTimeout(t *testing.T) {
	r := NewResolver(blockingFetcher{}, WithFetchTimeout(10*time.Millisecond))
	got := r.Resolve(context.Background(), "o/m")
	assert.Equal(t, "object", got["type"])
	assert.Equal(t, 0, r.Len())
}

type blockingFetcher struct{}

func (blockingFetcher) FetchSchema(ctx context.Context, _ string) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestInvalidateAndPurge(t *testing.T) {
	f := &fakeFetcher{}
	r := NewResolver(f)
	r.Resolve(context.Background(), "o/a")
	r.Resolve(context.Background(), "o/b")
	require.Equal(t, 2, r.Len())

	r.Invalidate("o/a")
	assert.Equal(t, 1, r.Len())
	r.Resolve(context.Background(), "o/a")
	assert.Equal(t, int32(3), f.calls.Load())

	r.Purge()
	assert.Equal(t, 0, r.Len())
}

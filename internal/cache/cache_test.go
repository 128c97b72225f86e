package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, maxSize int, clock *fakeClock) *Cache[string] {
	t.Helper()
	c := New[string](Config{Name: "test", DefaultTTL: time.Minute, MaxSize: maxSize, SweepInterval: -1},
		WithClock[string](clock.Now))
	t.Cleanup(c.Close)
	return c
}

func TestCacheTTLBoundary(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 10, clock)

	c.Set("balance:0x1", "42", 10*time.Second)

	clock.Advance(10*time.Second - time.Millisecond)
	value, ok := c.Get("balance:0x1")
	require.True(t, ok)
	assert.Equal(t, "42", value)

	clock.Advance(2 * time.Millisecond)
	_, ok = c.Get("balance:0x1")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0, stats.Size, "expired entry is removed on read")
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestCacheEvictsLeastRecentlyTouched(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 3, clock)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", "4")

	assert.True(t, c.Has("a"), "touched entry survives")
	assert.False(t, c.Has("b"), "second-oldest entry is evicted")
	assert.True(t, c.Has("c"))
	assert.True(t, c.Has("d"))
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCacheOverwriteDoesNotEvict(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 2, clock)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("a", "updated")

	assert.Equal(t, 2, c.Stats().Size)
	assert.Equal(t, uint64(0), c.Stats().Evictions)

	// a 被重写后成为最近访问，新键应淘汰 b。
	c.Set("c", "3")
	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
}

func TestCacheCleanupExpired(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 10, clock)

	c.Set("short", "x", time.Second)
	c.Set("long", "y", time.Hour)
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, c.CleanupExpired())
	assert.False(t, c.Has("short"))
	assert.True(t, c.Has("long"))
}

func TestCacheDeleteAndClear(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 10, clock)

	c.Set("a", "1")
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))

	c.Set("b", "2")
	_, _ = c.Get("b")
	c.Clear()
	assert.Equal(t, Stats{}, c.Stats())
}

func TestCacheGetOrLoad(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 10, clock)

	calls := 0
	load := func() (string, error) {
		calls++
		return "loaded", nil
	}

	value, cached, err := c.GetOrLoad("k", load)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "loaded", value)

	value, cached, err = c.GetOrLoad("k", load)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "loaded", value)
	assert.Equal(t, 1, calls)

	_, _, err = c.GetOrLoad("bad", func() (string, error) { return "", errors.New("rpc down") })
	require.Error(t, err)
	assert.False(t, c.Has("bad"))
}

func TestCacheBackgroundSweep(t *testing.T) {
	c := New[int](Config{DefaultTTL: 5 * time.Millisecond, MaxSize: 4, SweepInterval: 10 * time.Millisecond})
	defer c.Close()

	c.Set("a", 1)
	require.Eventually(t, func() bool {
		return c.Stats().Size == 0
	}, time.Second, 5*time.Millisecond)
}

func TestCacheCloseIsIdempotent(t *testing.T) {
	c := New[int](Config{SweepInterval: time.Hour})
	c.Close()
	c.Close()
}

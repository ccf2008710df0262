package cache_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rewards-ledger/internal/cache"
)

func newLRU(t *testing.T) *cache.LRUCache {
	t.Helper()
	c, err := cache.NewLRUCache(16)
	require.NoError(t, err)
	return c
}

func TestLRUCache_Expiry(t *testing.T) {
	c := newLRU(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	now = now.Add(2 * time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestLRUCache_DeleteAndClear(t *testing.T) {
	c := newLRU(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	require.NoError(t, c.Delete(ctx, "a"))
	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, c.Clear(ctx))
	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

type item struct {
	ID    string `json:"id"`
	Price int64  `json:"price"`
}

func TestFetch_ReadThroughAndInvalidate(t *testing.T) {
	rt := cache.NewReadThrough(newLRU(t), time.Minute)
	ctx := context.Background()

	var loads int32
	load := func(context.Context) ([]item, error) {
		atomic.AddInt32(&loads, 1)
		return []item{{ID: "plot-1", Price: 100}}, nil
	}

	got, err := cache.Fetch(ctx, rt, "plots", load)
	require.NoError(t, err)
	assert.Equal(t, []item{{ID: "plot-1", Price: 100}}, got)

	got, err = cache.Fetch(ctx, rt, "plots", load)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))

	rt.Invalidate(ctx, "plots")
	_, err = cache.Fetch(ctx, rt, "plots", load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loads))

	stats := rt.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
}

func TestFetch_SingleLoadUnderConcurrency(t *testing.T) {
	rt := cache.NewReadThrough(newLRU(t), time.Minute)
	ctx := context.Background()

	var loads int32
	release := make(chan struct{})
	load := func(context.Context) (int, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := cache.Fetch(ctx, rt, "answer", load)
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&loads), int32(10))
	v, err := cache.Fetch(ctx, rt, "answer", load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFetch_LoadErrorIsNotCached(t *testing.T) {
	rt := cache.NewReadThrough(newLRU(t), time.Minute)
	ctx := context.Background()
	boom := errors.New("db down")

	_, err := cache.Fetch(ctx, rt, "k", func(context.Context) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)

	v, err := cache.Fetch(ctx, rt, "k", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestFetch_NilReadThroughLoadsDirectly(t *testing.T) {
	v, err := cache.Fetch(context.Background(), nil, "k", func(context.Context) (string, error) { return "direct", nil })
	require.NoError(t, err)
	assert.Equal(t, "direct", v)
}

// Set LEDGER_TEST_REDIS_ADDR to exercise the Redis backend.
func TestRedisCache(t *testing.T) {
	addr := os.Getenv("LEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEDGER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	c, err := cache.NewRedisCache(ctx, addr, "", 0, "ledger-test:")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Clear(ctx))

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

// Package cache provides the read-through reference cache used for the plot
// catalogue. It is never used for balances.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

var ErrNotFound = errors.New("cache: key not found")

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Clear(ctx context.Context) error
}

// =============================================================================
// REDIS
// =============================================================================

type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(ctx context.Context, addr, password string, db int, prefix string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisCache{client: client, prefix: prefix}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.client.Del(ctx, full...).Err()
}

// Clear removes every key under the prefix. It scans instead of FLUSHDB so
// a shared Redis database is left alone.
func (r *RedisCache) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

// =============================================================================
// IN-PROCESS LRU
// =============================================================================

// LRUCache is a bounded in-process cache with per-entry expiry.
type LRUCache struct {
	cache *lru.Cache
	now   func() time.Time
}

type lruEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewLRUCache(size int) (*LRUCache, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &LRUCache{cache: c, now: time.Now}, nil
}

func (m *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	entry := v.(lruEntry)
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		m.cache.Remove(key)
		return nil, ErrNotFound
	}
	return entry.value, nil
}

func (m *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := lruEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.cache.Add(key, entry)
	return nil
}

func (m *LRUCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		m.cache.Remove(k)
	}
	return nil
}

func (m *LRUCache) Clear(ctx context.Context) error {
	m.cache.Purge()
	return nil
}

// SetClock replaces the expiry clock. Tests only.
func (m *LRUCache) SetClock(now func() time.Time) {
	m.now = now
}

// =============================================================================
// READ-THROUGH
// =============================================================================

// ReadThrough loads missing keys from a source, with one load in flight per
// key. Cache errors degrade to a direct load.
type ReadThrough struct {
	Cache Cache
	TTL   time.Duration

	group singleflight.Group
	mu    sync.Mutex
	stats Stats
}

type Stats struct {
	Hits   int64
	Misses int64
	Errors int64
}

func NewReadThrough(c Cache, ttl time.Duration) *ReadThrough {
	return &ReadThrough{Cache: c, TTL: ttl}
}

// Fetch returns the cached value for key, or calls load and caches its
// result as JSON.
func Fetch[T any](ctx context.Context, rt *ReadThrough, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if rt == nil || rt.Cache == nil {
		return load(ctx)
	}

	if data, err := rt.Cache.Get(ctx, key); err == nil {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			rt.count(func(s *Stats) { s.Hits++ })
			return v, nil
		}
		rt.count(func(s *Stats) { s.Errors++ })
	} else if !errors.Is(err, ErrNotFound) {
		rt.count(func(s *Stats) { s.Errors++ })
	}
	rt.count(func(s *Stats) { s.Misses++ })

	v, err, _ := rt.group.Do(key, func() (any, error) {
		loaded, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(loaded); err == nil {
			if err := rt.Cache.Set(ctx, key, data, rt.TTL); err != nil {
				rt.count(func(s *Stats) { s.Errors++ })
			}
		}
		return loaded, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// Invalidate drops keys so the next Fetch reloads them.
func (rt *ReadThrough) Invalidate(ctx context.Context, keys ...string) {
	if rt == nil || rt.Cache == nil || len(keys) == 0 {
		return
	}
	for _, k := range keys {
		rt.group.Forget(k)
	}
	if err := rt.Cache.Delete(ctx, keys...); err != nil {
		rt.count(func(s *Stats) { s.Errors++ })
	}
}

func (rt *ReadThrough) Stats() Stats {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stats
}

func (rt *ReadThrough) count(f func(*Stats)) {
	rt.mu.Lock()
	f(&rt.stats)
	rt.mu.Unlock()
}

// Package cache holds the per-target database context used by suggestion
// synthesis, behind a pluggable key/value store.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	pipeerr "queryinsight/internal/errors"
)

// Store is a byte-valued key/value store with per-key TTL. Backend failures
// are reported as errors.ErrCacheUnavailable.
type Store interface {
	// Get returns ok=false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Available reports whether the last backend call succeeded.
	Available() bool
}

// RedisStore keeps entries in Redis.
type RedisStore struct {
	client    *redis.Client
	available atomic.Bool
}

// NewRedisStore connects using a redis:// URL. The connection is lazy; an
// unreachable server only shows up on first use.
func NewRedisStore(rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStoreFromClient(redis.NewClient(opts)), nil
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	s := &RedisStore{client: client}
	s.available.Store(true)
	return s
}

func (s *RedisStore) observe(err error) error {
	if err != nil && err != redis.Nil {
		s.available.Store(false)
		return fmt.Errorf("%w: %v", pipeerr.ErrCacheUnavailable, err)
	}
	s.available.Store(true)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if err := s.observe(err); err != nil {
		return nil, false, err
	}
	if err == redis.Nil {
		return nil, false, nil
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.observe(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.observe(s.client.Del(ctx, key).Err())
}

func (s *RedisStore) Available() bool { return s.available.Load() }

func (s *RedisStore) Close() error { return s.client.Close() }

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a process-local store for single-instance deployments.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	if !it.expiresAt.IsZero() && !s.now().Before(it.expiresAt) {
		delete(s.items, key)
		return nil, false, nil
	}
	return it.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = it
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Available() bool { return true }

// NoopStore never holds anything; every Get is a miss.
type NoopStore struct{}

func (NoopStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (NoopStore) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NoopStore) Delete(context.Context, string) error { return nil }
func (NoopStore) Available() bool { return false }

// NewStore picks a store for mode: auto, redis, memory or off.
func NewStore(mode, redisURL string) (Store, error) {
	switch mode {
	case "redis", "auto":
		if mode == "auto" && redisURL == "" {
			return NewMemoryStore(), nil
		}
		s, err := NewRedisStore(redisURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemoryStore(), nil
	case "off":
		return NoopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown cache mode %q", mode)
	}
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore keeps windowed counters.
type CounterStore interface {
	// Increment adds amount to key and returns the new value. The window TTL
	// is set only when the key has none, so later increments do not extend it.
	Increment(ctx context.Context, key string, amount int64, window time.Duration) (int64, error)
	// Get returns the counter value, 0 if absent.
	Get(ctx context.Context, key string) (int64, error)
	// TTL returns the time until the counter expires, 0 if absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Reset deletes the counter.
	Reset(ctx context.Context, key string) error
}

// incrementScript increments and sets the window expiry in one atomic step.
var incrementScript = redis.NewScript(`
local count = redis.call('INCRBY', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return count
`)

// RedisStore is a CounterStore shared by every process using the same Redis.
type RedisStore struct {
	redis redis.UniversalClient
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	if client == nil {
		panic("ratelimit: redis client must not be nil")
	}
	return &RedisStore{redis: client}
}

// Increment implements CounterStore.
func (s *RedisStore) Increment(ctx context.Context, key string, amount int64, window time.Duration) (int64, error) {
	count, err := incrementScript.Run(ctx, s.redis, []string{key}, amount, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment: %w", err)
	}
	return count, nil
}

// Get implements CounterStore.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	count, err := s.redis.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return count, nil
}

// TTL implements CounterStore.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.redis.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis pttl: %w", err)
	}
	// -2 missing key, -1 no expiry
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Reset implements CounterStore.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is an in-process CounterStore.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// live returns the counter for key, dropping it if its window has passed.
// Callers must hold mu.
func (s *MemoryStore) live(key string) *memoryCounter {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if !s.now().Before(c.expiresAt) {
		delete(s.counters, key)
		return nil
	}
	return c
}

// Increment implements CounterStore.
func (s *MemoryStore) Increment(_ context.Context, key string, amount int64, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.live(key)
	if c == nil {
		c = &memoryCounter{expiresAt: s.now().Add(window)}
		s.counters[key] = c
	}
	c.count += amount
	return c.count, nil
}

// Get implements CounterStore.
func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.live(key); c != nil {
		return c.count, nil
	}
	return 0, nil
}

// TTL implements CounterStore.
func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.live(key); c != nil {
		return c.expiresAt.Sub(s.now()), nil
	}
	return 0, nil
}

// Reset implements CounterStore.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.counters, key)
	return nil
}

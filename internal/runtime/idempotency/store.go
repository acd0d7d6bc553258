package idempotency

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MaxCacheSize bounds the in-memory processed-id set.
const MaxCacheSize = 10000

// Store remembers which keys have been processed.
type Store interface {
	Contains(ctx context.Context, key string) (bool, error)
	Add(ctx context.Context, key string) error
}

// MemoryStore is a bounded set that evicts the oldest insertion once full.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewMemoryStore creates a store holding at most capacity keys. A capacity
// of zero or less uses MaxCacheSize.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = MaxCacheSize
	}
	return &MemoryStore{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

func (s *MemoryStore) Contains(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[key]
	return ok, nil
}

// Add inserts key. Re-adding a present key does not refresh its position.
func (s *MemoryStore) Add(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[key]; ok {
		return nil
	}
	s.index[key] = s.order.PushBack(key)
	for s.order.Len() > s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
	}
	return nil
}

// Len returns the number of remembered keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// RedisStore shares the processed set between pipeline nodes. Keys expire
// after the configured TTL.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	closer func() error
}

// NewRedisStore connects to a Redis server.
func NewRedisStore(addr, password string, db int, ttl time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	s := NewRedisStoreWithClient(rdb, "", ttl)
	s.closer = rdb.Close
	return s
}

// NewRedisStoreWithClient wraps an existing client. An empty prefix uses
// "chainflow:processed:".
func NewRedisStoreWithClient(client redis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "chainflow:processed:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Contains(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Add(ctx context.Context, key string) error {
	if err := s.client.SetNX(ctx, s.prefix+key, 1, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return nil
}

// Close releases the client when the store created it.
func (s *RedisStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

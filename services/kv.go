package services

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the key-value port used for replay guards, idempotency keys and
// rate-limit counters. All state behind it is ephemeral (TTL-bounded).
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetNX sets key=value with a TTL only if the key does not exist.
	// Returns true if the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Set unconditionally sets key=value with a TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr atomically increments the counter at key, setting the TTL on
	// first increment. Returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// redisKV implements KV on go-redis.
type redisKV struct {
	client *redis.Client
}

// NewRedisKV creates a Redis-backed KV.
func NewRedisKV(addr, password string, db int) KV {
	return &redisKV{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (r *redisKV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *redisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// memoryKV is an in-process KV used when REDIS_ADDR is not configured,
// and by the test suite.
type memoryKV struct {
	mu    sync.Mutex
	items map[string]memoryItem
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// NewMemoryKV creates an in-memory KV.
func NewMemoryKV() KV {
	return &memoryKV{items: make(map[string]memoryItem)}
}

func (m *memoryKV) get(key string) (memoryItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if time.Now().After(item.expiresAt) {
		delete(m.items, key)
		return memoryItem{}, false
	}
	return item, true
}

func (m *memoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.get(key)
	if !ok {
		return "", false, nil
	}
	return item.value, true, nil
}

func (m *memoryKV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.get(key); ok {
		return false, nil
	}
	m.items[key] = memoryItem{value: value, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (m *memoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryItem{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *memoryKV) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.get(key)
	if !ok {
		m.items[key] = memoryItem{value: "1", expiresAt: time.Now().Add(ttl)}
		return 1, nil
	}
	n, _ := strconv.ParseInt(item.value, 10, 64)
	n++
	m.items[key] = memoryItem{value: strconv.FormatInt(n, 10), expiresAt: item.expiresAt}
	return n, nil
}

package substrate

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// Memo persists the results of units of work under deterministic keys, so that a retried or resumed
// workflow gets the earlier result back instead of repeating the work.
type Memo interface {
	// Load returns the value stored under key, and false if there is none.
	Load(ctx context.Context, key string) ([]byte, bool, error)
	// Store records value under key. An existing value is replaced.
	Store(ctx context.Context, key string, value []byte) error
}

// MemoryMemo keeps results in process memory. Entries expire after ttl; zero means never.
type MemoryMemo struct {
	cache *cache.Cache
}

func NewMemoryMemo(ttl time.Duration) *MemoryMemo {
	expiration := ttl
	if expiration <= 0 {
		expiration = cache.NoExpiration
	}
	return &MemoryMemo{cache: cache.New(expiration, 10*time.Minute)}
}

func (m *MemoryMemo) Load(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return value.([]byte), true, nil
}

func (m *MemoryMemo) Store(_ context.Context, key string, value []byte) error {
	m.cache.Set(key, append([]byte(nil), value...), cache.DefaultExpiration)
	return nil
}

const memoPrefix = "slurmflow:memo:"

// RedisMemo persists results in Redis, so they survive restarts of this process.
type RedisMemo struct {
	db  redis.UniversalClient
	ttl time.Duration
}

func NewRedisMemo(db redis.UniversalClient, ttl time.Duration) *RedisMemo {
	return &RedisMemo{db: db, ttl: ttl}
}

func (m *RedisMemo) Load(_ context.Context, key string) ([]byte, bool, error) {
	value, err := m.db.Get(memoPrefix + key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	return value, true, nil
}

func (m *RedisMemo) Store(_ context.Context, key string, value []byte) error {
	return errors.WithStack(m.db.Set(memoPrefix+key, value, m.ttl).Err())
}

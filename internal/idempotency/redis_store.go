package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RedisStore shares idempotency records across engine replicas.
// Records expire through Redis TTLs, so Purge has nothing to do.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisConfig holds connection settings for NewRedisClient
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and pings, failing fast on a bad address
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// NewRedisStore wraps a connected client; keys are namespaced with prefix
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (*Record, bool, error) {
	now := s.now()
	rec := Record{Key: key, Status: StatusPending, CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(ttl)}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("redis: encode record: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, s.key(key), data, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis: reserve %s: %w", key, err)
	}
	if ok {
		return nil, true, nil
	}

	existing, err := s.get(ctx, key)
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; try once more
		ok, err = s.rdb.SetNX(ctx, s.key(key), data, ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis: reserve %s: %w", key, err)
		}
		if ok {
			return nil, true, nil
		}
		existing, err = s.get(ctx, key)
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *RedisStore) get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("redis: decode %s: %w", key, err)
	}
	return &rec, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	now := s.now()
	return s.put(ctx, Record{Key: key, Status: StatusCompleted, Result: result, UpdatedAt: now, ExpiresAt: now.Add(ttl)}, ttl)
}

func (s *RedisStore) Fail(ctx context.Context, key string, reason string, retain time.Duration) error {
	now := s.now()
	return s.put(ctx, Record{Key: key, Status: StatusFailed, Error: reason, UpdatedAt: now, ExpiresAt: now.Add(retain)}, retain)
}

func (s *RedisStore) put(ctx context.Context, rec Record, ttl time.Duration) error {
	if existing, err := s.get(ctx, rec.Key); err == nil {
		rec.CreatedAt = existing.CreatedAt
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: encode record: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(rec.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", rec.Key, err)
	}
	return nil
}

func (s *RedisStore) Purge(context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		countStatus(&st, rec.Status)
	}
	if err := iter.Err(); err != nil {
		return st, fmt.Errorf("redis: scan: %w", err)
	}
	return st, nil
}

// Ping is used by the health manager
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "piggybank:idempotent:"

// RedisStore keeps records as JSON values whose TTL matches ExpiresAt, so
// expiry needs no sweeping.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreFromClient(client), nil
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) ttl(rec Record) time.Duration {
	ttl := rec.ExpiresAt.Sub(r.now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl
}

// Reserve uses SETNX so concurrent instances agree on a single winner.
func (r *RedisStore) Reserve(ctx context.Context, key string, rec Record) (*Record, bool, error) {
	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+key, blob, r.ttl(rec)).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return nil, true, nil
	}
	existing, err := r.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return heldBy(rec), false, nil
	}
	return existing, false, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	blob, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		// Drop corrupt entries rather than failing every retry.
		_ = r.client.Del(ctx, redisKeyPrefix+key).Err()
		return nil, err
	}
	return &rec, nil
}

func (r *RedisStore) Save(ctx context.Context, key string, rec Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKeyPrefix+key, blob, r.ttl(rec)).Err()
}

func (r *RedisStore) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisKeyPrefix+key).Err()
}

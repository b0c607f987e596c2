package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisKeyPrefix = "vcrequest:state:"

// RedisStore keeps records in Redis so that any instance behind a load
// balancer can accept the callback for a request another instance created.
// Expiry is delegated to Redis key TTLs.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// RedisStoreConfig configures a Redis callback store.
type RedisStoreConfig struct {
	URL       string
	KeyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg *RedisStoreConfig, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, logger), nil
}

// NewRedisStoreWithClient wraps an existing client. The store owns the
// client and closes it on Close.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.Named("redis_store"),
	}
}

func (r *RedisStore) key(state string) string {
	return r.keyPrefix + state
}

func (r *RedisStore) Put(ctx context.Context, record *Record, ttl time.Duration) error {
	stamp(record, time.Now(), ttl)

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, r.key(record.State), data, time.Until(record.ExpiresAt)).Err()
}

func (r *RedisStore) Update(ctx context.Context, record *Record, ttl time.Duration) error {
	stamp(record, time.Now(), ttl)

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	// XX only overwrites an existing key, so an expired or unknown state is never recreated.
	ok, err := r.client.SetXX(ctx, r.key(record.State), data, time.Until(record.ExpiresAt)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, state string) (*Record, error) {
	data, err := r.client.Get(ctx, r.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("corrupt callback record %s: %w", state, err)
	}

	if time.Now().After(record.ExpiresAt) {
		return nil, ErrNotFound
	}

	return &record, nil
}

func (r *RedisStore) Remove(ctx context.Context, state string) error {
	return r.client.Del(ctx, r.key(state)).Err()
}

func (r *RedisStore) Cleanup(ctx context.Context) (int64, error) {
	// Redis expires keys on its own.
	return 0, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

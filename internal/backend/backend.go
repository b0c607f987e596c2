// Package backend selects and constructs the callback store from configuration.
package backend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/callback"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
)

// Type defines the type of storage backend
type Type string

const (
	// TypeMemory keeps state in-process (single instance, development)
	TypeMemory Type = "memory"
	// TypeRedis shares state between instances through Redis
	TypeRedis Type = "redis"
	// TypeMongoDB shares state between instances through MongoDB
	TypeMongoDB Type = "mongodb"
)

// New creates a callback store based on the configuration
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (callback.Store, error) {
	storeType := Type(cfg.Store.Type)

	switch storeType {
	case TypeMemory, "":
		// Default to memory if not specified
		return callback.NewMemoryStore(logger), nil

	case TypeRedis:
		store, err := callback.NewRedisStore(ctx, &callback.RedisStoreConfig{
			URL:       cfg.Store.Redis.URL,
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis backend: %w", err)
		}
		return store, nil

	case TypeMongoDB:
		store, err := callback.NewMongoStore(ctx, &callback.MongoStoreConfig{
			URI:        cfg.Store.MongoDB.URI,
			Database:   cfg.Store.MongoDB.Database,
			Collection: cfg.Store.MongoDB.Collection,
			Timeout:    time.Duration(cfg.Store.MongoDB.Timeout) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create MongoDB backend: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storeType)
	}
}

package storage

import (
	"context"
	"fmt"

	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/authq/internal/config"
	"github.com/SirClappington/authq/internal/domain"
)

// DataStore is the optional database the worker owns for its lifetime.
type DataStore interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Ping(ctx context.Context) error
}

// NewDataStore picks the store named by DATASTORE_DRIVER. It returns nil
// for "none"; nothing is dialed until Connect.
func NewDataStore(cfg config.Config) (DataStore, error) {
	switch cfg.DataStoreDriver {
	case "", "none":
		return nil, nil
	case "postgres":
		return NewPostgres(cfg.PostgresDSN), nil
	case "mongo":
		return NewMongo(cfg.MongoURI), nil
	default:
		return nil, domain.NewConfigurationError("storage", fmt.Sprintf("unsupported data store driver %q", cfg.DataStoreDriver))
	}
}

// OpenRedis dials the Redis shared by the queue store and the cache.
func OpenRedis(ctx context.Context, cfg config.Config) (*r.Client, error) {
	rdb := r.NewClient(&r.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return rdb, nil
}

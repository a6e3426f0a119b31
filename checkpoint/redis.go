package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type redisBackend struct {
	client *redis.Client
}

// NewRedisStore keeps checkpoints under prefix in redis, uri is a redis:// URL.
func NewRedisStore(ctx context.Context, uri, prefix string, logger zerolog.Logger) (Store, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid redis uri: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Debug().Str("addr", opts.Addr).Str("prefix", prefix).Msg("using redis checkpoints")
	return &kvStore{backend: &redisBackend{client: client}, prefix: prefix, logger: logger}, nil
}

func (r *redisBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *redisBackend) put(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *redisBackend) del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *redisBackend) close() error { return r.client.Close() }

package fence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const redisKeyPrefix = "spotkeeper:fence:"

// Redis fences with SET NX and an expiry
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis fence
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Acquire sets the key if it is not already set
func (r *Redis) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+key, uuid.NewString(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire fence %s: %w", key, err)
	}
	return ok, nil
}

// Close releases the client connection pool
func (r *Redis) Close() error {
	return r.client.Close()
}

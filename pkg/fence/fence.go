// Package fence de-duplicates replacement launches. Concurrent sweep and
// reclamation invocations can observe the loss of the same request; only
// the caller that acquires the request's key launches its replacement.
package fence

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
	"github.com/scttfrdmn/spotkeeper/pkg/config"
	"go.uber.org/zap"
)

// Backend names accepted in fence.backend
const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendNone     = "none"
)

// Fence grants each key at most once while the key lives
type Fence interface {
	// Acquire returns true when this caller now holds key
	Acquire(ctx context.Context, key string) (bool, error)
}

// Key builds the fence key for a request. A one-time request loses its
// capacity at most once, so the sweep and the reclamation handler share
// the key.
func Key(region, requestID string) string {
	return strings.Join([]string{region, requestID}, "|")
}

// Allow acquires key and fails open: when the backend errors the caller
// still proceeds, and the error is logged.
func Allow(ctx context.Context, f Fence, key string, log *zap.Logger) bool {
	held, err := f.Acquire(ctx, key)
	if err != nil {
		log.Warn("fence unavailable, proceeding", zap.String("key", key), zap.Error(err))
		return true
	}
	if !held {
		log.Info("replacement already claimed", zap.String("key", key))
	}
	return held
}

// Nop grants every key
type Nop struct{}

// Acquire always succeeds
func (Nop) Acquire(ctx context.Context, key string) (bool, error) {
	return true, nil
}

// New builds the backend named in cfg
func New(cfg config.FenceConfig, db spotaws.DynamoDBAPI, table string, log *zap.Logger) (Fence, error) {
	switch cfg.Backend {
	case BackendDynamoDB:
		if table == "" {
			return nil, fmt.Errorf("fence table is not configured")
		}
		return NewDynamoDB(db, table, cfg.TTL.Duration), nil
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("fence.redis_addr is not configured")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedis(client, cfg.TTL.Duration), nil
	case BackendNone, "":
		log.Debug("fencing disabled")
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown fence backend %q", cfg.Backend)
	}
}

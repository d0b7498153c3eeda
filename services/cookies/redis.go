package cookies

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "archiver:cookie:"

// Redis is the shared Store for multi-node deployments.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

type RedisOpt func(*Redis)

// WithTTL expires cookies after the given duration; zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOpt {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

func NewRedis(client *redis.Client, opts ...RedisOpt) *Redis {
	r := &Redis{client: client}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) GetOrCreate(ctx context.Context, userID string) (string, error) {
	key := redisKeyPrefix + userID

	cookie, err := r.client.Get(ctx, key).Result()
	if err == nil {
		return cookie, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("reading cookie for %q: %w", userID, err)
	}

	candidate := uuid.New().String()
	created, err := r.client.SetNX(ctx, key, candidate, r.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("storing cookie for %q: %w", userID, err)
	}
	if created {
		return candidate, nil
	}

	// lost the race, somebody else created it first
	cookie, err = r.client.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("reading cookie for %q: %w", userID, err)
	}
	return cookie, nil
}

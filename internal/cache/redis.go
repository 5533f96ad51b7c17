package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisClaimPrefix = "storelink:claim:"

// RedisProvider shares claims across replicas with SET NX.
type RedisProvider struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisProvider(ctx context.Context, connectionString string) (*RedisProvider, error) {
	opts, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis connection string: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisProvider{client: client, now: time.Now}, nil
}

// Claim stores the claim time as the value so operators can see when a state
// was consumed.
func (r *RedisProvider) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	claimed, err := r.client.SetNX(ctx, redisClaimPrefix+key, r.now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return claimed, nil
}

func (r *RedisProvider) Close() error {
	return r.client.Close()
}

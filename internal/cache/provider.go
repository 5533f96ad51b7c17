// Package cache records one-time markers, such as consumed OAuth state ids,
// that must be visible to every replica for a bounded time.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTTL = errors.New("claim ttl must be positive")

// Provider holds expiring claims. Claim reports true only to the first caller
// for a key while its marker is live.
type Provider interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Close() error
}

type Config struct {
	Provider              string
	RedisConnectionString string
}

func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "memory", "":
		return NewMemoryProvider(defaultMemoryClaims)
	case "redis":
		return NewRedisProvider(ctx, cfg.RedisConnectionString)
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", cfg.Provider)
	}
}

// UsedOAuthStateKey names the claim taken when a callback consumes state id.
func UsedOAuthStateKey(stateID string) string {
	return fmt.Sprintf("oauth_state_used:salla:%s", stateID)
}

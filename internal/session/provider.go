package session

import (
	"context"
	"fmt"
)

// Config selects where sessions are read from. Production deployments share
// the login service's Redis.
type Config struct {
	Provider              string
	RedisConnectionString string
}

func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Provider {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		if cfg.RedisConnectionString == "" {
			return nil, fmt.Errorf("redis session store needs a connection string")
		}
		return NewRedisStore(ctx, cfg.RedisConnectionString)
	default:
		return nil, fmt.Errorf("unsupported session store provider: %s", cfg.Provider)
	}
}

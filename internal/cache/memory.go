package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemoryClaims = 10_000

// MemoryProvider keeps claims in a bounded LRU. When the LRU is full the
// oldest claim is evicted early, so a single replica with more than size
// in-flight OAuth states may accept a replay of the evicted one.
type MemoryProvider struct {
	mu     sync.Mutex
	claims *lru.Cache[string, time.Time]
	now    func() time.Time
}

func NewMemoryProvider(size int) (*MemoryProvider, error) {
	claims, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &MemoryProvider{claims: claims, now: time.Now}, nil
}

func (m *MemoryProvider) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiresAt, ok := m.claims.Get(key); ok && now.Before(expiresAt) {
		return false, nil
	}
	m.claims.Add(key, now.Add(ttl))
	return true, nil
}

// size reports the number of claims held, including expired ones not yet
// overwritten.
func (m *MemoryProvider) size() int {
	return m.claims.Len()
}

func (m *MemoryProvider) Close() error {
	m.claims.Purge()
	return nil
}

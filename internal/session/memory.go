package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const memorySessionLimit = 4096

// MemoryStore keeps sessions in process. Only useful for local development
// and tests, since sessions issued by the login service are not visible to it.
type MemoryStore struct {
	sessions *expirable.LRU[string, memoryEntry]
	now      func() time.Time
}

type memoryEntry struct {
	data      Data
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: expirable.NewLRU[string, memoryEntry](memorySessionLimit, nil, ttl),
		now:      time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, id string) (*Data, error) {
	entry, ok := s.sessions.Get(id)
	if !ok {
		return nil, ErrNoSession
	}
	if !s.now().Before(entry.expiresAt) {
		s.sessions.Remove(id)
		return nil, ErrNoSession
	}
	data := entry.data
	return &data, nil
}

// Save honours ttl when it is shorter than the store-wide session lifetime.
func (s *MemoryStore) Save(_ context.Context, id string, data *Data, ttl time.Duration) error {
	if data == nil {
		return ErrNoSession
	}
	s.sessions.Add(id, memoryEntry{data: *data, expiresAt: s.now().Add(ttl)})
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string) error {
	s.sessions.Remove(id)
	return nil
}

func (s *MemoryStore) Close() error {
	s.sessions.Purge()
	return nil
}

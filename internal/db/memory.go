package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/marketdash/storelink/internal/models"
)

// MemoryConnectionStore is an in-process ConnectionStore used when
// CONNECTION_STORE=memory and in tests. Data is lost on restart.
type MemoryConnectionStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*Connection
	now    func() time.Time
}

func NewMemoryConnectionStore() *MemoryConnectionStore {
	return &MemoryConnectionStore{
		rows: make(map[int64]*Connection),
		now:  time.Now,
	}
}

func (s *MemoryConnectionStore) ReplaceActive(_ context.Context, input NewConnection) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, row := range s.rows {
		if row.OwnerID == input.OwnerID && row.IsActive {
			row.IsActive = false
			row.UpdatedAt = now
		}
	}

	tokenType := input.TokenType
	if tokenType == "" {
		tokenType = models.DefaultTokenType
	}

	s.nextID++
	row := &Connection{
		ID:            s.nextID,
		OwnerID:       input.OwnerID,
		MerchantID:    input.Store.MerchantID,
		StoreName:     input.Store.Name,
		StoreEmail:    input.Store.Email,
		StoreDomain:   input.Store.Domain,
		StorePlan:     input.Store.Plan,
		StoreAvatar:   input.Store.Avatar,
		StoreCurrency: input.Store.Currency,
		AccessToken:   input.AccessToken,
		RefreshToken:  input.RefreshToken,
		TokenType:     tokenType,
		ExpiresAt:     copyTime(input.ExpiresAt),
		Scope:         input.Scope,
		IsActive:      true,
		ConnectedAt:   now,
		UpdatedAt:     now,
	}
	s.rows[row.ID] = row
	return copyConnection(row), nil
}

func (s *MemoryConnectionStore) GetActiveForOwner(_ context.Context, id, ownerID int64) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok || row.OwnerID != ownerID || !row.IsActive {
		return nil, ErrConnectionNotFound
	}
	return copyConnection(row), nil
}

func (s *MemoryConnectionStore) GetByID(_ context.Context, id int64) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return copyConnection(row), nil
}

func (s *MemoryConnectionStore) ListActiveByOwner(_ context.Context, ownerID int64) ([]*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*Connection, 0, 1)
	for _, row := range s.rows {
		if row.OwnerID == ownerID && row.IsActive {
			conns = append(conns, copyConnection(row))
		}
	}
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].ID > conns[j].ID
		}
		return conns[i].ConnectedAt.After(conns[j].ConnectedAt)
	})
	return conns, nil
}

func (s *MemoryConnectionStore) RotateTokens(_ context.Context, id, expectedVersion int64, rotation TokenRotation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok || row.TokenVersion != expectedVersion {
		return false, nil
	}

	row.AccessToken = rotation.AccessToken
	if rotation.RefreshToken != "" {
		row.RefreshToken = rotation.RefreshToken
	}
	if rotation.TokenType != "" {
		row.TokenType = rotation.TokenType
	}
	if rotation.Scope != "" {
		row.Scope = rotation.Scope
	}
	if rotation.ExpiresAt != nil {
		row.ExpiresAt = copyTime(rotation.ExpiresAt)
	}
	row.TokenVersion++
	row.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryConnectionStore) Deactivate(_ context.Context, id, ownerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.rows[id]; ok && row.OwnerID == ownerID && row.IsActive {
		row.IsActive = false
		row.UpdatedAt = s.now()
	}
	return nil
}

func (s *MemoryConnectionStore) Close() error {
	return nil
}

func copyConnection(conn *Connection) *Connection {
	cloned := *conn
	cloned.ExpiresAt = copyTime(conn.ExpiresAt)
	return &cloned
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cloned := *t
	return &cloned
}

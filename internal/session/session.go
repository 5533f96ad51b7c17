// Package session resolves the dashboard user behind a request. Sessions are
// issued by the dashboard login service and shared through the session store.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	CookieName = "storelink_session"
	ttl        = 24 * time.Hour
)

var ErrNoSession = errors.New("no active session")

// Data is the dashboard user bound to a session cookie.
type Data struct {
	UserID    int64  `json:"user_id"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

type Manager struct {
	store  Store
	secure bool
	now    func() time.Time
}

// Store loads sessions by id. Load returns ErrNoSession for unknown or
// expired ids.
type Store interface {
	Load(ctx context.Context, id string) (*Data, error)
	Save(ctx context.Context, id string, data *Data, ttl time.Duration) error
	Revoke(ctx context.Context, id string) error
	Close() error
}

func NewManager(store Store, secure bool) *Manager {
	return &Manager{
		store:  store,
		secure: secure,
		now:    time.Now,
	}
}

func (m *Manager) Close() error {
	if m == nil || m.store == nil {
		return nil
	}
	return m.store.Close()
}

// CreateSession stores data under a fresh id and sets the session cookie.
func (m *Manager) CreateSession(ctx context.Context, w http.ResponseWriter, data *Data) (string, error) {
	if ctx == nil {
		return "", fmt.Errorf("context is required")
	}
	if data == nil || data.UserID <= 0 {
		return "", fmt.Errorf("session data with a user id is required")
	}

	sessionID := uuid.NewString()

	sessionData := *data
	sessionData.CreatedAt = m.now().Unix()
	if err := m.store.Save(ctx, sessionID, &sessionData, ttl); err != nil {
		return "", err
	}

	http.SetCookie(w, m.cookie(sessionID, int(ttl.Seconds())))
	return sessionID, nil
}

// GetSession returns the session referenced by the request cookie.
func (m *Manager) GetSession(ctx context.Context, r *http.Request) (*Data, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoSession
	}
	if ctx == nil {
		ctx = r.Context()
	}

	data, err := m.store.Load(ctx, cookie.Value)
	if err != nil {
		return nil, err
	}
	if data == nil || data.UserID <= 0 {
		return nil, ErrNoSession
	}

	if m.now().Unix()-data.CreatedAt > int64(ttl.Seconds()) {
		if err := m.store.Revoke(ctx, cookie.Value); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: session expired", ErrNoSession)
	}

	return data, nil
}

func (m *Manager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

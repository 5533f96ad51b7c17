package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/marketdash/storelink/internal/logging"
)

type contextKey struct{}

// Middleware attaches the session, when there is one, to the request context.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := m.GetSession(r.Context(), r)
		switch {
		case err == nil:
			r = r.WithContext(WithData(r.Context(), data))
		case !errors.Is(err, ErrNoSession):
			logging.FromContext(r.Context(), nil).Warn("session lookup failed", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth rejects requests without a session by calling unauthorized.
func (m *Manager) RequireAuth(unauthorized http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data := GetSessionFromContext(r.Context())
			if data == nil {
				var err error
				data, err = m.GetSession(r.Context(), r)
				if err != nil {
					unauthorized(w, r)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithData(r.Context(), data)))
		})
	}
}

func WithData(ctx context.Context, data *Data) context.Context {
	return context.WithValue(ctx, contextKey{}, data)
}

// GetSessionFromContext retrieves session data from the request context.
func GetSessionFromContext(ctx context.Context) *Data {
	if ctx == nil {
		return nil
	}
	data, ok := ctx.Value(contextKey{}).(*Data)
	if !ok {
		return nil
	}
	return data
}

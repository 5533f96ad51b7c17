package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/marketdash/storelink/internal/session"
)

func (h *Handlers) sessionFromRequest(ctx context.Context, r *http.Request) *session.Data {
	if ctx == nil {
		ctx = context.Background()
	}
	if sess := session.GetSessionFromContext(ctx); sess != nil {
		return sess
	}
	if h == nil || h.sessionManager == nil || r == nil {
		return nil
	}
	sess, err := h.sessionManager.GetSession(ctx, r)
	if err != nil {
		return nil
	}
	return sess
}

// ownerFromRequest returns the session user, or 0 when there is none.
func (h *Handlers) ownerFromRequest(r *http.Request) int64 {
	if sess := h.sessionFromRequest(r.Context(), r); sess != nil {
		return sess.UserID
	}
	return 0
}

// startOwner resolves the owner of a connect flow. Only the session user may
// start one; a userId query parameter is accepted when it names that user.
func (h *Handlers) startOwner(r *http.Request) int64 {
	owner := h.ownerFromRequest(r)
	if owner <= 0 {
		return 0
	}
	raw := strings.TrimSpace(r.URL.Query().Get("userId"))
	if raw == "" {
		return owner
	}
	claimed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || claimed != owner {
		return 0
	}
	return owner
}

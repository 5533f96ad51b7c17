package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/marketdash/storelink/internal/observability"
	"github.com/marketdash/storelink/internal/services"
)

// SallaAuth starts the connect flow: it signs a state for the owner and sends
// the browser to Salla's consent page.
func (h *Handlers) SallaAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)
	page := h.connectPage()

	fail := func(reason string) {
		meter.Count("salla.oauth.start.failed", 1, sentry.WithAttributes(attribute.String("reason", reason)))
		http.Redirect(w, r, services.ErrorRedirectPath(page, reason), http.StatusFound)
	}

	owner := h.startOwner(r)
	if owner <= 0 {
		logger.Warn("salla connect started without a matching dashboard session")
		fail(services.ReasonUnauthorized)
		return
	}

	origin, err := h.dashboardOrigin(r, r.URL.Query().Get("origin"))
	if err != nil {
		logger.Warn("rejected salla connect origin", "error", err, "user_id", owner)
		fail(services.ReasonInvalidOrigin)
		return
	}

	result, err := h.oauth.AuthURL(origin, owner)
	if err != nil {
		logger.Error("failed to build salla authorization url", "error", err, "user_id", owner)
		switch {
		case errors.Is(err, services.ErrNoOwner):
			fail(services.ReasonUnauthorized)
		case errors.Is(err, services.ErrInvalidOrigin):
			fail(services.ReasonInvalidOrigin)
		default:
			fail(services.ReasonServerError)
		}
		return
	}

	meter.Count("salla.oauth.start.redirected", 1)
	logger.Info("redirecting to salla consent", "user_id", owner, "redirect_uri", result.RedirectURI)
	http.Redirect(w, r, result.URL, http.StatusFound)
}

// SallaCallback completes the flow and always answers with a redirect to the
// connect page.
func (h *Handlers) SallaCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	outcome := h.oauth.HandleCallback(r.Context(), services.CallbackInput{
		Code:  query.Get("code"),
		State: query.Get("state"),
		Error: query.Get("error"),
	})

	http.Redirect(w, r, outcome.RedirectPath(h.connectPage()), http.StatusFound)
}

// dashboardOrigin picks the origin a flow returns to: the explicit value, the
// Origin header, or this server's own scheme and host. Origins other than this
// host must be listed in the configuration when a list is configured.
func (h *Handlers) dashboardOrigin(r *http.Request, explicit string) (string, error) {
	raw := strings.TrimSpace(explicit)
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("Origin"))
	}
	if raw == "" {
		raw = requestScheme(r) + "://" + r.Host
	}

	origin, err := services.NormalizeOrigin(raw)
	if err != nil {
		return "", err
	}
	if !h.originAllowed(origin, r) {
		return "", services.ErrInvalidOrigin
	}
	return origin, nil
}

// originAllowed accepts any origin while no dashboard origins are configured.
func (h *Handlers) originAllowed(origin string, r *http.Request) bool {
	if h.config == nil || len(h.config.AllowedOrigins()) == 0 {
		return true
	}
	return h.trustedOrigin(origin, r)
}

func requestScheme(r *http.Request) string {
	if proto := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]); proto != "" {
		return strings.ToLower(proto)
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

package handlers

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/marketdash/storelink/internal/observability"
	"github.com/marketdash/storelink/internal/services"
)

// SecurityHeaders sets the headers every JSON or redirect response carries.
func (h *Handlers) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		headers.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		headers.Set("Cross-Origin-Opener-Policy", "same-origin")

		next.ServeHTTP(w, r)
	})
}

// RequireSameOrigin rejects state-changing API calls unless the Origin and
// Referer headers that are present name this server or a configured dashboard
// origin. At least one of them must be present.
func (h *Handlers) RequireSameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requestMutatesState(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		meter := observability.MeterFromContext(ctx)
		meter.Count("security.same_origin.checked", 1)

		block := func(reason, value string) {
			meter.Count("security.same_origin.blocked", 1, sentry.WithAttributes(attribute.String("reason", reason)))
			h.loggerFromContext(ctx).Warn("blocked cross-origin api call", "reason", reason, "value", value, "method", r.Method, "path", r.URL.Path)
			writeError(w, r, http.StatusForbidden, "cross-origin request rejected")
		}

		sources := []struct {
			name  string
			value string
		}{
			{name: "origin", value: strings.TrimSpace(r.Header.Get("Origin"))},
			{name: "referer", value: strings.TrimSpace(r.Referer())},
		}

		seen := false
		for _, source := range sources {
			if source.value == "" {
				continue
			}
			seen = true
			origin, err := services.NormalizeOrigin(source.value)
			if err != nil {
				block("malformed_"+source.name, source.value)
				return
			}
			if !h.trustedOrigin(origin, r) {
				block("foreign_"+source.name, source.value)
				return
			}
		}
		if !seen {
			block("missing_origin_and_referer", "")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestMutatesState(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// trustedOrigin reports whether a normalized origin is this server or one of
// the configured dashboard origins.
func (h *Handlers) trustedOrigin(origin string, r *http.Request) bool {
	if r != nil && hostOf(origin) == normalizeHost(r.Host) {
		return true
	}
	if h.config == nil {
		return false
	}
	for _, candidate := range h.config.AllowedOrigins() {
		if normalized, err := services.NormalizeOrigin(candidate); err == nil && normalized == origin {
			return true
		}
	}
	return false
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

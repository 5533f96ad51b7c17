package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/gorilla/mux"

	"github.com/marketdash/storelink/internal/observability"
	"github.com/marketdash/storelink/internal/session"
)

// MetricsContext adds a request-scoped meter tagged with the route, the
// dashboard user resolved by RequestLogger and the Salla connection id.
func (h *Handlers) MetricsContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := requestIDFromRequest(r)

		attrs := []attribute.Builder{
			attribute.String("http.request_id", requestID),
			attribute.String("http.method", r.Method),
			attribute.String("network.client.ip", clientIP(r)),
		}
		if route := routeLabel(r); route != "" {
			attrs = append(attrs, attribute.String("http.route", route))
		}
		if userAgent := strings.TrimSpace(r.UserAgent()); userAgent != "" {
			attrs = append(attrs, attribute.String("http.user_agent", userAgent))
		}
		if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
			attrs = append(attrs, attribute.String("http.origin", origin))
		}
		if raw := mux.Vars(r)["id"]; raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				attrs = append(attrs, attribute.Int64("salla.connection_id", id))
			}
		}

		if sess := session.GetSessionFromContext(ctx); sess != nil {
			attrs = append(attrs, attribute.Int64("user.id", sess.UserID))
		}

		meter := sentry.NewMeter(ctx).WithCtx(ctx)
		meter.SetAttributes(attrs...)

		ctx = observability.WithMeter(ctx, meter)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/marketdash/storelink/internal/config"
	"github.com/marketdash/storelink/internal/logging"
	"github.com/marketdash/storelink/internal/observability"
	"github.com/marketdash/storelink/internal/services"
	"github.com/marketdash/storelink/internal/session"
)

// Handlers serves the Salla connect flow and the dashboard JSON API.
type Handlers struct {
	config         *config.Config
	store          StorePinger
	oauth          *services.OAuthService
	connections    *services.ConnectionService
	sessionManager *session.Manager
	metrics        *observability.Metrics
	logger         *slog.Logger
}

// StorePinger is satisfied by *pgxpool.Pool and *db.MongoConnectionStore.
type StorePinger interface {
	Ping(ctx context.Context) error
}

type Dependencies struct {
	Config *config.Config
	// Store is nil when connections are kept in memory.
	Store             StorePinger
	OAuthService      *services.OAuthService
	ConnectionService *services.ConnectionService
	SessionManager    *session.Manager
	Metrics           *observability.Metrics
	Logger            *slog.Logger
}

func New(deps Dependencies) (*Handlers, error) {
	logger := logging.FromContext(context.Background(), deps.Logger)

	if deps.Config == nil {
		return nil, fmt.Errorf("handlers dependencies: config is required")
	}
	if deps.OAuthService == nil {
		return nil, fmt.Errorf("handlers dependencies: oauthService is required")
	}
	if deps.ConnectionService == nil {
		return nil, fmt.Errorf("handlers dependencies: connectionService is required")
	}
	if deps.SessionManager == nil {
		return nil, fmt.Errorf("handlers dependencies: sessionManager is required")
	}

	return &Handlers{
		config:         deps.Config,
		store:          deps.Store,
		oauth:          deps.OAuthService,
		connections:    deps.ConnectionService,
		sessionManager: deps.SessionManager,
		metrics:        deps.Metrics,
		logger:         logger.With("component", "handlers"),
	}, nil
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	store := "memory"
	if h.store != nil {
		store = h.config.ConnectionStore
		if err := h.store.Ping(ctx); err != nil {
			logger.Error("connection store health check failed", "store", store, "error", err)
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}

	writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "healthy",
		"store":  store,
	})
}

// Metrics exposes the Prometheus registry.
func (h *Handlers) Metrics() http.Handler {
	return h.metrics.Handler()
}

func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "not found")
}

// SessionMiddleware adds session data to the request context
func (h *Handlers) SessionMiddleware(next http.Handler) http.Handler {
	return h.sessionManager.Middleware(next)
}

// RequireAuth answers 401 JSON for API calls without a dashboard session.
func (h *Handlers) RequireAuth(next http.Handler) http.Handler {
	return h.sessionManager.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	})(next)
}

func (h *Handlers) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.logger)
}

func (h *Handlers) connectPage() string {
	if h.config == nil || strings.TrimSpace(h.config.SallaConnectPage) == "" {
		return "/salla-connect"
	}
	return h.config.SallaConnectPage
}

func SecureCookiesFromConfig(cfg *config.Config) bool {
	if cfg == nil {
		return false
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL != "" {
		if parsed, err := url.Parse(baseURL); err == nil {
			return strings.EqualFold(parsed.Scheme, "https")
		}
	}

	return cfg.Port == "443" || cfg.Port == "8443"
}

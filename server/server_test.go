package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/marketdash/storelink/internal/cache"
	"github.com/marketdash/storelink/internal/config"
	"github.com/marketdash/storelink/internal/db"
	"github.com/marketdash/storelink/internal/handlers"
	"github.com/marketdash/storelink/internal/logging"
	"github.com/marketdash/storelink/internal/observability"
	"github.com/marketdash/storelink/internal/salla"
	"github.com/marketdash/storelink/internal/services"
	"github.com/marketdash/storelink/internal/session"
)

func newTestServer(t *testing.T) (*Server, *session.Manager) {
	t.Helper()

	cfg := &config.Config{
		BaseURL:            "https://api.example.com",
		CORSAllowedOrigins: []string{"https://app.example"},
		SallaConnectPage:   "/salla-connect",
		SallaHTTPTimeout:   5 * time.Second,
		Port:               "0",
	}

	client, err := salla.NewClient(salla.Config{ClientID: "client-id", ClientSecret: "client-secret"})
	if err != nil {
		t.Fatalf("salla.NewClient() error = %v", err)
	}
	cacheProvider, err := cache.NewMemoryProvider(64)
	if err != nil {
		t.Fatalf("NewMemoryProvider() error = %v", err)
	}
	signer, err := services.NewStateSigner(strings.Repeat("s", 32), time.Minute)
	if err != nil {
		t.Fatalf("NewStateSigner() error = %v", err)
	}

	logger := logging.Discard()
	repo := db.NewMemoryConnectionStore()
	metrics := observability.NewMetrics()
	sessions := session.NewManager(session.NewMemoryStore(), false)
	tokens := services.NewTokenManager(repo, client, metrics, logger)

	h, err := handlers.New(handlers.Dependencies{
		Config:            cfg,
		OAuthService:      services.NewOAuthService(client, repo, signer, cacheProvider, metrics, logger),
		ConnectionService: services.NewConnectionService(repo, client, tokens, logger),
		SessionManager:    sessions,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("handlers.New() error = %v", err)
	}

	srv, err := New(cfg, logger, h)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, sessions
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	srv, sessions := newTestServer(t)
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	if _, err := sessions.CreateSession(context.Background(), rec, &session.Data{UserID: 42}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	cookie := rec.Result().Cookies()[0]

	tests := []struct {
		name         string
		method       string
		target       string
		withSession  bool
		origin       string
		wantStatus   int
		wantLocation string
		wantBody     string
	}{
		{name: "health", method: http.MethodGet, target: "/health", wantStatus: http.StatusOK, wantBody: `"healthy"`},
		{name: "metrics", method: http.MethodGet, target: "/metrics", wantStatus: http.StatusOK},
		{name: "unknown path", method: http.MethodGet, target: "/nope", wantStatus: http.StatusNotFound, wantBody: `"error":"not found"`},
		{name: "api requires session", method: http.MethodGet, target: "/api/salla/connections", wantStatus: http.StatusUnauthorized},
		{name: "api with session", method: http.MethodGet, target: "/api/salla/connections", withSession: true, wantStatus: http.StatusOK, wantBody: "[]"},
		{
			name:        "stats of unknown connection",
			method:      http.MethodGet,
			target:      "/api/salla/connections/12/stats",
			withSession: true,
			wantStatus:  http.StatusOK,
			wantBody:    "null",
		},
		{
			name:        "cross origin post blocked",
			method:      http.MethodPost,
			target:      "/api/salla/connections/12/disconnect",
			withSession: true,
			origin:      "https://attacker.example",
			wantStatus:  http.StatusForbidden,
		},
		{
			name:        "dashboard post allowed",
			method:      http.MethodPost,
			target:      "/api/salla/connections/12/disconnect",
			withSession: true,
			origin:      "https://app.example",
			wantStatus:  http.StatusOK,
			wantBody:    `{"success":true}`,
		},
		{
			name:         "callback is public",
			method:       http.MethodGet,
			target:       "/api/salla/callback?error=access_denied",
			wantStatus:   http.StatusFound,
			wantLocation: "/salla-connect?error=access_denied",
		},
		{
			name:         "auth without owner",
			method:       http.MethodGet,
			target:       "/api/salla/auth",
			wantStatus:   http.StatusFound,
			wantLocation: "/salla-connect?error=unauthorized",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(tc.method, "https://api.example.com"+tc.target, nil)
			if tc.withSession {
				req.AddCookie(cookie)
			}
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("unexpected status: got=%d want=%d body=%s", rec.Code, tc.wantStatus, rec.Body.String())
			}
			if tc.wantLocation != "" && rec.Header().Get("Location") != tc.wantLocation {
				t.Fatalf("unexpected location: %q", rec.Header().Get("Location"))
			}
			if tc.wantBody != "" && !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Fatalf("body %q does not contain %q", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "https://api.example.com/api/salla/connections", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("unexpected allow origin: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("credentials must be allowed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "https://api.example.com/api/salla/connections", nil)
	req.Header.Set("Origin", "https://attacker.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin must not be allowed, got %q", got)
	}
}

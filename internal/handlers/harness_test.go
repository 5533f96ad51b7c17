package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/marketdash/storelink/internal/cache"
	"github.com/marketdash/storelink/internal/config"
	"github.com/marketdash/storelink/internal/db"
	"github.com/marketdash/storelink/internal/logging"
	"github.com/marketdash/storelink/internal/models"
	"github.com/marketdash/storelink/internal/observability"
	"github.com/marketdash/storelink/internal/salla"
	"github.com/marketdash/storelink/internal/services"
	"github.com/marketdash/storelink/internal/session"
)

const testOwnerID int64 = 42

type harness struct {
	h        *Handlers
	repo     *db.MemoryConnectionStore
	signer   *services.StateSigner
	sessions *session.Manager
	salla    *httptest.Server
	cookie   *http.Cookie
}

// newSallaServer stands in for accounts.salla.sa and api.salla.dev.
func newSallaServer(t *testing.T) *httptest.Server {
	t.Helper()

	stores := map[string]string{
		"tok123":            `{"id":1305146709,"name":"Oud House","domain":"oud.example","currency":"SAR"}`,
		"manual-token-1234": `{"id":"77","name":"Manual Store","plan":"pro","type":"demo"}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("grant_type") == "authorization_code" && r.PostForm.Get("code") == "abc" {
			_, _ = w.Write([]byte(`{"access_token":"tok123","refresh_token":"ref123","token_type":"bearer","expires_in":3600,"scope":"offline_access"}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"The authorization code is invalid"}`))
	})
	mux.HandleFunc("GET /admin/v2/store/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		data, ok := stores[token]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status":401,"success":false,"error":{"code":"Unauthorized","message":"The access token is invalid"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":200,"success":true,"data":` + data + `}`))
	})
	mux.HandleFunc("GET /admin/v2/products", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":200,"success":true,"data":[{"id":1,"name":"Oud"}],"pagination":{"total":12}}`))
	})
	mux.HandleFunc("GET /admin/v2/orders", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":200,"success":true,"data":[
			{"amounts":{"total":{"amount":120.5}},"status":{"name":"completed"}},
			{"amounts":{"total":{"amount":"79.5"}},"status":{"name":"pending"}}
		],"pagination":{"total":2}}`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	sallaServer := newSallaServer(t)
	cfg := &config.Config{
		BaseURL:            "https://api.example.com",
		CORSAllowedOrigins: []string{"https://app.example"},
		SallaConnectPage:   "/salla-connect",
	}

	client, err := salla.NewClient(salla.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		APIBaseURL:   sallaServer.URL + "/admin/v2",
		AuthURL:      sallaServer.URL + "/oauth2/auth",
		TokenURL:     sallaServer.URL + "/oauth2/token",
		HTTPClient:   sallaServer.Client(),
	})
	if err != nil {
		t.Fatalf("salla.NewClient() error = %v", err)
	}

	cacheProvider, err := cache.NewMemoryProvider(64)
	if err != nil {
		t.Fatalf("NewMemoryProvider() error = %v", err)
	}
	signer, err := services.NewStateSigner(strings.Repeat("s", 32), 10*time.Minute)
	if err != nil {
		t.Fatalf("NewStateSigner() error = %v", err)
	}

	repo := db.NewMemoryConnectionStore()
	metrics := observability.NewMetrics()
	logger := logging.Discard()
	tokens := services.NewTokenManager(repo, client, metrics, logger)
	sessions := session.NewManager(session.NewMemoryStore(), false)

	h, err := New(Dependencies{
		Config:            cfg,
		OAuthService:      services.NewOAuthService(client, repo, signer, cacheProvider, metrics, logger),
		ConnectionService: services.NewConnectionService(repo, client, tokens, logger),
		SessionManager:    sessions,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &harness{
		h:        h,
		repo:     repo,
		signer:   signer,
		sessions: sessions,
		salla:    sallaServer,
		cookie:   sessionCookie(t, sessions, testOwnerID),
	}
}

func sessionCookie(t *testing.T, sessions *session.Manager, userID int64) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	if _, err := sessions.CreateSession(context.Background(), rec, &session.Data{UserID: userID, Email: "owner@example.com"}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == session.CookieName {
			return cookie
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func (hs *harness) seed(t *testing.T, ownerID int64, accessToken string) *db.Connection {
	t.Helper()

	conn, err := hs.repo.ReplaceActive(context.Background(), db.NewConnection{
		OwnerID:     ownerID,
		Store:       models.StoreSnapshot{MerchantID: "1305146709", Name: "Oud House", Currency: "SAR"},
		AccessToken: accessToken,
	})
	if err != nil {
		t.Fatalf("ReplaceActive() error = %v", err)
	}
	return conn
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

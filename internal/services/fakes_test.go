package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marketdash/storelink/internal/cache"
	"github.com/marketdash/storelink/internal/db"
	"github.com/marketdash/storelink/internal/logging"
	"github.com/marketdash/storelink/internal/salla"
)

type fakeSalla struct {
	mu sync.Mutex

	stores       map[string]*salla.StoreInfo
	exchangeFn   func(code, redirectURI string) (*salla.Token, error)
	refreshFn    func(refreshToken string) (*salla.Token, error)
	listFn       func(resource, token string, page, perPage int) (*salla.Envelope, error)
	refreshCalls int
	exchanges    []string
	listTokens   []string
}

func newFakeSalla() *fakeSalla {
	return &fakeSalla{stores: map[string]*salla.StoreInfo{}}
}

func (f *fakeSalla) AuthCodeURL(redirectURI, state string) string {
	q := url.Values{}
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	return "https://accounts.salla.sa/oauth2/auth?" + q.Encode()
}

func (f *fakeSalla) ExchangeAuthorizationCode(_ context.Context, code, redirectURI string) (*salla.Token, error) {
	f.mu.Lock()
	f.exchanges = append(f.exchanges, code+"|"+redirectURI)
	fn := f.exchangeFn
	f.mu.Unlock()
	if fn == nil {
		return nil, salla.ErrTokenExchangeFailed
	}
	return fn(code, redirectURI)
}

func (f *fakeSalla) RefreshToken(_ context.Context, refreshToken string) (*salla.Token, error) {
	f.mu.Lock()
	f.refreshCalls++
	fn := f.refreshFn
	f.mu.Unlock()
	if fn == nil {
		return nil, salla.ErrRefreshRejected
	}
	return fn(refreshToken)
}

func (f *fakeSalla) StoreInfo(_ context.Context, token string) (*salla.StoreInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.stores[token]
	if !ok {
		return nil, fmt.Errorf("%w: store info returned status 401", salla.ErrInvalidCredential)
	}
	cloned := *info
	return &cloned, nil
}

func (f *fakeSalla) Products(_ context.Context, token string, page, perPage int) (*salla.Envelope, error) {
	return f.list("products", token, page, perPage)
}

func (f *fakeSalla) Orders(_ context.Context, token string, page, perPage int) (*salla.Envelope, error) {
	return f.list("orders", token, page, perPage)
}

func (f *fakeSalla) Customers(_ context.Context, token string, page, perPage int) (*salla.Envelope, error) {
	return f.list("customers", token, page, perPage)
}

func (f *fakeSalla) list(resource, token string, page, perPage int) (*salla.Envelope, error) {
	f.mu.Lock()
	f.listTokens = append(f.listTokens, token)
	fn := f.listFn
	f.mu.Unlock()
	if fn == nil {
		return okEnvelope(`[]`, `{"total":0}`), nil
	}
	return fn(resource, token, page, perPage)
}

func (f *fakeSalla) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func (f *fakeSalla) seenListTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.listTokens...)
}

func okEnvelope(data, pagination string) *salla.Envelope {
	return &salla.Envelope{
		HTTPStatus: http.StatusOK,
		Status:     http.StatusOK,
		Success:    true,
		Data:       json.RawMessage(data),
		Pagination: json.RawMessage(pagination),
	}
}

func unauthorizedEnvelope() *salla.Envelope {
	return &salla.Envelope{
		HTTPStatus: http.StatusUnauthorized,
		Status:     http.StatusUnauthorized,
		Error:      &salla.APIError{Code: "Unauthorized", Message: "token expired"},
	}
}

type fakeRecorder struct {
	mu        sync.Mutex
	callbacks []string
	refreshes []string
}

func (r *fakeRecorder) OAuthCallback(stage, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, stage+":"+reason)
}

func (r *fakeRecorder) TokenRefresh(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes = append(r.refreshes, result)
}

func (r *fakeRecorder) refreshResults() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.refreshes...)
}

type testEnv struct {
	repo        *db.MemoryConnectionStore
	salla       *fakeSalla
	recorder    *fakeRecorder
	cache       cache.Provider
	signer      *StateSigner
	tokens      *TokenManager
	oauth       *OAuthService
	connections *ConnectionService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cacheProvider, err := cache.NewMemoryProvider(64)
	if err != nil {
		t.Fatalf("NewMemoryProvider() error = %v", err)
	}
	signer, err := NewStateSigner(strings.Repeat("s", 32), 10*time.Minute)
	if err != nil {
		t.Fatalf("NewStateSigner() error = %v", err)
	}

	env := &testEnv{
		repo:     db.NewMemoryConnectionStore(),
		salla:    newFakeSalla(),
		recorder: &fakeRecorder{},
		cache:    cacheProvider,
		signer:   signer,
	}
	logger := logging.Discard()
	env.tokens = NewTokenManager(env.repo, env.salla, env.recorder, logger)
	env.oauth = NewOAuthService(env.salla, env.repo, signer, cacheProvider, env.recorder, logger)
	env.connections = NewConnectionService(env.repo, env.salla, env.tokens, logger)
	return env
}

func timePtr(t time.Time) *time.Time {
	return &t
}

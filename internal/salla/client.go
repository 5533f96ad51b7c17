// Package salla talks to the Salla merchant API and its OAuth token endpoint.
// It performs no persistence and does not interpret API error codes beyond
// classifying them into the sentinel errors below.
package salla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var (
	ErrInvalidCredential   = errors.New("salla rejected the access token")
	ErrTokenExchangeFailed = errors.New("salla token exchange failed")
	ErrRefreshRejected     = errors.New("salla refused to refresh the token")
	ErrUpstreamUnavailable = errors.New("salla is unavailable")
)

const (
	DefaultAPIBaseURL = "https://api.salla.dev/admin/v2"
	DefaultAuthURL    = "https://accounts.salla.sa/oauth2/auth"
	DefaultTokenURL   = "https://accounts.salla.sa/oauth2/token"

	// OfflineAccessScope makes Salla issue a refresh token.
	OfflineAccessScope = "offline_access"

	maxResponseBytes = 4 << 20
)

// UpstreamRecorder observes every call made to Salla. status is 0 when no
// HTTP response was received.
type UpstreamRecorder interface {
	ObserveUpstream(endpoint string, status int, elapsed time.Duration)
}

type Config struct {
	ClientID     string
	ClientSecret string
	APIBaseURL   string
	AuthURL      string
	TokenURL     string
	HTTPClient   *http.Client
	Recorder     UpstreamRecorder
}

type Client struct {
	apiBaseURL string
	httpClient *http.Client
	oauth      oauth2.Config
	recorder   UpstreamRecorder
	now        func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("salla client id and secret are required")
	}

	apiBaseURL := strings.TrimRight(orDefault(cfg.APIBaseURL, DefaultAPIBaseURL), "/")
	if _, err := url.Parse(apiBaseURL); err != nil {
		return nil, fmt.Errorf("invalid salla api base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &Client{
		apiBaseURL: apiBaseURL,
		httpClient: httpClient,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   orDefault(cfg.AuthURL, DefaultAuthURL),
				TokenURL:  orDefault(cfg.TokenURL, DefaultTokenURL),
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{OfflineAccessScope},
		},
		recorder: cfg.Recorder,
		now:      time.Now,
	}, nil
}

// Envelope is Salla's response wrapper, returned as received.
type Envelope struct {
	HTTPStatus int             `json:"-"`
	Status     int             `json:"status"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Pagination json.RawMessage `json:"pagination,omitempty"`
	Error      *APIError       `json:"error,omitempty"`
}

type APIError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

// OK reports whether Salla answered with status 200.
func (e *Envelope) OK() bool {
	return e != nil && e.Status == http.StatusOK
}

// Unauthorized reports whether Salla rejected the bearer token.
func (e *Envelope) Unauthorized() bool {
	return e != nil && (e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden)
}

// Get issues an authenticated GET for path, which is relative to the API base
// URL and may carry a query string. Non-2xx answers are returned as envelopes;
// transport and decoding failures wrap ErrUpstreamUnavailable.
func (c *Client) Get(ctx context.Context, path, token string) (*Envelope, error) {
	endpoint := endpointLabel(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+"/"+strings.TrimLeft(path, "/"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build salla request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(endpoint, 0, start)
		return nil, fmt.Errorf("%w: GET %s: %w", ErrUpstreamUnavailable, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.observe(endpoint, resp.StatusCode, start)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %w", ErrUpstreamUnavailable, endpoint, err)
	}

	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decoding %s response (HTTP %d): %w", ErrUpstreamUnavailable, endpoint, resp.StatusCode, err)
	}
	envelope.HTTPStatus = resp.StatusCode
	if envelope.Status == 0 {
		envelope.Status = resp.StatusCode
	}
	return &envelope, nil
}

// AuthCodeURL builds the consent URL the browser is sent to.
func (c *Client) AuthCodeURL(redirectURI, state string) string {
	cfg := c.oauth
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL(state)
}

// Token is the subset of a token endpoint response that is persisted.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	// ExpiresAt is nil when the provider did not send expires_in.
	ExpiresAt *time.Time
}

// ExchangeAuthorizationCode trades an authorization code for tokens.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI string) (*Token, error) {
	cfg := c.oauth
	cfg.RedirectURL = redirectURI

	start := c.now()
	tok, err := cfg.Exchange(c.oauthContext(ctx), code)
	c.observeOAuth("token.authorization_code", start, err)
	if err != nil {
		return nil, classifyTokenError(ErrTokenExchangeFailed, err)
	}
	return fromOAuthToken(tok), nil
}

// RefreshToken mints a new access token from refreshToken.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrRefreshRejected)
	}

	start := c.now()
	tok, err := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	c.observeOAuth("token.refresh_token", start, err)
	if err != nil {
		return nil, classifyTokenError(ErrRefreshRejected, err)
	}
	return fromOAuthToken(tok), nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) observe(endpoint string, status int, start time.Time) {
	if c.recorder == nil {
		return
	}
	c.recorder.ObserveUpstream(endpoint, status, c.now().Sub(start))
}

func (c *Client) observeOAuth(endpoint string, start time.Time, err error) {
	status := http.StatusOK
	if err != nil {
		status = 0
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
	}
	c.observe(endpoint, status, start)
}

// classifyTokenError maps a token endpoint failure onto rejected, unless the
// provider could not be reached at all.
func classifyTokenError(rejected error, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
		return fmt.Errorf("%w: %w", rejected, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return fmt.Errorf("%w: %w", rejected, err)
}

func fromOAuthToken(tok *oauth2.Token) *Token {
	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scope = scope
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		out.ExpiresAt = &expiry
	}
	return out
}

// endpointLabel reduces a request path to a low-cardinality metric label.
func endpointLabel(path string) string {
	path = strings.Trim(path, "/")
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return "root"
	}
	return strings.ReplaceAll(path, "/", "_")
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func pagePath(resource string, page, perPage int) string {
	query := url.Values{}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		query.Set("per_page", strconv.Itoa(perPage))
	}
	if encoded := query.Encode(); encoded != "" {
		return resource + "?" + encoded
	}
	return resource
}

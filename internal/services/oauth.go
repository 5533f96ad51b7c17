package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/marketdash/storelink/internal/cache"
	"github.com/marketdash/storelink/internal/logging"
	"github.com/marketdash/storelink/internal/models"
	"github.com/marketdash/storelink/internal/observability"
	"github.com/marketdash/storelink/internal/salla"
)

// CallbackPath is where Salla sends the browser after consent.
const CallbackPath = "/api/salla/callback"

// DefaultStoreName is used when store metadata could not be fetched.
const DefaultStoreName = "Salla Store"

var (
	ErrOAuthUnavailable = errors.New("salla oauth service unavailable")
	ErrNoOwner          = errors.New("no dashboard user to attach the connection to")
	ErrInvalidOrigin    = errors.New("invalid dashboard origin")
)

// Stage is a step of the authorization code flow after the browser has been
// sent to the consent page.
type Stage string

const (
	StageAwaitingConsent Stage = "awaiting_consent"
	StageCodeReceived    Stage = "code_received"
	StageTokenExchanged  Stage = "token_exchanged"
	StagePersisted       Stage = "persisted"
	StageErrored         Stage = "errored"
)

// Reasons reported to the connect page. Provider errors are passed through
// verbatim instead.
const (
	ReasonNoCode              = "no_code"
	ReasonInvalidState        = "invalid_state"
	ReasonTokenExchangeFailed = "token_exchange_failed"
	ReasonUpstreamUnavailable = "upstream_unavailable"
	ReasonServerError         = "server_error"
	ReasonUnauthorized        = "unauthorized"
	ReasonInvalidOrigin       = "invalid_origin"
)

// CallbackOutcome is the terminal state of one callback. Stage is either
// StagePersisted or StageErrored; FailedAt names the last stage reached
// before an error.
type CallbackOutcome struct {
	Stage        Stage
	FailedAt     Stage
	Reason       string
	StoreName    string
	ConnectionID int64
	OwnerID      int64
}

func (o CallbackOutcome) Succeeded() bool {
	return o.Stage == StagePersisted
}

// RedirectPath is the connect page URL the browser is sent to.
func (o CallbackOutcome) RedirectPath(page string) string {
	if o.Succeeded() {
		return page + "?success=true&store=" + url.QueryEscape(o.StoreName)
	}
	return ErrorRedirectPath(page, o.Reason)
}

func ErrorRedirectPath(page, reason string) string {
	if reason == "" {
		reason = ReasonServerError
	}
	return page + "?error=" + url.QueryEscape(reason)
}

type CallbackInput struct {
	Code  string
	State string
	Error string
}

type AuthURLResult struct {
	URL         string `json:"url"`
	RedirectURI string `json:"redirectUri"`
}

type OAuthService struct {
	salla    SallaAPI
	repo     ConnectionRepository
	signer   *StateSigner
	cache    cache.Provider
	recorder OutcomeRecorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewOAuthService(sallaClient SallaAPI, repo ConnectionRepository, signer *StateSigner, cacheProvider cache.Provider, recorder OutcomeRecorder, logger *slog.Logger) *OAuthService {
	return &OAuthService{
		salla:    sallaClient,
		repo:     repo,
		signer:   signer,
		cache:    cacheProvider,
		recorder: recorderOrNoop(recorder),
		logger:   logger,
		now:      time.Now,
	}
}

func (s *OAuthService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

// RedirectURI is the callback URL registered for origin.
func RedirectURI(origin string) string {
	return strings.TrimRight(origin, "/") + CallbackPath
}

// NormalizeOrigin reduces raw to scheme://host[:port] and rejects anything
// that is not an absolute http(s) URL.
func NormalizeOrigin(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, raw)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidOrigin, parsed.Scheme)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), nil
}

// AuthURL builds the Salla consent URL for ownerID. It writes nothing; the
// signed state is enough for the callback to recover origin and owner.
func (s *OAuthService) AuthURL(origin string, ownerID int64) (AuthURLResult, error) {
	if s == nil || s.salla == nil || s.signer == nil {
		return AuthURLResult{}, ErrOAuthUnavailable
	}
	if ownerID <= 0 {
		return AuthURLResult{}, ErrNoOwner
	}
	origin, err := NormalizeOrigin(origin)
	if err != nil {
		return AuthURLResult{}, err
	}

	state, _, err := s.signer.Sign(origin, ownerID)
	if err != nil {
		return AuthURLResult{}, err
	}

	redirectURI := RedirectURI(origin)
	return AuthURLResult{
		URL:         s.salla.AuthCodeURL(redirectURI, state),
		RedirectURI: redirectURI,
	}, nil
}

// HandleCallback runs the callback half of the flow. Failures never escape as
// errors; they are reported as an errored outcome with a reason.
func (s *OAuthService) HandleCallback(ctx context.Context, input CallbackInput) (outcome CallbackOutcome) {
	span := sentry.StartSpan(
		ctx,
		"service.salla_oauth.callback",
		sentry.WithOpName("service.salla_oauth"),
		sentry.WithDescription("HandleCallback"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.Count("salla.oauth.callback.received", 1)
	logger := s.loggerFromContext(ctx)

	defer func() {
		s.recorder.OAuthCallback(string(outcome.Stage), outcome.Reason)
		if outcome.Succeeded() {
			span.Status = sentry.SpanStatusOK
			meter.Count("salla.oauth.callback.persisted", 1)
			return
		}
		span.Status = sentry.SpanStatusInternalError
		span.SetData("salla.oauth.reason", outcome.Reason)
		meter.Count("salla.oauth.callback.failed", 1, sentry.WithAttributes(
			attribute.String("reason", outcome.Reason),
			attribute.String("stage", string(outcome.FailedAt)),
		))
	}()

	stage := StageAwaitingConsent
	fail := func(reason string) CallbackOutcome {
		return CallbackOutcome{Stage: StageErrored, FailedAt: stage, Reason: reason, OwnerID: outcome.OwnerID}
	}

	if s.salla == nil || s.repo == nil || s.signer == nil || s.cache == nil {
		logger.Error("salla oauth callback received but service is not configured")
		return fail(ReasonServerError)
	}

	if providerErr := strings.TrimSpace(input.Error); providerErr != "" {
		logger.Info("salla authorization denied", "error", providerErr)
		return fail(providerErr)
	}
	if strings.TrimSpace(input.Code) == "" {
		return fail(ReasonNoCode)
	}
	stage = StageCodeReceived

	state, err := s.signer.Verify(input.State)
	if err != nil {
		logger.Warn("rejected salla oauth state", "error", err)
		return fail(ReasonInvalidState)
	}
	outcome.OwnerID = state.OwnerID
	span.SetData("user.id", state.OwnerID)

	first, err := s.cache.Claim(ctx, cache.UsedOAuthStateKey(state.ID), s.stateRetention(state))
	if err != nil {
		logger.Error("failed to record salla oauth state use", "error", err)
		return fail(ReasonServerError)
	}
	if !first {
		logger.Warn("salla oauth state replayed", "state_id", state.ID, "user_id", state.OwnerID)
		return fail(ReasonInvalidState)
	}

	token, err := s.salla.ExchangeAuthorizationCode(ctx, input.Code, RedirectURI(state.Origin))
	if err != nil {
		logger.Warn("salla code exchange failed", "error", err, "user_id", state.OwnerID)
		if errors.Is(err, salla.ErrUpstreamUnavailable) {
			return fail(ReasonUpstreamUnavailable)
		}
		return fail(ReasonTokenExchangeFailed)
	}
	if token.AccessToken == "" {
		return fail(ReasonTokenExchangeFailed)
	}
	stage = StageTokenExchanged

	snapshot := s.storeSnapshot(ctx, token.AccessToken)

	conn, err := s.repo.ReplaceActive(ctx, models.NewConnection{
		OwnerID:      state.OwnerID,
		Store:        snapshot,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.ExpiresAt,
		Scope:        token.Scope,
	})
	if err != nil {
		logger.Error("failed to persist salla connection", "error", err, "user_id", state.OwnerID)
		return fail(ReasonServerError)
	}

	logger.Info("salla store connected",
		"user_id", state.OwnerID,
		"connection_id", conn.ID,
		"merchant_id", conn.MerchantID)

	return CallbackOutcome{
		Stage:        StagePersisted,
		StoreName:    conn.StoreName,
		ConnectionID: conn.ID,
		OwnerID:      state.OwnerID,
	}
}

// storeSnapshot fetches store metadata for a fresh token. A failure is logged
// and replaced by a generic name.
func (s *OAuthService) storeSnapshot(ctx context.Context, accessToken string) models.StoreSnapshot {
	info, err := s.salla.StoreInfo(ctx, accessToken)
	if err != nil {
		s.loggerFromContext(ctx).Warn("could not fetch salla store info after exchange", "error", err)
		return models.StoreSnapshot{Name: DefaultStoreName}
	}
	return snapshotFromInfo(info)
}

// stateRetention keeps a used state id until the state itself expires.
func (s *OAuthService) stateRetention(state OAuthState) time.Duration {
	retention := state.ExpiresAt.Sub(s.now())
	if retention < time.Minute {
		return time.Minute
	}
	return retention
}

func snapshotFromInfo(info *salla.StoreInfo) models.StoreSnapshot {
	name := strings.TrimSpace(info.Name)
	if name == "" {
		name = DefaultStoreName
	}
	return models.StoreSnapshot{
		MerchantID: info.ID.String(),
		Name:       name,
		Email:      info.Email,
		Domain:     info.Domain,
		Plan:       info.Plan,
		Avatar:     info.Avatar,
		Currency:   info.Currency,
	}
}

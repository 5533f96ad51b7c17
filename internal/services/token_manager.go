package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/marketdash/storelink/internal/logging"
	"github.com/marketdash/storelink/internal/models"
	"github.com/marketdash/storelink/internal/observability"
	"github.com/marketdash/storelink/internal/salla"
)

// Access tokens this close to expiry are refreshed before use.
const refreshSkew = 30 * time.Second

var ErrReauthRequired = errors.New("salla connection must be reconnected")

const (
	refreshResultRotated  = "rotated"
	refreshResultLostRace = "lost_race"
	refreshResultRejected = "rejected"
	refreshResultError    = "error"
)

// TokenManager hands out usable access tokens, rotating expired ones with the
// stored refresh token. Refreshes of one connection are serialized within the
// process; across processes the token_version check decides the winner.
type TokenManager struct {
	repo     ConnectionRepository
	salla    SallaAPI
	recorder OutcomeRecorder
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time
}

func NewTokenManager(repo ConnectionRepository, sallaClient SallaAPI, recorder OutcomeRecorder, logger *slog.Logger) *TokenManager {
	return &TokenManager{
		repo:     repo,
		salla:    sallaClient,
		recorder: recorderOrNoop(recorder),
		logger:   logger,
		now:      time.Now,
	}
}

// AccessToken returns a token for conn that is valid for at least the refresh
// skew, or ErrReauthRequired when the connection cannot be renewed.
func (m *TokenManager) AccessToken(ctx context.Context, conn *models.Connection) (string, error) {
	if conn == nil {
		return "", models.ErrConnectionNotFound
	}
	if !conn.ExpiredAt(m.now(), refreshSkew) {
		return conn.AccessToken, nil
	}
	if !conn.HasRefreshToken() {
		return "", fmt.Errorf("%w: access token expired and no refresh token is stored", ErrReauthRequired)
	}

	// The refresh outlives a cancelled caller so a rotated refresh token is
	// always persisted.
	refreshCtx := context.WithoutCancel(ctx)
	result := m.group.DoChan(strconv.FormatInt(conn.ID, 10), func() (any, error) {
		return m.refresh(refreshCtx, conn.ID)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *TokenManager) refresh(ctx context.Context, connectionID int64) (token string, err error) {
	span := observability.StartSpan(ctx, "service.tokens.refresh", "service.tokens", "RefreshAccessToken")
	ctx = span.Context()
	span.SetData("salla.connection_id", connectionID)
	defer func() { observability.FinishSpan(span, err) }()

	meter := observability.MeterFromContext(ctx)
	meter.SetAttributes(attribute.Int64("salla.connection_id", connectionID))
	logger := logging.FromContext(ctx, m.logger).With("connection_id", connectionID)

	current, err := m.repo.GetByID(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if !current.IsActive {
		return "", models.ErrConnectionNotFound
	}
	if !current.ExpiredAt(m.now(), refreshSkew) {
		return current.AccessToken, nil
	}
	if !current.HasRefreshToken() {
		return "", fmt.Errorf("%w: access token expired and no refresh token is stored", ErrReauthRequired)
	}

	tok, err := m.salla.RefreshToken(ctx, current.RefreshToken)
	if err != nil {
		if errors.Is(err, salla.ErrRefreshRejected) {
			m.countRefresh(ctx, refreshResultRejected)
			logger.Warn("salla refused token refresh", "error", err)
			return "", fmt.Errorf("%w: %w", ErrReauthRequired, err)
		}
		m.countRefresh(ctx, refreshResultError)
		return "", err
	}
	if tok.AccessToken == "" {
		m.countRefresh(ctx, refreshResultRejected)
		return "", fmt.Errorf("%w: refresh response carried no access token", ErrReauthRequired)
	}

	rotated, err := m.repo.RotateTokens(ctx, connectionID, current.TokenVersion, models.TokenRotation{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.ExpiresAt,
		Scope:        tok.Scope,
	})
	if err != nil {
		m.countRefresh(ctx, refreshResultError)
		logger.Error("failed to persist rotated salla tokens", "error", err)
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	if !rotated {
		m.countRefresh(ctx, refreshResultLostRace)
		latest, err := m.repo.GetByID(ctx, connectionID)
		if err != nil {
			return "", err
		}
		logger.Info("another writer rotated the salla token first", "token_version", latest.TokenVersion)
		return latest.AccessToken, nil
	}

	m.countRefresh(ctx, refreshResultRotated)
	logger.Info("salla access token refreshed", "expires_at", tok.ExpiresAt)
	return tok.AccessToken, nil
}

func (m *TokenManager) countRefresh(ctx context.Context, result string) {
	m.recorder.TokenRefresh(result)
	observability.MeterFromContext(ctx).Count("salla.token.refresh", 1, sentry.WithAttributes(
		attribute.String("result", result),
	))
}

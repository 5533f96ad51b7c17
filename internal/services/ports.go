package services

import (
	"context"

	"github.com/marketdash/storelink/internal/models"
	"github.com/marketdash/storelink/internal/salla"
)

// ConnectionRepository is the credential store. db.ConnectionStore and
// db.MemoryConnectionStore implement it.
type ConnectionRepository interface {
	ReplaceActive(ctx context.Context, input models.NewConnection) (*models.Connection, error)
	GetActiveForOwner(ctx context.Context, id, ownerID int64) (*models.Connection, error)
	GetByID(ctx context.Context, id int64) (*models.Connection, error)
	ListActiveByOwner(ctx context.Context, ownerID int64) ([]*models.Connection, error)
	RotateTokens(ctx context.Context, id, expectedVersion int64, rotation models.TokenRotation) (bool, error)
	Deactivate(ctx context.Context, id, ownerID int64) error
}

// SallaAPI is the subset of *salla.Client used by the services.
type SallaAPI interface {
	AuthCodeURL(redirectURI, state string) string
	ExchangeAuthorizationCode(ctx context.Context, code, redirectURI string) (*salla.Token, error)
	RefreshToken(ctx context.Context, refreshToken string) (*salla.Token, error)
	StoreInfo(ctx context.Context, token string) (*salla.StoreInfo, error)
	Products(ctx context.Context, token string, page, perPage int) (*salla.Envelope, error)
	Orders(ctx context.Context, token string, page, perPage int) (*salla.Envelope, error)
	Customers(ctx context.Context, token string, page, perPage int) (*salla.Envelope, error)
}

// OutcomeRecorder counts OAuth callback outcomes and token refreshes.
// *observability.Metrics implements it.
type OutcomeRecorder interface {
	OAuthCallback(stage, reason string)
	TokenRefresh(result string)
}

type noopRecorder struct{}

func (noopRecorder) OAuthCallback(string, string) {}
func (noopRecorder) TokenRefresh(string)          {}

func recorderOrNoop(r OutcomeRecorder) OutcomeRecorder {
	if r == nil {
		return noopRecorder{}
	}
	return r
}

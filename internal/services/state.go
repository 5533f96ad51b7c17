package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const stateIssuer = "storelink"

var ErrInvalidState = errors.New("invalid oauth state")

// OAuthState is what the callback learns from a verified state parameter.
type OAuthState struct {
	ID        string
	Origin    string
	OwnerID   int64
	ExpiresAt time.Time
}

type stateClaims struct {
	Origin string `json:"origin"`
	UserID int64  `json:"uid"`
	jwt.RegisteredClaims
}

// StateSigner issues and verifies the OAuth state parameter as an HS256 JWT
// so the callback can trust the origin and owner it carries.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewStateSigner(secret string, ttl time.Duration) (*StateSigner, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("oauth state secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("oauth state ttl must be positive")
	}
	return &StateSigner{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (s *StateSigner) Sign(origin string, ownerID int64) (string, OAuthState, error) {
	now := s.now()
	state := OAuthState{
		ID:        uuid.NewString(),
		Origin:    origin,
		OwnerID:   ownerID,
		ExpiresAt: now.Add(s.ttl).Truncate(time.Second),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		Origin: origin,
		UserID: ownerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        state.ID,
			Issuer:    stateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(state.ExpiresAt),
		},
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", OAuthState{}, fmt.Errorf("failed to sign oauth state: %w", err)
	}
	return signed, state, nil
}

// Verify checks signature, issuer and expiry. Every failure wraps
// ErrInvalidState.
func (s *StateSigner) Verify(raw string) (OAuthState, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return OAuthState{}, fmt.Errorf("%w: state is required", ErrInvalidState)
	}

	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return OAuthState{}, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if claims.ID == "" || claims.UserID <= 0 || claims.Origin == "" {
		return OAuthState{}, fmt.Errorf("%w: incomplete claims", ErrInvalidState)
	}

	return OAuthState{
		ID:        claims.ID,
		Origin:    claims.Origin,
		OwnerID:   claims.UserID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

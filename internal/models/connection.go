package models

import (
	"errors"
	"time"
)

var ErrConnectionNotFound = errors.New("salla connection not found")

const DefaultTokenType = "Bearer"

// Connection is one dashboard user's link to a Salla store. Tokens are held
// in plaintext here; the store encrypts them at rest.
type Connection struct {
	ID            int64
	OwnerID       int64
	MerchantID    string
	StoreName     string
	StoreEmail    string
	StoreDomain   string
	StorePlan     string
	StoreAvatar   string
	StoreCurrency string
	AccessToken   string
	RefreshToken  string
	TokenType     string
	// ExpiresAt is nil for tokens that never expire.
	ExpiresAt    *time.Time
	Scope        string
	TokenVersion int64
	IsActive     bool
	ConnectedAt  time.Time
	UpdatedAt    time.Time
}

// HasRefreshToken reports whether an expired access token can be rotated.
func (c *Connection) HasRefreshToken() bool {
	return c != nil && c.RefreshToken != ""
}

// ExpiredAt reports whether the access token is expired at now, treating
// tokens within skew of their expiry as already expired.
func (c *Connection) ExpiredAt(now time.Time, skew time.Duration) bool {
	if c == nil || c.ExpiresAt == nil {
		return false
	}
	return !now.Add(skew).Before(*c.ExpiresAt)
}

// View returns the redacted form sent to the browser.
func (c *Connection) View() ConnectionView {
	return ConnectionView{
		ID:              c.ID,
		MerchantID:      c.MerchantID,
		StoreName:       c.StoreName,
		StoreEmail:      c.StoreEmail,
		StoreDomain:     c.StoreDomain,
		StorePlan:       c.StorePlan,
		StoreAvatar:     c.StoreAvatar,
		StoreCurrency:   c.StoreCurrency,
		TokenType:       c.TokenType,
		ExpiresAt:       c.ExpiresAt,
		Scope:           c.Scope,
		HasRefreshToken: c.HasRefreshToken(),
		IsActive:        c.IsActive,
		ConnectedAt:     c.ConnectedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

// ConnectionView carries no token material.
type ConnectionView struct {
	ID              int64      `json:"id"`
	MerchantID      string     `json:"merchantId"`
	StoreName       string     `json:"storeName"`
	StoreEmail      string     `json:"storeEmail,omitempty"`
	StoreDomain     string     `json:"storeDomain,omitempty"`
	StorePlan       string     `json:"storePlan,omitempty"`
	StoreAvatar     string     `json:"storeAvatar,omitempty"`
	StoreCurrency   string     `json:"storeCurrency,omitempty"`
	TokenType       string     `json:"tokenType"`
	ExpiresAt       *time.Time `json:"expiresAt"`
	Scope           string     `json:"scope,omitempty"`
	HasRefreshToken bool       `json:"hasRefreshToken"`
	IsActive        bool       `json:"isActive"`
	ConnectedAt     time.Time  `json:"connectedAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// StoreSnapshot is the store metadata captured when a connection is made.
type StoreSnapshot struct {
	MerchantID string
	Name       string
	Email      string
	Domain     string
	Plan       string
	Avatar     string
	Currency   string
}

// NewConnection is the input for creating the active connection of an owner.
type NewConnection struct {
	OwnerID      int64
	Store        StoreSnapshot
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
	Scope        string
}

// TokenRotation is the result of a refresh grant. An empty RefreshToken or a
// nil ExpiresAt keeps the stored value.
type TokenRotation struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
	Scope        string
}

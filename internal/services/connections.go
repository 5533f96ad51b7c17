package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"

	"github.com/marketdash/storelink/internal/logging"
	"github.com/marketdash/storelink/internal/models"
	"github.com/marketdash/storelink/internal/observability"
	"github.com/marketdash/storelink/internal/salla"
)

const defaultPerPage = 10

var (
	ErrConnectionsUnavailable = errors.New("salla connection service unavailable")
	ErrInvalidInput           = errors.New("invalid input")
)

// PageRequest selects one page of a Salla listing.
type PageRequest struct {
	Page    int `validate:"min=1"`
	PerPage int `validate:"min=1,max=100"`
}

// PagedResult mirrors Salla's data/pagination pair.
type PagedResult struct {
	Data       json.RawMessage `json:"data"`
	Pagination json.RawMessage `json:"pagination"`
}

// EmptyPage is returned when there is no usable connection.
func EmptyPage() PagedResult {
	return PagedResult{
		Data:       json.RawMessage(`[]`),
		Pagination: json.RawMessage(`{"total":0}`),
	}
}

type ConnectInput struct {
	AccessToken  string `json:"accessToken" validate:"required,min=10"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type StorePreview struct {
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Domain string `json:"domain,omitempty"`
	Plan   string `json:"plan,omitempty"`
	Type   string `json:"type,omitempty"`
}

type ConnectResult struct {
	Success      bool         `json:"success"`
	ConnectionID int64        `json:"connectionId"`
	Store        StorePreview `json:"store"`
}

// ConnectionService is the dashboard-facing surface over stored connections.
// Every call is scoped to the owner it is given.
type ConnectionService struct {
	repo     ConnectionRepository
	salla    SallaAPI
	tokens   *TokenManager
	validate *validator.Validate
	logger   *slog.Logger
}

func NewConnectionService(repo ConnectionRepository, sallaClient SallaAPI, tokens *TokenManager, logger *slog.Logger) *ConnectionService {
	return &ConnectionService{
		repo:     repo,
		salla:    sallaClient,
		tokens:   tokens,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

func (s *ConnectionService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

func (s *ConnectionService) ready() error {
	if s == nil || s.repo == nil || s.salla == nil || s.tokens == nil {
		return ErrConnectionsUnavailable
	}
	return nil
}

// GetConnections lists the owner's active connections without token values.
func (s *ConnectionService) GetConnections(ctx context.Context, ownerID int64) ([]models.ConnectionView, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	conns, err := s.repo.ListActiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	views := make([]models.ConnectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, conn.View())
	}
	return views, nil
}

func (s *ConnectionService) GetProducts(ctx context.Context, ownerID, connectionID int64, page PageRequest) (PagedResult, error) {
	return s.listPage(ctx, "products", ownerID, connectionID, page)
}

func (s *ConnectionService) GetOrders(ctx context.Context, ownerID, connectionID int64, page PageRequest) (PagedResult, error) {
	return s.listPage(ctx, "orders", ownerID, connectionID, page)
}

func (s *ConnectionService) GetCustomers(ctx context.Context, ownerID, connectionID int64, page PageRequest) (PagedResult, error) {
	return s.listPage(ctx, "customers", ownerID, connectionID, page)
}

func (s *ConnectionService) fetchPage(ctx context.Context, resource, token string, page PageRequest) (*salla.Envelope, error) {
	switch resource {
	case "products":
		return s.salla.Products(ctx, token, page.Page, page.PerPage)
	case "orders":
		return s.salla.Orders(ctx, token, page.Page, page.PerPage)
	case "customers":
		return s.salla.Customers(ctx, token, page.Page, page.PerPage)
	default:
		return nil, fmt.Errorf("unknown salla resource %q", resource)
	}
}

func (s *ConnectionService) listPage(ctx context.Context, resource string, ownerID, connectionID int64, page PageRequest) (result PagedResult, err error) {
	if err := s.ready(); err != nil {
		return PagedResult{}, err
	}
	page = page.withDefaults()
	if err := s.validate.Struct(page); err != nil {
		return PagedResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	span := observability.StartSpan(ctx, "service.connections.list_"+resource, "service.connections", "List "+resource)
	ctx = span.Context()
	span.SetData("salla.connection_id", connectionID)
	defer func() { observability.FinishSpan(span, err) }()

	conn, token, err := s.connectionToken(ctx, ownerID, connectionID)
	if errors.Is(err, models.ErrConnectionNotFound) {
		return EmptyPage(), nil
	}
	if err != nil {
		return PagedResult{}, err
	}

	envelope, err := s.fetchPage(ctx, resource, token, page)
	if err != nil {
		return PagedResult{}, err
	}
	if err := s.checkEnvelope(ctx, conn, resource, envelope); err != nil {
		return PagedResult{}, err
	}

	result = EmptyPage()
	if hasJSON(envelope.Data) {
		result.Data = envelope.Data
	}
	if hasJSON(envelope.Pagination) {
		result.Pagination = envelope.Pagination
	}
	return result, nil
}

// ConnectWithToken validates a manually supplied access token against Salla
// and makes it the owner's only active connection.
func (s *ConnectionService) ConnectWithToken(ctx context.Context, ownerID int64, input ConnectInput) (result ConnectResult, err error) {
	if err := s.ready(); err != nil {
		return ConnectResult{}, err
	}
	if ownerID <= 0 {
		return ConnectResult{}, ErrNoOwner
	}

	input.AccessToken = strings.TrimSpace(input.AccessToken)
	input.RefreshToken = strings.TrimSpace(input.RefreshToken)
	if err := s.validate.Struct(input); err != nil {
		return ConnectResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	span := observability.StartSpan(ctx, "service.connections.connect_with_token", "service.connections", "ConnectWithToken")
	ctx = span.Context()
	span.SetData("user.id", ownerID)
	defer func() { observability.FinishSpan(span, err) }()

	info, err := s.salla.StoreInfo(ctx, input.AccessToken)
	if err != nil {
		return ConnectResult{}, err
	}

	conn, err := s.repo.ReplaceActive(ctx, models.NewConnection{
		OwnerID:      ownerID,
		Store:        snapshotFromInfo(info),
		AccessToken:  input.AccessToken,
		RefreshToken: input.RefreshToken,
		TokenType:    models.DefaultTokenType,
	})
	if err != nil {
		return ConnectResult{}, fmt.Errorf("failed to save connection: %w", err)
	}

	observability.MeterFromContext(ctx).Count("salla.connection.manual_connect", 1)
	s.loggerFromContext(ctx).Info("salla store connected with manual token",
		"user_id", ownerID,
		"connection_id", conn.ID,
		"merchant_id", conn.MerchantID)

	return ConnectResult{
		Success:      true,
		ConnectionID: conn.ID,
		Store: StorePreview{
			Name:   conn.StoreName,
			Email:  info.Email,
			Domain: info.Domain,
			Plan:   info.Plan,
			Type:   info.Type,
		},
	}, nil
}

// Disconnect soft-deletes the connection. Unknown or already inactive ids
// succeed.
func (s *ConnectionService) Disconnect(ctx context.Context, ownerID, connectionID int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.repo.Deactivate(ctx, connectionID, ownerID); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}

	observability.MeterFromContext(ctx).Count("salla.connection.disconnected", 1)
	s.loggerFromContext(ctx).Info("salla store disconnected", "user_id", ownerID, "connection_id", connectionID)
	return nil
}

// connectionToken loads the owner's active connection and a usable token.
func (s *ConnectionService) connectionToken(ctx context.Context, ownerID, connectionID int64) (*models.Connection, string, error) {
	conn, err := s.repo.GetActiveForOwner(ctx, connectionID, ownerID)
	if err != nil {
		return nil, "", err
	}
	token, err := s.tokens.AccessToken(ctx, conn)
	if err != nil {
		return nil, "", err
	}
	return conn, token, nil
}

// checkEnvelope turns Salla answers that cannot be rendered into errors.
func (s *ConnectionService) checkEnvelope(ctx context.Context, conn *models.Connection, resource string, envelope *salla.Envelope) error {
	switch {
	case envelope.Unauthorized():
		s.loggerFromContext(ctx).Warn("salla rejected stored access token",
			"connection_id", conn.ID,
			"resource", resource,
			"status", envelope.Status)
		observability.MeterFromContext(ctx).Count("salla.connection.token_rejected", 1)
		if span := sentry.SpanFromContext(ctx); span != nil {
			span.SetData("salla.status", envelope.Status)
		}
		return fmt.Errorf("%w: salla answered %d for %s", ErrReauthRequired, envelope.Status, resource)
	case envelope.Status >= http.StatusInternalServerError || envelope.HTTPStatus >= http.StatusInternalServerError:
		return fmt.Errorf("%w: salla answered %d for %s", salla.ErrUpstreamUnavailable, envelope.Status, resource)
	}
	return nil
}

func (p PageRequest) withDefaults() PageRequest {
	if p.Page == 0 {
		p.Page = 1
	}
	if p.PerPage == 0 {
		p.PerPage = defaultPerPage
	}
	return p
}

func hasJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

package services

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/marketdash/storelink/internal/models"
	"github.com/marketdash/storelink/internal/observability"
	"github.com/marketdash/storelink/internal/salla"
)

const (
	defaultCurrency    = "SAR"
	unspecifiedStatus  = "unspecified"
	statsOrdersPerPage = 100
)

// StatsSummary aggregates the latest orders of a store.
type StatsSummary struct {
	StoreName      string         `json:"storeName"`
	StoreDomain    string         `json:"storeDomain"`
	StoreAvatar    string         `json:"storeAvatar"`
	StorePlan      string         `json:"storePlan"`
	TotalProducts  int64          `json:"totalProducts"`
	TotalOrders    int64          `json:"totalOrders"`
	TotalRevenue   float64        `json:"totalRevenue"`
	Currency       string         `json:"currency"`
	OrdersByStatus map[string]int `json:"ordersByStatus"`
}

// GetStoreStats returns nil without error when the owner has no active
// connection with that id.
func (s *ConnectionService) GetStoreStats(ctx context.Context, ownerID, connectionID int64) (summary *StatsSummary, err error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	span := sentry.StartSpan(
		ctx,
		"service.connections.store_stats",
		sentry.WithOpName("service.connections"),
		sentry.WithDescription("GetStoreStats"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	ctx = span.Context()
	span.SetData("salla.connection_id", connectionID)
	defer func() { observability.FinishSpan(span, err) }()

	conn, token, err := s.connectionToken(ctx, ownerID, connectionID)
	if errors.Is(err, models.ErrConnectionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var products, orders *salla.Envelope
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		products, err = s.salla.Products(gctx, token, 0, 1)
		return err
	})
	g.Go(func() error {
		var err error
		orders, err = s.salla.Orders(gctx, token, 0, statsOrdersPerPage)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.checkEnvelope(ctx, conn, "products", products); err != nil {
		return nil, err
	}
	if err := s.checkEnvelope(ctx, conn, "orders", orders); err != nil {
		return nil, err
	}

	orderList, err := salla.DecodeOrders(orders)
	if err != nil {
		return nil, err
	}

	summary = &StatsSummary{
		StoreName:      conn.StoreName,
		StoreDomain:    conn.StoreDomain,
		StoreAvatar:    conn.StoreAvatar,
		StorePlan:      conn.StorePlan,
		TotalProducts:  products.Total(),
		TotalOrders:    orders.Total(),
		Currency:       conn.StoreCurrency,
		OrdersByStatus: map[string]int{},
	}
	if summary.Currency == "" {
		summary.Currency = defaultCurrency
	}

	summary.TotalRevenue, summary.OrdersByStatus = aggregateOrders(orderList)
	return summary, nil
}

// aggregateOrders sums order totals, rounded to cents, and counts orders per
// status label.
func aggregateOrders(orders []salla.Order) (float64, map[string]int) {
	var revenue float64
	byStatus := make(map[string]int)
	for _, order := range orders {
		revenue += float64(order.Total)

		status := strings.TrimSpace(order.Status)
		if status == "" {
			status = unspecifiedStatus
		}
		byStatus[status]++
	}
	return math.Round(revenue*100) / 100, byStatus
}

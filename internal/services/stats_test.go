package services

import (
	"context"
	"errors"
	"testing"

	"github.com/marketdash/storelink/internal/salla"
)

func TestGetStoreStatsAggregatesOrders(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := seedConnection(t, env, 42, "live-token", "", nil)

	var productsPerPage, ordersPerPage int
	env.salla.listFn = func(resource, _ string, _ int, perPage int) (*salla.Envelope, error) {
		switch resource {
		case "products":
			productsPerPage = perPage
			return okEnvelope(`[{"id":1}]`, `{"total":57}`), nil
		case "orders":
			ordersPerPage = perPage
			return okEnvelope(`[
				{"amounts":{"total":{"amount":100.10,"currency":"SAR"}},"status":{"name":"completed"}},
				{"amounts":{"total":{"amount":"49.95","currency":"SAR"}},"status":{"name":"completed"}},
				{"amounts":{"total":{"amount":"n/a"}},"status":{"name":"pending"}},
				{"amounts":{},"status":{}}
			]`, `{"total":4}`), nil
		}
		return okEnvelope(`[]`, `{"total":0}`), nil
	}

	stats, err := env.connections.GetStoreStats(context.Background(), 42, conn.ID)
	if err != nil {
		t.Fatalf("GetStoreStats() error = %v", err)
	}
	if stats == nil {
		t.Fatal("expected stats")
	}
	if productsPerPage != 1 || ordersPerPage != 100 {
		t.Fatalf("unexpected page sizes: products=%d orders=%d", productsPerPage, ordersPerPage)
	}
	if stats.TotalProducts != 57 || stats.TotalOrders != 4 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if stats.TotalRevenue != 150.05 {
		t.Fatalf("unexpected revenue: %v", stats.TotalRevenue)
	}
	if stats.Currency != "SAR" || stats.StoreName != "Dates & Co" {
		t.Fatalf("unexpected store fields: %+v", stats)
	}

	want := map[string]int{"completed": 2, "pending": 1, "unspecified": 1}
	if len(stats.OrdersByStatus) != len(want) {
		t.Fatalf("unexpected status buckets: %v", stats.OrdersByStatus)
	}
	for status, count := range want {
		if stats.OrdersByStatus[status] != count {
			t.Fatalf("status %q: got %d want %d", status, stats.OrdersByStatus[status], count)
		}
	}
}

func TestGetStoreStatsCountsMalformedOrders(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := seedConnection(t, env, 42, "live-token", "", nil)
	env.salla.listFn = func(resource, _ string, _ int, _ int) (*salla.Envelope, error) {
		if resource == "orders" {
			return okEnvelope(`[
				{"amounts":{"total":{"amount":80}},"status":{"name":"completed"}},
				{"amounts":"15.00","status":"pending"},
				{"amounts":{"total":25},"status":["odd"]}
			]`, `{"total":3}`), nil
		}
		return okEnvelope(`[]`, `{"total":0}`), nil
	}

	stats, err := env.connections.GetStoreStats(context.Background(), 42, conn.ID)
	if err != nil {
		t.Fatalf("GetStoreStats() error = %v", err)
	}
	if stats.TotalRevenue != 80 {
		t.Fatalf("unexpected revenue: %v", stats.TotalRevenue)
	}
	if stats.OrdersByStatus["completed"] != 1 || stats.OrdersByStatus["unspecified"] != 2 || len(stats.OrdersByStatus) != 2 {
		t.Fatalf("unexpected status buckets: %v", stats.OrdersByStatus)
	}
}

func TestGetStoreStatsOtherOwnerIsNil(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := seedConnection(t, env, 42, "live-token", "", nil)

	stats, err := env.connections.GetStoreStats(context.Background(), 99, conn.ID)
	if err != nil {
		t.Fatalf("GetStoreStats() error = %v", err)
	}
	if stats != nil {
		t.Fatalf("expected nil stats for another owner, got %+v", stats)
	}
	if len(env.salla.seenListTokens()) != 0 {
		t.Fatal("no upstream call expected")
	}
}

func TestGetStoreStatsEmptyStore(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := seedConnection(t, env, 42, "live-token", "", nil)

	stats, err := env.connections.GetStoreStats(context.Background(), 42, conn.ID)
	if err != nil {
		t.Fatalf("GetStoreStats() error = %v", err)
	}
	if stats.TotalRevenue != 0 || stats.TotalOrders != 0 || len(stats.OrdersByStatus) != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OrdersByStatus == nil {
		t.Fatal("ordersByStatus should encode as an object, not null")
	}
}

func TestGetStoreStatsUnauthorized(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := seedConnection(t, env, 42, "revoked-token", "", nil)
	env.salla.listFn = func(string, string, int, int) (*salla.Envelope, error) {
		return unauthorizedEnvelope(), nil
	}

	if _, err := env.connections.GetStoreStats(context.Background(), 42, conn.ID); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
}

func TestAggregateOrdersRoundsToCents(t *testing.T) {
	t.Parallel()

	orders := make([]salla.Order, 3)
	for i := range orders {
		orders[i].Total = 0.1
		orders[i].Status = " shipped "
	}

	revenue, byStatus := aggregateOrders(orders)
	if revenue != 0.3 {
		t.Fatalf("expected 0.3, got %v", revenue)
	}
	if byStatus["shipped"] != 3 {
		t.Fatalf("unexpected buckets: %v", byStatus)
	}
}

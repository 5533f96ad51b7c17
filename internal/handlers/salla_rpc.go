package handlers

import (
	"context"
	"net/http"

	"github.com/marketdash/storelink/internal/services"
)

// SallaAuthURL returns the consent URL for the session user without
// redirecting, for dashboards that open Salla themselves.
func (h *Handlers) SallaAuthURL(w http.ResponseWriter, r *http.Request) {
	origin, err := h.dashboardOrigin(r, r.URL.Query().Get("origin"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	result, err := h.oauth.AuthURL(origin, h.ownerFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

func (h *Handlers) ListConnections(w http.ResponseWriter, r *http.Request) {
	views, err := h.connections.GetConnections(r.Context(), h.ownerFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, views)
}

// CreateConnection connects a store with a manually supplied access token.
func (h *Handlers) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var input services.ConnectInput
	if err := decodeJSONBody(w, r, &input); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	result, err := h.connections.ConnectWithToken(r.Context(), h.ownerFromRequest(r), input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, result)
}

func (h *Handlers) DisconnectConnection(w http.ResponseWriter, r *http.Request) {
	id, err := connectionIDFromRequest(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := h.connections.Disconnect(r.Context(), h.ownerFromRequest(r), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"success": true})
}

// StoreStats answers a JSON null when the connection does not belong to the
// session user.
func (h *Handlers) StoreStats(w http.ResponseWriter, r *http.Request) {
	id, err := connectionIDFromRequest(r)
	if err != nil {
		writeJSON(w, r, http.StatusOK, nil)
		return
	}

	stats, err := h.connections.GetStoreStats(r.Context(), h.ownerFromRequest(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

type pageFetcher func(ctx context.Context, ownerID, connectionID int64, page services.PageRequest) (services.PagedResult, error)

func (h *Handlers) Products(w http.ResponseWriter, r *http.Request) {
	h.servePage(w, r, h.connections.GetProducts)
}

func (h *Handlers) Orders(w http.ResponseWriter, r *http.Request) {
	h.servePage(w, r, h.connections.GetOrders)
}

func (h *Handlers) Customers(w http.ResponseWriter, r *http.Request) {
	h.servePage(w, r, h.connections.GetCustomers)
}

// servePage answers an empty page for ids that cannot name a connection, the
// same as for connections of another owner.
func (h *Handlers) servePage(w http.ResponseWriter, r *http.Request, fetch pageFetcher) {
	page, err := pageFromRequest(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	id, err := connectionIDFromRequest(r)
	if err != nil {
		writeJSON(w, r, http.StatusOK, services.EmptyPage())
		return
	}

	result, err := fetch(r.Context(), h.ownerFromRequest(r), id, page)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/marketdash/storelink/internal/db"
	"github.com/marketdash/storelink/internal/logging"
	"github.com/marketdash/storelink/internal/salla"
	"github.com/marketdash/storelink/internal/services"
)

const maxRequestBodyBytes = 64 << 10

var errMalformedBody = errors.New("malformed request body")

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context(), nil).Error("failed to encode json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, r, status, errorResponse{Error: message})
}

// writeServiceError maps service sentinels to a status and a message that is
// safe to show in the dashboard.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusForError(err)
	logger := h.loggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("salla api request failed", "error", err, "status", status)
	} else {
		logger.Warn("salla api request rejected", "error", err, "status", status)
	}
	writeError(w, r, status, message)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, errMalformedBody):
		return http.StatusBadRequest, "Request body must be a JSON object"
	case errors.Is(err, services.ErrNoOwner):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, db.ErrConnectionNotFound):
		return http.StatusNotFound, "Salla connection not found"
	case errors.Is(err, services.ErrReauthRequired):
		return http.StatusConflict, "Salla authorization expired, please reconnect the store"
	case errors.Is(err, salla.ErrInvalidCredential):
		return http.StatusUnprocessableEntity, "Invalid Salla access token. Please check the token and try again."
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusUnprocessableEntity, validationMessage(err)
	case errors.Is(err, services.ErrInvalidOrigin):
		return http.StatusUnprocessableEntity, "origin must be an absolute http(s) URL"
	case errors.Is(err, salla.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "Salla is not reachable right now, please try again"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func validationMessage(err error) string {
	msg := err.Error()
	if _, rest, ok := strings.Cut(msg, services.ErrInvalidInput.Error()+": "); ok && rest != "" {
		return "invalid input: " + rest
	}
	return "invalid input"
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(body)
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errMalformedBody)
		}
		return fmt.Errorf("%w: %w", errMalformedBody, err)
	}
	return nil
}

// connectionIDFromRequest reads the {id} route variable. Ids that cannot name
// a row are reported as not found.
func connectionIDFromRequest(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(mux.Vars(r)["id"])
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: id %q", db.ErrConnectionNotFound, raw)
	}
	return id, nil
}

func pageFromRequest(r *http.Request) (services.PageRequest, error) {
	query := r.URL.Query()
	page, err := optionalInt(query.Get("page"))
	if err != nil {
		return services.PageRequest{}, fmt.Errorf("%w: page: %w", services.ErrInvalidInput, err)
	}

	rawPerPage := query.Get("perPage")
	if rawPerPage == "" {
		rawPerPage = query.Get("per_page")
	}
	perPage, err := optionalInt(rawPerPage)
	if err != nil {
		return services.PageRequest{}, fmt.Errorf("%w: perPage: %w", services.ErrInvalidInput, err)
	}

	return services.PageRequest{Page: page, PerPage: perPage}, nil
}

func optionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", raw)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%q must be positive", raw)
	}
	return value, nil
}

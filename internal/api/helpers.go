package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"payout.settle/internal/settlement"
	"payout.settle/internal/store"
)

type errorResponse struct {
	Error     string `json:"error"`
	MinAmount int64  `json:"min_amount,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{Error: code})
}

// decodeJSON reads exactly one JSON object and rejects unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected data after request body")
	}
	return nil
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// errorCode maps domain errors onto the HTTP status and public error code.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, settlement.ErrInvalidUser):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, settlement.ErrInvalidAmount), errors.Is(err, store.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, settlement.ErrBelowMinimum):
		return http.StatusBadRequest, "below_minimum"
	case errors.Is(err, settlement.ErrInvalidWallet):
		return http.StatusBadRequest, "invalid_wallet"
	case errors.Is(err, store.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, store.ErrIdempotencyConflict):
		return http.StatusUnprocessableEntity, "idempotency_conflict"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrRetryBudgetExhausted):
		return http.StatusConflict, "retry_budget_exhausted"
	case errors.Is(err, store.ErrInvalidStatus):
		return http.StatusConflict, "invalid_status"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

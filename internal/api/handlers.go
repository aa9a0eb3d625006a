package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"payout.settle/internal/settlement"
	"payout.settle/internal/store"
)

// amountInput accepts the amount as a JSON string ("15000", "all") or number.
type amountInput string

func (a *amountInput) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = amountInput(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("amount must be a string or a number")
	}
	*a = amountInput(n.String())
	return nil
}

type createWithdrawalRequest struct {
	UserID         int64       `json:"user_id" validate:"gt=0"`
	Amount         amountInput `json:"amount"`
	Wallet         string      `json:"wallet"`
	IdempotencyKey string      `json:"idempotency_key" validate:"max=128"`
}

type withdrawalResponse struct {
	ID               int64      `json:"id"`
	UserID           int64      `json:"user_id"`
	Amount           int64      `json:"amount"`
	Wallet           string     `json:"wallet"`
	Status           string     `json:"status"`
	RetryCount       int        `json:"retry_count"`
	ManualRetryCount int        `json:"manual_retry_count"`
	IdempotencyKey   string     `json:"idempotency_key"`
	TxHash           string     `json:"tx_hash,omitempty"`
	Error            string     `json:"error,omitempty"`
	BroadcastHash    string     `json:"broadcast_hash,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type balanceResponse struct {
	UserID int64 `json:"user_id"`
	Tokens int64 `json:"tokens"`
}

type userWithdrawalsResponse struct {
	UserID      int64                `json:"user_id"`
	Balance     int64                `json:"balance"`
	MinAmount   int64                `json:"min_amount"`
	Withdrawals []withdrawalResponse `json:"withdrawals"`
}

func (s *Server) handleCreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req createWithdrawalRequest
	if err := decodeJSON(r, &req); err != nil {
		s.logEvent(r.Context(), "withdrawal_create_failed", "reason", "invalid_request")
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.logEvent(r.Context(), "withdrawal_create_failed", "reason", "invalid_request", "user_id", req.UserID)
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	withdrawal, err := s.gate.Request(r.Context(), settlement.IntakeRequest{
		UserID:         req.UserID,
		Amount:         string(req.Amount),
		Wallet:         req.Wallet,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	})
	if err != nil {
		status, code := errorCode(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("create withdrawal", "user_id", req.UserID, "error", err)
		}
		s.logEvent(r.Context(), "withdrawal_create_failed", "reason", code, "user_id", req.UserID)
		if code == "below_minimum" {
			writeJSON(w, status, errorResponse{Error: code, MinAmount: s.gate.MinAmount()})
			return
		}
		writeError(w, status, code)
		return
	}

	status := http.StatusCreated
	if withdrawal.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toWithdrawalResponse(withdrawal))
}

func (s *Server) handleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	withdrawal, err := s.ledger.GetWithdrawal(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, "get withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalResponse(withdrawal))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	tokens, err := s.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		s.writeLedgerError(w, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Tokens: tokens})
}

// handleUserWithdrawals returns the balance and the latest completed
// withdrawals of one user.
func (s *Server) handleUserWithdrawals(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	tokens, err := s.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		s.writeLedgerError(w, "get balance", err)
		return
	}
	completed, err := s.ledger.ListCompletedByUser(r.Context(), userID, queryLimit(r, 5, 50))
	if err != nil {
		s.writeLedgerError(w, "list user withdrawals", err)
		return
	}

	writeJSON(w, http.StatusOK, userWithdrawalsResponse{
		UserID:      userID,
		Balance:     tokens,
		MinAmount:   s.gate.MinAmount(),
		Withdrawals: toWithdrawalResponses(completed),
	})
}

func (s *Server) writeLedgerError(w http.ResponseWriter, op string, err error) {
	status, code := errorCode(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
	}
	writeError(w, status, code)
}

func toWithdrawalResponse(w store.Withdrawal) withdrawalResponse {
	resp := withdrawalResponse{
		ID:               w.ID,
		UserID:           w.UserID,
		Amount:           w.Amount,
		Wallet:           w.Wallet,
		Status:           w.Status,
		RetryCount:       w.RetryCount,
		ManualRetryCount: w.ManualRetryCount,
		IdempotencyKey:   w.IdempotencyKey,
		TxHash:           w.TxHash,
		Error:            w.Error,
		CreatedAt:        w.CreatedAt,
		CompletedAt:      w.CompletedAt,
	}
	if w.Broadcast != nil {
		resp.BroadcastHash = w.Broadcast.TxHash
	}
	return resp
}

func toWithdrawalResponses(ws []store.Withdrawal) []withdrawalResponse {
	out := make([]withdrawalResponse, 0, len(ws))
	for _, w := range ws {
		out = append(out, toWithdrawalResponse(w))
	}
	return out
}

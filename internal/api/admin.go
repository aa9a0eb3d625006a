package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const adminListLimit = 10

type creditRequest struct {
	Amount int64  `json:"amount" validate:"gt=0"`
	Note   string `json:"note" validate:"max=200"`
}

type creditResponse struct {
	UserID    int64     `json:"user_id"`
	Tokens    int64     `json:"tokens"`
	UpdatedAt time.Time `json:"updated_at"`
}

type statsResponse struct {
	Pending          int64 `json:"pending"`
	Completed        int64 `json:"completed"`
	Failed           int64 `json:"failed"`
	TotalDistributed int64 `json:"total_distributed"`
}

type retryFailedResponse struct {
	Requeued []int64           `json:"requeued"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// handleCredit adds tokens to a user's balance.
func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	var req creditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}

	note := strings.TrimSpace(req.Note)
	if note == "" {
		note = "admin credit"
	}
	balance, err := s.ledger.CreditBalance(r.Context(), userID, req.Amount, note)
	if err != nil {
		s.writeLedgerError(w, "credit balance", err)
		return
	}

	s.logEvent(r.Context(), "balance_credited", "user_id", userID, "amount", req.Amount, "tokens", balance.Tokens)
	writeJSON(w, http.StatusOK, creditResponse{UserID: balance.UserID, Tokens: balance.Tokens, UpdatedAt: balance.UpdatedAt})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.ledger.Stats(r.Context())
	if err != nil {
		s.writeLedgerError(w, "withdrawal stats", err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Pending:          st.Pending,
		Completed:        st.Completed,
		Failed:           st.Failed,
		TotalDistributed: st.TotalDistributed,
	})
}

func (s *Server) handleRecentCompleted(w http.ResponseWriter, r *http.Request) {
	list, err := s.ledger.ListRecentCompleted(r.Context(), queryLimit(r, adminListLimit, 100))
	if err != nil {
		s.writeLedgerError(w, "list recent withdrawals", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalResponses(list))
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	list, err := s.ledger.ListFailed(r.Context(), queryLimit(r, adminListLimit, 100))
	if err != nil {
		s.writeLedgerError(w, "list failed withdrawals", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalResponses(list))
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	report, err := s.recovery.RequeueFailed(r.Context())
	if err != nil {
		s.writeLedgerError(w, "requeue failed withdrawals", err)
		return
	}

	resp := retryFailedResponse{Requeued: report.Requeued}
	if len(report.Errors) > 0 {
		resp.Errors = make(map[string]string, len(report.Errors))
		for id, e := range report.Errors {
			_, code := errorCode(e)
			resp.Errors[strconv.FormatInt(id, 10)] = code
		}
	}
	s.logEvent(r.Context(), "failed_withdrawals_requeued", "requeued", len(report.Requeued), "errors", len(report.Errors))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	withdrawal, err := s.recovery.Requeue(r.Context(), id)
	if err != nil {
		s.logEvent(r.Context(), "withdrawal_requeue_failed", "withdrawal_id", id, "error", err)
		s.writeLedgerError(w, "requeue withdrawal", err)
		return
	}

	s.logEvent(r.Context(), "withdrawal_requeued",
		"withdrawal_id", withdrawal.ID,
		"retry_count", withdrawal.RetryCount,
		"manual_retry_count", withdrawal.ManualRetryCount,
	)
	writeJSON(w, http.StatusOK, toWithdrawalResponse(withdrawal))
}

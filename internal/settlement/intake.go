package settlement

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"payout.settle/internal/metrics"
	"payout.settle/internal/notify"
	"payout.settle/internal/store"
)

// AmountAll requests a withdrawal of the whole current balance.
const AmountAll = "all"

type IntakeRequest struct {
	UserID int64
	// Amount is a whole number of tokens or AmountAll.
	Amount         string
	Wallet         string
	IdempotencyKey string
}

type GateConfig struct {
	MinAmount     int64
	PayoutChannel notify.Recipient
}

// Gate validates withdrawal requests and reserves funds for the valid ones.
type Gate struct {
	ledger  store.Ledger
	sink    notify.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     GateConfig
	newKey  func() string
}

func NewGate(ledger store.Ledger, sink notify.Sink, cfg GateConfig, m *metrics.Metrics, logger *slog.Logger) *Gate {
	if sink == nil {
		sink = notify.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		ledger:  ledger,
		sink:    sink,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		newKey:  uuid.NewString,
	}
}

func (g *Gate) MinAmount() int64 {
	return g.cfg.MinAmount
}

// Request checks the request and, when it passes, debits the balance and
// creates a pending withdrawal in one ledger transaction. Rejected requests
// change nothing.
func (g *Gate) Request(ctx context.Context, req IntakeRequest) (store.Withdrawal, error) {
	w, err := g.request(ctx, req)
	g.metrics.Intake(intakeResult(err))
	if err != nil {
		return store.Withdrawal{}, err
	}

	g.logger.Info("withdrawal requested",
		"withdrawal_id", w.ID,
		"user_id", w.UserID,
		"amount", w.Amount,
		"replayed", w.Replayed,
	)
	if !w.Replayed {
		res := notify.BestEffort(ctx, g.sink, g.cfg.PayoutChannel, notify.WithdrawalRequested(w))
		g.metrics.Notification("channel", res.Err)
		if res.Err != nil {
			g.logger.Warn("payout channel announcement failed", "withdrawal_id", w.ID, "error", res.Err)
		}
	}
	return w, nil
}

func (g *Gate) request(ctx context.Context, req IntakeRequest) (store.Withdrawal, error) {
	if req.UserID <= 0 {
		return store.Withdrawal{}, ErrInvalidUser
	}

	amount, err := g.resolveAmount(ctx, req.UserID, req.Amount)
	if err != nil {
		return store.Withdrawal{}, err
	}
	if amount < g.cfg.MinAmount {
		return store.Withdrawal{}, ErrBelowMinimum
	}

	wallet := strings.TrimSpace(req.Wallet)
	if !validWallet(wallet) {
		return store.Withdrawal{}, ErrInvalidWallet
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = g.newKey()
	}

	return g.ledger.DebitAndCreateWithdrawal(ctx, store.CreateWithdrawalInput{
		UserID:         req.UserID,
		Amount:         amount,
		Wallet:         wallet,
		IdempotencyKey: key,
	})
}

func (g *Gate) resolveAmount(ctx context.Context, userID int64, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, AmountAll) {
		balance, err := g.ledger.GetBalance(ctx, userID)
		if err != nil {
			return 0, err
		}
		if balance <= 0 {
			return 0, store.ErrInsufficientBalance
		}
		return balance, nil
	}

	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return amount, nil
}

func validWallet(w string) bool {
	return strings.HasPrefix(w, "0x") && common.IsHexAddress(w)
}

func intakeResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrInvalidUser):
		return "invalid_request"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrBelowMinimum):
		return "below_minimum"
	case errors.Is(err, ErrInvalidWallet):
		return "invalid_wallet"
	case errors.Is(err, store.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, store.ErrIdempotencyConflict):
		return "idempotency_conflict"
	default:
		return "error"
	}
}

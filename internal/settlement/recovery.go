package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"payout.settle/internal/store"
)

// RecoveryReport lists what RequeueFailed did with each candidate.
type RecoveryReport struct {
	Requeued []int64
	Errors   map[int64]error
}

// Recovery is the operator path for failed withdrawals. A requeue moves a
// record back to pending without touching its automatic retry count, so the
// lifetime budget still applies.
type Recovery struct {
	ledger     store.Ledger
	trigger    func()
	maxRetries int
	logger     *slog.Logger
}

// NewRecovery wires recovery to a scheduler trigger; trigger may be nil.
func NewRecovery(ledger store.Ledger, maxRetries int, trigger func(), logger *slog.Logger) *Recovery {
	if maxRetries <= 0 {
		maxRetries = DefaultConfig().MaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{ledger: ledger, trigger: trigger, maxRetries: maxRetries, logger: logger}
}

// RequeueFailed moves every failed record still under the retry budget back
// to pending. One record failing to move does not stop the others.
func (r *Recovery) RequeueFailed(ctx context.Context) (RecoveryReport, error) {
	candidates, err := r.ledger.ListRecoverable(ctx, r.maxRetries)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("list recoverable withdrawals: %w", err)
	}

	report := RecoveryReport{Requeued: []int64{}, Errors: map[int64]error{}}
	for _, w := range candidates {
		if err := r.ledger.ResetToPending(ctx, w.ID, true); err != nil {
			report.Errors[w.ID] = err
			r.logger.Warn("requeue failed withdrawal", "withdrawal_id", w.ID, "error", err)
			continue
		}
		report.Requeued = append(report.Requeued, w.ID)
	}

	r.logger.Info("failed withdrawals requeued", "requeued", len(report.Requeued), "errors", len(report.Errors))
	if len(report.Requeued) > 0 && r.trigger != nil {
		r.trigger()
	}
	return report, nil
}

// Requeue moves a single failed record back to pending.
func (r *Recovery) Requeue(ctx context.Context, id int64) (store.Withdrawal, error) {
	w, err := r.ledger.GetWithdrawal(ctx, id)
	if err != nil {
		return store.Withdrawal{}, err
	}
	if w.Status != store.StatusFailed {
		return store.Withdrawal{}, store.ErrInvalidStatus
	}
	if w.RetryCount >= r.maxRetries {
		return store.Withdrawal{}, store.ErrRetryBudgetExhausted
	}

	if err := r.ledger.ResetToPending(ctx, id, true); err != nil {
		if errors.Is(err, store.ErrInvalidStatus) {
			return store.Withdrawal{}, err
		}
		return store.Withdrawal{}, fmt.Errorf("requeue withdrawal %d: %w", id, err)
	}
	r.logger.Info("withdrawal requeued", "withdrawal_id", id, "retry_count", w.RetryCount)
	if r.trigger != nil {
		r.trigger()
	}
	return r.ledger.GetWithdrawal(ctx, id)
}

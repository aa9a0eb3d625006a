package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"payout.settle/internal/chain"
	"payout.settle/internal/lock"
	"payout.settle/internal/metrics"
	"payout.settle/internal/notify"
	"payout.settle/internal/store"
)

// Result is the ledger-side outcome of one record in an iteration.
type Result string

const (
	ResultCompleted Result = "completed"
	ResultFailed    Result = "failed"
	// ResultInFlight means a previous broadcast is still in the mempool.
	ResultInFlight Result = "in_flight"
	// ResultError means the ledger could not be updated; the record keeps
	// whatever status it had.
	ResultError Result = "error"
)

// Outcome reports settlement and notification separately. A failed
// notification never changes Settlement.
type Outcome struct {
	WithdrawalID int64
	Settlement   Result
	TxHash       string
	Err          error
	Escalated    bool
	Notification notify.Result
}

type BatchReport struct {
	// Skipped is set when another process held the lease.
	Skipped  bool
	Outcomes []Outcome
}

type Deps struct {
	Ledger  store.Ledger
	Chain   Chain
	Sink    notify.Sink
	Locker  Locker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Scheduler struct {
	ledger  store.Ledger
	chain   Chain
	sink    notify.Sink
	locker  Locker
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config

	trigger chan struct{}
	now     func() time.Time
}

func NewScheduler(deps Deps, cfg Config) *Scheduler {
	s := &Scheduler{
		ledger:  deps.Ledger,
		chain:   deps.Chain,
		sink:    deps.Sink,
		locker:  deps.Locker,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		cfg:     cfg.normalize(),
		trigger: make(chan struct{}, 1),
		now:     time.Now,
	}
	if s.sink == nil {
		s.sink = notify.Discard{}
	}
	if s.locker == nil {
		s.locker = lock.NewLocal()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Trigger asks Run for an iteration without waiting for the poll interval.
// Calls made while one is already queued are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run processes batches until ctx is cancelled. The next iteration is armed
// only after the previous one has returned, so iterations never overlap.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("settlement scheduler started",
		"poll_interval", s.cfg.PollInterval,
		"batch_size", s.cfg.BatchSize,
		"max_retries", s.cfg.MaxRetries,
	)
	for {
		s.iterate(ctx)

		timer := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("settlement scheduler stopped")
			return ctx.Err()
		case <-s.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("settlement iteration panicked", "panic", fmt.Sprint(r))
		}
	}()

	report, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("settlement iteration failed", "error", err)
		return
	}
	if report.Skipped {
		s.logger.Debug("settlement iteration skipped, lease held elsewhere")
	}
}

// RunOnce runs a single iteration: select a batch and settle each record in
// order, pausing PacingDelay after every record.
func (s *Scheduler) RunOnce(ctx context.Context) (BatchReport, error) {
	lease, ok, err := s.locker.TryAcquire(ctx)
	if err != nil {
		return BatchReport{}, fmt.Errorf("acquire settlement lease: %w", err)
	}
	if !ok {
		return BatchReport{Skipped: true}, nil
	}
	defer func() {
		rctx, cancel := detached(ctx)
		defer cancel()
		if err := lease.Release(rctx); err != nil {
			s.logger.Warn("release settlement lease", "error", err)
		}
	}()

	started := s.now()
	batch, err := s.ledger.SelectSettleable(ctx, s.cfg.MaxRetries, s.cfg.BatchSize)
	if err != nil {
		return BatchReport{}, fmt.Errorf("select settleable withdrawals: %w", err)
	}

	var report BatchReport
	for _, w := range batch {
		if err := s.renew(ctx, lease); err != nil {
			s.logger.Warn("settlement batch stopped", "withdrawal_id", w.ID, "error", err)
			break
		}
		out := s.process(ctx, lease, w)
		report.Outcomes = append(report.Outcomes, out)
		s.record(out)

		if err := sleep(ctx, s.cfg.PacingDelay); err != nil {
			break
		}
	}
	s.metrics.Batch(len(batch), s.now().Sub(started))
	return report, nil
}

func (s *Scheduler) record(out Outcome) {
	s.metrics.Settlement(string(out.Settlement))
	log := s.logger.With("withdrawal_id", out.WithdrawalID, "settlement", out.Settlement)
	switch out.Settlement {
	case ResultCompleted:
		log.Info("withdrawal settled", "tx_hash", out.TxHash)
	case ResultInFlight:
		log.Info("withdrawal broadcast still pending", "tx_hash", out.TxHash)
	default:
		log.Warn("withdrawal not settled", "error", out.Err, "escalated", out.Escalated)
	}
	if out.Notification.Err != nil {
		log.Warn("notification failed", "notification_error", out.Notification.Err, "recipient", out.Notification.Recipient)
	}
}

// process is the per-record boundary: nothing that happens to one record,
// panics included, stops the rest of the batch.
func (s *Scheduler) process(ctx context.Context, lease lock.Lease, w store.Withdrawal) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = s.fail(ctx, w, fmt.Errorf("settlement panicked: %v", r), false)
		}
	}()

	if w.Status == store.StatusFailed {
		wctx, cancel := detached(ctx)
		err := s.ledger.ResetToPending(wctx, w.ID, false)
		cancel()
		if err != nil {
			return Outcome{WithdrawalID: w.ID, Settlement: ResultError, Err: fmt.Errorf("requeue for retry: %w", err)}
		}
		w.Status = store.StatusPending
	}

	if w.Broadcast != nil {
		return s.reconcile(ctx, lease, w)
	}
	return s.settle(ctx, lease, w)
}

// settle signs a fresh transfer, records the broadcast marker and sends it.
func (s *Scheduler) settle(ctx context.Context, lease lock.Lease, w store.Withdrawal) Outcome {
	amount := chain.ToSmallestUnit(w.Amount, s.cfg.TokenDecimals)
	data, err := s.chain.BuildTransfer(w.Wallet, amount)
	if err != nil {
		return s.fail(ctx, w, err, false)
	}

	bctx, cancel := context.WithTimeout(ctx, s.cfg.BroadcastTimeout)
	defer cancel()

	gasPrice, err := s.chain.GasPrice(bctx)
	if err != nil {
		return s.fail(ctx, w, err, false)
	}
	nonce, err := s.chain.PendingNonce(bctx)
	if err != nil {
		return s.fail(ctx, w, err, false)
	}

	tx, err := s.chain.Sign(chain.Envelope{
		Nonce:    nonce,
		GasPrice: gasPrice,
		GasLimit: s.cfg.GasLimit,
		Data:     data,
	})
	if err != nil {
		return s.fail(ctx, w, err, false)
	}
	raw, err := chain.EncodeRaw(tx)
	if err != nil {
		return s.fail(ctx, w, fmt.Errorf("encode signed transaction: %w", err), false)
	}

	attempt := store.BroadcastAttempt{
		TxHash: tx.Hash().Hex(),
		Nonce:  tx.Nonce(),
		Raw:    raw,
		At:     s.now().UTC(),
	}
	if err := s.renew(ctx, lease); err != nil {
		return Outcome{WithdrawalID: w.ID, Settlement: ResultError, Err: err}
	}
	wctx, wcancel := detached(ctx)
	err = s.ledger.MarkBroadcast(wctx, w.ID, attempt)
	wcancel()
	if err != nil {
		// Nothing was sent, so there is no marker to keep.
		return s.fail(ctx, w, fmt.Errorf("record broadcast: %w", err), false)
	}
	w.Broadcast = &attempt

	return s.send(ctx, bctx, w, tx)
}

// send broadcasts tx, optionally waits for its receipt and settles the record.
func (s *Scheduler) send(ctx, bctx context.Context, w store.Withdrawal, tx *types.Transaction) Outcome {
	if err := s.chain.Broadcast(bctx, tx); err != nil {
		return s.fail(ctx, w, err, definitelyNotSent(err))
	}
	if s.cfg.WaitReceipt {
		if err := s.chain.WaitMined(bctx, tx); err != nil {
			return s.fail(ctx, w, err, errors.Is(err, chain.ErrReverted))
		}
	}
	return s.complete(ctx, w, tx.Hash().Hex())
}

// renew extends the lease right before work that must not run on two
// replicas at once.
func (s *Scheduler) renew(ctx context.Context, lease lock.Lease) error {
	if err := lease.Renew(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrLeaseLost, err)
	}
	return nil
}

// definitelyNotSent reports broadcast errors after which the node cannot hold
// the transaction, so its marker is useless. A used nonce is not one of them:
// the node answers that way for a transaction that is already mined.
func definitelyNotSent(err error) bool {
	if errors.Is(err, chain.ErrNonceUsed) {
		return false
	}
	return errors.Is(err, chain.ErrRejected) ||
		errors.Is(err, chain.ErrInsufficientFunds) ||
		errors.Is(err, chain.ErrReverted)
}

func (s *Scheduler) complete(ctx context.Context, w store.Withdrawal, txHash string) Outcome {
	out := Outcome{WithdrawalID: w.ID, TxHash: txHash}

	wctx, cancel := detached(ctx)
	defer cancel()
	if err := s.ledger.MarkCompleted(wctx, w.ID, txHash); err != nil {
		out.Settlement = ResultError
		out.Err = fmt.Errorf("mark completed: %w", err)
		return out
	}
	out.Settlement = ResultCompleted

	w.Status = store.StatusCompleted
	w.TxHash = txHash
	text := notify.WithdrawalCompleted(w, chain.ExplorerTxURL(s.cfg.ExplorerURL, txHash))
	out.Notification = notify.BestEffort(wctx, s.sink, userRecipient(w.UserID), text)
	s.metrics.Notification("user", out.Notification.Err)
	return out
}

// fail records cause on the withdrawal. When the retry budget is used up by
// this failure the operator is told, which happens once per record.
func (s *Scheduler) fail(ctx context.Context, w store.Withdrawal, cause error, clearMarker bool) Outcome {
	out := Outcome{WithdrawalID: w.ID, Err: cause}
	if w.Broadcast != nil {
		out.TxHash = w.Broadcast.TxHash
	}

	wctx, cancel := detached(ctx)
	defer cancel()

	if clearMarker && w.Broadcast != nil {
		if err := s.ledger.ClearBroadcast(wctx, w.ID); err != nil {
			out.Settlement = ResultError
			out.Err = errors.Join(cause, fmt.Errorf("clear broadcast: %w", err))
			return out
		}
	}

	msg := "unknown error"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	updated, err := s.ledger.MarkFailed(wctx, w.ID, msg)
	if err != nil {
		out.Settlement = ResultError
		out.Err = errors.Join(cause, fmt.Errorf("mark failed: %w", err))
		return out
	}
	out.Settlement = ResultFailed

	if updated.RetryCount >= s.cfg.MaxRetries {
		out.Escalated = true
		s.metrics.Escalation()
		out.Notification = notify.BestEffort(wctx, s.sink, s.cfg.OperatorChat, notify.WithdrawalEscalated(updated))
		s.metrics.Notification("operator", out.Notification.Err)
	}
	return out
}

func userRecipient(userID int64) notify.Recipient {
	return notify.Recipient(strconv.FormatInt(userID, 10))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

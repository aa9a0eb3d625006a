package settlement

import (
	"context"
	"errors"
	"fmt"

	"payout.settle/internal/chain"
	"payout.settle/internal/lock"
	"payout.settle/internal/store"
)

var errBroadcastReverted = errors.New("transaction reverted")

// reconcile decides what happened to a broadcast recorded by an earlier
// attempt before anything new is signed for the record. The record is pending.
func (s *Scheduler) reconcile(ctx context.Context, lease lock.Lease, w store.Withdrawal) Outcome {
	marker := w.Broadcast
	log := s.logger.With("withdrawal_id", w.ID, "tx_hash", marker.TxHash, "nonce", marker.Nonce)

	bctx, cancel := context.WithTimeout(ctx, s.cfg.BroadcastTimeout)
	defer cancel()

	// The nonce is read before the receipt. A transfer mined between the two
	// reads then shows up as mined instead of as a consumed nonce.
	confirmed, err := s.chain.ConfirmedNonce(bctx)
	if err != nil {
		return s.fail(ctx, w, err, false)
	}
	state, err := s.chain.Lookup(bctx, marker.TxHash)
	if err != nil {
		return s.fail(ctx, w, fmt.Errorf("look up broadcast %s: %w", marker.TxHash, err), false)
	}
	log.Debug("reconciling earlier broadcast", "state", state, "confirmed_nonce", confirmed)

	switch state {
	case chain.TxMined:
		return s.complete(ctx, w, marker.TxHash)

	case chain.TxReverted:
		return s.fail(ctx, w, errBroadcastReverted, true)

	case chain.TxPending:
		return Outcome{WithdrawalID: w.ID, Settlement: ResultInFlight, TxHash: marker.TxHash}
	}

	if confirmed > marker.Nonce {
		// The nonce was taken before our receipt lookup found nothing, so
		// another transaction holds it and ours can never be mined.
		log.Info("earlier broadcast dropped, settling again", "confirmed_nonce", confirmed)
		return s.retryFresh(ctx, lease, w)
	}

	tx, err := chain.DecodeRaw(marker.Raw)
	if err != nil || tx.Hash().Hex() != marker.TxHash {
		log.Warn("stored envelope unusable, settling again", "error", err)
		return s.retryFresh(ctx, lease, w)
	}

	if err := s.renew(ctx, lease); err != nil {
		return Outcome{WithdrawalID: w.ID, Settlement: ResultError, TxHash: marker.TxHash, Err: err}
	}
	log.Info("rebroadcasting earlier envelope")
	return s.send(ctx, bctx, w, tx)
}

func (s *Scheduler) retryFresh(ctx context.Context, lease lock.Lease, w store.Withdrawal) Outcome {
	wctx, cancel := detached(ctx)
	err := s.ledger.ClearBroadcast(wctx, w.ID)
	cancel()
	if err != nil {
		return Outcome{WithdrawalID: w.ID, Settlement: ResultError, Err: fmt.Errorf("clear broadcast: %w", err)}
	}
	w.Broadcast = nil
	return s.settle(ctx, lease, w)
}

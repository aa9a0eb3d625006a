package settlement

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"payout.settle/internal/chain"
	"payout.settle/internal/store"
)

func TestReconcileCompletesMinedBroadcast(t *testing.T) {
	// A crash between broadcast and the status write leaves a pending record
	// whose transfer is already on chain.
	h := newHarness(t)
	h.fund(t, 1, 20000)
	w := h.request(t, 1, "15000")

	attempt := h.markBroadcast(t, w, 0)
	tx, err := chain.DecodeRaw(attempt.Raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := h.backend.SendTransaction(context.Background(), tx); err != nil {
		t.Fatalf("send: %v", err)
	}

	report := h.runOnce(t)
	if out := report.Outcomes[0]; out.Settlement != ResultCompleted || out.TxHash != attempt.TxHash {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := h.get(t, w.ID); got.Status != store.StatusCompleted || got.TxHash != attempt.TxHash {
		t.Fatalf("unexpected record %+v", got)
	}
	if n := len(h.backend.Sent()); n != 1 {
		t.Fatalf("reconciliation paid twice: %d transfers", n)
	}
	if len(h.sink.to("1")) != 1 {
		t.Fatalf("expected the user to be notified once")
	}
}

func TestReconcileLeavesMempoolTransactionAlone(t *testing.T) {
	h := newHarness(t)
	h.backend.AutoMine = false
	h.fund(t, 1, 20000)
	w := h.request(t, 1, "15000")

	attempt := h.markBroadcast(t, w, 0)
	tx, _ := chain.DecodeRaw(attempt.Raw)
	if err := h.backend.SendTransaction(context.Background(), tx); err != nil {
		t.Fatalf("send: %v", err)
	}

	report := h.runOnce(t)
	if out := report.Outcomes[0]; out.Settlement != ResultInFlight {
		t.Fatalf("expected in-flight outcome, got %+v", out)
	}
	if got := h.get(t, w.ID); got.Status != store.StatusPending || got.RetryCount != 0 || got.Broadcast == nil {
		t.Fatalf("in-flight record changed: %+v", got)
	}

	h.backend.Mine(tx.Hash(), types.ReceiptStatusSuccessful)
	h.runOnce(t)
	if got := h.get(t, w.ID); got.Status != store.StatusCompleted || got.TxHash != attempt.TxHash {
		t.Fatalf("expected completion once mined, got %+v", got)
	}
	if n := len(h.backend.Sent()); n != 1 {
		t.Fatalf("expected a single transfer, got %d", n)
	}
}

func TestReconcileRebroadcastsUnsentEnvelope(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, 20000)
	w := h.request(t, 1, "15000")

	attempt := h.markBroadcast(t, w, 0)

	h.runOnce(t)
	sent := h.backend.Sent()
	if len(sent) != 1 || sent[0].Hash().Hex() != attempt.TxHash {
		t.Fatalf("expected the stored envelope to be rebroadcast, got %d transfers", len(sent))
	}
	if got := h.get(t, w.ID); got.Status != store.StatusCompleted || got.TxHash != attempt.TxHash {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestReconcileSignsAgainWhenNonceConsumed(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, 20000)
	w := h.request(t, 1, "15000")

	attempt := h.markBroadcast(t, w, 0)
	h.backend.Drop(common.HexToHash(attempt.TxHash))

	h.runOnce(t)
	sent := h.backend.Sent()
	if len(sent) != 1 || sent[0].Nonce() != 1 || sent[0].Hash().Hex() == attempt.TxHash {
		t.Fatalf("expected a fresh transfer at nonce 1, got %+v", sent)
	}
	if got := h.get(t, w.ID); got.Status != store.StatusCompleted || got.TxHash != sent[0].Hash().Hex() {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestReconcileRevertedBroadcastFails(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, 20000)
	w := h.request(t, 1, "15000")

	attempt := h.markBroadcast(t, w, 0)
	h.backend.RevertOnMine = true
	tx, _ := chain.DecodeRaw(attempt.Raw)
	if err := h.backend.SendTransaction(context.Background(), tx); err != nil {
		t.Fatalf("send: %v", err)
	}

	h.runOnce(t)
	got := h.get(t, w.ID)
	if got.Status != store.StatusFailed || got.RetryCount != 1 || got.Error != "transaction reverted" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Broadcast != nil {
		t.Fatalf("reverted broadcast must be cleared")
	}
}

func TestRevertedReceiptClearsMarkerAndRetries(t *testing.T) {
	h := newHarness(t)
	h.backend.RevertOnMine = true
	h.fund(t, 1, 20000)
	w := h.request(t, 1, "15000")

	h.runOnce(t)
	got := h.get(t, w.ID)
	if got.Status != store.StatusFailed || !strings.Contains(got.Error, "reverted") || got.Broadcast != nil {
		t.Fatalf("unexpected record after revert %+v", got)
	}

	h.backend.RevertOnMine = false
	h.runOnce(t)
	if got := h.get(t, w.ID); got.Status != store.StatusCompleted {
		t.Fatalf("expected completion on retry, got %+v", got)
	}
	if n := len(h.backend.Sent()); n != 2 {
		t.Fatalf("expected two transfers (one reverted), got %d", n)
	}
}

func TestReconcileLookupErrorKeepsMarker(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, 20000)
	w := h.request(t, 1, "15000")

	attempt := h.markBroadcast(t, w, 0)
	h.backend.ReceiptErr = errors.New("502 Bad Gateway")

	h.runOnce(t)
	got := h.get(t, w.ID)
	if got.Status != store.StatusFailed || got.RetryCount != 1 {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Broadcast == nil || got.Broadcast.TxHash != attempt.TxHash {
		t.Fatalf("lookup failure must keep the marker, got %+v", got.Broadcast)
	}
	if len(h.backend.Sent()) != 0 {
		t.Fatalf("nothing may be sent while the earlier broadcast is unknown")
	}
}

func TestReceiptTimeoutThenMined(t *testing.T) {
	h := newHarness(t)
	h.backend.AutoMine = false
	h.fund(t, 1, 20000)
	w := h.request(t, 1, "15000")

	h.runOnce(t)
	got := h.get(t, w.ID)
	if got.Status != store.StatusFailed || got.Broadcast == nil {
		t.Fatalf("expected failed record with marker after timeout, got %+v", got)
	}

	h.backend.Mine(common.HexToHash(got.Broadcast.TxHash), types.ReceiptStatusSuccessful)
	h.runOnce(t)

	final := h.get(t, w.ID)
	if final.Status != store.StatusCompleted || final.TxHash != got.Broadcast.TxHash {
		t.Fatalf("expected completion with the original hash, got %+v", final)
	}
	if n := len(h.backend.Sent()); n != 1 {
		t.Fatalf("expected a single transfer, got %d", n)
	}
}

func TestIdenticalEnvelopeIsNotShared(t *testing.T) {
	// Same wallet, amount and nonce sign to the same hash. The second record
	// must not adopt the first one's transfer.
	h := newHarness(t)
	h.fund(t, 1, 40000)
	a := h.request(t, 1, "15000")
	b := h.request(t, 1, "15000")

	h.backend.FailSends(errors.New("connection refused"))
	h.runOnce(t)

	first := h.get(t, a.ID)
	second := h.get(t, b.ID)
	if first.Status != store.StatusFailed || first.Broadcast == nil {
		t.Fatalf("unexpected first record %+v", first)
	}
	if second.Status != store.StatusFailed || second.Broadcast != nil || !strings.Contains(second.Error, "duplicate broadcast") {
		t.Fatalf("unexpected second record %+v", second)
	}

	h.runOnce(t)
	first = h.get(t, a.ID)
	second = h.get(t, b.ID)
	if first.Status != store.StatusCompleted || second.Status != store.StatusCompleted {
		t.Fatalf("expected both settled, got %s and %s", first.Status, second.Status)
	}
	if first.TxHash == second.TxHash {
		t.Fatalf("both records point at one transfer %s", first.TxHash)
	}
	if n := len(h.backend.Sent()); n != 2 {
		t.Fatalf("expected two transfers, got %d", n)
	}
}

// racingChain changes the backend at fixed points of a settlement pass, the
// way a block landing between two RPC calls would.
type racingChain struct {
	Chain
	afterConfirmedNonce func()
	afterLookup         func()
	beforeBroadcast     func(tx *types.Transaction)
}

func (r *racingChain) ConfirmedNonce(ctx context.Context) (uint64, error) {
	n, err := r.Chain.ConfirmedNonce(ctx)
	if f := r.afterConfirmedNonce; f != nil {
		r.afterConfirmedNonce = nil
		f()
	}
	return n, err
}

func (r *racingChain) Lookup(ctx context.Context, hash string) (chain.TxState, error) {
	state, err := r.Chain.Lookup(ctx, hash)
	if f := r.afterLookup; f != nil {
		r.afterLookup = nil
		f()
	}
	return state, err
}

func (r *racingChain) Broadcast(ctx context.Context, tx *types.Transaction) error {
	if f := r.beforeBroadcast; f != nil {
		r.beforeBroadcast = nil
		f(tx)
	}
	return r.Chain.Broadcast(ctx, tx)
}

func newRacingHarness(t *testing.T) (*harness, *racingChain) {
	t.Helper()
	rc := &racingChain{}
	h := newHarnessWith(t, testConfig(), func(c Chain) Chain {
		rc.Chain = c
		return rc
	})
	return h, rc
}

func TestReconcileTransferMinedDuringReconciliation(t *testing.T) {
	cases := []struct {
		name string
		arm  func(rc *racingChain, mine func())
	}{
		{"after nonce read", func(rc *racingChain, mine func()) { rc.afterConfirmedNonce = mine }},
		{"after receipt lookup", func(rc *racingChain, mine func()) { rc.afterLookup = mine }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, rc := newRacingHarness(t)
			h.fund(t, 1, 20000)
			w := h.request(t, 1, "15000")

			attempt := h.markBroadcast(t, w, 0)
			tc.arm(rc, func() {
				h.backend.Mine(common.HexToHash(attempt.TxHash), types.ReceiptStatusSuccessful)
			})

			report := h.runOnce(t)
			if out := report.Outcomes[0]; out.Settlement != ResultCompleted || out.TxHash != attempt.TxHash {
				t.Fatalf("unexpected outcome %+v", out)
			}
			if got := h.get(t, w.ID); got.Status != store.StatusCompleted || got.TxHash != attempt.TxHash {
				t.Fatalf("unexpected record %+v", got)
			}
			if sent := h.backend.Sent(); len(sent) != 0 {
				t.Fatalf("a second transfer was signed for a mined withdrawal: %d", len(sent))
			}
		})
	}
}

func TestReconcileNonceTooLowOnRebroadcastKeepsMarker(t *testing.T) {
	h, rc := newRacingHarness(t)
	h.fund(t, 1, 20000)
	w := h.request(t, 1, "15000")

	attempt := h.markBroadcast(t, w, 0)
	rc.beforeBroadcast = func(tx *types.Transaction) {
		h.backend.Mine(tx.Hash(), types.ReceiptStatusSuccessful)
		h.backend.FailSends(errors.New("nonce too low: next nonce 1, tx nonce 0"))
	}

	h.runOnce(t)
	got := h.get(t, w.ID)
	if got.Status != store.StatusFailed || got.RetryCount != 1 {
		t.Fatalf("unexpected record after rejection %+v", got)
	}
	if got.Broadcast == nil || got.Broadcast.TxHash != attempt.TxHash {
		t.Fatalf("a used nonce must keep the marker, got %+v", got.Broadcast)
	}

	h.runOnce(t)
	final := h.get(t, w.ID)
	if final.Status != store.StatusCompleted || final.TxHash != attempt.TxHash {
		t.Fatalf("expected completion with the original hash, got %+v", final)
	}
	if sent := h.backend.Sent(); len(sent) != 0 {
		t.Fatalf("a second transfer was signed for a mined withdrawal: %d", len(sent))
	}
	if len(h.sink.to("1")) != 1 {
		t.Fatalf("expected the user to be notified once")
	}
}

func TestFreshBroadcastNonceTooLowKeepsMarker(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, 20000)
	w := h.request(t, 1, "15000")

	h.backend.FailSends(errors.New("nonce too low"))
	h.runOnce(t)
	failed := h.get(t, w.ID)
	if failed.Status != store.StatusFailed || failed.Broadcast == nil {
		t.Fatalf("expected failed record with marker, got %+v", failed)
	}

	h.runOnce(t)
	sent := h.backend.Sent()
	if len(sent) != 1 || sent[0].Hash().Hex() != failed.Broadcast.TxHash {
		t.Fatalf("expected the stored envelope to be sent once, got %d transfers", len(sent))
	}
	if got := h.get(t, w.ID); got.Status != store.StatusCompleted {
		t.Fatalf("unexpected record %+v", got)
	}
}

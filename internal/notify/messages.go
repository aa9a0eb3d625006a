package notify

import (
	"fmt"
	"strings"
	"time"

	"payout.settle/internal/store"
)

// WithdrawalCompleted is sent to the user once the transfer is on chain.
func WithdrawalCompleted(w store.Withdrawal, txURL string) string {
	var b strings.Builder
	b.WriteString("✅ Withdrawal completed\n\n")
	fmt.Fprintf(&b, "Amount: %d tokens\n", w.Amount)
	fmt.Fprintf(&b, "Wallet: %s\n", w.Wallet)
	fmt.Fprintf(&b, "Transaction: %s\n", w.TxHash)
	if txURL != "" {
		fmt.Fprintf(&b, "View: %s", txURL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// WithdrawalEscalated is sent to the operator when a record exhausts its
// automatic retry budget.
func WithdrawalEscalated(w store.Withdrawal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ Withdrawal #%d failed %d times\n\n", w.ID, w.RetryCount)
	fmt.Fprintf(&b, "User: %d\n", w.UserID)
	fmt.Fprintf(&b, "Amount: %d tokens\n", w.Amount)
	fmt.Fprintf(&b, "Wallet: %s\n", w.Wallet)
	fmt.Fprintf(&b, "Requested: %s\n", w.CreatedAt.UTC().Format(time.RFC3339))
	if w.ManualRetryCount > 0 {
		fmt.Fprintf(&b, "Manual retries: %d\n", w.ManualRetryCount)
	}
	if w.Broadcast != nil {
		// The transfer may still land; the operator has to check it first.
		fmt.Fprintf(&b, "Last broadcast: %s (nonce %d)\n", w.Broadcast.TxHash, w.Broadcast.Nonce)
	}
	fmt.Fprintf(&b, "Last error: %s", w.Error)
	return b.String()
}

// WithdrawalRequested announces a new request on the payout channel.
func WithdrawalRequested(w store.Withdrawal) string {
	return fmt.Sprintf("💸 New Auto-Withdrawal Request\n\nUser: %d\nAmount: %d tokens\nWallet: %s\nStatus: %s",
		w.UserID, w.Amount, maskWallet(w.Wallet), w.Status)
}

// Digest summarizes withdrawal statistics for the operator.
func Digest(st store.Stats, at time.Time) string {
	return fmt.Sprintf("📊 Withdrawal statistics (%s)\n\nPending: %d\nCompleted: %d\nFailed: %d\nTotal distributed: %d tokens",
		at.UTC().Format("2006-01-02 15:04 MST"), st.Pending, st.Completed, st.Failed, st.TotalDistributed)
}

func maskWallet(w string) string {
	if len(w) <= 12 {
		return w
	}
	return w[:6] + "..." + w[len(w)-4:]
}

package store

import "context"

// Ledger is the only writer of balances and withdrawal records. Every method
// commits before it returns.
type Ledger interface {
	// DebitAndCreateWithdrawal checks funds, debits the balance and inserts a
	// pending withdrawal as one unit. A replayed idempotency key returns the
	// original record without debiting again.
	DebitAndCreateWithdrawal(ctx context.Context, input CreateWithdrawalInput) (Withdrawal, error)

	// CreditBalance adds tokens to a user's balance, creating the row if needed.
	CreditBalance(ctx context.Context, userID int64, amount int64, note string) (Balance, error)

	// GetBalance returns 0 for users without a balance row.
	GetBalance(ctx context.Context, userID int64) (int64, error)

	GetWithdrawal(ctx context.Context, id int64) (Withdrawal, error)

	// SelectSettleable returns pending or failed records still under the retry
	// budget, oldest first.
	SelectSettleable(ctx context.Context, maxRetries int, limit int) ([]Withdrawal, error)

	// MarkBroadcast records the signed envelope of the attempt about to be sent.
	MarkBroadcast(ctx context.Context, id int64, attempt BroadcastAttempt) error
	ClearBroadcast(ctx context.Context, id int64) error

	// MarkCompleted moves a pending record to completed.
	MarkCompleted(ctx context.Context, id int64, txHash string) error

	// MarkFailed moves a pending record to failed, increments its retry count
	// and returns the updated record.
	MarkFailed(ctx context.Context, id int64, message string) (Withdrawal, error)

	// ResetToPending moves a failed record back to pending. The retry count is
	// never changed; manual resets bump the manual retry count instead.
	ResetToPending(ctx context.Context, id int64, manual bool) error

	ListRecoverable(ctx context.Context, maxRetries int) ([]Withdrawal, error)
	ListFailed(ctx context.Context, limit int) ([]Withdrawal, error)
	ListRecentCompleted(ctx context.Context, limit int) ([]Withdrawal, error)
	ListCompletedByUser(ctx context.Context, userID int64, limit int) ([]Withdrawal, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

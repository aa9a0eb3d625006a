package store

import "time"

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"
)

type Withdrawal struct {
	ID               int64
	UserID           int64
	Amount           int64
	Wallet           string
	Status           string
	RetryCount       int
	ManualRetryCount int
	IdempotencyKey   string
	TxHash           string
	Error            string
	Broadcast        *BroadcastAttempt
	CreatedAt        time.Time
	CompletedAt      *time.Time

	// Replayed is set when DebitAndCreateWithdrawal returned an existing record
	// for a repeated idempotency key. It is not persisted.
	Replayed bool
}

// BroadcastAttempt is persisted after signing and before the envelope is sent,
// so a restart can find out what happened to it instead of paying twice.
type BroadcastAttempt struct {
	TxHash string
	Nonce  uint64
	Raw    []byte
	At     time.Time
}

type CreateWithdrawalInput struct {
	UserID         int64
	Amount         int64
	Wallet         string
	IdempotencyKey string
}

type Balance struct {
	UserID    int64
	Tokens    int64
	UpdatedAt time.Time
}

type LedgerEntry struct {
	ID           int64
	UserID       int64
	WithdrawalID *int64
	Amount       int64
	Direction    string
	Note         string
	CreatedAt    time.Time
}

type Stats struct {
	Pending          int64
	Completed        int64
	Failed           int64
	TotalDistributed int64
}

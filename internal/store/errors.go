package store

import "errors"

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrIdempotencyConflict   = errors.New("idempotency conflict")
	ErrNotFound              = errors.New("not found")
	ErrInvalidStatus         = errors.New("invalid status")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrRetryBudgetExhausted  = errors.New("retry budget exhausted")
	ErrMissingTxHash         = errors.New("missing tx hash")
	ErrMissingFailureMessage = errors.New("missing failure message")
	// ErrDuplicateBroadcast means another withdrawal already recorded the same
	// signed transaction.
	ErrDuplicateBroadcast    = errors.New("duplicate broadcast")
)

// Package settlement moves withdrawals from intake to an on-chain transfer:
// the intake gate reserves funds, the scheduler signs and broadcasts, and
// recovery lets an operator requeue failed records.
package settlement

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"payout.settle/internal/chain"
	"payout.settle/internal/lock"
	"payout.settle/internal/notify"
)

var (
	// ErrLeaseLost stops a batch once the settlement lease can no longer be
	// renewed; another replica may already be settling.
	ErrLeaseLost = errors.New("settlement lease lost")

	ErrInvalidUser   = errors.New("invalid user id")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrBelowMinimum  = errors.New("amount below minimum withdrawal")
	ErrInvalidWallet = errors.New("invalid wallet address")
)

// Chain is the part of chain.Client the scheduler drives.
type Chain interface {
	BuildTransfer(to string, amount *big.Int) ([]byte, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context) (uint64, error)
	ConfirmedNonce(ctx context.Context) (uint64, error)
	Sign(env chain.Envelope) (*types.Transaction, error)
	Broadcast(ctx context.Context, tx *types.Transaction) error
	WaitMined(ctx context.Context, tx *types.Transaction) error
	Lookup(ctx context.Context, hash string) (chain.TxState, error)
}

var _ Chain = (*chain.Client)(nil)

// Locker hands out the lease that serializes iterations across replicas.
type Locker interface {
	TryAcquire(ctx context.Context) (lock.Lease, bool, error)
}

type Config struct {
	MaxRetries       int
	BatchSize        int
	PollInterval     time.Duration
	PacingDelay      time.Duration
	GasLimit         uint64
	TokenDecimals    int32
	BroadcastTimeout time.Duration
	// WaitReceipt makes a record complete only once its receipt is mined.
	WaitReceipt  bool
	ExplorerURL  string
	OperatorChat notify.Recipient
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		BatchSize:        5,
		PollInterval:     5 * time.Minute,
		PacingDelay:      5 * time.Second,
		GasLimit:         200000,
		TokenDecimals:    18,
		BroadcastTimeout: 60 * time.Second,
		WaitReceipt:      true,
		ExplorerURL:      "https://polygonscan.com",
	}
}

// normalize replaces unusable values with defaults. PacingDelay may be zero.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PacingDelay < 0 {
		c.PacingDelay = 0
	}
	if c.GasLimit == 0 {
		c.GasLimit = d.GasLimit
	}
	if c.TokenDecimals < 0 {
		c.TokenDecimals = d.TokenDecimals
	}
	if c.BroadcastTimeout <= 0 {
		c.BroadcastTimeout = d.BroadcastTimeout
	}
	return c
}

// LeaseTTL is how long the settlement lease must outlive its last renewal.
// The lease is renewed before every record and before every broadcast, so it
// has to cover the slowest single record: a reconcile and a fresh settle each
// bounded by BroadcastTimeout, the ledger writes and notifications of that
// record, and the pacing delay after it.
func LeaseTTL(cfg Config) time.Duration {
	cfg = cfg.normalize()
	return 2*cfg.BroadcastTimeout + cfg.PacingDelay + 4*writeTimeout + 2*notify.DeliveryTimeout + time.Minute
}

// writeTimeout bounds ledger writes that must survive cancellation of the
// iteration context.
const writeTimeout = 15 * time.Second

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

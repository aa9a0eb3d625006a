// Package chaintest provides an in-memory chain.Backend for tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// PrivateKey is a throwaway key used to sign test transactions.
const PrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// TokenContract is the token address test clients are built for.
const TokenContract = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

// Backend simulates a node for a single sender. Broadcast transactions go to
// the mempool and are mined immediately when AutoMine is set.
type Backend struct {
	mu sync.Mutex

	ChainIDValue   *big.Int
	GasPriceValue  *big.Int
	AutoMine       bool
	RevertOnMine   bool
	pendingNonce   uint64
	confirmedNonce uint64

	sendErrs   []error
	GasErr     error
	NonceErr   error
	ReceiptErr error

	sent     []*types.Transaction
	mempool  map[common.Hash]*types.Transaction
	receipts map[common.Hash]uint64
}

func NewBackend() *Backend {
	return &Backend{
		ChainIDValue:  big.NewInt(137),
		GasPriceValue: big.NewInt(30_000_000_000),
		AutoMine:      true,
		mempool:       map[common.Hash]*types.Transaction{},
		receipts:      map[common.Hash]uint64{},
	}
}

// FailSends makes the next len(errs) SendTransaction calls return errs in
// order. A nil entry lets that call through.
func (b *Backend) FailSends(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErrs = append(b.sendErrs, errs...)
}

// Sent returns every accepted transaction, rebroadcasts included.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

// Mine moves a mempool transaction into a block with the given status.
func (b *Backend) Mine(hash common.Hash, status uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mine(hash, status)
}

func (b *Backend) mine(hash common.Hash, status uint64) {
	delete(b.mempool, hash)
	b.receipts[hash] = status
	b.confirmedNonce++
}

// Drop forgets a mempool transaction and consumes its nonce, as if a
// replacement had been mined.
func (b *Backend) Drop(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mempool, hash)
	b.confirmedNonce++
	if b.pendingNonce < b.confirmedNonce {
		b.pendingNonce = b.confirmedNonce
	}
}

// Forget removes a transaction from the mempool without touching nonces, as
// a node restart would.
func (b *Backend) Forget(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mempool, hash)
	if b.pendingNonce > b.confirmedNonce {
		b.pendingNonce--
	}
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.ChainIDValue), nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.GasErr != nil {
		return nil, b.GasErr
	}
	return new(big.Int).Set(b.GasPriceValue), nil
}

func (b *Backend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NonceErr != nil {
		return 0, b.NonceErr
	}
	return b.pendingNonce, nil
}

func (b *Backend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NonceErr != nil {
		return 0, b.NonceErr
	}
	return b.confirmedNonce, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := b.mempool[tx.Hash()]; ok {
		return errors.New("already known")
	}
	if _, ok := b.receipts[tx.Hash()]; ok {
		return errors.New("already known")
	}

	b.sent = append(b.sent, tx)
	b.mempool[tx.Hash()] = tx
	if tx.Nonce() >= b.pendingNonce {
		b.pendingNonce = tx.Nonce() + 1
	}
	if b.AutoMine {
		status := types.ReceiptStatusSuccessful
		if b.RevertOnMine {
			status = types.ReceiptStatusFailed
		}
		b.mine(tx.Hash(), status)
	}
	return nil
}

func (b *Backend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tx, ok := b.mempool[hash]; ok {
		return tx, true, nil
	}
	return nil, false, ethereum.NotFound
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ReceiptErr != nil {
		return nil, b.ReceiptErr
	}
	status, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: status, TxHash: hash}, nil
}

// Package chain wraps the ERC-20 payout transfer: call encoding, gas price and
// nonce lookup, signing with the custodial key, broadcast and receipt lookup.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20TransferABI = `[{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

// Backend is the subset of ethclient.Client the adapter uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxState is what the node knows about a previously broadcast transaction.
type TxState int

const (
	TxUnknown TxState = iota
	TxPending
	TxMined
	TxReverted
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxMined:
		return "mined"
	case TxReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Envelope is an unsigned legacy transaction addressed to the token contract.
type Envelope struct {
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	Data     []byte
}

type Config struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	// ReceiptPoll is how often WaitMined asks for a receipt.
	ReceiptPoll time.Duration
}

type Client struct {
	backend     Backend
	closer      func()
	contract    common.Address
	key         *ecdsa.PrivateKey
	sender      common.Address
	chainID     *big.Int
	token       abi.ABI
	receiptPoll time.Duration
}

// Dial connects to the RPC endpoint and resolves the chain id once.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, classify("dial", err)
	}
	c, err := NewClient(ctx, ec, cfg)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close
	return c, nil
}

// NewClient builds a Client on an existing backend.
func NewClient(ctx context.Context, backend Backend, cfg Config) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("contract address %q: %w", cfg.ContractAddress, ErrInvalidAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, classify("chain id", err)
	}

	poll := cfg.ReceiptPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Client{
		backend:     backend,
		contract:    common.HexToAddress(cfg.ContractAddress),
		key:         key,
		sender:      crypto.PubkeyToAddress(key.PublicKey),
		chainID:     chainID,
		token:       parsed,
		receiptPoll: poll,
	}, nil
}

func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Sender is the custodial address every payout is signed by.
func (c *Client) Sender() common.Address {
	return c.sender
}

func (c *Client) Contract() common.Address {
	return c.contract
}

// BuildTransfer encodes transfer(to, amount) for the token contract.
func (c *Client) BuildTransfer(to string, amount *big.Int) ([]byte, error) {
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("recipient %q: %w", to, ErrInvalidAddress)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive")
	}
	data, err := c.token.Pack("transfer", common.HexToAddress(to), amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	return data, nil
}

func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify("gas price", err)
	}
	return price, nil
}

// PendingNonce includes transactions still in the mempool.
func (c *Client) PendingNonce(ctx context.Context) (uint64, error) {
	n, err := c.backend.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return 0, classify("pending nonce", err)
	}
	return n, nil
}

// ConfirmedNonce counts only mined transactions of the sender.
func (c *Client) ConfirmedNonce(ctx context.Context) (uint64, error) {
	n, err := c.backend.NonceAt(ctx, c.sender, nil)
	if err != nil {
		return 0, classify("confirmed nonce", err)
	}
	return n, nil
}

// Sign builds the legacy transaction for env and signs it with the custodial key.
func (c *Client) Sign(env Envelope) (*types.Transaction, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    env.Nonce,
		GasPrice: env.GasPrice,
		Gas:      env.GasLimit,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Data:     env.Data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// Broadcast submits tx. Resubmitting a transaction the node already holds is
// not an error.
func (c *Client) Broadcast(ctx context.Context, tx *types.Transaction) error {
	err := c.backend.SendTransaction(ctx, tx)
	if err == nil || isAlreadyKnown(err) {
		return nil
	}
	return classify("broadcast", err)
}

// WaitMined polls for the receipt of tx until ctx is done. A reverted receipt
// returns ErrReverted.
func (c *Client) WaitMined(ctx context.Context, tx *types.Transaction) error {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, tx.Hash())
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("receipt %s: %w", tx.Hash().Hex(), ErrReverted)
			}
			return nil
		case !errors.Is(err, ethereum.NotFound):
			return classify("receipt", err)
		}

		select {
		case <-ctx.Done():
			return classify("receipt", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Lookup reports the node's view of a transaction hash.
func (c *Client) Lookup(ctx context.Context, hash string) (TxState, error) {
	h := common.HexToHash(hash)
	receipt, err := c.backend.TransactionReceipt(ctx, h)
	if err == nil {
		if receipt.Status == types.ReceiptStatusSuccessful {
			return TxMined, nil
		}
		return TxReverted, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return TxUnknown, classify("receipt", err)
	}

	_, pending, err := c.backend.TransactionByHash(ctx, h)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TxUnknown, nil
		}
		return TxUnknown, classify("transaction", err)
	}
	if pending {
		return TxPending, nil
	}
	// Known and not pending but without a receipt yet: the block is being
	// indexed. Treat it as in flight.
	return TxPending, nil
}

// EncodeRaw returns the signed envelope bytes persisted before broadcast.
func EncodeRaw(tx *types.Transaction) ([]byte, error) {
	return tx.MarshalBinary()
}

// DecodeRaw restores a transaction persisted with EncodeRaw.
func DecodeRaw(raw []byte) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode raw transaction: %w", err)
	}
	return tx, nil
}

// ExplorerTxURL links a transaction hash on the block explorer.
func ExplorerTxURL(base, hash string) string {
	return strings.TrimRight(base, "/") + "/tx/" + hash
}

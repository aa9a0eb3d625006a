package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrNetwork           = errors.New("chain: network error")
	ErrRejected          = errors.New("chain: transaction rejected")
	ErrInsufficientFunds = errors.New("chain: insufficient funds for gas")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrReverted          = errors.New("chain: transaction reverted")

	// ErrNonceUsed accompanies ErrRejected when the nonce is already taken.
	// The transaction holding it may be the one that was just rejected.
	ErrNonceUsed = errors.New("chain: nonce already used")
)

// classify wraps a raw RPC error in one of the typed errors above. The node
// reports most rejections as plain JSON-RPC messages, so matching is textual.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.As(err, &netErr):
		return fmt.Errorf("%s: %w: %v", op, ErrNetwork, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%s: %w: %v", op, ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%s: %w: %v", op, ErrReverted, err)
	case strings.Contains(msg, "nonce too low"):
		return fmt.Errorf("%s: %w: %w: %v", op, ErrRejected, ErrNonceUsed, err)
	case strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "intrinsic gas too low"),
		strings.Contains(msg, "gas limit"),
		strings.Contains(msg, "invalid sender"),
		strings.Contains(msg, "transaction underpriced"):
		return fmt.Errorf("%s: %w: %v", op, ErrRejected, err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"):
		return fmt.Errorf("%s: %w: %v", op, ErrNetwork, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ToSmallestUnit converts whole token units to the contract's base unit.
func ToSmallestUnit(amount int64, decimals int32) *big.Int {
	return decimal.NewFromInt(amount).Shift(decimals).BigInt()
}

// FromSmallestUnit renders a base-unit amount as a decimal token string.
func FromSmallestUnit(v *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(v, -decimals).String()
}

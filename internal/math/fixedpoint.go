package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

// AmountConfig is the precision of every pool amount, premium and payout.
var AmountConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001

var (
	ErrAmountPrecision = errors.New("amount has too many fractional digits")
	ErrAmountRange     = errors.New("amount out of int64 range")
	ErrAmountNegative  = errors.New("amount must not be negative")
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b without overflow. The result comes from a
// pool; callers hand it back with putInt128.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// CheckedMul returns a * b, or false if the product does not fit in int64.
// Used for coverage × supply, where both operands are caller supplied.
func CheckedMul(a, b int64) (int64, bool) {
	product := MultiplyInt128(a, b)
	defer putInt128(product)
	if !product.IsInt64() {
		return 0, false
	}
	return product.Int64(), true
}

// CheckedAdd returns a + b, or false on int64 overflow.
func CheckedAdd(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// ParseAmount converts a decimal string ("100.25") into fixed-point units at
// AmountConfig precision. Negative values and values finer than one unit are
// rejected rather than rounded.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("parse amount %q: %w", s, ErrAmountNegative)
	}
	scaled := d.Shift(int32(AmountConfig.DecimalPrecision))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("parse amount %q: %w", s, ErrAmountPrecision)
	}
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("parse amount %q: %w", s, ErrAmountRange)
	}
	return bi.Int64(), nil
}

// FormatAmount renders fixed-point units as a decimal string with trailing
// zeros removed ("100.25", "7").
func FormatAmount(units int64) string {
	return decimal.New(units, -int32(AmountConfig.DecimalPrecision)).String()
}

// ToUnits converts a whole-number amount into fixed-point units.
func ToUnits(whole int64) int64 {
	return whole * AmountConfig.Scale
}

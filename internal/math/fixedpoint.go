package math

import (
	"math/big"
	"sync"

	"PerpClearing/internal/errs"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Virtual base/quote amounts, notional and PnL
	AmountConfig = DecimalConfig{DecimalPrecision: 18, Scale: 1_000_000_000_000_000_000}
	// Collateral held in the ledger (USDC)
	CollateralConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
	// Fee and margin ratios, parts per million
	RatioConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
)

var (
	Q96  = new(big.Int).Lsh(big.NewInt(1), 96)
	Q128 = new(big.Int).Lsh(big.NewInt(1), 128)
	Q192 = new(big.Int).Lsh(big.NewInt(1), 192)

	MaxUint128 = new(big.Int).Sub(Q128, big.NewInt(1))
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	One18 = big.NewInt(AmountConfig.Scale)

	collateralToAmount = big.NewInt(AmountConfig.Scale / CollateralConfig.Scale)
	ratioDenominator   = big.NewInt(RatioConfig.Scale)
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // toward negative infinity
	RoundUp                           // toward positive infinity
	RoundTowardZero
)

// scratch is a pooled big.Int for intermediate calculations
var scratchPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getScratch() *big.Int {
	return scratchPool.Get().(*big.Int)
}

func putScratch(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	scratchPool.Put(v)
}

// MulDiv computes a * b / denominator with the requested rounding.
// denominator must be non-zero.
func MulDiv(a, b, denominator *big.Int, mode RoundingMode) *big.Int {
	product := getScratch()
	product.Mul(a, b)
	result := Div(product, denominator, mode)
	putScratch(product)
	return result
}

// Div divides with the requested rounding. Works for signed operands.
func Div(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getScratch()
	defer putScratch(remainder)

	// QuoRem truncates toward zero
	quotient.QuoRem(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	negative := (numerator.Sign() < 0) != (denominator.Sign() < 0)

	switch mode {
	case RoundTowardZero:
	case RoundDown:
		if negative {
			quotient.Sub(quotient, big.NewInt(1))
		}
	case RoundUp:
		if !negative {
			quotient.Add(quotient, big.NewInt(1))
		}
	case RoundHalfEven:
		twice := getScratch()
		defer putScratch(twice)
		twice.Abs(remainder)
		twice.Lsh(twice, 1)
		absDen := new(big.Int).Abs(denominator)
		cmp := twice.Cmp(absDen)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			if negative {
				quotient.Sub(quotient, big.NewInt(1))
			} else {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}
	return quotient
}

// MulRatio applies a parts-per-million ratio to amount.
func MulRatio(amount *big.Int, ratioPips uint32, mode RoundingMode) *big.Int {
	return MulDiv(amount, big.NewInt(int64(ratioPips)), ratioDenominator, mode)
}

// CheckUint128 returns NumericOverflow when v does not fit in an unsigned 128-bit slot.
func CheckUint128(v *big.Int) error {
	if v.Sign() < 0 || v.Cmp(MaxUint128) > 0 {
		return errs.Overflow("value %s outside uint128", v.String())
	}
	return nil
}

// CollateralToAmount converts 6-decimal collateral into an 18-decimal amount.
func CollateralToAmount(collateral int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(collateral), collateralToAmount)
}

// AmountToCollateral converts an 18-decimal amount to 6-decimal collateral.
// Credits round down and debits round away from zero, so conversion never
// creates collateral.
func AmountToCollateral(amount *big.Int) (int64, error) {
	c := Div(amount, collateralToAmount, RoundDown)
	if !c.IsInt64() {
		return 0, errs.Overflow("collateral amount %s exceeds int64", c.String())
	}
	return c.Int64(), nil
}

// PriceX18FromSqrtPriceX96 returns quote per base with 18 decimals.
func PriceX18FromSqrtPriceX96(sqrtPriceX96 *big.Int) *big.Int {
	sq := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	return MulDiv(sq, One18, Q192, RoundDown)
}

// SqrtPriceX96FromPriceX18 is the inverse of PriceX18FromSqrtPriceX96, rounded down.
func SqrtPriceX96FromPriceX18(priceX18 *big.Int) (*big.Int, error) {
	if priceX18.Sign() <= 0 {
		return nil, errs.Invalid("price must be positive")
	}
	// sqrt(price / 1e18) * 2^96 = sqrt(price * 2^192 / 1e18)
	v := MulDiv(priceX18, Q192, One18, RoundDown)
	return v.Sqrt(v), nil
}

// Abs returns |v| as a new value.
func Abs(v *big.Int) *big.Int {
	return new(big.Int).Abs(v)
}

// Neg returns -v as a new value.
func Neg(v *big.Int) *big.Int {
	return new(big.Int).Neg(v)
}

// MinBig returns the smaller of a and b (not copied).
func MinBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Clone copies v, treating nil as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

package math

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Fee-growth accumulators are Q128.128 quote-per-liquidity values held in
// 256 bits. They only ever increase, and every difference is taken modulo
// 2^256, so an accumulator that wraps still yields the right delta.

// FeeGrowthDelta returns fee * 2^128 / liquidity, truncated to 256 bits.
func FeeGrowthDelta(fee, liquidity *big.Int) *uint256.Int {
	if liquidity.Sign() <= 0 || fee.Sign() <= 0 {
		return new(uint256.Int)
	}
	q := MulDiv(fee, Q128, liquidity, RoundDown)
	z, _ := uint256.FromBig(q) // overflow wraps, matching accumulator semantics
	return z
}

// FeeGrowthInside computes growth inside [lower, upper) given the per-tick
// outside values and the current tick.
func FeeGrowthInside(
	lowerOutside, upperOutside, global *uint256.Int,
	tickLower, tickUpper, tickCurrent int32,
) *uint256.Int {
	below := new(uint256.Int)
	if tickCurrent >= tickLower {
		below.Set(lowerOutside)
	} else {
		below.Sub(global, lowerOutside)
	}

	above := new(uint256.Int)
	if tickCurrent < tickUpper {
		above.Set(upperOutside)
	} else {
		above.Sub(global, upperOutside)
	}

	inside := new(uint256.Int).Sub(global, below)
	return inside.Sub(inside, above)
}

// FeesOwed returns (insideNow - insideLast) * liquidity / 2^128, rounded down.
func FeesOwed(insideNow, insideLast *uint256.Int, liquidity *big.Int) *big.Int {
	delta := new(uint256.Int).Sub(insideNow, insideLast)
	if delta.IsZero() || liquidity.Sign() == 0 {
		return new(big.Int)
	}
	owed := new(big.Int).Mul(delta.ToBig(), liquidity)
	return owed.Rsh(owed, 128)
}

// FeeGrowthString renders an accumulator for snapshots and digests.
func FeeGrowthString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// ParseFeeGrowth is the inverse of FeeGrowthString.
func ParseFeeGrowth(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(s)
}

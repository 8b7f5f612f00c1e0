package math

import (
	"math/big"

	"PerpClearing/internal/errs"
)

// LiquidityForAmount0 is the liquidity that base amount0 buys between two prices.
func LiquidityForAmount0(sqrtA, sqrtB, amount0 *big.Int) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	intermediate := MulDiv(sqrtA, sqrtB, Q96, RoundDown)
	return MulDiv(amount0, intermediate, new(big.Int).Sub(sqrtB, sqrtA), RoundDown)
}

// LiquidityForAmount1 is the liquidity that quote amount1 buys between two prices.
func LiquidityForAmount1(sqrtA, sqrtB, amount1 *big.Int) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	return MulDiv(amount1, Q96, new(big.Int).Sub(sqrtB, sqrtA), RoundDown)
}

// LiquidityForAmounts returns the largest liquidity the desired amounts can
// back for the range [sqrtA, sqrtB] at the current price.
func LiquidityForAmounts(sqrtPrice, sqrtA, sqrtB, amount0, amount1 *big.Int) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}

	switch {
	case sqrtPrice.Cmp(sqrtA) <= 0:
		return LiquidityForAmount0(sqrtA, sqrtB, amount0)
	case sqrtPrice.Cmp(sqrtB) < 0:
		l0 := LiquidityForAmount0(sqrtPrice, sqrtB, amount0)
		l1 := LiquidityForAmount1(sqrtA, sqrtPrice, amount1)
		return new(big.Int).Set(MinBig(l0, l1))
	default:
		return LiquidityForAmount1(sqrtA, sqrtB, amount1)
	}
}

// AmountsForLiquidity returns the base/quote reserves that liquidity
// represents in [sqrtA, sqrtB] at the current price. Deposits round up,
// withdrawals round down.
func AmountsForLiquidity(sqrtPrice, sqrtA, sqrtB, liquidity *big.Int, roundUp bool) (amount0, amount1 *big.Int) {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}

	switch {
	case sqrtPrice.Cmp(sqrtA) <= 0:
		return Amount0Delta(sqrtA, sqrtB, liquidity, roundUp), new(big.Int)
	case sqrtPrice.Cmp(sqrtB) < 0:
		return Amount0Delta(sqrtPrice, sqrtB, liquidity, roundUp), Amount1Delta(sqrtA, sqrtPrice, liquidity, roundUp)
	default:
		return new(big.Int), Amount1Delta(sqrtA, sqrtB, liquidity, roundUp)
	}
}

// AddLiquidityDelta returns liquidity + delta, failing on underflow or when
// the result leaves the uint128 range.
func AddLiquidityDelta(liquidity, delta *big.Int) (*big.Int, error) {
	result := new(big.Int).Add(liquidity, delta)
	if result.Sign() < 0 {
		return nil, errs.ErrInsufficientLiquidity
	}
	if err := CheckUint128(result); err != nil {
		return nil, err
	}
	return result, nil
}

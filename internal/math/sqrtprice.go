package math

import (
	"math/big"

	"PerpClearing/internal/errs"
)

// Base is token0 and quote is token1: price = quote/base, selling base
// moves sqrt price down.

// Amount0Delta returns the base amount between two sqrt prices for liquidity.
//
//	L * (sqrtB - sqrtA) / (sqrtA * sqrtB)
func Amount0Delta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	if liquidity.Sign() == 0 || sqrtA.Cmp(sqrtB) == 0 {
		return new(big.Int)
	}

	numerator1 := new(big.Int).Lsh(liquidity, 96)
	numerator2 := new(big.Int).Sub(sqrtB, sqrtA)

	if roundUp {
		inner := MulDiv(numerator1, numerator2, sqrtB, RoundUp)
		return Div(inner, sqrtA, RoundUp)
	}
	inner := MulDiv(numerator1, numerator2, sqrtB, RoundDown)
	return inner.Quo(inner, sqrtA)
}

// Amount1Delta returns the quote amount between two sqrt prices for liquidity.
//
//	L * (sqrtB - sqrtA)
func Amount1Delta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	diff := new(big.Int).Sub(sqrtB, sqrtA)
	mode := RoundDown
	if roundUp {
		mode = RoundUp
	}
	return MulDiv(liquidity, diff, Q96, mode)
}

// NextSqrtPriceFromInput returns the price after adding amountIn of the input
// token. Rounds so the pool never receives less than amountIn implies.
func NextSqrtPriceFromInput(sqrtPrice, liquidity, amountIn *big.Int, zeroForOne bool) (*big.Int, error) {
	if sqrtPrice.Sign() <= 0 || liquidity.Sign() <= 0 {
		return nil, errs.Invalid("next price requires positive price and liquidity")
	}
	if zeroForOne {
		return nextFromAmount0RoundingUp(sqrtPrice, liquidity, amountIn, true)
	}
	return nextFromAmount1RoundingDown(sqrtPrice, liquidity, amountIn, true)
}

// NextSqrtPriceFromOutput returns the price after removing amountOut of the
// output token.
func NextSqrtPriceFromOutput(sqrtPrice, liquidity, amountOut *big.Int, zeroForOne bool) (*big.Int, error) {
	if sqrtPrice.Sign() <= 0 || liquidity.Sign() <= 0 {
		return nil, errs.Invalid("next price requires positive price and liquidity")
	}
	if zeroForOne {
		return nextFromAmount1RoundingDown(sqrtPrice, liquidity, amountOut, false)
	}
	return nextFromAmount0RoundingUp(sqrtPrice, liquidity, amountOut, false)
}

func nextFromAmount0RoundingUp(sqrtPrice, liquidity, amount *big.Int, add bool) (*big.Int, error) {
	if amount.Sign() == 0 {
		return new(big.Int).Set(sqrtPrice), nil
	}
	numerator1 := new(big.Int).Lsh(liquidity, 96)
	product := new(big.Int).Mul(amount, sqrtPrice)

	denominator := new(big.Int)
	if add {
		denominator.Add(numerator1, product)
	} else {
		if numerator1.Cmp(product) <= 0 {
			return nil, errs.ErrInsufficientLiquidity
		}
		denominator.Sub(numerator1, product)
	}
	next := MulDiv(numerator1, sqrtPrice, denominator, RoundUp)
	if err := checkSqrtPrice(next); err != nil {
		return nil, err
	}
	return next, nil
}

func nextFromAmount1RoundingDown(sqrtPrice, liquidity, amount *big.Int, add bool) (*big.Int, error) {
	if add {
		quotient := MulDiv(amount, Q96, liquidity, RoundDown)
		next := quotient.Add(quotient, sqrtPrice)
		if err := checkSqrtPrice(next); err != nil {
			return nil, err
		}
		return next, nil
	}

	quotient := MulDiv(amount, Q96, liquidity, RoundUp)
	if sqrtPrice.Cmp(quotient) <= 0 {
		return nil, errs.ErrInsufficientLiquidity
	}
	return quotient.Sub(sqrtPrice, quotient), nil
}

func checkSqrtPrice(v *big.Int) error {
	if v.Sign() <= 0 || v.BitLen() > 160 {
		return errs.Overflow("sqrt price %s outside uint160", v.String())
	}
	return nil
}

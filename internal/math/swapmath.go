package math

import (
	"math/big"
)

// SwapStep is the outcome of swapping within a single liquidity range.
//
// AmountIn/AmountOut move along the curve and exclude fee. FeeAmount is
// always quote. Specified is how much of the caller's remaining amount the
// step consumed; Calculated is the opposite side as seen by the trader
// (fee included).
type SwapStep struct {
	SqrtPriceNextX96 *big.Int
	AmountIn         *big.Int
	AmountOut        *big.Int
	FeeAmount        *big.Int
	Specified        *big.Int
	Calculated       *big.Int
}

// ComputeSwapStep swaps toward sqrtTarget, stopping early once amountRemaining
// is exhausted. feePips is parts per million. Rounding favours the pool.
func ComputeSwapStep(
	sqrtCurrent, sqrtTarget, liquidity, amountRemaining *big.Int,
	feePips uint32,
	isBaseToQuote, isExactInput bool,
) (SwapStep, error) {
	switch {
	case isExactInput && !isBaseToQuote:
		return stepQuoteIn(sqrtCurrent, sqrtTarget, liquidity, amountRemaining, feePips)
	case isExactInput && isBaseToQuote:
		return stepBaseIn(sqrtCurrent, sqrtTarget, liquidity, amountRemaining, feePips)
	case !isBaseToQuote:
		return stepBaseOut(sqrtCurrent, sqrtTarget, liquidity, amountRemaining, feePips)
	default:
		return stepQuoteOut(sqrtCurrent, sqrtTarget, liquidity, amountRemaining, feePips)
	}
}

// exact quote in, base out, price up; fee taken from the quote input
func stepQuoteIn(cur, target, liquidity, remaining *big.Int, feePips uint32) (SwapStep, error) {
	lessFee := MulDiv(remaining, big.NewInt(int64(RatioConfig.Scale)-int64(feePips)), ratioDenominator, RoundDown)
	maxIn := Amount1Delta(cur, target, liquidity, true)

	var next, amountIn, fee *big.Int
	if lessFee.Cmp(maxIn) >= 0 {
		next = new(big.Int).Set(target)
		amountIn = maxIn
		fee = feeOnNet(amountIn, feePips)
		if total := new(big.Int).Add(amountIn, fee); total.Cmp(remaining) > 0 {
			fee = new(big.Int).Sub(remaining, amountIn)
		}
	} else {
		var err error
		next, err = NextSqrtPriceFromInput(cur, liquidity, lessFee, false)
		if err != nil {
			return SwapStep{}, err
		}
		amountIn = Amount1Delta(cur, next, liquidity, true)
		// the pool keeps whatever input the curve did not absorb
		fee = new(big.Int).Sub(remaining, amountIn)
	}

	amountOut := Amount0Delta(cur, next, liquidity, false)
	return SwapStep{
		SqrtPriceNextX96: next,
		AmountIn:         amountIn,
		AmountOut:        amountOut,
		FeeAmount:        fee,
		Specified:        new(big.Int).Add(amountIn, fee),
		Calculated:       new(big.Int).Set(amountOut),
	}, nil
}

// exact base in, quote out, price down; fee deducted from the quote output
func stepBaseIn(cur, target, liquidity, remaining *big.Int, feePips uint32) (SwapStep, error) {
	maxIn := Amount0Delta(target, cur, liquidity, true)

	var next, amountIn, specified *big.Int
	if remaining.Cmp(maxIn) >= 0 {
		next = new(big.Int).Set(target)
		amountIn = maxIn
		specified = new(big.Int).Set(maxIn)
	} else {
		var err error
		next, err = NextSqrtPriceFromInput(cur, liquidity, remaining, true)
		if err != nil {
			return SwapStep{}, err
		}
		// the pool absorbs the whole remainder, rounding dust included
		amountIn = new(big.Int).Set(remaining)
		specified = new(big.Int).Set(remaining)
	}

	amountOut := Amount1Delta(next, cur, liquidity, false)
	fee := MulRatio(amountOut, feePips, RoundUp)
	return SwapStep{
		SqrtPriceNextX96: next,
		AmountIn:         amountIn,
		AmountOut:        amountOut,
		FeeAmount:        fee,
		Specified:        specified,
		Calculated:       new(big.Int).Sub(amountOut, fee),
	}, nil
}

// exact base out, quote in, price up; fee grossed onto the quote input
func stepBaseOut(cur, target, liquidity, remaining *big.Int, feePips uint32) (SwapStep, error) {
	maxOut := Amount0Delta(cur, target, liquidity, false)

	var next, amountOut *big.Int
	if remaining.Cmp(maxOut) >= 0 {
		next = new(big.Int).Set(target)
		amountOut = maxOut
	} else {
		var err error
		next, err = NextSqrtPriceFromOutput(cur, liquidity, remaining, false)
		if err != nil {
			return SwapStep{}, err
		}
		amountOut = Amount0Delta(cur, next, liquidity, false)
		if amountOut.Cmp(remaining) > 0 {
			amountOut = new(big.Int).Set(remaining)
		}
	}

	amountIn := Amount1Delta(cur, next, liquidity, true)
	fee := feeOnNet(amountIn, feePips)
	return SwapStep{
		SqrtPriceNextX96: next,
		AmountIn:         amountIn,
		AmountOut:        amountOut,
		FeeAmount:        fee,
		Specified:        new(big.Int).Set(amountOut),
		Calculated:       new(big.Int).Add(amountIn, fee),
	}, nil
}

// exact quote out (net of fee), base in, price down; fee grossed onto the
// curve output
func stepQuoteOut(cur, target, liquidity, remaining *big.Int, feePips uint32) (SwapStep, error) {
	gross := MulDiv(remaining, ratioDenominator, big.NewInt(int64(RatioConfig.Scale)-int64(feePips)), RoundUp)
	maxOut := Amount1Delta(target, cur, liquidity, false)

	var next, amountOut, fee, net *big.Int
	if gross.Cmp(maxOut) >= 0 {
		next = new(big.Int).Set(target)
		amountOut = maxOut
		fee = MulRatio(amountOut, feePips, RoundUp)
		net = new(big.Int).Sub(amountOut, fee)
		if net.Cmp(remaining) > 0 {
			net = new(big.Int).Set(remaining)
			fee = new(big.Int).Sub(amountOut, remaining)
		}
	} else {
		var err error
		next, err = NextSqrtPriceFromOutput(cur, liquidity, gross, true)
		if err != nil {
			return SwapStep{}, err
		}
		amountOut = Amount1Delta(next, cur, liquidity, false)
		if amountOut.Cmp(gross) > 0 {
			amountOut = new(big.Int).Set(gross)
		}
		net = new(big.Int).Set(MinBig(remaining, amountOut))
		fee = new(big.Int).Sub(amountOut, net)
	}

	amountIn := Amount0Delta(next, cur, liquidity, true)
	return SwapStep{
		SqrtPriceNextX96: next,
		AmountIn:         amountIn,
		AmountOut:        amountOut,
		FeeAmount:        fee,
		Specified:        net,
		Calculated:       new(big.Int).Set(amountIn),
	}, nil
}

// feeOnNet returns the fee such that net/(net+fee) = 1 - feePips/1e6, rounded up.
func feeOnNet(net *big.Int, feePips uint32) *big.Int {
	if feePips == 0 {
		return new(big.Int)
	}
	return MulDiv(net, big.NewInt(int64(feePips)), big.NewInt(int64(RatioConfig.Scale)-int64(feePips)), RoundUp)
}

package exchange

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/errs"
	"PerpClearing/internal/market"
	fpmath "PerpClearing/internal/math"
)

type SwapParams struct {
	Market        string
	IsBaseToQuote bool
	IsExactInput  bool
	Amount        *big.Int // of the input token when exact-in, of the output token when exact-out
	// SqrtPriceLimitX96 bounds how far the price may move. Nil or zero means
	// no caller limit.
	SqrtPriceLimitX96 *big.Int
}

// SwapResult reports a swap from the trader's point of view.
type SwapResult struct {
	// Signed position deltas along the curve, fee excluded.
	DeltaBase  *big.Int
	DeltaQuote *big.Int

	Fee          *big.Int // total quote fee charged
	InsuranceFee *big.Int // part of Fee withheld from makers

	// Filled is the consumed part of Amount, Opposite the other side as the
	// trader experiences it (fee included).
	Filled   *big.Int
	Opposite *big.Int

	SqrtPriceAfterX96 *big.Int
	TickAfter         int32
	TicksCrossed      int
}

// Swap executes against the market's pool and commits on success. On error
// the pool is unchanged.
func (e *Exchange) Swap(p SwapParams) (*SwapResult, error) {
	ms, err := e.get(p.Market)
	if err != nil {
		return nil, err
	}
	pool := ms.pool.Clone()
	res, err := swap(pool, ms.params, p)
	if err != nil {
		return nil, fmt.Errorf("swap %s: %w", p.Market, err)
	}
	ms.pool = pool
	return res, nil
}

// Quote simulates a swap without touching state.
func (e *Exchange) Quote(p SwapParams) (*SwapResult, error) {
	ms, err := e.get(p.Market)
	if err != nil {
		return nil, err
	}
	res, err := swap(ms.pool.Clone(), ms.params, p)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", p.Market, err)
	}
	return res, nil
}

func swap(pool *market.Pool, params MarketParams, p SwapParams) (*SwapResult, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, errs.Invalid("swap amount must be positive")
	}
	zeroForOne := p.IsBaseToQuote

	limit := p.SqrtPriceLimitX96
	userLimit := limit != nil && limit.Sign() != 0
	if !userLimit {
		limit = defaultPriceLimit(zeroForOne)
	}
	if limit.Cmp(fpmath.MinSqrtRatio) <= 0 || limit.Cmp(fpmath.MaxSqrtRatio) >= 0 {
		return nil, errs.Invalid("sqrt price limit %s out of range", limit.String())
	}
	if zeroForOne && limit.Cmp(pool.SqrtPriceX96) >= 0 || !zeroForOne && limit.Cmp(pool.SqrtPriceX96) <= 0 {
		return nil, errs.ErrPriceLimitReached
	}

	remaining := new(big.Int).Set(p.Amount)
	filled := new(big.Int)
	opposite := new(big.Int)
	amountIn := new(big.Int)
	amountOut := new(big.Int)
	fee := new(big.Int)
	insuranceFee := new(big.Int)
	crossed := 0

	for remaining.Sign() > 0 && pool.SqrtPriceX96.Cmp(limit) != 0 {
		startPrice := pool.SqrtPriceX96

		nextTick, initialized := pool.NextInitializedTick(pool.Tick, zeroForOne)
		sqrtNext := fpmath.MustSqrtRatioAtTick(nextTick)
		target := sqrtNext
		if zeroForOne && sqrtNext.Cmp(limit) < 0 || !zeroForOne && sqrtNext.Cmp(limit) > 0 {
			target = limit
		}

		step, err := fpmath.ComputeSwapStep(startPrice, target, pool.Liquidity, remaining,
			params.FeeRatio, zeroForOne, p.IsExactInput)
		if err != nil {
			return nil, err
		}

		remaining.Sub(remaining, step.Specified)
		filled.Add(filled, step.Specified)
		opposite.Add(opposite, step.Calculated)
		amountIn.Add(amountIn, step.AmountIn)
		amountOut.Add(amountOut, step.AmountOut)
		fee.Add(fee, step.FeeAmount)

		// accrue before crossing so only liquidity in this interval earns it
		stepInsurance := fpmath.MulRatio(step.FeeAmount, params.InsuranceFundFeeRatio, fpmath.RoundDown)
		insuranceFee.Add(insuranceFee, stepInsurance)
		pool.AccrueFee(new(big.Int).Sub(step.FeeAmount, stepInsurance))

		pool.SqrtPriceX96 = step.SqrtPriceNextX96
		tickCrossed := false
		switch {
		case step.SqrtPriceNextX96.Cmp(sqrtNext) == 0:
			if initialized {
				net := pool.CrossTick(nextTick)
				if zeroForOne {
					net.Neg(net)
				}
				if pool.Liquidity, err = fpmath.AddLiquidityDelta(pool.Liquidity, net); err != nil {
					return nil, fmt.Errorf("cross tick %d: %w", nextTick, err)
				}
				crossed++
				tickCrossed = true
				if params.MaxTicksCrossed > 0 && crossed > int(params.MaxTicksCrossed) {
					return nil, fmt.Errorf("%w: more than %d ticks crossed", errs.ErrInsufficientLiquidity, params.MaxTicksCrossed)
				}
			}
			if zeroForOne {
				pool.Tick = nextTick - 1
			} else {
				pool.Tick = nextTick
			}
		case step.SqrtPriceNextX96.Cmp(startPrice) != 0:
			if pool.Tick, err = fpmath.TickAtSqrtRatio(step.SqrtPriceNextX96); err != nil {
				return nil, err
			}
		}

		if step.Specified.Sign() == 0 && step.SqrtPriceNextX96.Cmp(startPrice) == 0 && !tickCrossed {
			break
		}
	}

	if remaining.Sign() > 0 {
		switch {
		case filled.Sign() == 0 && userLimit:
			return nil, errs.ErrPriceLimitReached
		case !userLimit:
			return nil, fmt.Errorf("%w: %s of %s unfilled", errs.ErrInsufficientLiquidity, remaining.String(), p.Amount.String())
		}
	}

	res := &SwapResult{
		Fee:               fee,
		InsuranceFee:      insuranceFee,
		Filled:            filled,
		Opposite:          opposite,
		SqrtPriceAfterX96: new(big.Int).Set(pool.SqrtPriceX96),
		TickAfter:         pool.Tick,
		TicksCrossed:      crossed,
	}
	if zeroForOne {
		res.DeltaBase = new(big.Int).Neg(amountIn)
		res.DeltaQuote = amountOut
	} else {
		res.DeltaBase = amountOut
		res.DeltaQuote = new(big.Int).Neg(amountIn)
	}
	return res, nil
}

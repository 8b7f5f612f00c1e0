package market

import (
	"math/big"

	fpmath "PerpClearing/internal/math"
)

// FundingGrowth is a pair of funding accumulators, global or on one side of
// a tick. PremiumX18 is the cumulative premium (quote per unit of base, 18
// decimals). PremiumPerSqrtX96 accumulates every premium increment divided
// by the square root of the price it accrued at, scaled by 2^96: a range
// holding liquidity L in price owes L*PremiumPerSqrtX96/2^96 on the base
// it holds above the range's lower bound.
type FundingGrowth struct {
	PremiumX18        *big.Int
	PremiumPerSqrtX96 *big.Int
}

func NewFundingGrowth() FundingGrowth {
	return FundingGrowth{PremiumX18: new(big.Int), PremiumPerSqrtX96: new(big.Int)}
}

func (g FundingGrowth) Clone() FundingGrowth {
	return FundingGrowth{
		PremiumX18:        fpmath.Clone(g.PremiumX18),
		PremiumPerSqrtX96: fpmath.Clone(g.PremiumPerSqrtX96),
	}
}

// Sub returns g - o.
func (g FundingGrowth) Sub(o FundingGrowth) FundingGrowth {
	return FundingGrowth{
		PremiumX18:        new(big.Int).Sub(g.PremiumX18, o.PremiumX18),
		PremiumPerSqrtX96: new(big.Int).Sub(g.PremiumPerSqrtX96, o.PremiumPerSqrtX96),
	}
}

// FundingRange is what an order snapshots to price its funding: growth
// inside the range, premium accrued while the price was below it, and the
// global premium.
type FundingRange struct {
	Inside    FundingGrowth
	BelowX18  *big.Int
	GlobalX18 *big.Int
}

func (r FundingRange) Clone() FundingRange {
	return FundingRange{
		Inside:    r.Inside.Clone(),
		BelowX18:  fpmath.Clone(r.BelowX18),
		GlobalX18: fpmath.Clone(r.GlobalX18),
	}
}

// AccrueFunding adds a premium increment at the current price.
func (p *Pool) AccrueFunding(premiumX18 *big.Int) {
	if premiumX18 == nil || premiumX18.Sign() == 0 {
		return
	}
	perSqrt := fpmath.MulDiv(premiumX18, fpmath.Q192, p.SqrtPriceX96, fpmath.RoundTowardZero)
	p.FundingGlobal = FundingGrowth{
		PremiumX18:        new(big.Int).Add(p.FundingGlobal.PremiumX18, premiumX18),
		PremiumPerSqrtX96: new(big.Int).Add(p.FundingGlobal.PremiumPerSqrtX96, perSqrt),
	}
}

// FundingRange returns the funding accumulators of [lower, upper) at the
// current tick. Same outside convention as fee growth.
func (p *Pool) FundingRange(lower, upper int32) FundingRange {
	global := p.FundingGlobal
	lowerOutside, upperOutside := NewFundingGrowth(), NewFundingGrowth()
	if info, ok := p.ticks[lower]; ok {
		lowerOutside = info.FundingOutside
	}
	if info, ok := p.ticks[upper]; ok {
		upperOutside = info.FundingOutside
	}

	below := lowerOutside
	if p.Tick < lower {
		below = global.Sub(lowerOutside)
	}
	above := upperOutside
	if p.Tick >= upper {
		above = global.Sub(upperOutside)
	}

	return FundingRange{
		Inside:    global.Sub(below).Sub(above),
		BelowX18:  fpmath.Clone(below.PremiumX18),
		GlobalX18: fpmath.Clone(global.PremiumX18),
	}
}

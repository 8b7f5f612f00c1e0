package exchange

import (
	"fmt"

	"PerpClearing/internal/errs"
	fpmath "PerpClearing/internal/math"
)

// MarketParams are fixed at market creation. Ratios are parts per million.
type MarketParams struct {
	FeeRatio              uint32 `json:"fee_ratio"`                // trading fee, charged in quote
	InsuranceFundFeeRatio uint32 `json:"insurance_fund_fee_ratio"` // share of the fee routed to the insurance fund
	TickSpacing           int32  `json:"tick_spacing"`
	IMRatio               uint32 `json:"im_ratio"`          // initial margin
	MaxTicksCrossed       uint32 `json:"max_ticks_crossed"` // per swap, 0 = unlimited
}

var DefaultMarketParams = MarketParams{
	FeeRatio:              1_000,   // 0.1%
	InsuranceFundFeeRatio: 100_000, // 10% of the fee
	TickSpacing:           60,
	IMRatio:               100_000, // 10%
	MaxTicksCrossed:       0,
}

// ValidateMarketParams checks that params are within valid ranges:
// fee < 100%, insurance share <= 100%, 0 < im <= 100%, tick spacing > 0.
func ValidateMarketParams(p MarketParams) error {
	scale := uint32(fpmath.RatioConfig.Scale)
	if p.FeeRatio >= scale {
		return errs.Invalid("fee_ratio must be < %d, got %d", scale, p.FeeRatio)
	}
	if p.InsuranceFundFeeRatio > scale {
		return errs.Invalid("insurance_fund_fee_ratio must be <= %d, got %d", scale, p.InsuranceFundFeeRatio)
	}
	if p.IMRatio == 0 || p.IMRatio > scale {
		return errs.Invalid("im_ratio must be in (0, %d], got %d", scale, p.IMRatio)
	}
	if p.TickSpacing <= 0 || p.TickSpacing > fpmath.MaxTick {
		return errs.Invalid("tick_spacing must be > 0, got %d", p.TickSpacing)
	}
	return nil
}

func (p MarketParams) String() string {
	return fmt.Sprintf("fee=%d insurance=%d spacing=%d im=%d max_ticks=%d",
		p.FeeRatio, p.InsuranceFundFeeRatio, p.TickSpacing, p.IMRatio, p.MaxTicksCrossed)
}

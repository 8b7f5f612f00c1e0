// Package orderbook owns the makers' open orders: liquidity per
// (trader, market, range), fee-growth snapshots and deposited amounts.
package orderbook

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"

	"PerpClearing/internal/market"
	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/zeebo/blake3"
)

// OpenOrder is a maker's liquidity in one range.
type OpenOrder struct {
	ID        string
	Trader    uuid.UUID
	Market    string
	LowerTick int32
	UpperTick int32
	Liquidity *big.Int

	// fee growth inside the range at the last add/remove
	FeeGrowthInsideLastX128 *uint256.Int

	// funding accumulators at the last funding settlement
	FundingLast market.FundingRange

	// amounts deposited and not yet withdrawn; the gap to the current
	// reserves is the impermanent position
	BaseDebt  *big.Int
	QuoteDebt *big.Int
}

func (o *OpenOrder) clone() *OpenOrder {
	c := *o
	c.Liquidity = new(big.Int).Set(o.Liquidity)
	c.FeeGrowthInsideLastX128 = o.FeeGrowthInsideLastX128.Clone()
	c.FundingLast = o.FundingLast.Clone()
	c.BaseDebt = new(big.Int).Set(o.BaseDebt)
	c.QuoteDebt = new(big.Int).Set(o.QuoteDebt)
	return &c
}

// OrderID derives the order identifier: BLAKE3 over
// trader || market || lowerTick || upperTick, hex encoded.
func OrderID(trader uuid.UUID, marketID string, lowerTick, upperTick int32) string {
	buf := make([]byte, 0, len(trader)+len(marketID)+8)
	buf = append(buf, trader[:]...)
	buf = append(buf, marketID...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(lowerTick))
	buf = binary.BigEndian.AppendUint32(buf, uint32(upperTick))
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// OrderState is the serialisable form of an OpenOrder.
type OrderState struct {
	ID                      string                    `json:"id"`
	Trader                  uuid.UUID                 `json:"trader"`
	Market                  string                    `json:"market"`
	LowerTick               int32                     `json:"lower_tick"`
	UpperTick               int32                     `json:"upper_tick"`
	Liquidity               string                    `json:"liquidity"`
	FeeGrowthInsideLastX128 string                    `json:"fee_growth_inside_last_x128"`
	FundingInsideLast       market.FundingGrowthState `json:"funding_inside_last"`
	FundingBelowLastX18     string                    `json:"funding_below_last_x18"`
	FundingGlobalLastX18    string                    `json:"funding_global_last_x18"`
	BaseDebt                string                    `json:"base_debt"`
	QuoteDebt               string                    `json:"quote_debt"`
}

func (o *OpenOrder) export() OrderState {
	return OrderState{
		ID:                      o.ID,
		Trader:                  o.Trader,
		Market:                  o.Market,
		LowerTick:               o.LowerTick,
		UpperTick:               o.UpperTick,
		Liquidity:               o.Liquidity.String(),
		FeeGrowthInsideLastX128: fpmath.FeeGrowthString(o.FeeGrowthInsideLastX128),
		FundingInsideLast:       o.FundingLast.Inside.Export(),
		FundingBelowLastX18:     o.FundingLast.BelowX18.String(),
		FundingGlobalLastX18:    o.FundingLast.GlobalX18.String(),
		BaseDebt:                o.BaseDebt.String(),
		QuoteDebt:               o.QuoteDebt.String(),
	}
}

// fundingPayment is the funding owed on the order's base exposure since its
// snapshot, rounded up. Positive means the maker pays. The exposure is the
// base the range holds at each accrual minus the base deposited.
func (o *OpenOrder) fundingPayment(now market.FundingRange) *big.Int {
	sqrtLower := fpmath.MustSqrtRatioAtTick(o.LowerTick)
	sqrtUpper := fpmath.MustSqrtRatioAtTick(o.UpperTick)
	inside := now.Inside.Sub(o.FundingLast.Inside)

	// in range the order holds L/sqrt(p) - L/sqrt(upper) base
	held := new(big.Int).Sub(inside.PremiumPerSqrtX96,
		fpmath.MulDiv(inside.PremiumX18, fpmath.Q192, sqrtUpper, fpmath.RoundTowardZero))
	held.Mul(held, o.Liquidity)

	// below the range it holds all of its base
	below := new(big.Int).Sub(now.BelowX18, o.FundingLast.BelowX18)
	full := fpmath.Amount0Delta(sqrtLower, sqrtUpper, o.Liquidity, false)
	held.Add(held, below.Mul(below, full).Mul(below, fpmath.Q96))

	global := new(big.Int).Sub(now.GlobalX18, o.FundingLast.GlobalX18)
	debt := global.Mul(global, o.BaseDebt).Mul(global, fpmath.Q96)

	owed := held.Sub(held, debt)
	if owed.Sign() == 0 {
		return owed
	}
	return fpmath.Div(owed, new(big.Int).Mul(fpmath.Q96, fpmath.One18), fpmath.RoundUp)
}

package exchange

import (
	"math/big"

	fpmath "PerpClearing/internal/math"
)

// DefaultFundingPeriod is one day: a premium held for a full period is paid
// in full once.
const DefaultFundingPeriod int64 = 86_400

// FundingState is the market's funding clock. The cumulative premium (quote
// paid per unit of long base since market creation, 18 decimals, negative
// when shorts pay longs) lives in the pool so ranges can track it per tick.
type FundingState struct {
	LastSettledAt int64 // unix seconds
}

// SettleFundingGrowth accrues (mark - index) * elapsed / fundingPeriod into the
// market's cumulative premium and returns the updated value. A nil index
// price advances the clock without accruing: no premium is charged for
// periods without an index. Every accrual happens at a single pool price, so
// callers settle before any swap moves it.
func (e *Exchange) SettleFundingGrowth(marketID string, now int64, indexPriceX18 *big.Int) (*big.Int, error) {
	ms, err := e.get(marketID)
	if err != nil {
		return nil, err
	}
	f := &ms.funding

	if f.LastSettledAt == 0 {
		f.LastSettledAt = now
	}
	if now <= f.LastSettledAt {
		return new(big.Int).Set(ms.pool.FundingGlobal.PremiumX18), nil
	}

	if indexPriceX18 != nil && indexPriceX18.Sign() > 0 {
		premium := new(big.Int).Sub(ms.pool.MarkPriceX18(), indexPriceX18)
		elapsed := big.NewInt(now - f.LastSettledAt)
		delta := fpmath.MulDiv(premium, elapsed, big.NewInt(e.fundingPeriod), fpmath.RoundTowardZero)
		ms.pool.AccrueFunding(delta)
	}
	f.LastSettledAt = now
	return new(big.Int).Set(ms.pool.FundingGlobal.PremiumX18), nil
}

// FundingGrowth returns the market's cumulative premium without settling.
func (e *Exchange) FundingGrowth(marketID string) (*big.Int, error) {
	ms, err := e.get(marketID)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(ms.pool.FundingGlobal.PremiumX18), nil
}

// FundingPayment is what a position of size pays between two cumulative
// premium readings. Positive means the trader pays. Rounded up so payers
// never pay less and receivers never receive more than owed.
func FundingPayment(size, growthNow, growthLast *big.Int) *big.Int {
	if size.Sign() == 0 {
		return new(big.Int)
	}
	delta := new(big.Int).Sub(growthNow, growthLast)
	if delta.Sign() == 0 {
		return new(big.Int)
	}
	return fpmath.MulDiv(size, delta, fpmath.One18, fpmath.RoundUp)
}

// Package market holds the virtual concentrated-liquidity pool of a single
// market: price, active liquidity, global fee and funding growth and
// per-tick state.
package market

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/errs"
	fpmath "PerpClearing/internal/math"

	"github.com/google/btree"
	"github.com/holiman/uint256"
)

const tickTreeDegree = 16

// TickInfo is the per-tick ledger.
type TickInfo struct {
	LiquidityGross       *big.Int     // total liquidity referencing this tick
	LiquidityNet         *big.Int     // added when crossed left to right
	FeeGrowthOutsideX128 *uint256.Int // growth on the other side of the tick from the current price
	FundingOutside       FundingGrowth
}

func (t *TickInfo) clone() *TickInfo {
	return &TickInfo{
		LiquidityGross:       new(big.Int).Set(t.LiquidityGross),
		LiquidityNet:         new(big.Int).Set(t.LiquidityNet),
		FeeGrowthOutsideX128: t.FeeGrowthOutsideX128.Clone(),
		FundingOutside:       t.FundingOutside.Clone(),
	}
}

// Pool is the state of one market's virtual pool.
// Not thread-safe: only accessed from the single-threaded core.
type Pool struct {
	Market              string
	SqrtPriceX96        *big.Int
	Tick                int32
	Liquidity           *big.Int
	FeeGrowthGlobalX128 *uint256.Int
	FundingGlobal       FundingGrowth
	TickSpacing         int32

	ticks       map[int32]*TickInfo
	initialized *btree.BTreeG[int32]
}

func NewPool(marketID string, sqrtPriceX96 *big.Int, tickSpacing int32) (*Pool, error) {
	if marketID == "" {
		return nil, errs.Invalid("market id is empty")
	}
	if tickSpacing <= 0 {
		return nil, errs.Invalid("tick spacing must be positive, got %d", tickSpacing)
	}
	tick, err := fpmath.TickAtSqrtRatio(sqrtPriceX96)
	if err != nil {
		return nil, err
	}

	return &Pool{
		Market:              marketID,
		SqrtPriceX96:        new(big.Int).Set(sqrtPriceX96),
		Tick:                tick,
		Liquidity:           new(big.Int),
		FeeGrowthGlobalX128: new(uint256.Int),
		FundingGlobal:       NewFundingGrowth(),
		TickSpacing:         tickSpacing,
		ticks:               make(map[int32]*TickInfo),
		initialized:         newTickTree(),
	}, nil
}

func newTickTree() *btree.BTreeG[int32] {
	return btree.NewG(tickTreeDegree, func(a, b int32) bool { return a < b })
}

// Clone deep-copies the pool. The tick index is copy-on-write.
func (p *Pool) Clone() *Pool {
	ticks := make(map[int32]*TickInfo, len(p.ticks))
	for idx, info := range p.ticks {
		ticks[idx] = info.clone()
	}
	return &Pool{
		Market:              p.Market,
		SqrtPriceX96:        new(big.Int).Set(p.SqrtPriceX96),
		Tick:                p.Tick,
		Liquidity:           new(big.Int).Set(p.Liquidity),
		FeeGrowthGlobalX128: p.FeeGrowthGlobalX128.Clone(),
		FundingGlobal:       p.FundingGlobal.Clone(),
		TickSpacing:         p.TickSpacing,
		ticks:               ticks,
		initialized:         p.initialized.Clone(),
	}
}

// GetTick returns a copy of the tick's state.
func (p *Pool) GetTick(tick int32) (TickInfo, bool) {
	info, ok := p.ticks[tick]
	if !ok {
		return TickInfo{}, false
	}
	return *info.clone(), true
}

// InitializedTicks returns all ticks with liquidity, ascending.
func (p *Pool) InitializedTicks() []int32 {
	out := make([]int32, 0, p.initialized.Len())
	p.initialized.Ascend(func(t int32) bool {
		out = append(out, t)
		return true
	})
	return out
}

// NextInitializedTick finds the next tick to cross. With lte it returns the
// greatest initialized tick <= tick, otherwise the smallest one > tick.
// When none exists it returns the range bound and false.
func (p *Pool) NextInitializedTick(tick int32, lte bool) (int32, bool) {
	next, found := fpmath.MaxTick, false
	if lte {
		next = fpmath.MinTick
		p.initialized.DescendLessOrEqual(tick, func(t int32) bool {
			next, found = t, true
			return false
		})
		return next, found
	}
	if tick >= fpmath.MaxTick {
		return fpmath.MaxTick, false
	}
	p.initialized.AscendGreaterOrEqual(tick+1, func(t int32) bool {
		next, found = t, true
		return false
	})
	return next, found
}

// UpdatePosition applies a liquidity delta to [lower, upper): updates both
// ticks and, when the range holds the current price, active liquidity.
// Validates everything before mutating.
func (p *Pool) UpdatePosition(lower, upper int32, liquidityDelta *big.Int) error {
	if err := fpmath.ValidateRange(lower, upper, p.TickSpacing); err != nil {
		return err
	}
	if liquidityDelta.Sign() == 0 {
		return nil
	}

	lowerGross, err := fpmath.AddLiquidityDelta(p.grossAt(lower), liquidityDelta)
	if err != nil {
		return fmt.Errorf("tick %d: %w", lower, err)
	}
	upperGross, err := fpmath.AddLiquidityDelta(p.grossAt(upper), liquidityDelta)
	if err != nil {
		return fmt.Errorf("tick %d: %w", upper, err)
	}

	active := p.Liquidity
	inRange := p.Tick >= lower && p.Tick < upper
	if inRange {
		active, err = fpmath.AddLiquidityDelta(p.Liquidity, liquidityDelta)
		if err != nil {
			return fmt.Errorf("active liquidity: %w", err)
		}
	}

	p.updateTick(lower, lowerGross, liquidityDelta, false)
	p.updateTick(upper, upperGross, liquidityDelta, true)
	p.Liquidity = active
	return nil
}

func (p *Pool) grossAt(tick int32) *big.Int {
	if info, ok := p.ticks[tick]; ok {
		return info.LiquidityGross
	}
	return new(big.Int)
}

func (p *Pool) updateTick(tick int32, grossAfter, delta *big.Int, isUpper bool) {
	info, ok := p.ticks[tick]
	if !ok {
		info = &TickInfo{
			LiquidityGross:       new(big.Int),
			LiquidityNet:         new(big.Int),
			FeeGrowthOutsideX128: new(uint256.Int),
			FundingOutside:       NewFundingGrowth(),
		}
		// by convention all growth before initialization happened below the tick
		if tick <= p.Tick {
			info.FeeGrowthOutsideX128.Set(p.FeeGrowthGlobalX128)
			info.FundingOutside = p.FundingGlobal.Clone()
		}
		p.ticks[tick] = info
		p.initialized.ReplaceOrInsert(tick)
	}

	if grossAfter.Sign() == 0 {
		delete(p.ticks, tick)
		p.initialized.Delete(tick)
		return
	}

	info.LiquidityGross = grossAfter
	if isUpper {
		info.LiquidityNet = new(big.Int).Sub(info.LiquidityNet, delta)
	} else {
		info.LiquidityNet = new(big.Int).Add(info.LiquidityNet, delta)
	}
}

// CrossTick flips the tick's outside accumulators and returns its liquidityNet.
func (p *Pool) CrossTick(tick int32) *big.Int {
	info, ok := p.ticks[tick]
	if !ok {
		return new(big.Int)
	}
	info.FeeGrowthOutsideX128 = new(uint256.Int).Sub(p.FeeGrowthGlobalX128, info.FeeGrowthOutsideX128)
	info.FundingOutside = p.FundingGlobal.Sub(info.FundingOutside)
	return new(big.Int).Set(info.LiquidityNet)
}

// AccrueFee adds fee per unit of active liquidity to the global accumulator.
// Fee earned while no liquidity is active is not accrued.
func (p *Pool) AccrueFee(fee *big.Int) {
	if fee.Sign() <= 0 || p.Liquidity.Sign() == 0 {
		return
	}
	delta := fpmath.FeeGrowthDelta(fee, p.Liquidity)
	p.FeeGrowthGlobalX128 = new(uint256.Int).Add(p.FeeGrowthGlobalX128, delta)
}

// FeeGrowthInside returns the current growth inside [lower, upper).
func (p *Pool) FeeGrowthInside(lower, upper int32) *uint256.Int {
	zero := new(uint256.Int)
	lowerOutside, upperOutside := zero, zero
	if info, ok := p.ticks[lower]; ok {
		lowerOutside = info.FeeGrowthOutsideX128
	}
	if info, ok := p.ticks[upper]; ok {
		upperOutside = info.FeeGrowthOutsideX128
	}
	return fpmath.FeeGrowthInside(lowerOutside, upperOutside, p.FeeGrowthGlobalX128, lower, upper, p.Tick)
}

// AmountsForLiquidity values liquidity in [lower, upper) at the current price.
func (p *Pool) AmountsForLiquidity(lower, upper int32, liquidity *big.Int, roundUp bool) (base, quote *big.Int, err error) {
	sqrtLower, err := fpmath.SqrtRatioAtTick(lower)
	if err != nil {
		return nil, nil, err
	}
	sqrtUpper, err := fpmath.SqrtRatioAtTick(upper)
	if err != nil {
		return nil, nil, err
	}
	base, quote = fpmath.AmountsForLiquidity(p.SqrtPriceX96, sqrtLower, sqrtUpper, liquidity, roundUp)
	return base, quote, nil
}

// MarkPriceX18 is the pool's spot price, quote per base with 18 decimals.
func (p *Pool) MarkPriceX18() *big.Int {
	return fpmath.PriceX18FromSqrtPriceX96(p.SqrtPriceX96)
}

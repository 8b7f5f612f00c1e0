package market_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpClearing/internal/errs"
	"PerpClearing/internal/market"
	fpmath "PerpClearing/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T) *market.Pool {
	t.Helper()
	p, err := market.NewPool("ETH-USD", new(big.Int).Set(fpmath.Q96), 10)
	require.NoError(t, err)
	return p
}

// ===== Test: NewPool validation =====

func TestNewPool_Validation(t *testing.T) {
	_, err := market.NewPool("", fpmath.Q96, 10)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = market.NewPool("ETH-USD", fpmath.Q96, 0)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = market.NewPool("ETH-USD", big.NewInt(1), 10)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	p, err := market.NewPool("ETH-USD", fpmath.Q96, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(0), p.Tick)
	assert.Equal(t, 0, p.Liquidity.Sign())
}

// ===== Test: Active liquidity only counts ranges holding the price =====

func TestUpdatePosition_ActiveLiquidity(t *testing.T) {
	p := newPool(t)
	l := big.NewInt(1_000_000)

	require.NoError(t, p.UpdatePosition(-100, 100, l))
	assert.Equal(t, l.String(), p.Liquidity.String())

	require.NoError(t, p.UpdatePosition(100, 200, l))
	assert.Equal(t, l.String(), p.Liquidity.String(), "range above price is inactive")

	// lower bound inclusive
	require.NoError(t, p.UpdatePosition(0, 50, l))
	assert.Equal(t, "2000000", p.Liquidity.String())

	assert.Equal(t, []int32{-100, 0, 50, 100, 200}, p.InitializedTicks())

	// tick 100 is the upper of one range and the lower of another
	info, ok := p.GetTick(100)
	require.True(t, ok)
	assert.Equal(t, "2000000", info.LiquidityGross.String())
	assert.Equal(t, "0", info.LiquidityNet.String())
}

// ===== Test: Burning everything clears ticks =====

func TestUpdatePosition_BurnClearsTicks(t *testing.T) {
	p := newPool(t)
	l := big.NewInt(5_000)

	require.NoError(t, p.UpdatePosition(-20, 20, l))
	require.NoError(t, p.UpdatePosition(-20, 20, new(big.Int).Neg(l)))

	assert.Empty(t, p.InitializedTicks())
	assert.Equal(t, 0, p.Liquidity.Sign())
	_, ok := p.GetTick(-20)
	assert.False(t, ok)
}

// ===== Test: Over-burn fails without touching state =====

func TestUpdatePosition_OverBurnIsAtomic(t *testing.T) {
	p := newPool(t)
	require.NoError(t, p.UpdatePosition(-20, 20, big.NewInt(100)))
	before := p.Export()

	err := p.UpdatePosition(-20, 20, big.NewInt(-101))
	assert.True(t, errors.Is(err, errs.ErrInsufficientLiquidity))
	assert.Equal(t, before, p.Export())

	err = p.UpdatePosition(-25, 20, big.NewInt(10))
	assert.True(t, errors.Is(err, errs.ErrInvalidInput), "misaligned tick")
	assert.Equal(t, before, p.Export())
}

// ===== Test: Next initialized tick lookup =====

func TestNextInitializedTick(t *testing.T) {
	p := newPool(t)
	require.NoError(t, p.UpdatePosition(-100, 100, big.NewInt(1)))
	require.NoError(t, p.UpdatePosition(0, 300, big.NewInt(1)))

	tests := []struct {
		tick      int32
		lte       bool
		wantTick  int32
		wantFound bool
	}{
		{0, true, 0, true},
		{-1, true, -100, true},
		{-101, true, fpmath.MinTick, false},
		{0, false, 100, true},
		{-100, false, 0, true},
		{100, false, 300, true},
		{300, false, fpmath.MaxTick, false},
	}
	for _, tc := range tests {
		got, found := p.NextInitializedTick(tc.tick, tc.lte)
		assert.Equal(t, tc.wantTick, got, "tick=%d lte=%v", tc.tick, tc.lte)
		assert.Equal(t, tc.wantFound, found, "tick=%d lte=%v", tc.tick, tc.lte)
	}
}

// ===== Test: Fee growth outside initialization and crossing =====

func TestFeeGrowthOutside_InitAndCross(t *testing.T) {
	p := newPool(t)
	require.NoError(t, p.UpdatePosition(-1000, 1000, big.NewInt(1_000)))

	// 1000 quote over 1000 liquidity = 1 per unit
	p.AccrueFee(big.NewInt(1_000))
	global := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	assert.Equal(t, global.Dec(), p.FeeGrowthGlobalX128.Dec())

	require.NoError(t, p.UpdatePosition(-10, 10, big.NewInt(1)))
	lower, _ := p.GetTick(-10)
	upper, _ := p.GetTick(10)
	assert.Equal(t, global.Dec(), lower.FeeGrowthOutsideX128.Dec(), "tick at or below price starts with global")
	assert.True(t, upper.FeeGrowthOutsideX128.IsZero(), "tick above price starts at zero")

	// nothing has accrued inside the new range yet
	assert.True(t, p.FeeGrowthInside(-10, 10).IsZero())

	net := p.CrossTick(10)
	assert.Equal(t, "-1", net.String())
	upper, _ = p.GetTick(10)
	assert.Equal(t, global.Dec(), upper.FeeGrowthOutsideX128.Dec())
}

// ===== Test: Funding accumulators initialize and flip like fee growth =====

func TestFundingOutside_InitAndCross(t *testing.T) {
	p := newPool(t)
	require.NoError(t, p.UpdatePosition(-1000, 1000, big.NewInt(1_000)))

	// at price 1 the per-sqrt accumulator is the premium scaled by 2^96
	p.AccrueFunding(big.NewInt(100))
	p.AccrueFunding(nil)
	p.AccrueFunding(new(big.Int))
	assert.Equal(t, "100", p.FundingGlobal.PremiumX18.String())
	assert.Equal(t, new(big.Int).Mul(big.NewInt(100), fpmath.Q96).String(), p.FundingGlobal.PremiumPerSqrtX96.String())

	require.NoError(t, p.UpdatePosition(-10, 10, big.NewInt(1)))
	lower, _ := p.GetTick(-10)
	upper, _ := p.GetTick(10)
	assert.Equal(t, p.FundingGlobal.Export(), lower.FundingOutside.Export(), "tick at or below price starts with global")
	assert.Equal(t, "0", upper.FundingOutside.PremiumX18.String(), "tick above price starts at zero")

	r := p.FundingRange(-10, 10)
	assert.Equal(t, "0", r.Inside.PremiumX18.String(), "nothing accrued inside the new range yet")
	assert.Equal(t, "0", r.Inside.PremiumPerSqrtX96.String())
	assert.Equal(t, "100", r.BelowX18.String())
	assert.Equal(t, "100", r.GlobalX18.String())

	// a negative premium accrues inside the active range
	p.AccrueFunding(big.NewInt(-40))
	r = p.FundingRange(-10, 10)
	assert.Equal(t, "-40", r.Inside.PremiumX18.String())
	assert.Equal(t, new(big.Int).Mul(big.NewInt(-40), fpmath.Q96).String(), r.Inside.PremiumPerSqrtX96.String())
	assert.Equal(t, "100", r.BelowX18.String())

	// a range above the price accrues nothing and sees all growth below it
	above := p.FundingRange(500, 900)
	assert.Equal(t, "0", above.Inside.PremiumX18.String())
	assert.Equal(t, "60", above.BelowX18.String())

	p.CrossTick(10)
	upper, _ = p.GetTick(10)
	assert.Equal(t, "60", upper.FundingOutside.PremiumX18.String())
	assert.Equal(t, p.FundingGlobal.PremiumPerSqrtX96.String(), upper.FundingOutside.PremiumPerSqrtX96.String())
}

// ===== Test: Fee accrual with zero liquidity is dropped =====

func TestAccrueFee_NoLiquidity(t *testing.T) {
	p := newPool(t)
	p.AccrueFee(big.NewInt(1_000))
	assert.True(t, p.FeeGrowthGlobalX128.IsZero())
}

// ===== Test: Clone is independent =====

func TestClone_Independent(t *testing.T) {
	p := newPool(t)
	require.NoError(t, p.UpdatePosition(-100, 100, big.NewInt(50)))
	c := p.Clone()

	require.NoError(t, c.UpdatePosition(-200, 200, big.NewInt(50)))
	c.AccrueFee(big.NewInt(10))
	c.AccrueFunding(big.NewInt(10))
	c.CrossTick(100)

	assert.Equal(t, []int32{-100, 100}, p.InitializedTicks())
	assert.Equal(t, "50", p.Liquidity.String())
	assert.True(t, p.FeeGrowthGlobalX128.IsZero())
	info, _ := p.GetTick(100)
	assert.True(t, info.FeeGrowthOutsideX128.IsZero())
	assert.Equal(t, "0", p.FundingGlobal.PremiumX18.String())
	assert.Equal(t, "0", info.FundingOutside.PremiumX18.String())
}

// ===== Test: Export/Import round trip =====

func TestExportImport(t *testing.T) {
	p := newPool(t)
	require.NoError(t, p.UpdatePosition(-100, 100, big.NewInt(777)))
	require.NoError(t, p.UpdatePosition(50, 150, big.NewInt(3)))
	p.AccrueFee(big.NewInt(12345))
	p.AccrueFunding(big.NewInt(-678))

	restored, err := market.ImportPool(p.Export())
	require.NoError(t, err)
	assert.Equal(t, p.Export(), restored.Export())

	got, found := restored.NextInitializedTick(60, false)
	assert.True(t, found)
	assert.Equal(t, int32(100), got)
}

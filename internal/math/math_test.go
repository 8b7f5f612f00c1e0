package math_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpClearing/internal/errs"
	fpmath "PerpClearing/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func e18(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), fpmath.One18)
}

// ============================================================================
// Test: tick math
// ============================================================================

func TestSqrtRatioAtTick_Bounds(t *testing.T) {
	zero, err := fpmath.SqrtRatioAtTick(0)
	require.NoError(t, err)
	assert.Equal(t, 0, zero.Cmp(fpmath.Q96))

	lo, err := fpmath.SqrtRatioAtTick(fpmath.MinTick)
	require.NoError(t, err)
	assert.Equal(t, fpmath.MinSqrtRatio.String(), lo.String())

	hi, err := fpmath.SqrtRatioAtTick(fpmath.MaxTick)
	require.NoError(t, err)
	assert.Equal(t, fpmath.MaxSqrtRatio.String(), hi.String())

	_, err = fpmath.SqrtRatioAtTick(fpmath.MaxTick + 1)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

func TestSqrtRatioAtTick_Monotonic(t *testing.T) {
	prev, _ := fpmath.SqrtRatioAtTick(-1000)
	for tick := int32(-999); tick <= 1000; tick += 37 {
		cur, err := fpmath.SqrtRatioAtTick(tick)
		require.NoError(t, err)
		assert.Equal(t, 1, cur.Cmp(prev), "tick %d", tick)
		prev = cur
	}
}

func TestTickAtSqrtRatio_RoundTrip(t *testing.T) {
	for _, tick := range []int32{fpmath.MinTick, -100000, -23028, -1, 0, 1, 60, 23027, 100000, fpmath.MaxTick - 1} {
		ratio, err := fpmath.SqrtRatioAtTick(tick)
		require.NoError(t, err)

		got, err := fpmath.TickAtSqrtRatio(ratio)
		require.NoError(t, err)
		assert.Equal(t, tick, got)

		if tick > fpmath.MinTick {
			below, err := fpmath.TickAtSqrtRatio(new(big.Int).Sub(ratio, big.NewInt(1)))
			require.NoError(t, err)
			assert.Equal(t, tick-1, below)
		}
	}
}

func TestTickAtSqrtRatio_OutOfRange(t *testing.T) {
	_, err := fpmath.TickAtSqrtRatio(fpmath.MaxSqrtRatio)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = fpmath.TickAtSqrtRatio(big.NewInt(1))
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

func TestValidateRange(t *testing.T) {
	assert.NoError(t, fpmath.ValidateRange(-60, 60, 60))
	assert.Error(t, fpmath.ValidateRange(60, 60, 60))
	assert.Error(t, fpmath.ValidateRange(-61, 60, 60))
	assert.Error(t, fpmath.ValidateRange(fpmath.MinTick-60, 0, 1))
}

// ============================================================================
// Test: price conversions and fixed point
// ============================================================================

func TestPriceConversion(t *testing.T) {
	sqrt, err := fpmath.SqrtPriceX96FromPriceX18(fpmath.One18)
	require.NoError(t, err)
	assert.Equal(t, 0, sqrt.Cmp(fpmath.Q96))
	assert.Equal(t, fpmath.One18.String(), fpmath.PriceX18FromSqrtPriceX96(sqrt).String())

	sqrt10, err := fpmath.SqrtPriceX96FromPriceX18(e18(10))
	require.NoError(t, err)
	back := fpmath.PriceX18FromSqrtPriceX96(sqrt10)
	diff := new(big.Int).Sub(e18(10), back)
	assert.True(t, diff.Sign() >= 0 && diff.Cmp(big.NewInt(2)) <= 0, "diff %s", diff)

	_, err = fpmath.SqrtPriceX96FromPriceX18(big.NewInt(0))
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

func TestDiv_RoundingModes(t *testing.T) {
	cases := []struct {
		num, den int64
		mode     fpmath.RoundingMode
		want     int64
	}{
		{7, 2, fpmath.RoundDown, 3},
		{7, 2, fpmath.RoundUp, 4},
		{7, 2, fpmath.RoundHalfEven, 4},
		{5, 2, fpmath.RoundHalfEven, 2},
		{-7, 2, fpmath.RoundDown, -4},
		{-7, 2, fpmath.RoundUp, -3},
		{-7, 2, fpmath.RoundTowardZero, -3},
		{-7, 2, fpmath.RoundHalfEven, -4},
		{-5, 2, fpmath.RoundHalfEven, -2},
		{6, 3, fpmath.RoundUp, 2},
	}
	for _, c := range cases {
		got := fpmath.Div(big.NewInt(c.num), big.NewInt(c.den), c.mode)
		assert.Equal(t, c.want, got.Int64(), "%d/%d mode=%d", c.num, c.den, c.mode)
	}
}

func TestCollateralConversion(t *testing.T) {
	assert.Equal(t, e18(5).String(), fpmath.CollateralToAmount(5_000_000).String())

	c, err := fpmath.AmountToCollateral(big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(0), c, "credits round down")

	c, err = fpmath.AmountToCollateral(big.NewInt(-1))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), c, "debits round away from zero")

	huge := new(big.Int).Lsh(big.NewInt(1), 200)
	_, err = fpmath.AmountToCollateral(huge)
	assert.True(t, errors.Is(err, errs.ErrNumericOverflow))
}

// ============================================================================
// Test: amount and liquidity math
// ============================================================================

func TestAmountDeltas_RoundUpNeverBelowRoundDown(t *testing.T) {
	a := fpmath.MustSqrtRatioAtTick(-6000)
	b := fpmath.MustSqrtRatioAtTick(6000)
	liquidity := e18(1234)

	down0 := fpmath.Amount0Delta(a, b, liquidity, false)
	up0 := fpmath.Amount0Delta(a, b, liquidity, true)
	d := new(big.Int).Sub(up0, down0)
	assert.True(t, d.Sign() >= 0 && d.Cmp(big.NewInt(1)) <= 0)

	down1 := fpmath.Amount1Delta(b, a, liquidity, false)
	up1 := fpmath.Amount1Delta(b, a, liquidity, true)
	d = new(big.Int).Sub(up1, down1)
	assert.True(t, d.Sign() >= 0 && d.Cmp(big.NewInt(1)) <= 0)
}

func TestLiquidityForAmounts_FitsDesired(t *testing.T) {
	price := fpmath.MustSqrtRatioAtTick(23027) // ~10 quote per base
	lower := fpmath.MustSqrtRatioAtTick(0)
	upper := fpmath.MustSqrtRatioAtTick(46020)

	baseDesired, quoteDesired := e18(100), e18(1000)
	liquidity := fpmath.LiquidityForAmounts(price, lower, upper, baseDesired, quoteDesired)
	require.True(t, liquidity.Sign() > 0)

	base, quote := fpmath.AmountsForLiquidity(price, lower, upper, liquidity, true)
	assert.True(t, base.Cmp(baseDesired) <= 0, "base %s", base)
	assert.True(t, quote.Cmp(quoteDesired) <= 0, "quote %s", quote)

	// below the range only base is needed
	base, quote = fpmath.AmountsForLiquidity(fpmath.MustSqrtRatioAtTick(-10), lower, upper, liquidity, true)
	assert.True(t, base.Sign() > 0)
	assert.Equal(t, 0, quote.Sign())
}

func TestAddLiquidityDelta(t *testing.T) {
	got, err := fpmath.AddLiquidityDelta(big.NewInt(10), big.NewInt(-4))
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.Int64())

	_, err = fpmath.AddLiquidityDelta(big.NewInt(10), big.NewInt(-11))
	assert.True(t, errors.Is(err, errs.ErrInsufficientLiquidity))

	_, err = fpmath.AddLiquidityDelta(fpmath.MaxUint128, big.NewInt(1))
	assert.True(t, errors.Is(err, errs.ErrNumericOverflow))
}

// ============================================================================
// Test: swap step
// ============================================================================

func TestComputeSwapStep_QuoteInPartialConsumesAll(t *testing.T) {
	cur := fpmath.MustSqrtRatioAtTick(0)
	target := fpmath.MustSqrtRatioAtTick(1000)
	liquidity := e18(1_000_000)
	remaining := e18(1)

	step, err := fpmath.ComputeSwapStep(cur, target, liquidity, remaining, 3000, false, true)
	require.NoError(t, err)

	assert.Equal(t, remaining.String(), step.Specified.String())
	assert.True(t, step.SqrtPriceNextX96.Cmp(cur) > 0)
	assert.True(t, step.SqrtPriceNextX96.Cmp(target) < 0)
	assert.True(t, step.FeeAmount.Sign() > 0)
	// fee is at least 0.3% of the input
	minFee := fpmath.MulRatio(remaining, 3000, fpmath.RoundDown)
	assert.True(t, step.FeeAmount.Cmp(minFee) >= 0)
}

func TestComputeSwapStep_BaseInFeeOnOutput(t *testing.T) {
	cur := fpmath.MustSqrtRatioAtTick(0)
	target := fpmath.MustSqrtRatioAtTick(-1000)
	liquidity := e18(1_000_000)

	step, err := fpmath.ComputeSwapStep(cur, target, liquidity, e18(1), 3000, true, true)
	require.NoError(t, err)

	assert.Equal(t, e18(1).String(), step.Specified.String())
	sum := new(big.Int).Add(step.Calculated, step.FeeAmount)
	assert.Equal(t, step.AmountOut.String(), sum.String())
	assert.True(t, step.SqrtPriceNextX96.Cmp(cur) < 0)
}

func TestComputeSwapStep_ReachesTarget(t *testing.T) {
	cur := fpmath.MustSqrtRatioAtTick(0)
	target := fpmath.MustSqrtRatioAtTick(10)
	liquidity := e18(1)

	step, err := fpmath.ComputeSwapStep(cur, target, liquidity, e18(1_000_000), 0, false, true)
	require.NoError(t, err)
	assert.Equal(t, target.String(), step.SqrtPriceNextX96.String())
	assert.Equal(t, step.AmountIn.String(), step.Specified.String())
	assert.Equal(t, 0, step.FeeAmount.Sign())
}

func TestComputeSwapStep_ExactOutQuoteNetOfFee(t *testing.T) {
	cur := fpmath.MustSqrtRatioAtTick(0)
	target := fpmath.MustSqrtRatioAtTick(-5000)
	liquidity := e18(1_000_000)
	want := e18(2)

	step, err := fpmath.ComputeSwapStep(cur, target, liquidity, want, 3000, true, false)
	require.NoError(t, err)
	assert.Equal(t, want.String(), step.Specified.String())
	gross := new(big.Int).Add(step.Specified, step.FeeAmount)
	assert.Equal(t, step.AmountOut.String(), gross.String())
}

func TestComputeSwapStep_ZeroLiquidityJumpsToTarget(t *testing.T) {
	cur := fpmath.MustSqrtRatioAtTick(0)
	target := fpmath.MustSqrtRatioAtTick(600)

	step, err := fpmath.ComputeSwapStep(cur, target, new(big.Int), e18(5), 3000, false, true)
	require.NoError(t, err)
	assert.Equal(t, target.String(), step.SqrtPriceNextX96.String())
	assert.Equal(t, 0, step.Specified.Sign())
	assert.Equal(t, 0, step.Calculated.Sign())
}

// ============================================================================
// Test: fee growth
// ============================================================================

func TestFeesOwed_WrapsAround(t *testing.T) {
	last := new(uint256.Int).Sub(new(uint256.Int), uint256.NewInt(2)) // 2^256 - 2
	now := uint256.NewInt(3)

	owed := fpmath.FeesOwed(now, last, fpmath.Q128)
	assert.Equal(t, int64(5), owed.Int64())
}

func TestFeeGrowthInside_ThreeRegions(t *testing.T) {
	global := uint256.NewInt(1000)
	lowerOutside := uint256.NewInt(100)
	upperOutside := uint256.NewInt(300)

	// current tick inside the range
	inside := fpmath.FeeGrowthInside(lowerOutside, upperOutside, global, -10, 10, 0)
	assert.Equal(t, uint64(600), inside.Uint64())

	// below: inside = lowerOutside - upperOutside, wrapping
	below := fpmath.FeeGrowthInside(uint256.NewInt(400), uint256.NewInt(300), global, -10, 10, -20)
	assert.Equal(t, uint64(100), below.Uint64())

	// above: inside = upperOutside - lowerOutside
	above := fpmath.FeeGrowthInside(uint256.NewInt(300), uint256.NewInt(700), global, -10, 10, 20)
	assert.Equal(t, uint64(400), above.Uint64())
}

func TestFeeGrowthDelta(t *testing.T) {
	d := fpmath.FeeGrowthDelta(big.NewInt(7), fpmath.Q128)
	assert.Equal(t, uint64(7), d.Uint64())
	assert.True(t, fpmath.FeeGrowthDelta(big.NewInt(7), new(big.Int)).IsZero())

	s := fpmath.FeeGrowthString(d)
	back, err := fpmath.ParseFeeGrowth(s)
	require.NoError(t, err)
	assert.True(t, back.Eq(d))
}

package math

import (
	"math/big"

	"PerpClearing/internal/errs"
)

const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var (
	// SqrtRatioAtTick(MinTick) and SqrtRatioAtTick(MaxTick)
	MinSqrtRatio = big.NewInt(4295128739)
	MaxSqrtRatio = mustBig("1461446703485210103287273052203988822378723970342")
)

// tickRatios[i] is 1/sqrt(1.0001)^(2^i) as Q128.128.
var tickRatios = []*big.Int{
	mustHex("fffcb933bd6fad37aa2d162d1a594001"),
	mustHex("fff97272373d413259a46990580e213a"),
	mustHex("fff2e50f5f656932ef12357cf3c7fdcc"),
	mustHex("ffe5caca7e10e4e61c3624eaa0941cd0"),
	mustHex("ffcb9843d60f6159c9db58835c926644"),
	mustHex("ff973b41fa98c081472e6896dfb254c0"),
	mustHex("ff2ea16466c96a3843ec78b326b52861"),
	mustHex("fe5dee046a99a2a811c461f1969c3053"),
	mustHex("fcbe86c7900a88aedcffc83b479aa3a4"),
	mustHex("f987a7253ac413176f2b074cf7815e54"),
	mustHex("f3392b0822b70005940c7a398e4b70f3"),
	mustHex("e7159475a2c29b7443b29c7fa6e889d9"),
	mustHex("d097f3bdfd2022b8845ad8f792aa5825"),
	mustHex("a9f746462d870fdf8a65dc1f90e061e5"),
	mustHex("70d869a156d2a1b890bb3df62baf32f7"),
	mustHex("31be135f97d08fd981231505542fcfa6"),
	mustHex("9aa508b5b7a84e1c677de54f3e99bc9"),
	mustHex("5d6af8dedb81196699c329225ee604"),
	mustHex("2216e584f5fa1ea926041bedfe98"),
	mustHex("48a170391f7dc42444e8fa2"),
}

// SqrtRatioAtTick returns sqrt(1.0001^tick) as Q64.96, rounded up.
func SqrtRatioAtTick(tick int32) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, errs.Invalid("tick %d out of range", tick)
	}

	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(big.Int).Set(Q128)
	for i, r := range tickRatios {
		if absTick&(1<<uint(i)) == 0 {
			continue
		}
		ratio.Mul(ratio, r)
		ratio.Rsh(ratio, 128)
	}

	if tick > 0 {
		ratio.Quo(MaxUint256, ratio)
	}

	// Q128.128 -> Q64.96, rounding up so TickAtSqrtRatio stays consistent
	rem := new(big.Int).And(ratio, big.NewInt(0xffffffff))
	ratio.Rsh(ratio, 32)
	if rem.Sign() != 0 {
		ratio.Add(ratio, big.NewInt(1))
	}
	return ratio, nil
}

// MustSqrtRatioAtTick panics on an out-of-range tick. Only for ticks already validated.
func MustSqrtRatioAtTick(tick int32) *big.Int {
	r, err := SqrtRatioAtTick(tick)
	if err != nil {
		panic(err)
	}
	return r
}

// TickAtSqrtRatio returns the greatest tick whose ratio is <= sqrtPriceX96.
func TickAtSqrtRatio(sqrtPriceX96 *big.Int) (int32, error) {
	if sqrtPriceX96.Cmp(MinSqrtRatio) < 0 || sqrtPriceX96.Cmp(MaxSqrtRatio) >= 0 {
		return 0, errs.Invalid("sqrt price %s out of range", sqrtPriceX96.String())
	}

	lo, hi := MinTick, MaxTick
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if MustSqrtRatioAtTick(mid).Cmp(sqrtPriceX96) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// ValidateRange checks lower < upper, both in bounds and aligned to spacing.
func ValidateRange(lower, upper int32, spacing int32) error {
	if lower >= upper {
		return errs.Invalid("lower tick %d must be below upper tick %d", lower, upper)
	}
	if lower < MinTick || upper > MaxTick {
		return errs.Invalid("tick range [%d, %d] out of bounds", lower, upper)
	}
	if spacing <= 0 {
		return errs.Invalid("tick spacing %d", spacing)
	}
	if lower%spacing != 0 || upper%spacing != 0 {
		return errs.Invalid("ticks [%d, %d] not aligned to spacing %d", lower, upper, spacing)
	}
	return nil
}

func mustHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("bad hex constant " + s)
	}
	return v
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad decimal constant " + s)
	}
	return v
}

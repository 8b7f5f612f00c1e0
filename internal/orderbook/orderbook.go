package orderbook

import (
	"fmt"
	"math/big"
	"sort"

	"PerpClearing/internal/errs"
	"PerpClearing/internal/market"
	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// PoolProvider gives access to live market pools.
type PoolProvider interface {
	Pool(marketID string) (*market.Pool, error)
}

type traderMarket struct {
	trader uuid.UUID
	market string
}

// OrderBook holds every open order.
// Not thread-safe: owned by the core's single goroutine.
type OrderBook struct {
	pools   PoolProvider
	orders  map[string]*OpenOrder
	byOwner map[traderMarket][]string // sorted order ids
}

func New(pools PoolProvider) *OrderBook {
	return &OrderBook{
		pools:   pools,
		orders:  make(map[string]*OpenOrder),
		byOwner: make(map[traderMarket][]string),
	}
}

type AddLiquidityParams struct {
	Trader    uuid.UUID
	Market    string
	LowerTick int32
	UpperTick int32
	Base      *big.Int // desired
	Quote     *big.Int // desired
	MinBase   *big.Int
	MinQuote  *big.Int
}

type AddLiquidityResult struct {
	OrderID   string
	Liquidity *big.Int
	Base      *big.Int
	Quote     *big.Int
	Fee       *big.Int // collected from the existing order, if any
}

// AddLiquidity mints liquidity into the trader's order for the range,
// creating the order if needed. Pending fee of an existing order is
// collected and its snapshot reset. Funding of an existing order must be
// settled first (SettleFunding): it is priced on the order's liquidity.
func (ob *OrderBook) AddLiquidity(p AddLiquidityParams) (*AddLiquidityResult, error) {
	pool, err := ob.pools.Pool(p.Market)
	if err != nil {
		return nil, err
	}
	if err := fpmath.ValidateRange(p.LowerTick, p.UpperTick, pool.TickSpacing); err != nil {
		return nil, err
	}
	desiredBase, desiredQuote := fpmath.Clone(p.Base), fpmath.Clone(p.Quote)
	if desiredBase.Sign() < 0 || desiredQuote.Sign() < 0 {
		return nil, errs.Invalid("negative liquidity amounts")
	}
	if desiredBase.Sign() == 0 && desiredQuote.Sign() == 0 {
		return nil, errs.Invalid("zero liquidity amounts")
	}

	sqrtLower := fpmath.MustSqrtRatioAtTick(p.LowerTick)
	sqrtUpper := fpmath.MustSqrtRatioAtTick(p.UpperTick)
	liquidity := fpmath.LiquidityForAmounts(pool.SqrtPriceX96, sqrtLower, sqrtUpper, desiredBase, desiredQuote)
	if liquidity.Sign() == 0 {
		return nil, errs.Invalid("amounts %s/%s mint no liquidity in [%d, %d]",
			desiredBase, desiredQuote, p.LowerTick, p.UpperTick)
	}
	if err := fpmath.CheckUint128(liquidity); err != nil {
		return nil, err
	}

	base, quote := fpmath.AmountsForLiquidity(pool.SqrtPriceX96, sqrtLower, sqrtUpper, liquidity, true)
	if err := checkMinimums(base, quote, p.MinBase, p.MinQuote); err != nil {
		return nil, err
	}

	id := OrderID(p.Trader, p.Market, p.LowerTick, p.UpperTick)
	order, exists := ob.orders[id]
	if exists {
		if _, err := fpmath.AddLiquidityDelta(order.Liquidity, liquidity); err != nil {
			return nil, err
		}
	}

	if err := pool.UpdatePosition(p.LowerTick, p.UpperTick, liquidity); err != nil {
		return nil, err
	}
	// after the update: fresh ticks get their outside values there
	inside := pool.FeeGrowthInside(p.LowerTick, p.UpperTick)

	fee := new(big.Int)
	if !exists {
		order = &OpenOrder{
			ID:          id,
			Trader:      p.Trader,
			Market:      p.Market,
			LowerTick:   p.LowerTick,
			UpperTick:   p.UpperTick,
			Liquidity:   new(big.Int),
			BaseDebt:    new(big.Int),
			QuoteDebt:   new(big.Int),
			FundingLast: pool.FundingRange(p.LowerTick, p.UpperTick),
		}
		ob.insert(order)
	} else {
		fee = fpmath.FeesOwed(inside, order.FeeGrowthInsideLastX128, order.Liquidity)
	}

	order.Liquidity = new(big.Int).Add(order.Liquidity, liquidity)
	order.FeeGrowthInsideLastX128 = inside
	order.BaseDebt = new(big.Int).Add(order.BaseDebt, base)
	order.QuoteDebt = new(big.Int).Add(order.QuoteDebt, quote)

	return &AddLiquidityResult{
		OrderID:   id,
		Liquidity: liquidity,
		Base:      base,
		Quote:     quote,
		Fee:       fee,
	}, nil
}

type RemoveLiquidityParams struct {
	Trader    uuid.UUID
	Market    string
	LowerTick int32
	UpperTick int32
	Liquidity *big.Int // zero collects fees only
	MinBase   *big.Int
	MinQuote  *big.Int
}

type RemoveLiquidityResult struct {
	OrderID   string
	Liquidity *big.Int // removed
	Base      *big.Int // returned
	Quote     *big.Int // returned
	Fee       *big.Int
	BaseDebt  *big.Int // deposit share released by this removal
	QuoteDebt *big.Int
	Closed    bool // order deleted
}

// RemoveLiquidity burns liquidity from the trader's order and collects its
// pending fee. The order is deleted when no liquidity remains. Funding must
// be settled first, as for AddLiquidity.
func (ob *OrderBook) RemoveLiquidity(p RemoveLiquidityParams) (*RemoveLiquidityResult, error) {
	pool, err := ob.pools.Pool(p.Market)
	if err != nil {
		return nil, err
	}
	if err := fpmath.ValidateRange(p.LowerTick, p.UpperTick, pool.TickSpacing); err != nil {
		return nil, err
	}
	liquidity := fpmath.Clone(p.Liquidity)
	if liquidity.Sign() < 0 {
		return nil, errs.Invalid("negative liquidity %s", liquidity)
	}

	id := OrderID(p.Trader, p.Market, p.LowerTick, p.UpperTick)
	order, ok := ob.orders[id]
	if !ok {
		if liquidity.Sign() > 0 {
			return nil, fmt.Errorf("%w: no open order in [%d, %d]", errs.ErrInsufficientLiquidity, p.LowerTick, p.UpperTick)
		}
		return nil, errs.Invalid("no open order in [%d, %d]", p.LowerTick, p.UpperTick)
	}
	if liquidity.Cmp(order.Liquidity) > 0 {
		return nil, fmt.Errorf("%w: removing %s from order holding %s", errs.ErrInsufficientLiquidity, liquidity, order.Liquidity)
	}

	// before the burn: the range's ticks may be cleared by it
	inside := pool.FeeGrowthInside(p.LowerTick, p.UpperTick)
	fee := fpmath.FeesOwed(inside, order.FeeGrowthInsideLastX128, order.Liquidity)

	base, quote, err := pool.AmountsForLiquidity(p.LowerTick, p.UpperTick, liquidity, false)
	if err != nil {
		return nil, err
	}
	if err := checkMinimums(base, quote, p.MinBase, p.MinQuote); err != nil {
		return nil, err
	}

	baseDebt := fpmath.MulDiv(order.BaseDebt, liquidity, order.Liquidity, fpmath.RoundDown)
	quoteDebt := fpmath.MulDiv(order.QuoteDebt, liquidity, order.Liquidity, fpmath.RoundDown)

	if err := pool.UpdatePosition(p.LowerTick, p.UpperTick, new(big.Int).Neg(liquidity)); err != nil {
		return nil, err
	}

	order.Liquidity = new(big.Int).Sub(order.Liquidity, liquidity)
	order.FeeGrowthInsideLastX128 = inside
	order.BaseDebt = new(big.Int).Sub(order.BaseDebt, baseDebt)
	order.QuoteDebt = new(big.Int).Sub(order.QuoteDebt, quoteDebt)

	closed := order.Liquidity.Sign() == 0
	if closed {
		ob.remove(order)
	}

	return &RemoveLiquidityResult{
		OrderID:   id,
		Liquidity: liquidity,
		Base:      base,
		Quote:     quote,
		Fee:       fee,
		BaseDebt:  baseDebt,
		QuoteDebt: quoteDebt,
		Closed:    closed,
	}, nil
}

func checkMinimums(base, quote, minBase, minQuote *big.Int) error {
	if minBase != nil && base.Cmp(minBase) < 0 {
		return fmt.Errorf("%w: base %s below minimum %s", errs.ErrSlippageExceeded, base, minBase)
	}
	if minQuote != nil && quote.Cmp(minQuote) < 0 {
		return fmt.Errorf("%w: quote %s below minimum %s", errs.ErrSlippageExceeded, quote, minQuote)
	}
	return nil
}

func (ob *OrderBook) insert(o *OpenOrder) {
	ob.orders[o.ID] = o
	key := traderMarket{o.Trader, o.Market}
	ids := append(ob.byOwner[key], o.ID)
	sort.Strings(ids)
	ob.byOwner[key] = ids
}

func (ob *OrderBook) remove(o *OpenOrder) {
	delete(ob.orders, o.ID)
	key := traderMarket{o.Trader, o.Market}
	ids := ob.byOwner[key]
	for i, id := range ids {
		if id == o.ID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(ob.byOwner, key)
		return
	}
	ob.byOwner[key] = ids
}

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

// GetOpenOrder returns a copy of the order.
func (ob *OrderBook) GetOpenOrder(id string) (*OpenOrder, bool) {
	o, ok := ob.orders[id]
	if !ok {
		return nil, false
	}
	return o.clone(), true
}

// GetOpenOrderIDs returns the trader's order ids in market, sorted.
func (ob *OrderBook) GetOpenOrderIDs(trader uuid.UUID, marketID string) []string {
	ids := ob.byOwner[traderMarket{trader, marketID}]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// HasOrders reports whether the trader has liquidity in market.
func (ob *OrderBook) HasOrders(trader uuid.UUID, marketID string) bool {
	return len(ob.byOwner[traderMarket{trader, marketID}]) > 0
}

// OrderCount is the number of open orders across all markets.
func (ob *OrderBook) OrderCount() int {
	return len(ob.orders)
}

// PendingFee is the fee the order has earned since its last touch.
func (ob *OrderBook) PendingFee(id string) (*big.Int, error) {
	o, ok := ob.orders[id]
	if !ok {
		return nil, errs.Invalid("unknown order %s", id)
	}
	pool, err := ob.pools.Pool(o.Market)
	if err != nil {
		return nil, err
	}
	inside := pool.FeeGrowthInside(o.LowerTick, o.UpperTick)
	return fpmath.FeesOwed(inside, o.FeeGrowthInsideLastX128, o.Liquidity), nil
}

// TotalPendingFee sums PendingFee over the trader's orders in market.
func (ob *OrderBook) TotalPendingFee(trader uuid.UUID, marketID string) (*big.Int, error) {
	total := new(big.Int)
	for _, id := range ob.byOwner[traderMarket{trader, marketID}] {
		fee, err := ob.PendingFee(id)
		if err != nil {
			return nil, err
		}
		total.Add(total, fee)
	}
	return total, nil
}

// ImpermanentPosition is what the trader's orders in market would add to the
// taker position if fully removed now: current reserves minus deposits.
func (ob *OrderBook) ImpermanentPosition(trader uuid.UUID, marketID string) (base, quote *big.Int, err error) {
	base, quote = new(big.Int), new(big.Int)
	ids := ob.byOwner[traderMarket{trader, marketID}]
	if len(ids) == 0 {
		return base, quote, nil
	}
	pool, err := ob.pools.Pool(marketID)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range ids {
		o := ob.orders[id]
		b, q, err := pool.AmountsForLiquidity(o.LowerTick, o.UpperTick, o.Liquidity, false)
		if err != nil {
			return nil, nil, fmt.Errorf("order %s: %w", id, err)
		}
		base.Add(base, b.Sub(b, o.BaseDebt))
		quote.Add(quote, q.Sub(q, o.QuoteDebt))
	}
	return base, quote, nil
}

// SettleFunding charges each of the trader's orders in market the funding
// on its base exposure since the order's last settlement and moves the
// snapshots forward. Returns the total, positive when the trader pays.
func (ob *OrderBook) SettleFunding(trader uuid.UUID, marketID string) (*big.Int, error) {
	total := new(big.Int)
	ids := ob.byOwner[traderMarket{trader, marketID}]
	if len(ids) == 0 {
		return total, nil
	}
	pool, err := ob.pools.Pool(marketID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		o := ob.orders[id]
		now := pool.FundingRange(o.LowerTick, o.UpperTick)
		total.Add(total, o.fundingPayment(now))
		o.FundingLast = now
	}
	return total, nil
}

// TotalOrderDebt sums the deposits of the trader's orders in market.
func (ob *OrderBook) TotalOrderDebt(trader uuid.UUID, marketID string) (base, quote *big.Int) {
	base, quote = new(big.Int), new(big.Int)
	for _, id := range ob.byOwner[traderMarket{trader, marketID}] {
		o := ob.orders[id]
		base.Add(base, o.BaseDebt)
		quote.Add(quote, o.QuoteDebt)
	}
	return base, quote
}

// Checkpoint captures the trader's orders in market. The returned function
// restores them.
func (ob *OrderBook) Checkpoint(trader uuid.UUID, marketID string) func() {
	key := traderMarket{trader, marketID}
	ids := append([]string(nil), ob.byOwner[key]...)
	saved := make([]*OpenOrder, 0, len(ids))
	for _, id := range ids {
		saved = append(saved, ob.orders[id].clone())
	}

	return func() {
		for _, id := range ob.byOwner[key] {
			delete(ob.orders, id)
		}
		delete(ob.byOwner, key)
		for _, o := range saved {
			ob.orders[o.ID] = o.clone()
		}
		if len(ids) > 0 {
			ob.byOwner[key] = append([]string(nil), ids...)
		}
	}
}

// Export returns all orders sorted by id.
func (ob *OrderBook) Export() []OrderState {
	out := make([]OrderState, 0, len(ob.orders))
	for _, o := range ob.orders {
		out = append(out, o.export())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Import replaces all orders with the snapshot contents.
func (ob *OrderBook) Import(states []OrderState) error {
	ob.orders = make(map[string]*OpenOrder, len(states))
	ob.byOwner = make(map[traderMarket][]string)
	for _, s := range states {
		o := &OpenOrder{
			ID:        s.ID,
			Trader:    s.Trader,
			Market:    s.Market,
			LowerTick: s.LowerTick,
			UpperTick: s.UpperTick,
		}
		var ok bool
		if o.Liquidity, ok = new(big.Int).SetString(s.Liquidity, 10); !ok {
			return fmt.Errorf("order %s: invalid liquidity %q", s.ID, s.Liquidity)
		}
		if o.BaseDebt, ok = new(big.Int).SetString(s.BaseDebt, 10); !ok {
			return fmt.Errorf("order %s: invalid base debt %q", s.ID, s.BaseDebt)
		}
		if o.QuoteDebt, ok = new(big.Int).SetString(s.QuoteDebt, 10); !ok {
			return fmt.Errorf("order %s: invalid quote debt %q", s.ID, s.QuoteDebt)
		}
		growth, err := fpmath.ParseFeeGrowth(s.FeeGrowthInsideLastX128)
		if err != nil {
			return fmt.Errorf("order %s: %w", s.ID, err)
		}
		o.FeeGrowthInsideLastX128 = growth
		inside, err := market.ImportFundingGrowth(s.FundingInsideLast)
		if err != nil {
			return fmt.Errorf("order %s: %w", s.ID, err)
		}
		o.FundingLast = market.FundingRange{Inside: inside}
		if o.FundingLast.BelowX18, ok = new(big.Int).SetString(s.FundingBelowLastX18, 10); !ok {
			return fmt.Errorf("order %s: invalid funding below %q", s.ID, s.FundingBelowLastX18)
		}
		if o.FundingLast.GlobalX18, ok = new(big.Int).SetString(s.FundingGlobalLastX18, 10); !ok {
			return fmt.Errorf("order %s: invalid funding global %q", s.ID, s.FundingGlobalLastX18)
		}
		if want := OrderID(o.Trader, o.Market, o.LowerTick, o.UpperTick); want != o.ID {
			return fmt.Errorf("order %s: id does not match its key (%s)", s.ID, want)
		}
		ob.insert(o)
	}
	return nil
}

// Package accountbalance tracks taker positions, cost basis and owed
// realized PnL per trader and market.
package accountbalance

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"PerpClearing/internal/errs"
	"PerpClearing/internal/exchange"
	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// AccountBalance manages position state and PnL realization.
// Not thread-safe: owned by the core's single goroutine.
type AccountBalance struct {
	accounts map[uuid.UUID]*Account

	// |size| at or below this is forced to zero
	dustThreshold *big.Int
}

func New(dustThreshold *big.Int) *AccountBalance {
	return &AccountBalance{
		accounts:      make(map[uuid.UUID]*Account),
		dustThreshold: fpmath.Abs(fpmath.Clone(dustThreshold)),
	}
}

func (ab *AccountBalance) account(trader uuid.UUID) *Account {
	acc, ok := ab.accounts[trader]
	if !ok {
		acc = newAccount(trader)
		ab.accounts[trader] = acc
	}
	return acc
}

func (ab *AccountBalance) position(trader uuid.UUID, marketID string) *Position {
	acc := ab.account(trader)
	pos, ok := acc.Positions[marketID]
	if !ok {
		pos = newPosition(trader, marketID)
		acc.Positions[marketID] = pos
	}
	return pos
}

func (ab *AccountBalance) lookup(trader uuid.UUID, marketID string) *Position {
	if acc, ok := ab.accounts[trader]; ok {
		return acc.Positions[marketID]
	}
	return nil
}

// SettleSwap applies a base/quote exchange to the position using average
// cost basis and returns the PnL it realized.
//
// Increasing (or opening) adds deltaQuote to open notional. Reducing realizes
// the closed fraction of open notional against deltaQuote. Flipping closes
// the whole position at the trade's average price and opens the rest at the
// same price. A size inside the dust threshold is forced to zero and the
// remaining open notional realized.
func (ab *AccountBalance) SettleSwap(trader uuid.UUID, marketID string, deltaBase, deltaQuote *big.Int) (*big.Int, error) {
	if marketID == "" {
		return nil, errs.Invalid("market id is empty")
	}
	pos := ab.position(trader, marketID)
	dB, dQ := fpmath.Clone(deltaBase), fpmath.Clone(deltaQuote)

	size := pos.Size
	openNotional := pos.OpenNotional
	realized := new(big.Int)

	switch {
	case size.Sign() == 0 || dB.Sign() == 0 || size.Sign() == dB.Sign():
		openNotional = new(big.Int).Add(openNotional, dQ)

	case fpmath.Abs(dB).Cmp(fpmath.Abs(size)) <= 0:
		// reduce: realized = openNotional * |dB|/|size| + dQ
		closed := fpmath.MulDiv(openNotional, fpmath.Abs(dB), fpmath.Abs(size), fpmath.RoundDown)
		realized.Add(closed, dQ)
		openNotional = new(big.Int).Add(openNotional, dQ)
		openNotional.Sub(openNotional, realized)

	default:
		// flip: realized = openNotional + dQ * |size|/|dB|
		closingQuote := fpmath.MulDiv(dQ, fpmath.Abs(size), fpmath.Abs(dB), fpmath.RoundDown)
		realized.Add(openNotional, closingQuote)
		openNotional = new(big.Int).Add(openNotional, dQ)
		openNotional.Sub(openNotional, realized)
	}

	newSize := new(big.Int).Add(size, dB)
	if fpmath.Abs(newSize).Cmp(ab.dustThreshold) <= 0 {
		newSize.SetInt64(0)
		realized.Add(realized, openNotional)
		openNotional = new(big.Int)
	}

	pos.Size = newSize
	pos.OpenNotional = openNotional
	pos.OwedRealizedPnl = new(big.Int).Add(pos.OwedRealizedPnl, realized)
	pos.Version++
	return realized, nil
}

// LiquidityRemoval is what a maker got back and what the removed liquidity
// had originally cost.
type LiquidityRemoval struct {
	BaseReturned  *big.Int
	QuoteReturned *big.Int
	BaseDebt      *big.Int
	QuoteDebt     *big.Int
	Fee           *big.Int
}

// SettleLiquidityRemoval crystallizes the removed share of a maker's
// impermanent position into the taker position: the difference between
// returned and deposited amounts is settled as a swap. The collected fee
// is credited to owed PnL.
func (ab *AccountBalance) SettleLiquidityRemoval(trader uuid.UUID, marketID string, r LiquidityRemoval) (*big.Int, error) {
	deltaBase := new(big.Int).Sub(fpmath.Clone(r.BaseReturned), fpmath.Clone(r.BaseDebt))
	deltaQuote := new(big.Int).Sub(fpmath.Clone(r.QuoteReturned), fpmath.Clone(r.QuoteDebt))

	realized, err := ab.SettleSwap(trader, marketID, deltaBase, deltaQuote)
	if err != nil {
		return nil, err
	}
	ab.AddOwedRealizedPnl(trader, marketID, fpmath.Clone(r.Fee))
	return realized, nil
}

// AddOwedRealizedPnl credits (or debits) owed PnL without touching the position.
func (ab *AccountBalance) AddOwedRealizedPnl(trader uuid.UUID, marketID string, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	pos := ab.position(trader, marketID)
	pos.OwedRealizedPnl = new(big.Int).Add(pos.OwedRealizedPnl, amount)
	pos.Version++
}

// SettleFunding charges the funding accrued on size since the trader's last
// checkpoint and moves the checkpoint to growth. Returns the payment
// (positive = trader paid).
func (ab *AccountBalance) SettleFunding(trader uuid.UUID, marketID string, growth, size *big.Int) *big.Int {
	pos := ab.position(trader, marketID)
	payment := exchange.FundingPayment(fpmath.Clone(size), growth, pos.LastFundingGrowthX18)
	if payment.Sign() != 0 {
		pos.OwedRealizedPnl = new(big.Int).Sub(pos.OwedRealizedPnl, payment)
		pos.Version++
	}
	pos.LastFundingGrowthX18 = new(big.Int).Set(growth)
	return payment
}

// SettleOwedRealizedPnl zeroes owed PnL across all of the trader's markets
// and returns the total, for the vault to move into collateral.
func (ab *AccountBalance) SettleOwedRealizedPnl(trader uuid.UUID) *big.Int {
	total := new(big.Int)
	acc, ok := ab.accounts[trader]
	if !ok {
		return total
	}
	for _, pos := range acc.Positions {
		if pos.OwedRealizedPnl.Sign() == 0 {
			continue
		}
		total.Add(total, pos.OwedRealizedPnl)
		pos.OwedRealizedPnl = new(big.Int)
		pos.Version++
	}
	return total
}

// RegisterMarket adds marketID to the trader's active set. Markets with no
// position and no orders are pruned first; a market already active never
// counts against the limit. maxMarkets <= 0 disables the limit.
func (ab *AccountBalance) RegisterMarket(trader uuid.UUID, marketID string, maxMarkets int, hasOrders func(marketID string) bool) error {
	acc := ab.account(trader)
	if acc.isActive(marketID) {
		return nil
	}

	for _, m := range append([]string(nil), acc.ActiveMarkets...) {
		ab.deregisterIfClosed(acc, m, hasOrders)
	}

	if maxMarkets > 0 && len(acc.ActiveMarkets) >= maxMarkets {
		return fmt.Errorf("%w: trader %s already active in %d markets", errs.ErrMarketLimitExceeded, trader, len(acc.ActiveMarkets))
	}
	acc.activate(marketID)
	return nil
}

// DeregisterMarketIfClosed drops marketID from the active set when the
// trader has no position and no orders there.
func (ab *AccountBalance) DeregisterMarketIfClosed(trader uuid.UUID, marketID string, hasOrders func(marketID string) bool) {
	if acc, ok := ab.accounts[trader]; ok {
		ab.deregisterIfClosed(acc, marketID, hasOrders)
	}
}

func (ab *AccountBalance) deregisterIfClosed(acc *Account, marketID string, hasOrders func(string) bool) {
	pos := acc.Positions[marketID]
	if pos != nil && !pos.IsFlat() {
		return
	}
	if hasOrders != nil && hasOrders(marketID) {
		return
	}
	acc.deactivate(marketID)
	if pos != nil && pos.isEmpty() {
		delete(acc.Positions, marketID)
	}
}

// Checkpoint captures the trader's account. The returned function restores it.
func (ab *AccountBalance) Checkpoint(trader uuid.UUID) func() {
	saved, existed := ab.accounts[trader]
	if existed {
		saved = saved.clone()
	}
	return func() {
		if !existed {
			delete(ab.accounts, trader)
			return
		}
		ab.accounts[trader] = saved.clone()
	}
}

// GetPositionSize returns the taker position size (zero if none).
func (ab *AccountBalance) GetPositionSize(trader uuid.UUID, marketID string) *big.Int {
	if pos := ab.lookup(trader, marketID); pos != nil {
		return new(big.Int).Set(pos.Size)
	}
	return new(big.Int)
}

func (ab *AccountBalance) GetOpenNotional(trader uuid.UUID, marketID string) *big.Int {
	if pos := ab.lookup(trader, marketID); pos != nil {
		return new(big.Int).Set(pos.OpenNotional)
	}
	return new(big.Int)
}

func (ab *AccountBalance) GetOwedRealizedPnl(trader uuid.UUID, marketID string) *big.Int {
	if pos := ab.lookup(trader, marketID); pos != nil {
		return new(big.Int).Set(pos.OwedRealizedPnl)
	}
	return new(big.Int)
}

// GetTotalOwedRealizedPnl sums owed PnL over all of the trader's markets.
func (ab *AccountBalance) GetTotalOwedRealizedPnl(trader uuid.UUID) *big.Int {
	total := new(big.Int)
	if acc, ok := ab.accounts[trader]; ok {
		for _, pos := range acc.Positions {
			total.Add(total, pos.OwedRealizedPnl)
		}
	}
	return total
}

// GetPosition returns a copy of the position.
func (ab *AccountBalance) GetPosition(trader uuid.UUID, marketID string) (*Position, bool) {
	if pos := ab.lookup(trader, marketID); pos != nil {
		return pos.clone(), true
	}
	return nil, false
}

// GetPositions returns copies of all the trader's positions, sorted by market.
func (ab *AccountBalance) GetPositions(trader uuid.UUID) []*Position {
	acc, ok := ab.accounts[trader]
	if !ok {
		return nil
	}
	out := make([]*Position, 0, len(acc.Positions))
	for _, pos := range acc.Positions {
		out = append(out, pos.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// ActiveMarkets returns the markets counted against the trader's limit.
func (ab *AccountBalance) ActiveMarkets(trader uuid.UUID) []string {
	if acc, ok := ab.accounts[trader]; ok {
		return append([]string(nil), acc.ActiveMarkets...)
	}
	return nil
}

// Traders returns every trader with an account, in byte order.
func (ab *AccountBalance) Traders() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ab.accounts))
	for t := range ab.accounts {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Package exchange owns the per-market virtual pools and executes swaps
// against them.
package exchange

import (
	"fmt"
	"math/big"
	"sort"

	"PerpClearing/internal/errs"
	"PerpClearing/internal/market"
	fpmath "PerpClearing/internal/math"
)

type marketState struct {
	pool    *market.Pool
	params  MarketParams
	funding FundingState
}

// Exchange is the market registry and swap engine.
// Not thread-safe: owned by the core's single goroutine.
type Exchange struct {
	markets       map[string]*marketState
	fundingPeriod int64 // seconds
}

func New(fundingPeriodSeconds int64) *Exchange {
	if fundingPeriodSeconds <= 0 {
		fundingPeriodSeconds = DefaultFundingPeriod
	}
	return &Exchange{
		markets:       make(map[string]*marketState),
		fundingPeriod: fundingPeriodSeconds,
	}
}

// CreateMarket registers a market with its pool at the given initial price.
func (e *Exchange) CreateMarket(marketID string, sqrtPriceX96 *big.Int, params MarketParams) error {
	if _, exists := e.markets[marketID]; exists {
		return errs.Invalid("market %s already exists", marketID)
	}
	if err := ValidateMarketParams(params); err != nil {
		return fmt.Errorf("invalid params for %s: %w", marketID, err)
	}
	pool, err := market.NewPool(marketID, sqrtPriceX96, params.TickSpacing)
	if err != nil {
		return err
	}

	e.markets[marketID] = &marketState{
		pool:    pool,
		params:  params,
		funding: FundingState{},
	}
	return nil
}

func (e *Exchange) get(marketID string) (*marketState, error) {
	ms, ok := e.markets[marketID]
	if !ok {
		return nil, errs.Invalid("unknown market %q", marketID)
	}
	return ms, nil
}

// HasMarket reports whether marketID is registered.
func (e *Exchange) HasMarket(marketID string) bool {
	_, ok := e.markets[marketID]
	return ok
}

// Pool returns the live pool. Callers mutating it must hold a checkpoint.
func (e *Exchange) Pool(marketID string) (*market.Pool, error) {
	ms, err := e.get(marketID)
	if err != nil {
		return nil, err
	}
	return ms.pool, nil
}

func (e *Exchange) Params(marketID string) (MarketParams, error) {
	ms, err := e.get(marketID)
	if err != nil {
		return MarketParams{}, err
	}
	return ms.params, nil
}

// Markets returns registered market ids, sorted.
func (e *Exchange) Markets() []string {
	ids := make([]string, 0, len(e.markets))
	for id := range e.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarkPrice returns the pool's spot price (quote per base, 18 decimals).
func (e *Exchange) MarkPrice(marketID string) (*big.Int, error) {
	ms, err := e.get(marketID)
	if err != nil {
		return nil, err
	}
	return ms.pool.MarkPriceX18(), nil
}

// Checkpoint captures the market's pool and funding state. The returned
// function restores it.
func (e *Exchange) Checkpoint(marketID string) (func(), error) {
	ms, err := e.get(marketID)
	if err != nil {
		return nil, err
	}
	pool := ms.pool.Clone()
	funding := ms.funding
	return func() {
		ms.pool = pool
		ms.funding = funding
	}, nil
}

// MarketSnapshot is the serialisable state of one market. The cumulative
// premium travels with the pool.
type MarketSnapshot struct {
	Pool          market.PoolState `json:"pool"`
	Params        MarketParams     `json:"params"`
	LastFundingAt int64            `json:"last_funding_at"`
}

// Export returns every market's state, sorted by market id.
func (e *Exchange) Export() []MarketSnapshot {
	out := make([]MarketSnapshot, 0, len(e.markets))
	for _, id := range e.Markets() {
		ms := e.markets[id]
		out = append(out, MarketSnapshot{
			Pool:          ms.pool.Export(),
			Params:        ms.params,
			LastFundingAt: ms.funding.LastSettledAt,
		})
	}
	return out
}

// Import replaces all markets with the snapshot contents.
func (e *Exchange) Import(snaps []MarketSnapshot) error {
	markets := make(map[string]*marketState, len(snaps))
	for _, s := range snaps {
		pool, err := market.ImportPool(s.Pool)
		if err != nil {
			return fmt.Errorf("restore market %s: %w", s.Pool.Market, err)
		}
		markets[s.Pool.Market] = &marketState{
			pool:    pool,
			params:  s.Params,
			funding: FundingState{LastSettledAt: s.LastFundingAt},
		}
	}
	e.markets = markets
	return nil
}

// defaultPriceLimit is the furthest reachable price in the swap direction.
func defaultPriceLimit(isBaseToQuote bool) *big.Int {
	if isBaseToQuote {
		return new(big.Int).Add(fpmath.MinSqrtRatio, big.NewInt(1))
	}
	return new(big.Int).Sub(fpmath.MaxSqrtRatio, big.NewInt(1))
}

package accountbalance

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
)

// Export returns every account, sorted by trader then market.
func (ab *AccountBalance) Export() []AccountState {
	out := make([]AccountState, 0, len(ab.accounts))
	for _, trader := range ab.Traders() {
		acc := ab.accounts[trader]
		state := AccountState{
			Trader:        trader,
			ActiveMarkets: append([]string{}, acc.ActiveMarkets...),
			Positions:     make([]PositionState, 0, len(acc.Positions)),
		}
		for _, pos := range acc.Positions {
			state.Positions = append(state.Positions, PositionState{
				Trader:               pos.Trader,
				Market:               pos.Market,
				Size:                 pos.Size.String(),
				OpenNotional:         pos.OpenNotional.String(),
				OwedRealizedPnl:      pos.OwedRealizedPnl.String(),
				LastFundingGrowthX18: pos.LastFundingGrowthX18.String(),
				Version:              pos.Version,
			})
		}
		sort.Slice(state.Positions, func(i, j int) bool { return state.Positions[i].Market < state.Positions[j].Market })
		out = append(out, state)
	}
	return out
}

// Import replaces all accounts with the snapshot contents.
func (ab *AccountBalance) Import(states []AccountState) error {
	accounts := make(map[uuid.UUID]*Account, len(states))
	for _, s := range states {
		acc := newAccount(s.Trader)
		acc.ActiveMarkets = append([]string(nil), s.ActiveMarkets...)
		sort.Strings(acc.ActiveMarkets)
		for _, ps := range s.Positions {
			pos := newPosition(ps.Trader, ps.Market)
			fields := []struct {
				dst  **big.Int
				src  string
				name string
			}{
				{&pos.Size, ps.Size, "size"},
				{&pos.OpenNotional, ps.OpenNotional, "open_notional"},
				{&pos.OwedRealizedPnl, ps.OwedRealizedPnl, "owed_realized_pnl"},
				{&pos.LastFundingGrowthX18, ps.LastFundingGrowthX18, "last_funding_growth_x18"},
			}
			for _, f := range fields {
				v, ok := new(big.Int).SetString(f.src, 10)
				if !ok {
					return fmt.Errorf("position %s/%s: invalid %s %q", ps.Trader, ps.Market, f.name, f.src)
				}
				*f.dst = v
			}
			pos.Version = ps.Version
			acc.Positions[ps.Market] = pos
		}
		accounts[s.Trader] = acc
	}
	ab.accounts = accounts
	return nil
}

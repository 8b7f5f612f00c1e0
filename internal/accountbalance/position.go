package accountbalance

import (
	"math/big"
	"sort"

	"github.com/google/uuid"
)

// Position is a trader's taker position in one market.
type Position struct {
	Trader uuid.UUID
	Market string

	Size         *big.Int // base, positive = long
	OpenNotional *big.Int // negative of the quote cost basis

	// realized but not yet moved into collateral
	OwedRealizedPnl *big.Int

	// cumulative funding premium at the last funding settlement
	LastFundingGrowthX18 *big.Int

	Version int64
}

func newPosition(trader uuid.UUID, marketID string) *Position {
	return &Position{
		Trader:               trader,
		Market:               marketID,
		Size:                 new(big.Int),
		OpenNotional:         new(big.Int),
		OwedRealizedPnl:      new(big.Int),
		LastFundingGrowthX18: new(big.Int),
	}
}

func (p *Position) clone() *Position {
	c := *p
	c.Size = new(big.Int).Set(p.Size)
	c.OpenNotional = new(big.Int).Set(p.OpenNotional)
	c.OwedRealizedPnl = new(big.Int).Set(p.OwedRealizedPnl)
	c.LastFundingGrowthX18 = new(big.Int).Set(p.LastFundingGrowthX18)
	return &c
}

// IsFlat returns true if position has no exposure
func (p *Position) IsFlat() bool {
	return p.Size.Sign() == 0
}

// isEmpty means the record carries nothing worth keeping.
func (p *Position) isEmpty() bool {
	return p.Size.Sign() == 0 && p.OpenNotional.Sign() == 0 && p.OwedRealizedPnl.Sign() == 0
}

// Account groups a trader's positions and the markets counted against the
// market limit.
type Account struct {
	Trader        uuid.UUID
	Positions     map[string]*Position
	ActiveMarkets []string // sorted
}

func newAccount(trader uuid.UUID) *Account {
	return &Account{Trader: trader, Positions: make(map[string]*Position)}
}

func (a *Account) clone() *Account {
	c := &Account{
		Trader:        a.Trader,
		Positions:     make(map[string]*Position, len(a.Positions)),
		ActiveMarkets: append([]string(nil), a.ActiveMarkets...),
	}
	for m, p := range a.Positions {
		c.Positions[m] = p.clone()
	}
	return c
}

func (a *Account) isActive(marketID string) bool {
	i := sort.SearchStrings(a.ActiveMarkets, marketID)
	return i < len(a.ActiveMarkets) && a.ActiveMarkets[i] == marketID
}

func (a *Account) activate(marketID string) {
	if a.isActive(marketID) {
		return
	}
	a.ActiveMarkets = append(a.ActiveMarkets, marketID)
	sort.Strings(a.ActiveMarkets)
}

func (a *Account) deactivate(marketID string) {
	out := a.ActiveMarkets[:0:0]
	for _, m := range a.ActiveMarkets {
		if m != marketID {
			out = append(out, m)
		}
	}
	a.ActiveMarkets = out
}

// PositionState is the serialisable form of a Position.
type PositionState struct {
	Trader               uuid.UUID `json:"trader"`
	Market               string    `json:"market"`
	Size                 string    `json:"size"`
	OpenNotional         string    `json:"open_notional"`
	OwedRealizedPnl      string    `json:"owed_realized_pnl"`
	LastFundingGrowthX18 string    `json:"last_funding_growth_x18"`
	Version              int64     `json:"version"`
}

// AccountState is the serialisable form of an Account.
type AccountState struct {
	Trader        uuid.UUID       `json:"trader"`
	ActiveMarkets []string        `json:"active_markets"`
	Positions     []PositionState `json:"positions"`
}

package vault

import (
	"fmt"
	"math/big"
	"sort"

	"PerpClearing/internal/accountbalance"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/exchange"
	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// PositionSource is the taker side of an account.
type PositionSource interface {
	GetPositions(trader uuid.UUID) []*accountbalance.Position
	GetTotalOwedRealizedPnl(trader uuid.UUID) *big.Int
	ActiveMarkets(trader uuid.UUID) []string
}

// OrderSource is the maker side of an account.
type OrderSource interface {
	ImpermanentPosition(trader uuid.UUID, marketID string) (base, quote *big.Int, err error)
	TotalOrderDebt(trader uuid.UUID, marketID string) (base, quote *big.Int)
	TotalPendingFee(trader uuid.UUID, marketID string) (*big.Int, error)
}

// MarketSource prices positions.
type MarketSource interface {
	MarkPrice(marketID string) (*big.Int, error)
	Params(marketID string) (exchange.MarketParams, error)
}

// MarginCalculator computes cross-margin metrics over every market a trader
// is exposed to. All outputs are 18-decimal amounts.
type MarginCalculator struct {
	vault     *Vault
	positions PositionSource
	orders    OrderSource
	markets   MarketSource
}

func NewMarginCalculator(v *Vault, positions PositionSource, orders OrderSource, markets MarketSource) *MarginCalculator {
	return &MarginCalculator{vault: v, positions: positions, orders: orders, markets: markets}
}

// MarketExposure is one market's contribution to account value and margin.
type MarketExposure struct {
	Market            string
	TakerSize         *big.Int
	ImpermanentBase   *big.Int
	PositionValue     *big.Int // (taker + impermanent base) * mark
	UnrealizedPnl     *big.Int
	PendingFee        *big.Int
	OrderDebtValue    *big.Int // base debt * mark + quote debt
	MarginRequirement *big.Int
}

// AccountSummary is the margin view of one trader.
type AccountSummary struct {
	Collateral      *big.Int
	OwedRealizedPnl *big.Int
	PendingFee      *big.Int
	UnrealizedPnl   *big.Int

	TotalCollateralValue *big.Int // collateral + owed + pending fee
	AccountValue         *big.Int // total collateral value + unrealized
	MarginRequirement    *big.Int
	FreeCollateral       *big.Int // min(total collateral value, account value) - requirement
	Markets              []MarketExposure
}

// Summary computes the trader's account value and free collateral.
//
// Free collateral counts unrealized profit as zero and unrealized loss in
// full. The margin requirement of a market is the initial-margin ratio
// applied to the absolute position value plus the value of the liquidity
// the trader has deposited there.
func (mc *MarginCalculator) Summary(trader uuid.UUID) (*AccountSummary, error) {
	s := &AccountSummary{
		Collateral:        fpmath.CollateralToAmount(mc.vault.Collateral(trader)),
		OwedRealizedPnl:   mc.positions.GetTotalOwedRealizedPnl(trader),
		UnrealizedPnl:     new(big.Int),
		PendingFee:        new(big.Int),
		MarginRequirement: new(big.Int),
	}

	taker := make(map[string]*accountbalance.Position)
	for _, p := range mc.positions.GetPositions(trader) {
		taker[p.Market] = p
	}
	for _, m := range exposedMarkets(taker, mc.positions.ActiveMarkets(trader)) {
		exp, err := mc.exposure(trader, m, taker[m])
		if err != nil {
			return nil, err
		}
		s.UnrealizedPnl.Add(s.UnrealizedPnl, exp.UnrealizedPnl)
		s.PendingFee.Add(s.PendingFee, exp.PendingFee)
		s.MarginRequirement.Add(s.MarginRequirement, exp.MarginRequirement)
		s.Markets = append(s.Markets, *exp)
	}

	s.TotalCollateralValue = new(big.Int).Add(s.Collateral, s.OwedRealizedPnl)
	s.TotalCollateralValue.Add(s.TotalCollateralValue, s.PendingFee)
	s.AccountValue = new(big.Int).Add(s.TotalCollateralValue, s.UnrealizedPnl)

	free := fpmath.MinBig(s.TotalCollateralValue, s.AccountValue)
	s.FreeCollateral = new(big.Int).Sub(free, s.MarginRequirement)
	return s, nil
}

func exposedMarkets(taker map[string]*accountbalance.Position, active []string) []string {
	seen := make(map[string]bool, len(active)+len(taker))
	out := make([]string, 0, len(active)+len(taker))
	for _, m := range active {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	for m, p := range taker {
		if !seen[m] && (!p.IsFlat() || p.OpenNotional.Sign() != 0) {
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func (mc *MarginCalculator) exposure(trader uuid.UUID, marketID string, pos *accountbalance.Position) (*MarketExposure, error) {
	mark, err := mc.markets.MarkPrice(marketID)
	if err != nil {
		return nil, err
	}
	params, err := mc.markets.Params(marketID)
	if err != nil {
		return nil, err
	}
	impBase, impQuote, err := mc.orders.ImpermanentPosition(trader, marketID)
	if err != nil {
		return nil, fmt.Errorf("impermanent position %s: %w", marketID, err)
	}
	fee, err := mc.orders.TotalPendingFee(trader, marketID)
	if err != nil {
		return nil, fmt.Errorf("pending fee %s: %w", marketID, err)
	}
	debtBase, debtQuote := mc.orders.TotalOrderDebt(trader, marketID)

	takerSize, takerNotional := new(big.Int), new(big.Int)
	if pos != nil {
		takerSize.Set(pos.Size)
		takerNotional.Set(pos.OpenNotional)
	}

	totalSize := new(big.Int).Add(takerSize, impBase)
	value := fpmath.MulDiv(totalSize, mark, fpmath.One18, fpmath.RoundDown)

	unrealized := new(big.Int).Add(value, takerNotional)
	unrealized.Add(unrealized, impQuote)

	debtValue := fpmath.MulDiv(debtBase, mark, fpmath.One18, fpmath.RoundUp)
	debtValue.Add(debtValue, debtQuote)

	exposure := new(big.Int).Add(fpmath.Abs(value), debtValue)
	requirement := fpmath.MulRatio(exposure, params.IMRatio, fpmath.RoundUp)

	return &MarketExposure{
		Market:            marketID,
		TakerSize:         takerSize,
		ImpermanentBase:   impBase,
		PositionValue:     value,
		UnrealizedPnl:     unrealized,
		PendingFee:        fee,
		OrderDebtValue:    debtValue,
		MarginRequirement: requirement,
	}, nil
}

// FreeCollateral returns the trader's free collateral.
func (mc *MarginCalculator) FreeCollateral(trader uuid.UUID) (*big.Int, error) {
	s, err := mc.Summary(trader)
	if err != nil {
		return nil, err
	}
	return s.FreeCollateral, nil
}

// CheckFreeCollateral fails with InsufficientCollateral when free collateral
// is negative.
func (mc *MarginCalculator) CheckFreeCollateral(trader uuid.UUID) error {
	free, err := mc.FreeCollateral(trader)
	if err != nil {
		return err
	}
	if free.Sign() < 0 {
		return fmt.Errorf("%w: free collateral %s", errs.ErrInsufficientCollateral, free.String())
	}
	return nil
}

package clearinghouse

import (
	"math/big"

	"PerpClearing/internal/accountbalance"
	"PerpClearing/internal/command"
	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/orderbook"
)

// AddLiquidity mints liquidity into the trader's order for the range.
// Pending fee of an existing order is collected into owed realized PnL.
// The trader must stay within the market limit and keep free collateral
// non-negative.
func (ch *ClearingHouse) AddLiquidity(cmd *command.AddLiquidity) (*orderbook.AddLiquidityResult, error) {
	if err := checkTrader(cmd.Trader); err != nil {
		return nil, err
	}
	if err := checkDeadline(cmd.Deadline, cmd.Time); err != nil {
		return nil, err
	}

	var res *orderbook.AddLiquidityResult
	err := ch.atomically(cmd.Trader, []string{cmd.Market}, func() error {
		if err := ch.settleFunding(cmd.Trader, cmd.Market, cmd.Time); err != nil {
			return err
		}

		var err error
		res, err = ch.orders.AddLiquidity(orderbook.AddLiquidityParams{
			Trader:    cmd.Trader,
			Market:    cmd.Market,
			LowerTick: cmd.LowerTick,
			UpperTick: cmd.UpperTick,
			Base:      cmd.Base,
			Quote:     cmd.Quote,
			MinBase:   cmd.MinBase,
			MinQuote:  cmd.MinQuote,
		})
		if err != nil {
			return err
		}
		ch.accounts.AddOwedRealizedPnl(cmd.Trader, cmd.Market, res.Fee)

		if err := ch.accounts.RegisterMarket(cmd.Trader, cmd.Market, ch.cfg.MaxMarketsPerAccount, ch.hasOrders(cmd.Trader)); err != nil {
			return err
		}
		if err := ch.margin.CheckFreeCollateral(cmd.Trader); err != nil {
			return err
		}

		ch.emit(&event.LiquidityChanged{
			Trader:    cmd.Trader,
			Market:    cmd.Market,
			OrderID:   res.OrderID,
			LowerTick: cmd.LowerTick,
			UpperTick: cmd.UpperTick,
			Base:      fpmath.Clone(res.Base),
			Quote:     fpmath.Clone(res.Quote),
			Liquidity: fpmath.Clone(res.Liquidity),
			QuoteFee:  fpmath.Clone(res.Fee),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch.logger.Debug().
		Str("trader", cmd.Trader.String()).
		Str("market", cmd.Market).
		Str("order_id", res.OrderID).
		Str("liquidity", res.Liquidity.String()).
		Msg("liquidity added")
	return res, nil
}

// RemoveLiquidityResult is the burn result plus the PnL realized by
// crystallizing the removed share of the impermanent position.
type RemoveLiquidityResult struct {
	orderbook.RemoveLiquidityResult
	ExchangedBase  *big.Int
	ExchangedQuote *big.Int
	RealizedPnl    *big.Int // fee excluded
}

// RemoveLiquidity burns liquidity from the trader's order and moves the
// difference between what came back and what was deposited into the taker
// position. Liquidity zero collects fees only.
func (ch *ClearingHouse) RemoveLiquidity(cmd *command.RemoveLiquidity) (*RemoveLiquidityResult, error) {
	if err := checkTrader(cmd.Trader); err != nil {
		return nil, err
	}
	if err := checkDeadline(cmd.Deadline, cmd.Time); err != nil {
		return nil, err
	}

	var out *RemoveLiquidityResult
	err := ch.atomically(cmd.Trader, []string{cmd.Market}, func() error {
		if err := ch.settleFunding(cmd.Trader, cmd.Market, cmd.Time); err != nil {
			return err
		}

		res, err := ch.orders.RemoveLiquidity(orderbook.RemoveLiquidityParams{
			Trader:    cmd.Trader,
			Market:    cmd.Market,
			LowerTick: cmd.LowerTick,
			UpperTick: cmd.UpperTick,
			Liquidity: cmd.Liquidity,
			MinBase:   cmd.MinBase,
			MinQuote:  cmd.MinQuote,
		})
		if err != nil {
			return err
		}

		realized, err := ch.accounts.SettleLiquidityRemoval(cmd.Trader, cmd.Market, accountbalance.LiquidityRemoval{
			BaseReturned:  res.Base,
			QuoteReturned: res.Quote,
			BaseDebt:      res.BaseDebt,
			QuoteDebt:     res.QuoteDebt,
			Fee:           res.Fee,
		})
		if err != nil {
			return err
		}
		out = &RemoveLiquidityResult{
			RemoveLiquidityResult: *res,
			ExchangedBase:         new(big.Int).Sub(res.Base, res.BaseDebt),
			ExchangedQuote:        new(big.Int).Sub(res.Quote, res.QuoteDebt),
			RealizedPnl:           realized,
		}

		ch.emit(&event.LiquidityChanged{
			Trader:      cmd.Trader,
			Market:      cmd.Market,
			OrderID:     res.OrderID,
			LowerTick:   cmd.LowerTick,
			UpperTick:   cmd.UpperTick,
			Base:        fpmath.Neg(res.Base),
			Quote:       fpmath.Neg(res.Quote),
			Liquidity:   fpmath.Neg(res.Liquidity),
			QuoteFee:    fpmath.Clone(res.Fee),
			OrderClosed: res.Closed,
		})
		if out.ExchangedBase.Sign() != 0 || out.ExchangedQuote.Sign() != 0 {
			ch.emit(&event.PositionChanged{
				Trader:            cmd.Trader,
				Market:            cmd.Market,
				ExchangedSize:     fpmath.Clone(out.ExchangedBase),
				ExchangedNotional: fpmath.Clone(out.ExchangedQuote),
				Fee:               new(big.Int),
				NewSize:           ch.accounts.GetPositionSize(cmd.Trader, cmd.Market),
				NewOpenNotional:   ch.accounts.GetOpenNotional(cmd.Trader, cmd.Market),
				RealizedPnl:       fpmath.Clone(realized),
				SqrtPriceAfterX96: ch.sqrtPrice(cmd.Market),
			})
		}

		ch.accounts.DeregisterMarketIfClosed(cmd.Trader, cmd.Market, ch.hasOrders(cmd.Trader))
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch.logger.Debug().
		Str("trader", cmd.Trader.String()).
		Str("market", cmd.Market).
		Str("order_id", out.OrderID).
		Str("liquidity", out.Liquidity.String()).
		Bool("closed", out.Closed).
		Msg("liquidity removed")
	return out, nil
}

func (ch *ClearingHouse) sqrtPrice(marketID string) *big.Int {
	pool, err := ch.exchange.Pool(marketID)
	if err != nil {
		return new(big.Int)
	}
	return new(big.Int).Set(pool.SqrtPriceX96)
}

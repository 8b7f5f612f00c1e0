package clearinghouse

import (
	"errors"
	"fmt"
	"math/big"

	"PerpClearing/internal/command"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/oracle"
)

// CreateMarket registers a market with its pool at the initial price.
func (ch *ClearingHouse) CreateMarket(cmd *command.CreateMarket) error {
	if cmd.Market == "" {
		return errs.Invalid("market id is empty")
	}
	if cmd.InitialPriceX18 == nil {
		return errs.Invalid("initial price is required")
	}
	sqrtPrice, err := fpmath.SqrtPriceX96FromPriceX18(cmd.InitialPriceX18)
	if err != nil {
		return fmt.Errorf("market %s: %w", cmd.Market, err)
	}
	if err := ch.exchange.CreateMarket(cmd.Market, sqrtPrice, cmd.Params); err != nil {
		return err
	}

	pool, err := ch.exchange.Pool(cmd.Market)
	if err != nil {
		return err
	}
	ch.emit(&event.MarketCreated{
		Market:       cmd.Market,
		SqrtPriceX96: new(big.Int).Set(pool.SqrtPriceX96),
		Tick:         pool.Tick,
		Params:       cmd.Params,
	})
	ch.logger.Info().
		Str("market", cmd.Market).
		Str("params", cmd.Params.String()).
		Int32("tick", pool.Tick).
		Msg("market created")
	return nil
}

// UpdateIndexPrice records an index observation. Funding growth is settled
// at the previous index first so each interval accrues at the index that
// was in force during it.
func (ch *ClearingHouse) UpdateIndexPrice(cmd *command.UpdateIndexPrice) error {
	if !ch.exchange.HasMarket(cmd.Market) {
		return errs.Invalid("unknown market %q", cmd.Market)
	}

	restore, err := ch.exchange.Checkpoint(cmd.Market)
	if err != nil {
		return err
	}
	index, err := ch.oracle.IndexPrice(cmd.Market, cmd.Time)
	switch {
	case errors.Is(err, oracle.ErrNoObservations):
		index = nil
	case err != nil:
		return err
	}
	if _, err := ch.exchange.SettleFundingGrowth(cmd.Market, cmd.Time, index); err != nil {
		return err
	}
	if err := ch.oracle.Record(cmd.Market, cmd.PriceX18, cmd.Time); err != nil {
		restore()
		return err
	}

	ch.emit(&event.IndexPriceUpdated{
		Market:    cmd.Market,
		PriceX18:  fpmath.Clone(cmd.PriceX18),
		Timestamp: cmd.Time,
	})
	return nil
}

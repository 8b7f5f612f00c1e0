package clearinghouse

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/command"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/event"
	"PerpClearing/internal/exchange"
	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// PositionResult reports one taker swap as booked to the trader.
type PositionResult struct {
	DeltaBase  *big.Int
	DeltaQuote *big.Int // fee excluded
	Fee        *big.Int
	// Opposite is the counter amount of the swap as the trader experiences
	// it: output received for exact input, input paid for exact output.
	Opposite          *big.Int
	InsuranceFee      *big.Int
	RealizedPnl       *big.Int // trade PnL minus fee
	NewSize           *big.Int
	NewOpenNotional   *big.Int
	SqrtPriceAfterX96 *big.Int
	TicksCrossed      int
}

type openParams struct {
	trader              uuid.UUID
	market              string
	isBaseToQuote       bool
	isExactInput        bool
	amount              *big.Int
	oppositeAmountBound *big.Int
	sqrtPriceLimitX96   *big.Int
	deadline            int64
	referralCode        string
	ref                 string
	now                 int64
}

// OpenPosition swaps against the market's pool on the trader's behalf.
//
// oppositeAmountBound bounds the counter amount: a minimum output for exact
// input and a maximum input for exact output. Zero disables the check.
// Free collateral must stay non-negative unless the swap only reduces the
// existing position.
func (ch *ClearingHouse) OpenPosition(cmd *command.OpenPosition) (*PositionResult, error) {
	return ch.openPosition(openParams{
		trader:              cmd.Trader,
		market:              cmd.Market,
		isBaseToQuote:       cmd.IsBaseToQuote,
		isExactInput:        cmd.IsExactInput,
		amount:              cmd.Amount,
		oppositeAmountBound: cmd.OppositeAmountBound,
		sqrtPriceLimitX96:   cmd.SqrtPriceLimitX96,
		deadline:            cmd.Deadline,
		referralCode:        cmd.ReferralCode,
		ref:                 cmd.CommandID.String(),
		now:                 cmd.Time,
	})
}

// ClosePosition swaps the trader's whole taker position back: a long sells
// its size as exact input, a short buys its size as exact output.
func (ch *ClearingHouse) ClosePosition(cmd *command.ClosePosition) (*PositionResult, error) {
	if err := checkTrader(cmd.Trader); err != nil {
		return nil, err
	}
	size := ch.accounts.GetPositionSize(cmd.Trader, cmd.Market)
	if size.Sign() == 0 {
		return nil, errs.Invalid("no position in %s to close", cmd.Market)
	}
	isLong := size.Sign() > 0
	return ch.openPosition(openParams{
		trader:              cmd.Trader,
		market:              cmd.Market,
		isBaseToQuote:       isLong,
		isExactInput:        isLong,
		amount:              size.Abs(size),
		oppositeAmountBound: cmd.OppositeAmountBound,
		sqrtPriceLimitX96:   cmd.SqrtPriceLimitX96,
		deadline:            cmd.Deadline,
		referralCode:        cmd.ReferralCode,
		ref:                 cmd.CommandID.String(),
		now:                 cmd.Time,
	})
}

func (ch *ClearingHouse) openPosition(p openParams) (*PositionResult, error) {
	if err := checkTrader(p.trader); err != nil {
		return nil, err
	}
	if p.amount == nil || p.amount.Sign() <= 0 {
		return nil, errs.Invalid("amount must be positive")
	}
	if err := checkDeadline(p.deadline, p.now); err != nil {
		return nil, err
	}

	var out *PositionResult
	err := ch.atomically(p.trader, []string{p.market}, func() error {
		if err := ch.settleFunding(p.trader, p.market, p.now); err != nil {
			return err
		}
		sizeBefore := ch.accounts.GetPositionSize(p.trader, p.market)

		res, err := ch.exchange.Swap(exchange.SwapParams{
			Market:            p.market,
			IsBaseToQuote:     p.isBaseToQuote,
			IsExactInput:      p.isExactInput,
			Amount:            p.amount,
			SqrtPriceLimitX96: p.sqrtPriceLimitX96,
		})
		if err != nil {
			return err
		}
		if err := checkOppositeAmountBound(p.isExactInput, res.Opposite, p.oppositeAmountBound); err != nil {
			return err
		}

		realized, err := ch.accounts.SettleSwap(p.trader, p.market, res.DeltaBase, res.DeltaQuote)
		if err != nil {
			return err
		}
		ch.accounts.AddOwedRealizedPnl(p.trader, p.market, fpmath.Neg(res.Fee))
		realized.Sub(realized, res.Fee)

		booked, err := ch.vault.CollectInsuranceFee(res.InsuranceFee, p.ref+":insurance", p.now)
		if err != nil {
			return err
		}

		if err := ch.accounts.RegisterMarket(p.trader, p.market, ch.cfg.MaxMarketsPerAccount, ch.hasOrders(p.trader)); err != nil {
			return err
		}
		sizeAfter := ch.accounts.GetPositionSize(p.trader, p.market)
		if !isReducing(sizeBefore, sizeAfter) {
			if err := ch.margin.CheckFreeCollateral(p.trader); err != nil {
				return err
			}
		}

		out = &PositionResult{
			DeltaBase:         res.DeltaBase,
			DeltaQuote:        res.DeltaQuote,
			Fee:               res.Fee,
			Opposite:          res.Opposite,
			InsuranceFee:      res.InsuranceFee,
			RealizedPnl:       realized,
			NewSize:           sizeAfter,
			NewOpenNotional:   ch.accounts.GetOpenNotional(p.trader, p.market),
			SqrtPriceAfterX96: res.SqrtPriceAfterX96,
			TicksCrossed:      res.TicksCrossed,
		}
		ch.emit(&event.PositionChanged{
			Trader:            p.trader,
			Market:            p.market,
			ExchangedSize:     fpmath.Clone(res.DeltaBase),
			ExchangedNotional: fpmath.Clone(res.DeltaQuote),
			Fee:               fpmath.Clone(res.Fee),
			NewSize:           fpmath.Clone(out.NewSize),
			NewOpenNotional:   fpmath.Clone(out.NewOpenNotional),
			RealizedPnl:       fpmath.Clone(realized),
			SqrtPriceAfterX96: fpmath.Clone(res.SqrtPriceAfterX96),
			ReferralCode:      p.referralCode,
		})
		if booked > 0 {
			ch.emit(&event.InsuranceFeeCollected{
				Market:     p.market,
				Fee:        fpmath.Clone(res.InsuranceFee),
				Collateral: booked,
			})
		}

		ch.accounts.DeregisterMarketIfClosed(p.trader, p.market, ch.hasOrders(p.trader))
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch.logger.Debug().
		Str("trader", p.trader.String()).
		Str("market", p.market).
		Str("delta_base", out.DeltaBase.String()).
		Str("delta_quote", out.DeltaQuote.String()).
		Str("fee", out.Fee.String()).
		Int("ticks_crossed", out.TicksCrossed).
		Msg("position changed")
	return out, nil
}

func checkOppositeAmountBound(isExactInput bool, opposite, bound *big.Int) error {
	if bound == nil || bound.Sign() == 0 {
		return nil
	}
	if isExactInput && opposite.Cmp(bound) < 0 {
		return fmt.Errorf("%w: output %s below minimum %s", errs.ErrSlippageExceeded, opposite, bound)
	}
	if !isExactInput && opposite.Cmp(bound) > 0 {
		return fmt.Errorf("%w: input %s above maximum %s", errs.ErrSlippageExceeded, opposite, bound)
	}
	return nil
}

// isReducing is true when the swap shrank the position without flipping it.
func isReducing(before, after *big.Int) bool {
	if before.Sign() == 0 {
		return false
	}
	if after.Sign() != 0 && after.Sign() != before.Sign() {
		return false
	}
	return fpmath.Abs(after).Cmp(fpmath.Abs(before)) < 0
}

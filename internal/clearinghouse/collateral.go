package clearinghouse

import (
	"PerpClearing/internal/command"
	"PerpClearing/internal/event"
	"PerpClearing/internal/ledger"
)

func (ch *ClearingHouse) Deposit(cmd *command.Deposit) error {
	if err := checkTrader(cmd.Trader); err != nil {
		return err
	}
	return ch.atomically(cmd.Trader, nil, func() error {
		if err := ch.vault.Deposit(cmd.Trader, cmd.Amount, cmd.CommandID.String(), cmd.Time); err != nil {
			return err
		}
		ch.emit(&event.CollateralDeposited{Trader: cmd.Trader, Amount: cmd.Amount})
		return nil
	})
}

// Withdraw settles funding in every active market, moves owed realized PnL
// into collateral and then debits the amount. Free collateral must stay
// non-negative afterwards.
func (ch *ClearingHouse) Withdraw(cmd *command.Withdraw) (ledger.PnLSettlement, error) {
	if err := checkTrader(cmd.Trader); err != nil {
		return ledger.PnLSettlement{}, err
	}

	var settled ledger.PnLSettlement
	markets := ch.accounts.ActiveMarkets(cmd.Trader)
	ref := cmd.CommandID.String()
	err := ch.atomically(cmd.Trader, markets, func() error {
		for _, m := range markets {
			if err := ch.settleFunding(cmd.Trader, m, cmd.Time); err != nil {
				return err
			}
		}

		owed := ch.accounts.SettleOwedRealizedPnl(cmd.Trader)
		var err error
		settled, err = ch.vault.SettleRealizedPnl(cmd.Trader, owed, ref+":pnl", cmd.Time)
		if err != nil {
			return err
		}
		if owed.Sign() != 0 {
			ch.emit(&event.RealizedPnlSettled{
				Trader:     cmd.Trader,
				Pnl:        owed,
				Credited:   settled.Credited,
				Paid:       settled.Paid,
				Covered:    settled.Covered,
				Socialized: settled.Socialized,
			})
		}

		if err := ch.vault.Withdraw(cmd.Trader, cmd.Amount, ref, cmd.Time); err != nil {
			return err
		}
		if err := ch.vault.Validate(cmd.Trader); err != nil {
			return err
		}
		if err := ch.margin.CheckFreeCollateral(cmd.Trader); err != nil {
			return err
		}
		ch.emit(&event.CollateralWithdrawn{Trader: cmd.Trader, Amount: cmd.Amount})
		return nil
	})
	if err != nil {
		return ledger.PnLSettlement{}, err
	}

	if settled.Covered > 0 || settled.Socialized > 0 {
		ch.logger.Warn().
			Str("trader", cmd.Trader.String()).
			Int64("covered", settled.Covered).
			Int64("socialized", settled.Socialized).
			Msg("realized loss exceeded collateral")
	}
	return settled, nil
}

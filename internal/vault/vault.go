// Package vault holds trader collateral and the insurance fund on top of the
// double-entry ledger, and computes free collateral for the clearing house.
package vault

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/ledger"
	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// Vault moves collateral through ledger batches. Every applied batch is kept
// until Drain so a failed operation can be unwound with the checkpoint.
// Not thread-safe: owned by the core's single goroutine.
type Vault struct {
	asset     ledger.AssetID
	tracker   *ledger.BalanceTracker
	generator *ledger.JournalGenerator
	validator *ledger.InvariantValidator

	applied []*ledger.Batch
}

func New(tracker *ledger.BalanceTracker, startSequence int64) *Vault {
	return &Vault{
		asset:     ledger.AssetUSDC,
		tracker:   tracker,
		generator: ledger.NewJournalGenerator(startSequence, tracker),
		validator: ledger.NewInvariantValidator(tracker),
	}
}

// SetSequence stamps subsequent batches with the core's command sequence.
func (v *Vault) SetSequence(seq int64) { v.generator.SetSequence(seq) }

func (v *Vault) Asset() ledger.AssetID { return v.asset }

// Tracker exposes the balances for snapshots and state digests.
func (v *Vault) Tracker() *ledger.BalanceTracker { return v.tracker }

func (v *Vault) apply(b *ledger.Batch) {
	if b == nil {
		return
	}
	if err := v.validator.ValidateBatchBalance(b); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	if err := v.tracker.ApplyBatch(b); err != nil {
		panic(fmt.Sprintf("FATAL: apply batch: %v", err))
	}
	v.applied = append(v.applied, b)
}

// Deposit credits collateral.
func (v *Vault) Deposit(trader uuid.UUID, amount int64, ref string, timestamp int64) error {
	b, err := v.generator.GenerateDeposit(trader, ref, amount, v.asset, timestamp)
	if err != nil {
		return err
	}
	v.apply(b)
	return nil
}

// Withdraw debits collateral. It does not look at positions; the clearing
// house checks free collateral afterwards.
func (v *Vault) Withdraw(trader uuid.UUID, amount int64, ref string, timestamp int64) error {
	b, err := v.generator.GenerateWithdrawal(trader, ref, amount, v.asset, timestamp)
	if err != nil {
		return err
	}
	v.apply(b)
	return nil
}

// CollectInsuranceFee books the insurance share of a trading fee, converted
// to collateral units and rounded down. Returns the booked amount.
func (v *Vault) CollectInsuranceFee(feeX18 *big.Int, ref string, timestamp int64) (int64, error) {
	if feeX18 == nil || feeX18.Sign() <= 0 {
		return 0, nil
	}
	amount, err := fpmath.AmountToCollateral(feeX18)
	if err != nil {
		return 0, err
	}
	v.apply(v.generator.GenerateInsuranceFee(ref, amount, v.asset, timestamp))
	return amount, nil
}

// SettleRealizedPnl moves realized PnL into collateral. Profits round down
// and losses round away from zero.
func (v *Vault) SettleRealizedPnl(trader uuid.UUID, pnlX18 *big.Int, ref string, timestamp int64) (ledger.PnLSettlement, error) {
	if pnlX18 == nil || pnlX18.Sign() == 0 {
		return ledger.PnLSettlement{}, nil
	}
	amount, err := fpmath.AmountToCollateral(pnlX18)
	if err != nil {
		return ledger.PnLSettlement{}, err
	}
	b, s := v.generator.GeneratePnLSettlement(trader, ref, amount, v.asset, timestamp)
	v.apply(b)
	return s, nil
}

// Collateral returns the trader's collateral balance in collateral units.
func (v *Vault) Collateral(trader uuid.UUID) int64 {
	return v.tracker.GetCollateral(trader, v.asset)
}

// InsuranceFundBalance returns the insurance fund in collateral units.
func (v *Vault) InsuranceFundBalance() int64 {
	return v.tracker.GetInsuranceFund(v.asset)
}

// Validate checks the ledger invariants touched by trader.
func (v *Vault) Validate(trader uuid.UUID) error {
	if err := v.validator.ValidateUserCollateralNonNegative(trader, v.asset); err != nil {
		return err
	}
	if err := v.validator.ValidateInsuranceFundNonNegative(v.asset); err != nil {
		return err
	}
	return v.validator.ValidateGlobalBalance()
}

// Checkpoint marks the current position in the applied log. The returned
// function reverts every batch applied after it.
func (v *Vault) Checkpoint() func() {
	mark := len(v.applied)
	return func() {
		for i := len(v.applied) - 1; i >= mark; i-- {
			v.tracker.RevertBatch(v.applied[i])
		}
		v.applied = v.applied[:mark]
	}
}

// Drain returns and forgets every batch applied since the last Drain.
func (v *Vault) Drain() []*ledger.Batch {
	out := v.applied
	v.applied = nil
	return out
}

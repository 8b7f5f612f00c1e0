package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// RevertBatch undoes a previously applied batch
func (bt *BalanceTracker) RevertBatch(batch *Batch) {
	for i := len(batch.Journals) - 1; i >= 0; i-- {
		j := batch.Journals[i]
		bt.balances[j.DebitAccount] -= j.Amount
		bt.balances[j.CreditAccount] += j.Amount
	}
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// GetCollateral returns a trader's collateral balance
func (bt *BalanceTracker) GetCollateral(trader uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(trader, SubTypeCollateral, assetID))
}

// GetInsuranceFund returns the insurance fund balance
func (bt *BalanceTracker) GetInsuranceFund(assetID AssetID) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeSystemInsuranceFund, assetID))
}

// GetClearing returns the clearing account balance: realized PnL owed to
// traders but not yet settled shows up as a claim against it.
func (bt *BalanceTracker) GetClearing(assetID AssetID) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeSystemClearing, assetID))
}

// ValidateSufficientCollateral checks if the trader has enough collateral
func (bt *BalanceTracker) ValidateSufficientCollateral(trader uuid.UUID, assetID AssetID, required int64) error {
	available := bt.GetCollateral(trader, assetID)
	if available < required {
		return fmt.Errorf("insufficient collateral: have=%d, need=%d", available, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// BalanceEntry is one account balance in a snapshot.
type BalanceEntry struct {
	Key     AccountKey
	Balance int64
}

// Snapshot returns every non-zero balance, ordered by account path.
func (bt *BalanceTracker) Snapshot() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v != 0 {
			out = append(out, BalanceEntry{Key: k, Balance: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.AccountPath() < out[j].Key.AccountPath() })
	return out
}

// Restore replaces all balances with a snapshot.
func (bt *BalanceTracker) Restore(entries []BalanceEntry) {
	bt.balances = make(map[AccountKey]int64, len(entries))
	for _, e := range entries {
		bt.balances[e.Key] = e.Balance
	}
}

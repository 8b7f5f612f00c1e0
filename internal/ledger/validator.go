package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies a batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateUserCollateralNonNegative checks trader collateral >= 0
func (v *InvariantValidator) ValidateUserCollateralNonNegative(trader uuid.UUID, assetID AssetID) error {
	key := NewUserAccountKey(trader, SubTypeCollateral, assetID)
	return v.tracker.ValidateNonNegative(key)
}

// ValidateInsuranceFundNonNegative checks the insurance fund never pays out
// more than it holds
func (v *InvariantValidator) ValidateInsuranceFundNonNegative(assetID AssetID) error {
	return v.tracker.ValidateNonNegative(NewSystemAccountKey(SubTypeSystemInsuranceFund, assetID))
}

// ValidateGlobalBalance verifies the system is zero-sum: whatever entered
// through deposits is held by traders, the insurance fund or the clearing
// account.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

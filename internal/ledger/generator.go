package ledger

import (
	"fmt"

	"PerpClearing/internal/errs"

	"github.com/google/uuid"
)

// journalNamespace seeds the name-based ids of batches and journals so that
// replaying the same commands yields the same ledger rows.
var journalNamespace = uuid.MustParse("6f1f3a52-52c4-4c59-9d0e-3f0a2d9b7c11")

// JournalGenerator creates balanced journal batches from clearing outcomes
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker // for pre-checks
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// Sequence returns the command sequence stamped on new batches.
func (jg *JournalGenerator) Sequence() int64 { return jg.sequence }

// SetSequence aligns the generator with the core's command sequence. Every
// batch produced while handling one command carries that command's sequence;
// batches of one command are told apart by their event refs.
func (jg *JournalGenerator) SetSequence(seq int64) { jg.sequence = seq }

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%s:%d", eventRef, jg.sequence))),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2),
	}
}

func (jg *JournalGenerator) addJournal(b *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	if amount <= 0 {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, []byte(fmt.Sprintf("%d", len(b.Journals)))),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateDeposit moves funds external:deposits -> user:collateral.
func (jg *JournalGenerator) GenerateDeposit(
	trader uuid.UUID,
	eventRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if amount <= 0 {
		return nil, errs.Invalid("deposit amount must be positive, got %d", amount)
	}
	batch := jg.newBatch(eventRef, timestamp)
	jg.addJournal(batch,
		NewUserAccountKey(trader, SubTypeCollateral, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		amount, JournalTypeDeposit)
	return batch, nil
}

// GenerateWithdrawal moves funds user:collateral -> external:withdrawals.
// Pre-check: the trader must hold the amount.
func (jg *JournalGenerator) GenerateWithdrawal(
	trader uuid.UUID,
	eventRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if amount <= 0 {
		return nil, errs.Invalid("withdrawal amount must be positive, got %d", amount)
	}
	if err := jg.balanceTracker.ValidateSufficientCollateral(trader, assetID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w: %v", errs.ErrInsufficientCollateral, err)
	}
	batch := jg.newBatch(eventRef, timestamp)
	jg.addJournal(batch,
		NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		NewUserAccountKey(trader, SubTypeCollateral, assetID),
		amount, JournalTypeWithdrawal)
	return batch, nil
}

// GenerateInsuranceFee moves the insurance share of trading fees
// system:clearing -> system:insurance_fund. The trader's side of the fee
// already sits in owed realized PnL and reaches the clearing account when
// that PnL is settled. Returns nil when amount is zero.
func (jg *JournalGenerator) GenerateInsuranceFee(
	eventRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) *Batch {
	if amount <= 0 {
		return nil
	}
	batch := jg.newBatch(eventRef, timestamp)
	jg.addJournal(batch,
		NewSystemAccountKey(SubTypeSystemInsuranceFund, assetID),
		NewSystemAccountKey(SubTypeSystemClearing, assetID),
		amount, JournalTypeInsuranceFee)
	return batch
}

// PnLSettlement is how a realized PnL settlement was funded.
type PnLSettlement struct {
	Credited   int64 // profit paid into collateral
	Paid       int64 // loss paid out of collateral
	Covered    int64 // shortfall paid by the insurance fund
	Socialized int64 // shortfall nobody could pay
}

// GeneratePnLSettlement moves realized PnL between the trader's collateral
// and the clearing account. A loss larger than the trader's collateral is
// covered by the insurance fund up to its balance; the rest is booked as
// socialized loss. Returns a nil batch when pnl is zero.
func (jg *JournalGenerator) GeneratePnLSettlement(
	trader uuid.UUID,
	eventRef string,
	pnl int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, PnLSettlement) {
	var s PnLSettlement
	if pnl == 0 {
		return nil, s
	}

	collateral := NewUserAccountKey(trader, SubTypeCollateral, assetID)
	clearing := NewSystemAccountKey(SubTypeSystemClearing, assetID)
	batch := jg.newBatch(eventRef, timestamp)

	if pnl > 0 {
		s.Credited = pnl
		jg.addJournal(batch, collateral, clearing, pnl, JournalTypePnLSettle)
		return batch, s
	}

	loss := -pnl
	available := max(jg.balanceTracker.GetCollateral(trader, assetID), 0)
	s.Paid = min(loss, available)
	deficit := loss - s.Paid

	fund := max(jg.balanceTracker.GetInsuranceFund(assetID), 0)
	s.Covered = min(deficit, fund)
	s.Socialized = deficit - s.Covered

	jg.addJournal(batch, clearing, collateral, s.Paid, JournalTypePnLSettle)
	jg.addJournal(batch, clearing, NewSystemAccountKey(SubTypeSystemInsuranceFund, assetID), s.Covered, JournalTypeInsuranceCover)
	jg.addJournal(batch, clearing, NewSystemAccountKey(SubTypeSystemSocializedLoss, assetID), s.Socialized, JournalTypeSocializedLoss)
	return batch, s
}

package core

import (
	"fmt"

	"PerpClearing/internal/accountbalance"
	"PerpClearing/internal/exchange"
	"PerpClearing/internal/ledger"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/orderbook"
)

// SnapshotState is the complete in-memory state at one sequence. Restoring
// it and replaying the command log from Sequence+1 rebuilds the core.
type SnapshotState struct {
	Sequence        int64                                `json:"sequence"` // last applied
	StateHash       [32]byte                             `json:"state_hash"`
	Markets         []exchange.MarketSnapshot            `json:"markets"`
	Orders          []orderbook.OrderState               `json:"orders"`
	Accounts        []accountbalance.AccountState        `json:"accounts"`
	IndexPrices     map[string][]oracle.ObservationState `json:"index_prices"`
	Balances        []ledger.BalanceEntry                `json:"balances"`
	SequenceState   map[string]int64                     `json:"sequence_state"`   // partition -> next expected
	IdempotencyKeys []string                             `json:"idempotency_keys"` // oldest first
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Markets:         c.house.Exchange().Export(),
		Orders:          c.house.Orders().Export(),
		Accounts:        c.house.Accounts().Export(),
		IndexPrices:     c.house.Oracle().Export(),
		Balances:        c.house.Vault().Tracker().Snapshot(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot replaces the core's state with snap.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := c.house.Exchange().Import(snap.Markets); err != nil {
		return fmt.Errorf("restore markets: %w", err)
	}
	if err := c.house.Orders().Import(snap.Orders); err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}
	if err := c.house.Accounts().Import(snap.Accounts); err != nil {
		return fmt.Errorf("restore accounts: %w", err)
	}
	if err := c.house.Oracle().Import(snap.IndexPrices); err != nil {
		return fmt.Errorf("restore index prices: %w", err)
	}
	c.house.Vault().Tracker().Restore(snap.Balances)

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.WarmLRU(snap.IdempotencyKeys)

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.house.SetSequence(c.sequence)

	if c.metrics != nil {
		c.metrics.CoreSequence.Set(float64(snap.Sequence))
		c.metrics.InsuranceFundBalance.Set(float64(c.house.Vault().InsuranceFundBalance()))
		c.metrics.OpenOrders.Set(float64(c.house.Orders().OrderCount()))
	}
	return nil
}

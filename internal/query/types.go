package query

import "github.com/google/uuid"

// Amounts are decimal strings: 18-decimal NUMERIC columns do not fit int64.

// BalanceResponse is a ledger account's projected balance.
type BalanceResponse struct {
	AccountPath  string `json:"account_path"`
	AssetID      uint16 `json:"asset_id"`
	Balance      int64  `json:"balance"` // 6 decimals
	LastSequence int64  `json:"last_sequence"`
}

// PositionResponse is a taker position from the positions projection.
type PositionResponse struct {
	Trader       uuid.UUID `json:"trader"`
	Market       string    `json:"market"`
	Size         string    `json:"size"`
	OpenNotional string    `json:"open_notional"`
	RealizedPnl  string    `json:"realized_pnl"`
	FeesPaid     string    `json:"fees_paid"`
	LastSequence int64     `json:"last_sequence"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// OpenOrderResponse is a maker range from the open orders projection.
type OpenOrderResponse struct {
	OrderID       string    `json:"order_id"`
	Trader        uuid.UUID `json:"trader"`
	Market        string    `json:"market"`
	LowerTick     int32     `json:"lower_tick"`
	UpperTick     int32     `json:"upper_tick"`
	Liquidity     string    `json:"liquidity"`
	FeesCollected string    `json:"fees_collected"`
	LastSequence  int64     `json:"last_sequence"`
}

// FundingHistoryResponse is one booked funding payment.
type FundingHistoryResponse struct {
	Trader        uuid.UUID `json:"trader"`
	Market        string    `json:"market"`
	Sequence      int64     `json:"sequence"`
	Payment       string    `json:"payment"`
	FundingGrowth string    `json:"funding_growth"`
	PositionSize  string    `json:"position_size"`
	Timestamp     int64     `json:"timestamp"`
}

// JournalHistoryEntry is a journal line touching a trader's accounts.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	LastSequence     int64             `json:"last_sequence"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose journal debits and credits differ.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}

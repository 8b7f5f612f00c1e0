package projection

import (
	"math/big"

	"PerpClearing/internal/event"

	"github.com/google/uuid"
)

// FundingHistoryEntry is one funding payment booked for a trader.
type FundingHistoryEntry struct {
	Trader        uuid.UUID
	Market        string
	Sequence      int64
	Payment       *big.Int // positive = paid, negative = received
	FundingGrowth *big.Int
	PositionSize  *big.Int
	Timestamp     int64
}

func fundingEntry(seq, ts int64, e *event.FundingPaymentSettled) FundingHistoryEntry {
	return FundingHistoryEntry{
		Trader:        e.Trader,
		Market:        e.Market,
		Sequence:      seq,
		Payment:       e.Payment,
		FundingGrowth: e.FundingGrowth,
		PositionSize:  e.PositionSize,
		Timestamp:     ts,
	}
}

const insertFundingSQL = `
	INSERT INTO projections.funding_history
		(trader, market, sequence, payment, funding_growth, position_size, timestamp)
	VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7)
	ON CONFLICT (trader, market, sequence) DO NOTHING
`

func (f FundingHistoryEntry) args() []any {
	return []any{f.Trader, f.Market, f.Sequence, numeric(f.Payment), numeric(f.FundingGrowth), numeric(f.PositionSize), f.Timestamp}
}

// numeric renders an amount for a NUMERIC parameter; nil is zero.
func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

package event

import (
	"math/big"

	"PerpClearing/internal/exchange"

	"github.com/google/uuid"
)

type CollateralDeposited struct {
	Trader uuid.UUID `json:"trader"`
	Amount int64     `json:"amount"`
}

func (e *CollateralDeposited) EventType() EventType { return EventTypeCollateralDeposited }
func (e *CollateralDeposited) MarketID() *string    { return nil }

type CollateralWithdrawn struct {
	Trader uuid.UUID `json:"trader"`
	Amount int64     `json:"amount"`
}

func (e *CollateralWithdrawn) EventType() EventType { return EventTypeCollateralWithdrawn }
func (e *CollateralWithdrawn) MarketID() *string    { return nil }

// RealizedPnlSettled is emitted when owed realized PnL moves into collateral.
type RealizedPnlSettled struct {
	Trader     uuid.UUID `json:"trader"`
	Pnl        *big.Int  `json:"pnl"` // 18 decimals
	Credited   int64     `json:"credited"`
	Paid       int64     `json:"paid"`
	Covered    int64     `json:"covered"`    // by the insurance fund
	Socialized int64     `json:"socialized"` // uncovered shortfall
}

func (e *RealizedPnlSettled) EventType() EventType { return EventTypeRealizedPnlSettled }
func (e *RealizedPnlSettled) MarketID() *string    { return nil }

type MarketCreated struct {
	Market       string                `json:"market"`
	SqrtPriceX96 *big.Int              `json:"sqrt_price_x96"`
	Tick         int32                 `json:"tick"`
	Params       exchange.MarketParams `json:"params"`
}

func (e *MarketCreated) EventType() EventType { return EventTypeMarketCreated }
func (e *MarketCreated) MarketID() *string    { return &e.Market }

type IndexPriceUpdated struct {
	Market    string   `json:"market"`
	PriceX18  *big.Int `json:"price_x18"`
	Timestamp int64    `json:"timestamp"`
}

func (e *IndexPriceUpdated) EventType() EventType { return EventTypeIndexPriceUpdated }
func (e *IndexPriceUpdated) MarketID() *string    { return &e.Market }

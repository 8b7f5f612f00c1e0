package event

import (
	"math/big"

	"github.com/google/uuid"
)

// PositionChanged is emitted for every swap settled into a taker position,
// including the swap implied by a liquidity removal.
type PositionChanged struct {
	Trader            uuid.UUID `json:"trader"`
	Market            string    `json:"market"`
	ExchangedSize     *big.Int  `json:"exchanged_size"`     // base delta
	ExchangedNotional *big.Int  `json:"exchanged_notional"` // quote delta, fee excluded
	Fee               *big.Int  `json:"fee"`
	NewSize           *big.Int  `json:"new_size"`
	NewOpenNotional   *big.Int  `json:"new_open_notional"`
	RealizedPnl       *big.Int  `json:"realized_pnl"`
	SqrtPriceAfterX96 *big.Int  `json:"sqrt_price_after_x96"`
	ReferralCode      string    `json:"referral_code,omitempty"`
}

func (e *PositionChanged) EventType() EventType { return EventTypePositionChanged }
func (e *PositionChanged) MarketID() *string    { return &e.Market }

// LiquidityChanged is emitted when an order is minted into or burned from.
// Amounts are positive on add and negative on remove.
type LiquidityChanged struct {
	Trader      uuid.UUID `json:"trader"`
	Market      string    `json:"market"`
	OrderID     string    `json:"order_id"`
	LowerTick   int32     `json:"lower_tick"`
	UpperTick   int32     `json:"upper_tick"`
	Base        *big.Int  `json:"base"`
	Quote       *big.Int  `json:"quote"`
	Liquidity   *big.Int  `json:"liquidity"`
	QuoteFee    *big.Int  `json:"quote_fee"` // collected
	OrderClosed bool      `json:"order_closed,omitempty"`
}

func (e *LiquidityChanged) EventType() EventType { return EventTypeLiquidityChanged }
func (e *LiquidityChanged) MarketID() *string    { return &e.Market }

// FundingPaymentSettled is emitted when a trader's accrued funding is booked
// into owed realized PnL. Positive payment means the trader paid.
type FundingPaymentSettled struct {
	Trader        uuid.UUID `json:"trader"`
	Market        string    `json:"market"`
	Payment       *big.Int  `json:"payment"`
	FundingGrowth *big.Int  `json:"funding_growth"`
	PositionSize  *big.Int  `json:"position_size"`
}

func (e *FundingPaymentSettled) EventType() EventType { return EventTypeFundingPaymentSettled }
func (e *FundingPaymentSettled) MarketID() *string    { return &e.Market }

// InsuranceFeeCollected is the insurance fund's share of one swap's fee.
type InsuranceFeeCollected struct {
	Market     string   `json:"market"`
	Fee        *big.Int `json:"fee"`        // 18 decimals
	Collateral int64    `json:"collateral"` // booked, 6 decimals
}

func (e *InsuranceFeeCollected) EventType() EventType { return EventTypeInsuranceFeeCollected }
func (e *InsuranceFeeCollected) MarketID() *string    { return &e.Market }

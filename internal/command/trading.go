package command

import (
	"math/big"

	"github.com/google/uuid"
)

// AddLiquidity deposits base/quote into a tick range.
type AddLiquidity struct {
	CommandID uuid.UUID `json:"command_id"`
	Trader    uuid.UUID `json:"trader"`
	Market    string    `json:"market"`
	LowerTick int32     `json:"lower_tick"`
	UpperTick int32     `json:"upper_tick"`
	Base      *big.Int  `json:"base"`
	Quote     *big.Int  `json:"quote"`
	MinBase   *big.Int  `json:"min_base"`
	MinQuote  *big.Int  `json:"min_quote"`
	Deadline  int64     `json:"deadline"` // unix seconds, 0 = none
	Sequence  int64     `json:"sequence"`
	Time      int64     `json:"time"`
}

func (a *AddLiquidity) IdempotencyKey() string   { return a.CommandID.String() }
func (a *AddLiquidity) CommandType() CommandType { return CommandTypeAddLiquidity }
func (a *AddLiquidity) SourceSequence() int64    { return a.Sequence }
func (a *AddLiquidity) Timestamp() int64         { return a.Time }
func (a *AddLiquidity) MarketID() *string        { return marketRef(a.Market) }

// RemoveLiquidity burns liquidity from the trader's order in a tick range.
type RemoveLiquidity struct {
	CommandID uuid.UUID `json:"command_id"`
	Trader    uuid.UUID `json:"trader"`
	Market    string    `json:"market"`
	LowerTick int32     `json:"lower_tick"`
	UpperTick int32     `json:"upper_tick"`
	Liquidity *big.Int  `json:"liquidity"`
	MinBase   *big.Int  `json:"min_base"`
	MinQuote  *big.Int  `json:"min_quote"`
	Deadline  int64     `json:"deadline"`
	Sequence  int64     `json:"sequence"`
	Time      int64     `json:"time"`
}

func (r *RemoveLiquidity) IdempotencyKey() string   { return r.CommandID.String() }
func (r *RemoveLiquidity) CommandType() CommandType { return CommandTypeRemoveLiquidity }
func (r *RemoveLiquidity) SourceSequence() int64    { return r.Sequence }
func (r *RemoveLiquidity) Timestamp() int64         { return r.Time }
func (r *RemoveLiquidity) MarketID() *string        { return marketRef(r.Market) }

// OpenPosition swaps against the pool on the trader's behalf.
type OpenPosition struct {
	CommandID           uuid.UUID `json:"command_id"`
	Trader              uuid.UUID `json:"trader"`
	Market              string    `json:"market"`
	IsBaseToQuote       bool      `json:"is_base_to_quote"`
	IsExactInput        bool      `json:"is_exact_input"`
	Amount              *big.Int  `json:"amount"`
	OppositeAmountBound *big.Int  `json:"opposite_amount_bound"` // 0 = unchecked
	SqrtPriceLimitX96   *big.Int  `json:"sqrt_price_limit_x96"`  // 0 = none
	Deadline            int64     `json:"deadline"`
	ReferralCode        string    `json:"referral_code"`
	Sequence            int64     `json:"sequence"`
	Time                int64     `json:"time"`
}

func (o *OpenPosition) IdempotencyKey() string   { return o.CommandID.String() }
func (o *OpenPosition) CommandType() CommandType { return CommandTypeOpenPosition }
func (o *OpenPosition) SourceSequence() int64    { return o.Sequence }
func (o *OpenPosition) Timestamp() int64         { return o.Time }
func (o *OpenPosition) MarketID() *string        { return marketRef(o.Market) }

// ClosePosition swaps the trader's whole taker position back.
type ClosePosition struct {
	CommandID           uuid.UUID `json:"command_id"`
	Trader              uuid.UUID `json:"trader"`
	Market              string    `json:"market"`
	OppositeAmountBound *big.Int  `json:"opposite_amount_bound"`
	SqrtPriceLimitX96   *big.Int  `json:"sqrt_price_limit_x96"`
	Deadline            int64     `json:"deadline"`
	ReferralCode        string    `json:"referral_code"`
	Sequence            int64     `json:"sequence"`
	Time                int64     `json:"time"`
}

func (c *ClosePosition) IdempotencyKey() string   { return c.CommandID.String() }
func (c *ClosePosition) CommandType() CommandType { return CommandTypeClosePosition }
func (c *ClosePosition) SourceSequence() int64    { return c.Sequence }
func (c *ClosePosition) Timestamp() int64         { return c.Time }
func (c *ClosePosition) MarketID() *string        { return marketRef(c.Market) }

func marketRef(m string) *string { return &m }

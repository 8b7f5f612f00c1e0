package command

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/exchange"

	"github.com/google/uuid"
)

// CreateMarket registers a market with its initial pool price.
type CreateMarket struct {
	CommandID       uuid.UUID             `json:"command_id"`
	Market          string                `json:"market"`
	InitialPriceX18 *big.Int              `json:"initial_price_x18"` // quote per base
	Params          exchange.MarketParams `json:"params"`
	Sequence        int64                 `json:"sequence"`
	Time            int64                 `json:"time"`
}

func (c *CreateMarket) IdempotencyKey() string   { return c.CommandID.String() }
func (c *CreateMarket) CommandType() CommandType { return CommandTypeCreateMarket }
func (c *CreateMarket) SourceSequence() int64    { return c.Sequence }
func (c *CreateMarket) Timestamp() int64         { return c.Time }

func (c *CreateMarket) MarketID() *string {
	m := c.Market
	return &m
}

// UpdateIndexPrice records an index observation for funding.
// Idempotency key: market + price sequence (gaps tolerated).
type UpdateIndexPrice struct {
	Market        string   `json:"market"`
	PriceX18      *big.Int `json:"price_x18"`
	PriceSequence int64    `json:"price_sequence"` // monotonic per market
	Time          int64    `json:"time"`
}

func (u *UpdateIndexPrice) IdempotencyKey() string {
	return fmt.Sprintf("%s:index:%d", u.Market, u.PriceSequence)
}

func (u *UpdateIndexPrice) CommandType() CommandType { return CommandTypeUpdateIndexPrice }
func (u *UpdateIndexPrice) SourceSequence() int64    { return u.PriceSequence }
func (u *UpdateIndexPrice) Timestamp() int64         { return u.Time }

func (u *UpdateIndexPrice) MarketID() *string {
	m := u.Market
	return &m
}

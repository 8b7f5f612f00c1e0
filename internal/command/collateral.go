package command

import "github.com/google/uuid"

// Deposit credits collateral (6 decimals) to a trader.
type Deposit struct {
	CommandID uuid.UUID `json:"command_id"`
	Trader    uuid.UUID `json:"trader"`
	Amount    int64     `json:"amount"`
	Sequence  int64     `json:"sequence"`
	Time      int64     `json:"time"`
}

func (d *Deposit) IdempotencyKey() string   { return d.CommandID.String() }
func (d *Deposit) CommandType() CommandType { return CommandTypeDeposit }
func (d *Deposit) MarketID() *string        { return nil }
func (d *Deposit) SourceSequence() int64    { return d.Sequence }
func (d *Deposit) Timestamp() int64         { return d.Time }

// Withdraw settles owed realized PnL and then debits collateral, subject to
// free collateral staying non-negative.
type Withdraw struct {
	CommandID uuid.UUID `json:"command_id"`
	Trader    uuid.UUID `json:"trader"`
	Amount    int64     `json:"amount"`
	Sequence  int64     `json:"sequence"`
	Time      int64     `json:"time"`
}

func (w *Withdraw) IdempotencyKey() string   { return w.CommandID.String() }
func (w *Withdraw) CommandType() CommandType { return CommandTypeWithdraw }
func (w *Withdraw) MarketID() *string        { return nil }
func (w *Withdraw) SourceSequence() int64    { return w.Sequence }
func (w *Withdraw) Timestamp() int64         { return w.Time }

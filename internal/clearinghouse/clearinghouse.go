// Package clearinghouse sequences trader-facing operations across the
// exchange, order book, account balance and vault, and enforces the
// post-conditions every operation must satisfy before it commits.
package clearinghouse

import (
	"errors"
	"fmt"
	"math/big"

	"PerpClearing/internal/accountbalance"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/event"
	"PerpClearing/internal/exchange"
	"PerpClearing/internal/ledger"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/orderbook"
	"PerpClearing/internal/vault"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Config struct {
	// MaxMarketsPerAccount caps the markets a trader may hold positions or
	// orders in at once. 0 disables the cap.
	MaxMarketsPerAccount int
}

// ClearingHouse is the single entry point for state-changing operations.
// Every operation either commits all of its effects or none of them.
// Not thread-safe: owned by the core's single goroutine.
type ClearingHouse struct {
	cfg      Config
	exchange *exchange.Exchange
	orders   *orderbook.OrderBook
	accounts *accountbalance.AccountBalance
	vault    *vault.Vault
	margin   *vault.MarginCalculator
	oracle   *oracle.Oracle
	logger   zerolog.Logger

	pending []event.Event
}

func New(
	cfg Config,
	ex *exchange.Exchange,
	orders *orderbook.OrderBook,
	accounts *accountbalance.AccountBalance,
	v *vault.Vault,
	o *oracle.Oracle,
	logger zerolog.Logger,
) *ClearingHouse {
	return &ClearingHouse{
		cfg:      cfg,
		exchange: ex,
		orders:   orders,
		accounts: accounts,
		vault:    v,
		margin:   vault.NewMarginCalculator(v, accounts, orders, ex),
		oracle:   o,
		logger:   logger,
	}
}

func (ch *ClearingHouse) Exchange() *exchange.Exchange { return ch.exchange }
func (ch *ClearingHouse) Orders() *orderbook.OrderBook { return ch.orders }
func (ch *ClearingHouse) Accounts() *accountbalance.AccountBalance { return ch.accounts }
func (ch *ClearingHouse) Vault() *vault.Vault { return ch.vault }
func (ch *ClearingHouse) Oracle() *oracle.Oracle { return ch.oracle }

// SetSequence stamps ledger batches produced by the next operation.
func (ch *ClearingHouse) SetSequence(seq int64) { ch.vault.SetSequence(seq) }

// Drain returns the events and ledger batches committed since the last Drain.
func (ch *ClearingHouse) Drain() ([]event.Event, []*ledger.Batch) {
	events := ch.pending
	ch.pending = nil
	return events, ch.vault.Drain()
}

func (ch *ClearingHouse) emit(e event.Event) {
	ch.pending = append(ch.pending, e)
}

// atomically runs fn against checkpoints of the trader's account, the
// trader's orders and the pools of markets, and of the vault. Any error
// restores all of them and discards the events fn emitted.
func (ch *ClearingHouse) atomically(trader uuid.UUID, markets []string, fn func() error) error {
	var restores []func()
	for _, m := range markets {
		restore, err := ch.exchange.Checkpoint(m)
		if err != nil {
			return err
		}
		restores = append(restores, restore, ch.orders.Checkpoint(trader, m))
	}
	restores = append(restores, ch.accounts.Checkpoint(trader), ch.vault.Checkpoint())
	mark := len(ch.pending)

	if err := fn(); err != nil {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
		ch.pending = ch.pending[:mark]
		return err
	}
	return nil
}

func checkDeadline(deadline, now int64) error {
	if deadline > 0 && now > deadline {
		return fmt.Errorf("%w: deadline %d, now %d", errs.ErrDeadlineExpired, deadline, now)
	}
	return nil
}

func checkTrader(trader uuid.UUID) error {
	if trader == uuid.Nil {
		return errs.Invalid("trader id is empty")
	}
	return nil
}

func (ch *ClearingHouse) hasOrders(trader uuid.UUID) func(string) bool {
	return func(m string) bool { return ch.orders.HasOrders(trader, m) }
}

// settleFunding books the funding accrued in market since the trader's last
// settlement: on the taker position against the global premium, and on each
// order's base exposure against the premium its range accrued.
func (ch *ClearingHouse) settleFunding(trader uuid.UUID, marketID string, now int64) error {
	index, err := ch.oracle.IndexPrice(marketID, now)
	if errors.Is(err, oracle.ErrNoObservations) {
		index = nil
	} else if err != nil {
		return err
	}
	growth, err := ch.exchange.SettleFundingGrowth(marketID, now, index)
	if err != nil {
		return err
	}

	size := ch.accounts.GetPositionSize(trader, marketID)
	payment := ch.accounts.SettleFunding(trader, marketID, growth, size)

	makerPayment, err := ch.orders.SettleFunding(trader, marketID)
	if err != nil {
		return err
	}
	ch.accounts.AddOwedRealizedPnl(trader, marketID, new(big.Int).Neg(makerPayment))
	payment.Add(payment, makerPayment)

	if payment.Sign() != 0 {
		impBase, _, err := ch.orders.ImpermanentPosition(trader, marketID)
		if err != nil {
			return err
		}
		ch.emit(&event.FundingPaymentSettled{
			Trader:        trader,
			Market:        marketID,
			Payment:       payment,
			FundingGrowth: growth,
			PositionSize:  size.Add(size, impBase),
		})
	}
	return nil
}

// FreeCollateral returns the trader's free collateral with 18 decimals.
func (ch *ClearingHouse) FreeCollateral(trader uuid.UUID) (*big.Int, error) {
	return ch.margin.FreeCollateral(trader)
}

// AccountSummary returns the full margin view of the trader.
func (ch *ClearingHouse) AccountSummary(trader uuid.UUID) (*vault.AccountSummary, error) {
	return ch.margin.Summary(trader)
}

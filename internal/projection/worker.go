// Package projection maintains Postgres read models (balances, positions,
// open orders, funding history) from the core's outputs. Projections are
// eventually consistent: the core drops outputs when this worker falls
// behind, and RebuildProjections restores them from the event log.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/persistence"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const workerID = "main"

// BalanceDelta moves one ledger account's projected balance.
type BalanceDelta struct {
	AccountPath string
	AssetID     uint16
	Delta       int64
}

// PositionRow is a taker position after a swap. RealizedPnl and Fee are
// deltas added to the running totals.
type PositionRow struct {
	Trader       uuid.UUID
	Market       string
	Size         *big.Int
	OpenNotional *big.Int
	RealizedPnl  *big.Int
	Fee          *big.Int
}

// OrderDelta changes an open order's liquidity. Closed orders are deleted.
type OrderDelta struct {
	OrderID   string
	Trader    uuid.UUID
	Market    string
	LowerTick int32
	UpperTick int32
	Liquidity *big.Int // signed
	QuoteFee  *big.Int
	Closed    bool
}

// Update is every read-model change one command causes.
type Update struct {
	Sequence  int64
	Balances  []BalanceDelta
	Positions []PositionRow
	Orders    []OrderDelta
	Funding   []FundingHistoryEntry
}

// UpdateFromOutput derives read-model changes from one core output.
// Journals debit the account that gains.
func UpdateFromOutput(out core.CoreOutput) Update {
	seq := out.Envelope.Sequence
	u := Update{Sequence: seq}

	for _, j := range persistence.JournalRows(out.Batches) {
		u.Balances = append(u.Balances,
			BalanceDelta{AccountPath: j.DebitAccount, AssetID: j.AssetID, Delta: j.Amount},
			BalanceDelta{AccountPath: j.CreditAccount, AssetID: j.AssetID, Delta: -j.Amount},
		)
	}

	for _, e := range out.Events {
		switch ev := e.(type) {
		case *event.PositionChanged:
			u.Positions = append(u.Positions, PositionRow{
				Trader:       ev.Trader,
				Market:       ev.Market,
				Size:         ev.NewSize,
				OpenNotional: ev.NewOpenNotional,
				RealizedPnl:  ev.RealizedPnl,
				Fee:          ev.Fee,
			})
		case *event.LiquidityChanged:
			u.Orders = append(u.Orders, OrderDelta{
				OrderID:   ev.OrderID,
				Trader:    ev.Trader,
				Market:    ev.Market,
				LowerTick: ev.LowerTick,
				UpperTick: ev.UpperTick,
				Liquidity: ev.Liquidity,
				QuoteFee:  ev.QuoteFee,
				Closed:    ev.OrderClosed,
			})
		case *event.FundingPaymentSettled:
			u.Funding = append(u.Funding, fundingEntry(seq, out.Envelope.Timestamp, ev))
		}
	}
	return u
}

// ProjectionWorker updates projection tables from processed commands.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if err := pw.loadWatermark(ctx); err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			if seq <= pw.lastSeq {
				continue // already projected, e.g. by a rebuild
			}
			if pw.lastSeq > 0 && seq != pw.lastSeq+1 {
				pw.logger.Warn().
					Int64("expected", pw.lastSeq+1).
					Int64("got", seq).
					Msg("projection gap, rebuild required for exact read models")
			}

			start := time.Now()
			if err := pw.apply(ctx, UpdateFromOutput(output)); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
			pw.lastSeq = seq
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("all").Observe(time.Since(start).Seconds())
				pw.metrics.ProjectionLastApplied.Set(float64(seq))
				pw.metrics.RecordChannel("projection", len(pw.inputChan), cap(pw.inputChan))
			}
		}
	}
}

func (pw *ProjectionWorker) loadWatermark(ctx context.Context) error {
	err := pw.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID,
	).Scan(&pw.lastSeq)
	if err == sql.ErrNoRows {
		pw.lastSeq = 0
		return nil
	}
	return err
}

func (pw *ProjectionWorker) apply(ctx context.Context, u Update) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, b := range u.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_path, asset_id)
			DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
		`, b.AccountPath, b.AssetID, b.Delta, u.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for _, p := range u.Positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions (trader, market, size, open_notional, realized_pnl, fees_paid, last_sequence)
			VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7)
			ON CONFLICT (trader, market) DO UPDATE SET
				size = EXCLUDED.size,
				open_notional = EXCLUDED.open_notional,
				realized_pnl = projections.positions.realized_pnl + EXCLUDED.realized_pnl,
				fees_paid = projections.positions.fees_paid + EXCLUDED.fees_paid,
				last_sequence = EXCLUDED.last_sequence
		`, p.Trader, p.Market, numeric(p.Size), numeric(p.OpenNotional), numeric(p.RealizedPnl), numeric(p.Fee), u.Sequence); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}

	for _, o := range u.Orders {
		if o.Closed {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM projections.open_orders WHERE order_id = $1`, o.OrderID,
			); err != nil {
				return fmt.Errorf("order projection: %w", err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.open_orders
				(order_id, trader, market, lower_tick, upper_tick, liquidity, fees_collected, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8)
			ON CONFLICT (order_id) DO UPDATE SET
				liquidity = projections.open_orders.liquidity + EXCLUDED.liquidity,
				fees_collected = projections.open_orders.fees_collected + EXCLUDED.fees_collected,
				last_sequence = EXCLUDED.last_sequence
		`, o.OrderID, o.Trader, o.Market, o.LowerTick, o.UpperTick, numeric(o.Liquidity), numeric(o.QuoteFee), u.Sequence); err != nil {
			return fmt.Errorf("order projection: %w", err)
		}
	}

	for _, f := range u.Funding {
		if _, err := tx.ExecContext(ctx, insertFundingSQL, f.args()...); err != nil {
			return fmt.Errorf("funding projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, u.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

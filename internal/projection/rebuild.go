package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

var rebuildStatements = []struct {
	name  string
	query string
}{
	{"balances", `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset_id, -amount, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, asset_id
	`},
	{"positions", `
		INSERT INTO projections.positions (trader, market, size, open_notional, realized_pnl, fees_paid, last_sequence)
		SELECT latest.trader, latest.market, latest.size, latest.open_notional, totals.realized_pnl, totals.fees_paid, latest.sequence
		FROM (
			SELECT DISTINCT ON (payload->>'trader', payload->>'market')
				(payload->>'trader')::uuid AS trader,
				payload->>'market' AS market,
				(payload->>'new_size')::numeric AS size,
				(payload->>'new_open_notional')::numeric AS open_notional,
				sequence
			FROM event_log.events
			WHERE event_type = 'PositionChanged'
			ORDER BY payload->>'trader', payload->>'market', sequence DESC, idx DESC
		) latest
		JOIN (
			SELECT (payload->>'trader')::uuid AS trader,
				payload->>'market' AS market,
				SUM(COALESCE((payload->>'realized_pnl')::numeric, 0)) AS realized_pnl,
				SUM(COALESCE((payload->>'fee')::numeric, 0)) AS fees_paid
			FROM event_log.events
			WHERE event_type = 'PositionChanged'
			GROUP BY 1, 2
		) totals USING (trader, market)
	`},
	{"open_orders", `
		INSERT INTO projections.open_orders
			(order_id, trader, market, lower_tick, upper_tick, liquidity, fees_collected, last_sequence)
		SELECT payload->>'order_id',
			MIN(payload->>'trader')::uuid,
			MIN(payload->>'market'),
			MIN((payload->>'lower_tick')::int),
			MIN((payload->>'upper_tick')::int),
			SUM((payload->>'liquidity')::numeric),
			SUM(COALESCE((payload->>'quote_fee')::numeric, 0)),
			MAX(sequence)
		FROM event_log.events
		WHERE event_type = 'LiquidityChanged'
		GROUP BY payload->>'order_id'
		HAVING NOT bool_or(COALESCE((payload->>'order_closed')::boolean, false))
	`},
	{"funding_history", `
		INSERT INTO projections.funding_history
			(trader, market, sequence, payment, funding_growth, position_size, timestamp)
		SELECT (payload->>'trader')::uuid,
			payload->>'market',
			sequence,
			(payload->>'payment')::numeric,
			(payload->>'funding_growth')::numeric,
			(payload->>'position_size')::numeric,
			timestamp
		FROM event_log.events
		WHERE event_type = 'FundingPaymentSettled'
		ON CONFLICT (trader, market, sequence) DO NOTHING
	`},
	{"watermark", `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', COALESCE(MAX(sequence), 0), NOW() FROM event_log.commands
	`},
}

// RebuildProjections recomputes every projection table from the event log
// in one transaction. The live worker skips anything at or below the
// rebuilt watermark.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		TRUNCATE projections.balances, projections.positions, projections.open_orders,
			projections.funding_history, projections.watermark
	`); err != nil {
		return fmt.Errorf("truncate projections: %w", err)
	}

	for _, stmt := range rebuildStatements {
		res, err := tx.ExecContext(ctx, stmt.query)
		if err != nil {
			return fmt.Errorf("rebuild %s: %w", stmt.name, err)
		}
		n, _ := res.RowsAffected()
		logger.Debug().Str("table", stmt.name).Int64("rows", n).Msg("projection rebuilt")
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}

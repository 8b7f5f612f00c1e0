// Package query serves read-only views over the projection tables and the
// event log. Results are eventually consistent with the core; positions and
// balances carry the projection watermark they were read at.
package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// QueryService provides read-only access to projection tables.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalances returns every projected ledger account of a trader.
func (qs *QueryService) GetBalances(ctx context.Context, trader uuid.UUID) ([]BalanceResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path, asset_id
	`, fmt.Sprintf("user:%s:%%", trader))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceResponse
	for rows.Next() {
		var b BalanceResponse
		if err := rows.Scan(&b.AccountPath, &b.AssetID, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetPositions returns a trader's non-empty positions.
func (qs *QueryService) GetPositions(ctx context.Context, trader uuid.UUID) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market, size::text, open_notional::text, realized_pnl::text, fees_paid::text, last_sequence
		FROM projections.positions
		WHERE trader = $1 AND (size <> 0 OR open_notional <> 0)
		ORDER BY market
	`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		p := PositionResponse{Trader: trader, AsOfSequence: asOfSeq}
		if err := rows.Scan(&p.Market, &p.Size, &p.OpenNotional, &p.RealizedPnl, &p.FeesPaid, &p.LastSequence); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetOpenOrders returns a trader's open orders, optionally in one market.
func (qs *QueryService) GetOpenOrders(ctx context.Context, trader uuid.UUID, market *string) ([]OpenOrderResponse, error) {
	query := `
		SELECT order_id, market, lower_tick, upper_tick, liquidity::text, fees_collected::text, last_sequence
		FROM projections.open_orders
		WHERE trader = $1
	`
	args := []interface{}{trader}
	if market != nil {
		query += " AND market = $2"
		args = append(args, *market)
	}
	query += " ORDER BY market, lower_tick, upper_tick"

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []OpenOrderResponse
	for rows.Next() {
		o := OpenOrderResponse{Trader: trader}
		if err := rows.Scan(&o.OrderID, &o.Market, &o.LowerTick, &o.UpperTick, &o.Liquidity, &o.FeesCollected, &o.LastSequence); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetFundingHistory returns funding payments newest first. beforeSeq pages
// backwards.
func (qs *QueryService) GetFundingHistory(
	ctx context.Context,
	trader uuid.UUID,
	market *string,
	limit int,
	beforeSeq *int64,
) ([]FundingHistoryResponse, error) {
	query := `
		SELECT market, sequence, payment::text, funding_growth::text, position_size::text, timestamp
		FROM projections.funding_history
		WHERE trader = $1
	`
	args := []interface{}{trader}
	argIdx := 2

	if market != nil {
		query += fmt.Sprintf(" AND market = $%d", argIdx)
		args = append(args, *market)
		argIdx++
	}

	if beforeSeq != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSeq)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []FundingHistoryResponse
	for rows.Next() {
		h := FundingHistoryResponse{Trader: trader}
		if err := rows.Scan(&h.Market, &h.Sequence, &h.Payment, &h.FundingGrowth, &h.PositionSize, &h.Timestamp); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetJournalHistory returns journal entries for a trader with pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	trader uuid.UUID,
	limit int,
	beforeSeq *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", trader)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSeq != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSeq)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the command log's hash chain and sequence
// continuity, and that projected balances net to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM event_log.commands`,
	).Scan(&report.LastSequence); err != nil {
		return nil, err
	}

	var err error
	report.HashChainBreaks, err = qs.sequences(ctx, `
		SELECT c.sequence
		FROM event_log.commands c
		JOIN event_log.commands p ON p.sequence = c.sequence - 1
		WHERE c.prev_hash <> p.state_hash
		ORDER BY c.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}

	report.SequenceGaps, err = qs.sequences(ctx, `
		SELECT c.sequence
		FROM event_log.commands c
		LEFT JOIN event_log.commands p ON p.sequence = c.sequence - 1
		WHERE c.sequence > 1 AND p.sequence IS NULL
		ORDER BY c.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) sequences(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

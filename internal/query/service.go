package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// QueryService is the read side: it serves API queries from the projection
// tables and the event log, never from engine memory. Every response carries
// as_of_sequence, the last event the projections have absorbed, so callers
// can reason about freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// Watermark returns the last sequence applied by the projection worker.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// GetPositions returns a trader's open positions across all exchanges.
func (qs *QueryService) GetPositions(ctx context.Context, trader string) ([]PositionResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT exchange, size::text, margin::text, notional::text, unrealized_pnl::text
		FROM projections.positions
		WHERE trader = $1 AND size != 0
		ORDER BY exchange
	`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		p := PositionResponse{Trader: trader, AsOfSequence: asOfSeq}
		if err := rows.Scan(&p.Exchange, &p.Size, &p.Margin, &p.Notional, &p.UnrealizedPnl); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetPosition returns one trader position, or nil if none is open.
func (qs *QueryService) GetPosition(ctx context.Context, exchange, trader string) (*PositionResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	p := PositionResponse{Exchange: exchange, Trader: trader, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT size::text, margin::text, notional::text, unrealized_pnl::text
		FROM projections.positions
		WHERE exchange = $1 AND trader = $2 AND size != 0
	`, exchange, trader).Scan(&p.Size, &p.Margin, &p.Notional, &p.UnrealizedPnl)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetFundingHistory returns settlement history for an exchange, newest first,
// with cursor pagination on settled_at.
func (qs *QueryService) GetFundingHistory(
	ctx context.Context,
	exchange string,
	kind *string,
	limit int,
	beforeSettledAt *int64,
) ([]FundingHistoryEntry, error) {
	query := `
		SELECT exchange, kind, rate::text,
		       mark_twap::text, index_twap::text, total_notional::text, total_fee::text,
		       settled_at, sequence
		FROM projections.funding_history
		WHERE exchange = $1
	`
	args := []interface{}{exchange}
	argIdx := 2

	if kind != nil {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, *kind)
		argIdx++
	}

	if beforeSettledAt != nil {
		query += fmt.Sprintf(" AND settled_at < $%d", argIdx)
		args = append(args, *beforeSettledAt)
		argIdx++
	}

	query += " ORDER BY settled_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []FundingHistoryEntry
	for rows.Next() {
		var h FundingHistoryEntry
		var markTwap, indexTwap, totalNotional, totalFee sql.NullString
		if err := rows.Scan(
			&h.Exchange, &h.Kind, &h.Rate,
			&markTwap, &indexTwap, &totalNotional, &totalFee,
			&h.SettledAt, &h.Sequence,
		); err != nil {
			return nil, err
		}
		h.MarkTwap = nullableString(markTwap)
		h.IndexTwap = nullableString(indexTwap)
		h.TotalNotional = nullableString(totalNotional)
		h.TotalFee = nullableString(totalFee)
		history = append(history, h)
	}

	return history, rows.Err()
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

// GetJournalHistory returns ledger entries touching a trader's accounts,
// newest first, with cursor pagination on sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	trader string,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("trader:%s:%%", trader)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
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
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetEvents returns envelopes from the event log starting at a sequence.
func (qs *QueryService) GetEvents(ctx context.Context, fromSequence int64, limit int) ([]EventHistoryEntry, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, exchange,
		       block_height, block_time, payload, state_hash, prev_hash
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventHistoryEntry
	for rows.Next() {
		var e EventHistoryEntry
		var stateHash, prevHash []byte
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Exchange,
			&e.BlockHeight, &e.BlockTime, &e.Payload, &stateHash, &prevHash,
		); err != nil {
			return nil, err
		}
		e.StateHash = hex.EncodeToString(stateHash)
		e.PrevHash = hex.EncodeToString(prevHash)
		events = append(events, e)
	}

	return events, rows.Err()
}

// VerifyIntegrity checks the event log hash chain and the zero-sum invariant
// of the projected book. Every journal moves value between two accounts, so
// per-asset balances must sum to zero; a non-zero sum means the projection
// diverged and needs a rebuild.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::text
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var ua UnbalancedAsset
		if err := balanceRows.Scan(&ua.Asset, &ua.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, ua)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

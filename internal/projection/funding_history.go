package projection

import (
	"context"
	"database/sql"

	"PerpVamm/internal/event"
)

// Funding and overnight-fee settlements land in projections.funding_history,
// one row per settlement per exchange. Rows are insert-only; replays hit the
// (exchange, kind, settled_at) unique constraint and are dropped.

const (
	settlementKindFunding   = "funding"
	settlementKindOvernight = "overnight_fee"
)

func insertFundingHistory(ctx context.Context, tx *sql.Tx, seq int64, evt *event.FundingSettled) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.funding_history
			(exchange, kind, rate, mark_twap, index_twap, settled_at, sequence)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7)
		ON CONFLICT (exchange, kind, settled_at) DO NOTHING
	`, evt.Exchange, settlementKindFunding,
		evt.PremiumFraction.String(), evt.MarkTwap.String(), evt.IndexTwap.String(),
		evt.SettledAt, seq)
	return err
}

func insertOvernightHistory(ctx context.Context, tx *sql.Tx, seq int64, evt *event.OvernightFeeSettled) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.funding_history
			(exchange, kind, rate, total_notional, total_fee, settled_at, sequence)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7)
		ON CONFLICT (exchange, kind, settled_at) DO NOTHING
	`, evt.Exchange, settlementKindOvernight,
		evt.Rate.String(), evt.TotalOpenNotional.String(), evt.TotalFee.String(),
		evt.SettledAt, seq)
	return err
}

package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"PerpVamm/internal/event"
)

// projections.positions mirrors the engine's position book, keyed
// (exchange, trader). Every position-touching event carries the resulting
// state, so the projection is a straight upsert; closed positions stay as
// zero-size rows and queries filter them out.

func upsertPositionChanged(ctx context.Context, tx *sql.Tx, seq int64, evt *event.PositionChanged) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(exchange, trader, size, margin, notional, unrealized_pnl, last_sequence)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7)
		ON CONFLICT (exchange, trader) DO UPDATE SET
			size = $3::numeric, margin = $4::numeric, notional = $5::numeric,
			unrealized_pnl = $6::numeric, last_sequence = $7
	`, evt.Exchange, evt.Trader,
		evt.PositionSizeAfter.String(), evt.Margin.String(),
		evt.PositionNotional.String(), evt.UnrealizedPnlAfter.String(), seq)
	return err
}

func adjustPositionSize(ctx context.Context, tx *sql.Tx, seq int64, evt *event.PositionAdjusted) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.positions
		SET size = $3::numeric, last_sequence = $4
		WHERE exchange = $1 AND trader = $2
	`, evt.Exchange, evt.Trader, evt.NewPositionSize.String(), seq)
	return err
}

func clearPosition(ctx context.Context, tx *sql.Tx, seq int64, exchange, trader string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.positions
		SET size = 0, margin = 0, notional = 0, unrealized_pnl = 0, last_sequence = $3
		WHERE exchange = $1 AND trader = $2
	`, exchange, trader, seq)
	return err
}

// applyEvent routes one decoded engine event into the projection tables.
func applyEvent(ctx context.Context, tx *sql.Tx, seq int64, evt event.Event) error {
	switch e := evt.(type) {
	case *event.PositionChanged:
		return upsertPositionChanged(ctx, tx, seq, e)
	case *event.PositionAdjusted:
		return adjustPositionSize(ctx, tx, seq, e)
	case *event.PositionLiquidated:
		return clearPosition(ctx, tx, seq, e.Exchange, e.Trader)
	case *event.PositionSettled:
		return clearPosition(ctx, tx, seq, e.Exchange, e.Trader)
	case *event.FundingSettled:
		return insertFundingHistory(ctx, tx, seq, e)
	case *event.OvernightFeeSettled:
		return insertOvernightHistory(ctx, tx, seq, e)
	}
	return nil
}

// decodeEvent rebuilds a typed event from a stored envelope row for replay.
// Event types with no projection effect decode to nil.
func decodeEvent(eventType string, payload []byte) (event.Event, error) {
	var evt event.Event
	switch eventType {
	case event.EventTypePositionChanged.String():
		evt = &event.PositionChanged{}
	case event.EventTypePositionAdjusted.String():
		evt = &event.PositionAdjusted{}
	case event.EventTypePositionLiquidated.String():
		evt = &event.PositionLiquidated{}
	case event.EventTypePositionSettled.String():
		evt = &event.PositionSettled{}
	case event.EventTypeFundingSettled.String():
		evt = &event.FundingSettled{}
	case event.EventTypeOvernightFeeSettled.String():
		evt = &event.OvernightFeeSettled{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return evt, nil
}

package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker is the durable second dedup tier. A command key
// counts as seen if any emitted envelope carries it, or if a journal was
// written under it (deposits and withdrawals emit no envelope; their journal
// event_ref is "{command_type}:{key}").
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate checks the event log for the command key.
func (pic *PostgresIdempotencyChecker) IsDuplicate(commandType, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1 FROM event_log.events WHERE idempotency_key = $1
        UNION ALL
        SELECT 1 FROM event_log.journal WHERE event_ref IN ($1, $2)
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, idempotencyKey, commandType+":"+idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// commandTokenForEvent maps a stored event type back to the command token
// the dedup tier keys on. PositionChanged is produced by both open and
// close commands and MarginChanged by both margin commands, so those warm
// nothing; their first replay falls through to the database and is cached.
func commandTokenForEvent(eventType string) (string, bool) {
	switch eventType {
	case "PositionLiquidated":
		return "liquidate", true
	case "FundingSettled":
		return "pay_funding", true
	case "OvernightFeeSettled":
		return "pay_overnight_fee", true
	case "PositionSettled":
		return "settle_position", true
	case "LiquidityMigrated":
		return "migrate_liquidity", true
	case "ExchangeShutdown":
		return "shutdown_exchange", true
	case "PositionAdjusted":
		return "adjust_position", true
	default:
		return "", false
	}
}

// RecentCompositeKeys returns composite "{command_type}:{key}" entries for
// the newest events in the log, oldest first, for warming the in-memory LRU
// on startup.
func (pic *PostgresIdempotencyChecker) RecentCompositeKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
        SELECT event_type, idempotency_key FROM (
            SELECT event_type, idempotency_key, sequence FROM event_log.events
            ORDER BY sequence DESC
            LIMIT $1
        ) recent
        ORDER BY sequence ASC
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		if token, ok := commandTokenForEvent(eventType); ok {
			keys = append(keys, token+":"+key)
		}
	}
	return keys, rows.Err()
}

package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"PerpVamm/internal/clearing"
	"PerpVamm/internal/ledger"
)

// EventLogWriter writes envelopes and journals to Postgres using multi-row
// INSERT with ON CONFLICT DO NOTHING, so replays after a crash are
// idempotent. Switch to pgx CopyFrom if insert throughput ever becomes the
// bottleneck.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Exchange       *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	BlockHeight    int64
	BlockTime      int64
}

// JournalRow is a row in event_log.journal. Amounts travel as canonical
// 18-decimal strings and land in NUMERIC columns.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	JournalType   int32
	Timestamp     int64
}

// EventRowFromOutput flattens an engine output into its event row.
func EventRowFromOutput(out clearing.Output) EventRow {
	env := out.Envelope
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Exchange:       env.Exchange,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		BlockHeight:    env.BlockHeight,
		BlockTime:      env.BlockTime,
	}
}

// JournalRowsFromBatch flattens a ledger batch into journal rows.
func JournalRowsFromBatch(b *ledger.Batch) []JournalRow {
	rows := make([]JournalRow, 0, len(b.Journals))
	for _, j := range b.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.Debit.AccountPath(),
			CreditAccount: j.Credit.AccountPath(),
			Asset:         j.Asset,
			Amount:        j.Amount.String(),
			JournalType:   int32(j.Type),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

func (w *EventLogWriter) DB() *sql.DB { return w.db }

// WriteEventBatch writes a batch of events inside the given transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, exchange, payload, state_hash, prev_hash, block_height, block_time)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Exchange,
			e.Payload, e.StateHash, e.PrevHash, e.BlockHeight, e.BlockTime,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal rows inside the given transaction.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

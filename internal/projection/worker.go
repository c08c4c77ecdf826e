package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpVamm/internal/clearing"
	"PerpVamm/internal/observability"
)

// ProjectionWorker maintains the read-side tables from engine outputs:
// account balances from journal entries, funding and overnight-fee history
// from settlement envelopes, and a watermark recording the last projected
// sequence. The feed is lossy by design — if the worker falls behind,
// dropped outputs are recovered by rebuilding from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan clearing.Output
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan clearing.Output, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log.With().Str("component", "projection").Logger(),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, out); err != nil {
				// Projections are eventually consistent and rebuildable.
				pw.log.Warn().Int64("sequence", out.Envelope.Sequence).Err(err).Msg("projection update failed")
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
			}

			pw.lastSeq = out.Envelope.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, out clearing.Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, b := range out.Batches {
		for _, j := range b.Journals {
			if err := pw.updateBalanceProjection(ctx, tx, j.Debit.AccountPath(), j.Credit.AccountPath(), j.Asset, j.Amount.String(), out.Envelope.Sequence); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if out.Event != nil {
		if err := applyEvent(ctx, tx, out.Envelope.Sequence, out.Event); err != nil {
			return fmt.Errorf("apply event: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, out.Envelope.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, debit, credit, asset, amount string, seq int64) error {
	// Debit account gains, credit account loses: amounts move from the
	// credit account to the debit account.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $3::numeric, last_sequence = $4
	`, debit, asset, amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, -$3::numeric, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance - $3::numeric, last_sequence = $4
	`, credit, asset, amount, seq); err != nil {
		return err
	}

	return nil
}

// RebuildProjections rebuilds every projection table from the event log:
// balances are re-aggregated from the journal, positions and funding history
// are replayed from event payloads, and the watermark is reset to the latest
// event.
func RebuildProjections(ctx context.Context, db *sql.DB, metrics *observability.Metrics, log zerolog.Logger) error {
	start := time.Now()
	statements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.funding_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debit side gains.
	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT debit_account, asset, SUM(amount), MAX(sequence)
		FROM event_log.journal
		GROUP BY debit_account, asset
	`); err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Credit side loses.
	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT credit_account, asset, -SUM(amount), MAX(sequence)
		FROM event_log.journal
		GROUP BY credit_account, asset
		ON CONFLICT (account_path) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`); err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	replayed, err := replayEventProjections(ctx, db)
	if err != nil {
		return fmt.Errorf("rebuild event projections: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', COALESCE(MAX(sequence), 0), NOW() FROM event_log.events
		ON CONFLICT (worker_id) DO UPDATE
			SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	log.Info().Int64("events_replayed", replayed).Dur("elapsed", time.Since(start)).Msg("projection rebuild complete")
	return nil
}

// replayEventProjections walks the event log in sequence order and re-applies
// position and settlement-history updates from stored payloads. Returns the
// number of events walked.
func replayEventProjections(ctx context.Context, db *sql.DB) (int64, error) {
	const pageSize = 1000

	var replayed int64
	from := int64(0)
	for {
		rows, err := db.QueryContext(ctx, `
			SELECT sequence, event_type, payload
			FROM event_log.events
			WHERE sequence >= $1
			ORDER BY sequence ASC
			LIMIT $2
		`, from, pageSize)
		if err != nil {
			return replayed, err
		}

		type eventPage struct {
			seq       int64
			eventType string
			payload   []byte
		}
		var page []eventPage
		for rows.Next() {
			var p eventPage
			if err := rows.Scan(&p.seq, &p.eventType, &p.payload); err != nil {
				rows.Close()
				return replayed, err
			}
			page = append(page, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return replayed, err
		}
		if len(page) == 0 {
			return replayed, nil
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return replayed, err
		}
		for _, p := range page {
			evt, err := decodeEvent(p.eventType, p.payload)
			if err != nil {
				tx.Rollback()
				return replayed, err
			}
			if evt == nil {
				continue
			}
			if err := applyEvent(ctx, tx, p.seq, evt); err != nil {
				tx.Rollback()
				return replayed, fmt.Errorf("replay sequence %d: %w", p.seq, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return replayed, err
		}

		replayed += int64(len(page))
		from = page[len(page)-1].seq + 1
	}
}

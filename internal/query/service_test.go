package query_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"

	"PerpVamm/internal/fixed"
	"PerpVamm/internal/query"
	"PerpVamm/internal/testutil"
)

func d(t *testing.T, s string) fixed.Decimal {
	t.Helper()
	v, err := fixed.FromString(s)
	if err != nil {
		t.Fatalf("FromString(%q): %v", s, err)
	}
	return v
}

func seedWatermark(t *testing.T, db *sql.DB, seq int64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1
	`, seq)
	if err != nil {
		t.Fatalf("seed watermark: %v", err)
	}
}

func seedBalance(t *testing.T, db *sql.DB, path, asset, balance string, seq int64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3::numeric, $4)
	`, path, asset, balance, seq)
	if err != nil {
		t.Fatalf("seed balance %s: %v", path, err)
	}
}

func seedPosition(t *testing.T, db *sql.DB, exchange, trader, size, margin, notional, upnl string, seq int64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO projections.positions
			(exchange, trader, size, margin, notional, unrealized_pnl, last_sequence)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7)
	`, exchange, trader, size, margin, notional, upnl, seq)
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func TestGetBalance(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	seedWatermark(t, db, 10)
	seedBalance(t, db, "trader:alice:collateral:USDC", "USDC", "1500", 10)
	seedBalance(t, db, "trader:alice:pending_withdrawal:USDC", "USDC", "200", 10)

	qs := query.NewQueryService(db)
	bal, err := qs.GetBalance(context.Background(), "alice", "USDC")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if d(t, bal.Collateral).Cmp(d(t, "1500")) != 0 {
		t.Errorf("collateral = %s, want 1500", bal.Collateral)
	}
	if d(t, bal.PendingWithdrawal).Cmp(d(t, "200")) != 0 {
		t.Errorf("pending withdrawal = %s, want 200", bal.PendingWithdrawal)
	}
	if bal.AsOfSequence != 10 {
		t.Errorf("as_of_sequence = %d, want 10", bal.AsOfSequence)
	}
}

func TestGetBalanceUnknownTraderIsZero(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	qs := query.NewQueryService(db)
	bal, err := qs.GetBalance(context.Background(), "nobody", "USDC")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if d(t, bal.Collateral).Sign() != 0 {
		t.Errorf("collateral = %s, want 0", bal.Collateral)
	}
}

func TestGetPositionsFiltersClosed(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	seedWatermark(t, db, 7)
	seedPosition(t, db, "ETH-USDC", "alice", "0.5", "100", "1000", "25", 7)
	seedPosition(t, db, "BTC-USDC", "alice", "0", "0", "0", "0", 7)

	qs := query.NewQueryService(db)
	positions, err := qs.GetPositions(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1 (closed positions filtered)", len(positions))
	}
	p := positions[0]
	if p.Exchange != "ETH-USDC" || d(t, p.Size).Cmp(d(t, "0.5")) != 0 {
		t.Errorf("position = %+v", p)
	}

	closed, err := qs.GetPosition(context.Background(), "BTC-USDC", "alice")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if closed != nil {
		t.Errorf("closed position returned: %+v", closed)
	}
}

func TestGetFundingHistoryCursor(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	for i, settledAt := range []int64{1000, 2000, 3000} {
		_, err := db.Exec(`
			INSERT INTO projections.funding_history
				(exchange, kind, rate, mark_twap, index_twap, settled_at, sequence)
			VALUES ('ETH-USDC', 'funding', '0.0001'::numeric, '2001'::numeric, '2000'::numeric, $1, $2)
		`, settledAt, i+1)
		if err != nil {
			t.Fatalf("seed funding history: %v", err)
		}
	}
	_, err := db.Exec(`
		INSERT INTO projections.funding_history
			(exchange, kind, rate, total_notional, total_fee, settled_at, sequence)
		VALUES ('ETH-USDC', 'overnight_fee', '0.0001'::numeric, '50000'::numeric, '5'::numeric, 2500, 4)
	`)
	if err != nil {
		t.Fatalf("seed overnight history: %v", err)
	}

	qs := query.NewQueryService(db)
	ctx := context.Background()

	kind := "funding"
	history, err := qs.GetFundingHistory(ctx, "ETH-USDC", &kind, 10, nil)
	if err != nil {
		t.Fatalf("GetFundingHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("got %d entries, want 3", len(history))
	}
	if history[0].SettledAt != 3000 {
		t.Errorf("first entry settled_at = %d, want newest first", history[0].SettledAt)
	}
	if history[0].MarkTwap == nil || history[0].TotalFee != nil {
		t.Errorf("funding entry nullable fields wrong: %+v", history[0])
	}

	before := int64(3000)
	page, err := qs.GetFundingHistory(ctx, "ETH-USDC", &kind, 10, &before)
	if err != nil {
		t.Fatalf("GetFundingHistory cursor: %v", err)
	}
	if len(page) != 2 || page[0].SettledAt != 2000 {
		t.Errorf("cursor page = %+v", page)
	}

	all, err := qs.GetFundingHistory(ctx, "ETH-USDC", nil, 10, nil)
	if err != nil {
		t.Fatalf("GetFundingHistory all kinds: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("got %d entries across kinds, want 4", len(all))
	}
}

func TestGetJournalHistory(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	insert := func(seq int64, debit, credit string) {
		t.Helper()
		_, err := db.Exec(`
			INSERT INTO event_log.journal
				(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
			VALUES ($1, $2, 'jh-test', $3, $4, $5, 'USDC', '10'::numeric, 0, 0)
		`, uuid.New(), uuid.New(), seq, debit, credit)
		if err != nil {
			t.Fatalf("seed journal: %v", err)
		}
	}

	insert(1, "trader:alice:collateral:USDC", "external:deposits:USDC")
	insert(2, "system:ETH-USDC:vault:USDC", "trader:alice:collateral:USDC")
	insert(3, "trader:bob:collateral:USDC", "external:deposits:USDC")

	qs := query.NewQueryService(db)
	entries, err := qs.GetJournalHistory(context.Background(), "alice", 10, nil)
	if err != nil {
		t.Fatalf("GetJournalHistory: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Sequence != 2 {
		t.Errorf("first entry sequence = %d, want newest first", entries[0].Sequence)
	}
}

func TestVerifyIntegrity(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	seedBalance(t, db, "trader:alice:collateral:USDC", "USDC", "100", 1)
	seedBalance(t, db, "external:deposits:USDC", "USDC", "-100", 1)

	qs := query.NewQueryService(db)
	report, err := qs.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !report.IsHealthy {
		t.Errorf("report unhealthy: %+v", report)
	}

	// Introduce an imbalance.
	seedBalance(t, db, "trader:mallory:collateral:USDC", "USDC", "5", 2)

	report, err = qs.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if report.IsHealthy || len(report.UnbalancedAssets) != 1 {
		t.Fatalf("imbalance not detected: %+v", report)
	}
	if report.UnbalancedAssets[0].Asset != "USDC" {
		t.Errorf("unbalanced asset = %s", report.UnbalancedAssets[0].Asset)
	}
}

func TestVerifyIntegrityDetectsHashChainBreak(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	hashA := make([]byte, 32)
	hashA[0] = 0xaa
	hashB := make([]byte, 32)
	hashB[0] = 0xbb

	insert := func(seq int64, stateHash, prevHash []byte) {
		t.Helper()
		_, err := db.Exec(`
			INSERT INTO event_log.events
				(sequence, event_type, idempotency_key, exchange, payload, state_hash, prev_hash, block_height, block_time)
			VALUES ($1, 'PositionChanged', $2, 'ETH-USDC', '{}', $3, $4, 0, 0)
		`, seq, uuid.NewString(), stateHash, prevHash)
		if err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}

	insert(1, hashA, make([]byte, 32))
	insert(2, hashB, hashA)
	insert(3, make([]byte, 32), hashA) // prev_hash should be hashB

	qs := query.NewQueryService(db)
	report, err := qs.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if len(report.HashChainBreaks) != 1 || report.HashChainBreaks[0] != 3 {
		t.Errorf("hash chain breaks = %v, want [3]", report.HashChainBreaks)
	}
	if report.IsHealthy {
		t.Error("report healthy despite chain break")
	}
}

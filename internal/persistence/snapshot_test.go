package persistence

import (
	"testing"
	"time"

	"PerpVamm/internal/clearing"
	"PerpVamm/internal/fixed"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/state"
)

func d(s string) fixed.Decimal {
	return fixed.MustFromString(s)
}

func TestSnapshotDataRoundtrip(t *testing.T) {
	var hash [32]byte
	hash[0] = 0x42

	src := clearing.Snapshot{
		Sequence:  77,
		StateHash: hash,
		Balances: map[ledger.AccountKey]fixed.Decimal{
			ledger.TraderAccount("alice", "USDC"):   d("900"),
			ledger.VaultAccount("ETH-USDC", "USDC"): d("100"),
			ledger.ExternalAccount(ledger.SubTypeDeposits, "USDC"): d("-1000"),
		},
		Positions: map[state.PositionKey]state.Position{
			{Exchange: "ETH-USDC", Trader: "alice"}: {
				Size:         d("0.5"),
				Margin:       d("100"),
				OpenNotional: d("1000"),
			},
		},
		OpenInterest: map[string]fixed.Decimal{"ETH-USDC": d("1000")},
	}

	sd := NewSnapshotData(src, time.Unix(1700000000, 0).UTC())
	got := sd.ToSnapshot()

	if got.Sequence != 77 || got.StateHash != hash {
		t.Errorf("sequence/hash = %d/%x", got.Sequence, got.StateHash)
	}
	if len(got.Balances) != 3 {
		t.Fatalf("got %d balances, want 3", len(got.Balances))
	}
	alice := got.Balances[ledger.TraderAccount("alice", "USDC")]
	if !alice.Equal(d("900")) {
		t.Errorf("alice balance = %s, want 900", alice)
	}
	ext := got.Balances[ledger.ExternalAccount(ledger.SubTypeDeposits, "USDC")]
	if !ext.Equal(d("-1000")) {
		t.Errorf("external balance = %s, want -1000", ext)
	}

	pos, ok := got.Positions[state.PositionKey{Exchange: "ETH-USDC", Trader: "alice"}]
	if !ok {
		t.Fatal("position missing after roundtrip")
	}
	if !pos.Size.Equal(d("0.5")) || !pos.OpenNotional.Equal(d("1000")) {
		t.Errorf("position = %+v", pos)
	}

	if oi := got.OpenInterest["ETH-USDC"]; !oi.Equal(d("1000")) {
		t.Errorf("open interest = %s, want 1000", oi)
	}

	if sd.EncodedSize() == 0 {
		t.Error("EncodedSize = 0")
	}
}

func TestSnapshotDataStableOrdering(t *testing.T) {
	src := clearing.Snapshot{
		Balances: map[ledger.AccountKey]fixed.Decimal{
			ledger.TraderAccount("zed", "USDC"):   d("1"),
			ledger.TraderAccount("alice", "USDC"): d("2"),
			ledger.TraderAccount("bob", "USDC"):   d("3"),
		},
	}

	sd := NewSnapshotData(src, time.Now())
	paths := make([]string, 0, len(sd.Balances))
	for _, b := range sd.Balances {
		paths = append(paths, accountKeyOf(b).AccountPath())
	}
	for i := 1; i < len(paths); i++ {
		if paths[i-1] >= paths[i] {
			t.Fatalf("balances not sorted: %v", paths)
		}
	}
}

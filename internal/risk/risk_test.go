package risk

import (
	"errors"
	"testing"

	"PerpVamm/internal/fixed"
)

func d(t *testing.T, s string) fixed.Decimal {
	t.Helper()
	v, err := fixed.FromString(s)
	if err != nil {
		t.Fatalf("FromString(%q): %v", s, err)
	}
	return v
}

func TestParamsOwnerGate(t *testing.T) {
	p := NewParams("gov", ParamsConfig{
		InitMarginRatio:        fixed.MustFromString("0.1"),
		MaintenanceMarginRatio: fixed.MustFromString("0.0625"),
	})

	if err := p.SetSpreadRatio("mallory", d(t, "0.001")); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("SetSpreadRatio by non-owner: got %v, want %v", err, ErrNotOwner)
	}
	if err := p.SetSpreadRatio("gov", d(t, "0.001")); err != nil {
		t.Fatalf("SetSpreadRatio by owner: %v", err)
	}
	if got := p.SpreadRatio().String(); got != "0.001000000000000000" {
		t.Errorf("SpreadRatio = %s", got)
	}
	if got := p.MaintenanceMarginRatio().String(); got != "0.062500000000000000" {
		t.Errorf("MaintenanceMarginRatio = %s", got)
	}
}

func TestSettingsInsuranceFundRegistry(t *testing.T) {
	s := NewSettings("gov", SettingsConfig{})

	if _, ok := s.InsuranceFund("ETH-USDC"); ok {
		t.Fatal("unregistered exchange should have no insurance fund")
	}
	if err := s.SetInsuranceFund("mallory", "ETH-USDC", "fund-1"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("SetInsuranceFund by non-owner: got %v, want %v", err, ErrNotOwner)
	}
	if err := s.SetInsuranceFund("gov", "ETH-USDC", "fund-1"); err != nil {
		t.Fatalf("SetInsuranceFund: %v", err)
	}
	fund, ok := s.InsuranceFund("ETH-USDC")
	if !ok || fund != "fund-1" {
		t.Errorf("InsuranceFund = %q, %v", fund, ok)
	}
}

func TestTrancheTokenMintBurnGate(t *testing.T) {
	s := NewSettings("gov", SettingsConfig{})
	tok := NewTrancheToken("ETH-USDC", TrancheHigh, s)

	if err := tok.Mint("someone", "alice", d(t, "100")); !errors.Is(err, ErrNotExchange) {
		t.Fatalf("Mint by non-exchange: got %v, want %v", err, ErrNotExchange)
	}
	if err := tok.Mint("ETH-USDC", "alice", d(t, "100")); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if got := tok.TotalSupply().String(); got != "100.000000000000000000" {
		t.Errorf("TotalSupply = %s", got)
	}

	if err := tok.Burn("ETH-USDC", "alice", d(t, "150")); err == nil {
		t.Fatal("burn above balance should fail")
	}
	if err := tok.Burn("ETH-USDC", "alice", d(t, "40")); err != nil {
		t.Fatalf("Burn: %v", err)
	}
	if got := tok.BalanceOf("alice").String(); got != "60.000000000000000000" {
		t.Errorf("BalanceOf = %s", got)
	}
}

func TestTrancheTokenTransferRestriction(t *testing.T) {
	s := NewSettings("gov", SettingsConfig{BlockTransfer: true})
	tok := NewTrancheToken("ETH-USDC", TrancheLow, s)

	if err := tok.Mint("ETH-USDC", "alice", d(t, "10")); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if err := tok.Transfer("alice", "bob", d(t, "5")); !errors.Is(err, ErrTransferBlocked) {
		t.Fatalf("blocked transfer: got %v, want %v", err, ErrTransferBlocked)
	}

	if err := s.SetTransferWhitelisted("gov", "bob", true); err != nil {
		t.Fatalf("SetTransferWhitelisted: %v", err)
	}
	if err := tok.Transfer("alice", "bob", d(t, "5")); err != nil {
		t.Fatalf("whitelisted transfer: %v", err)
	}
	if got := tok.BalanceOf("bob").String(); got != "5.000000000000000000" {
		t.Errorf("BalanceOf(bob) = %s", got)
	}

	// Lifting the global block allows everyone again.
	if err := s.SetBlockTransfer("gov", false); err != nil {
		t.Fatalf("SetBlockTransfer: %v", err)
	}
	if err := tok.Transfer("bob", "carol", d(t, "1")); err != nil {
		t.Fatalf("unblocked transfer: %v", err)
	}
}

func TestParamsInitTranches(t *testing.T) {
	s := NewSettings("gov", SettingsConfig{})
	p := NewParams("gov", ParamsConfig{})

	if p.TrancheToken(TrancheHigh) != nil {
		t.Fatal("tranche token exists before InitTranches")
	}

	p.InitTranches("ETH-USDC", s)
	high := p.TrancheToken(TrancheHigh)
	low := p.TrancheToken(TrancheLow)
	if high == nil || low == nil {
		t.Fatal("tranche tokens not created")
	}
	if high.Exchange() != "ETH-USDC" || low.Tranche() != TrancheLow {
		t.Errorf("tranche wiring: high=%+v low=%+v", high, low)
	}

	// Re-init must not discard existing share ledgers.
	if err := high.Mint("ETH-USDC", "alice", d(t, "10")); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	p.InitTranches("ETH-USDC", s)
	if got := p.TrancheToken(TrancheHigh).BalanceOf("alice").String(); got != "10.000000000000000000" {
		t.Errorf("BalanceOf after re-init = %s", got)
	}

	if p.TrancheToken(Tranche(9)) != nil {
		t.Error("out-of-range tranche returned a token")
	}
}

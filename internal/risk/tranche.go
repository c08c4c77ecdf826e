package risk

import (
	"errors"
	"fmt"

	"PerpVamm/internal/fixed"
)

// Tranche identifies the LP risk tier.
type Tranche int

const (
	TrancheHigh Tranche = iota // senior, first claim on LP fees
	TrancheLow                 // junior, absorbs losses first
)

func (t Tranche) String() string {
	switch t {
	case TrancheHigh:
		return "high"
	case TrancheLow:
		return "low"
	default:
		return fmt.Sprintf("tranche(%d)", int(t))
	}
}

var (
	ErrNotExchange        = errors.New("caller is not exchange")
	ErrTransferBlocked    = errors.New("transfer is blocked")
	ErrInsufficientShares = errors.New("insufficient share balance")
)

// TrancheToken is the share ledger for one LP tranche of one exchange. Only
// the owning exchange mints and burns; transfers are subject to the
// system-wide restriction policy.
type TrancheToken struct {
	exchange string
	tranche  Tranche
	settings *Settings

	balances    map[string]fixed.Decimal
	totalSupply fixed.Decimal
}

func NewTrancheToken(exchange string, tranche Tranche, settings *Settings) *TrancheToken {
	return &TrancheToken{
		exchange: exchange,
		tranche:  tranche,
		settings: settings,
		balances: make(map[string]fixed.Decimal),
	}
}

func (t *TrancheToken) Exchange() string           { return t.exchange }
func (t *TrancheToken) Tranche() Tranche           { return t.tranche }
func (t *TrancheToken) TotalSupply() fixed.Decimal { return t.totalSupply }

func (t *TrancheToken) BalanceOf(addr string) fixed.Decimal {
	return t.balances[addr]
}

func (t *TrancheToken) Mint(caller, to string, amount fixed.Decimal) error {
	if caller != t.exchange {
		return ErrNotExchange
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("mint amount must be positive, got %s", amount)
	}
	t.balances[to] = t.balances[to].Add(amount)
	t.totalSupply = t.totalSupply.Add(amount)
	return nil
}

func (t *TrancheToken) Burn(caller, from string, amount fixed.Decimal) error {
	if caller != t.exchange {
		return ErrNotExchange
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("burn amount must be positive, got %s", amount)
	}
	bal := t.balances[from]
	if bal.LT(amount) {
		return fmt.Errorf("%w: have %s, burn %s", ErrInsufficientShares, bal, amount)
	}
	t.balances[from] = bal.Sub(amount)
	t.totalSupply = t.totalSupply.Sub(amount)
	return nil
}

func (t *TrancheToken) Transfer(from, to string, amount fixed.Decimal) error {
	if !t.settings.CanTransfer(from, to) {
		return ErrTransferBlocked
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %s", amount)
	}
	bal := t.balances[from]
	if bal.LT(amount) {
		return fmt.Errorf("%w: have %s, transfer %s", ErrInsufficientShares, bal, amount)
	}
	t.balances[from] = bal.Sub(amount)
	t.balances[to] = t.balances[to].Add(amount)
	return nil
}

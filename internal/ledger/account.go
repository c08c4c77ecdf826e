// Package ledger is the in-process double-entry book for all collateral
// movement: trader deposits, vault custody, fee routing, insurance fund
// balances. Every transfer is a journal entry moving a positive amount from
// a credit account to a debit account, so the book is zero-sum by
// construction.
package ledger

import "fmt"

// Scope is the top-level account namespace.
type Scope uint8

const (
	ScopeTrader Scope = iota
	ScopeSystem
	ScopeExternal
)

// SubType says what an account is for.
type SubType uint8

const (
	// Trader sub-types.
	SubTypeCollateral SubType = iota
	SubTypePendingWithdrawal

	// System sub-types.
	SubTypeVault
	SubTypeInsuranceFund
	SubTypeFees
	SubTypeLpPool

	// External boundary sub-types.
	SubTypeDeposits
	SubTypeWithdrawals
)

// AccountKey identifies one balance. Entity is a trader address for trader
// scope, an exchange or fund id for system scope, and empty for external.
type AccountKey struct {
	Scope   Scope
	Entity  string
	SubType SubType
	Asset   string
}

func TraderAccount(addr, asset string) AccountKey {
	return AccountKey{Scope: ScopeTrader, Entity: addr, SubType: SubTypeCollateral, Asset: asset}
}

func PendingWithdrawalAccount(addr, asset string) AccountKey {
	return AccountKey{Scope: ScopeTrader, Entity: addr, SubType: SubTypePendingWithdrawal, Asset: asset}
}

func VaultAccount(exchange, asset string) AccountKey {
	return AccountKey{Scope: ScopeSystem, Entity: exchange, SubType: SubTypeVault, Asset: asset}
}

func InsuranceAccount(fund, asset string) AccountKey {
	return AccountKey{Scope: ScopeSystem, Entity: fund, SubType: SubTypeInsuranceFund, Asset: asset}
}

func FeeAccount(exchange, asset string) AccountKey {
	return AccountKey{Scope: ScopeSystem, Entity: exchange, SubType: SubTypeFees, Asset: asset}
}

func LpPoolAccount(exchange, asset string) AccountKey {
	return AccountKey{Scope: ScopeSystem, Entity: exchange, SubType: SubTypeLpPool, Asset: asset}
}

func ExternalAccount(subType SubType, asset string) AccountKey {
	return AccountKey{Scope: ScopeExternal, SubType: subType, Asset: asset}
}

// AccountPath returns the string form used in storage and logs.
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case ScopeTrader:
		return fmt.Sprintf("trader:%s:%s:%s", k.Entity, k.subTypeName(), k.Asset)
	case ScopeSystem:
		return fmt.Sprintf("system:%s:%s:%s", k.Entity, k.subTypeName(), k.Asset)
	case ScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypePendingWithdrawal:
		return "pending_withdrawal"
	case SubTypeVault:
		return "vault"
	case SubTypeInsuranceFund:
		return "insurance_fund"
	case SubTypeFees:
		return "fees"
	case SubTypeLpPool:
		return "lp_pool"
	case SubTypeDeposits:
		return "deposits"
	case SubTypeWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

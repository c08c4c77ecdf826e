package ledger

import (
	"errors"
	"fmt"
	"sort"

	"PerpVamm/internal/fixed"
)

// ErrInsufficientBalance is returned when a journal would drive a
// non-external account negative.
var ErrInsufficientBalance = errors.New("DecreaseBalance: insufficient balance")

// BalanceTracker maintains in-memory account balances. External boundary
// accounts may go negative (they mirror money entering or leaving the
// system); every other account is floored at zero and a breach is a hard
// error.
type BalanceTracker struct {
	balances map[AccountKey]fixed.Decimal
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{balances: make(map[AccountKey]fixed.Decimal)}
}

// Get returns the current balance; absent accounts read as zero.
func (bt *BalanceTracker) Get(key AccountKey) fixed.Decimal {
	return bt.balances[key]
}

// ApplyBatch validates and applies all journals atomically: if any entry
// would overdraw an account, nothing is applied.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	// Dry-run against pending deltas so multi-leg batches are checked as a
	// whole.
	pending := make(map[AccountKey]fixed.Decimal)
	for _, j := range batch.Journals {
		pending[j.Debit] = pending[j.Debit].Add(j.Amount)
		pending[j.Credit] = pending[j.Credit].Sub(j.Amount)
	}
	for key, delta := range pending {
		if key.Scope == ScopeExternal {
			continue
		}
		if bt.balances[key].Add(delta).Sign() < 0 {
			return fmt.Errorf("%w: account %s has %s, delta %s",
				ErrInsufficientBalance, key.AccountPath(), bt.balances[key], delta)
		}
	}

	for key, delta := range pending {
		bt.balances[key] = bt.balances[key].Add(delta)
	}
	return nil
}

// ComputeGlobalBalance sums all balances per asset; a zero-sum book yields
// zero for every asset.
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]fixed.Decimal {
	totals := make(map[string]fixed.Decimal)
	for key, balance := range bt.balances {
		totals[key.Asset] = totals[key.Asset].Add(balance)
	}
	return totals
}

// ValidateNonNegative checks one account.
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if bt.balances[key].Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), bt.balances[key])
	}
	return nil
}

// Snapshot returns a copy of all balances for state hashing and persistence.
func (bt *BalanceTracker) Snapshot() map[AccountKey]fixed.Decimal {
	snapshot := make(map[AccountKey]fixed.Decimal, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore overwrites the book from a snapshot.
func (bt *BalanceTracker) Restore(balances map[AccountKey]fixed.Decimal) {
	bt.balances = make(map[AccountKey]fixed.Decimal, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}

// SortedKeys returns every account in deterministic path order, for state
// hashing.
func (bt *BalanceTracker) SortedKeys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}

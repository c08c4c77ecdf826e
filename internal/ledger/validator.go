package ledger

import "fmt"

// InvariantValidator checks book-level invariants after applying batches.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{tracker: tracker}
}

// ValidateGlobalBalance verifies the book is zero-sum per asset.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for asset, total := range v.tracker.ComputeGlobalBalance() {
		if !total.IsZero() {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset, total)
		}
	}
	return nil
}

// ValidateSystemNonNegative verifies no system or trader account is
// overdrawn.
func (v *InvariantValidator) ValidateSystemNonNegative() error {
	for _, key := range v.tracker.SortedKeys() {
		if key.Scope == ScopeExternal {
			continue
		}
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}

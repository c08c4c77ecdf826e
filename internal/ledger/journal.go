package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"PerpVamm/internal/fixed"
)

// JournalType labels the purpose of an entry.
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeTradeFee
	JournalTypeRealizedPnL
	JournalTypeMarginTransfer
	JournalTypeFundingSettle
	JournalTypeOvernightFee
	JournalTypeLiquidationFee
	JournalTypeBadDebt
	JournalTypeInsuranceTransfer
	JournalTypeSettlement
	JournalTypeAdjustment
)

// Journal is a single double-entry transfer: Amount moves from the credit
// account to the debit account and is always positive.
type Journal struct {
	JournalID uuid.UUID
	BatchID   uuid.UUID
	EventRef  string // idempotency key of the source command
	Sequence  int64
	Debit     AccountKey
	Credit    AccountKey
	Asset     string
	Amount    fixed.Decimal
	Type      JournalType
	Timestamp int64 // versioned input time, unix seconds
}

// Batch groups the journal entries produced by one operation. Each entry is
// individually balanced, so the batch is too.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate checks the batch is well-formed.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}
	for _, j := range b.Journals {
		if j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.Debit == j.Credit {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.Debit.Asset != j.Asset || j.Credit.Asset != j.Asset {
			return fmt.Errorf("journal %s crosses assets", j.JournalID)
		}
	}
	return nil
}

// Package vault is the custody layer over the ledger: trader collateral in
// and out, per-exchange margin pools, fee routing and insurance-fund draws.
// Every operation produces one balanced journal batch, applies it to the
// book and hands the batch back for persistence.
package vault

import (
	"fmt"

	"github.com/google/uuid"

	"PerpVamm/internal/fixed"
	"PerpVamm/internal/ledger"
)

// Tx carries the versioned-input metadata stamped on every journal the
// operation produces.
type Tx struct {
	EventRef  string
	Sequence  int64
	Timestamp int64
}

type Vault struct {
	book *ledger.BalanceTracker
}

func New(book *ledger.BalanceTracker) *Vault {
	return &Vault{book: book}
}

func (v *Vault) Book() *ledger.BalanceTracker { return v.book }

// Balance of one trader's free collateral.
func (v *Vault) TraderBalance(trader, asset string) fixed.Decimal {
	return v.book.Get(ledger.TraderAccount(trader, asset))
}

// PoolBalance of one exchange's margin pool.
func (v *Vault) PoolBalance(exchange, asset string) fixed.Decimal {
	return v.book.Get(ledger.VaultAccount(exchange, asset))
}

// InsuranceBalance of one fund.
func (v *Vault) InsuranceBalance(fund, asset string) fixed.Decimal {
	return v.book.Get(ledger.InsuranceAccount(fund, asset))
}

func (v *Vault) newBatch(tx Tx) *ledger.Batch {
	return &ledger.Batch{
		BatchID:   uuid.New(),
		EventRef:  tx.EventRef,
		Sequence:  tx.Sequence,
		Timestamp: tx.Timestamp,
	}
}

func (v *Vault) addJournal(b *ledger.Batch, debit, credit ledger.AccountKey, asset string, amount fixed.Decimal, jt ledger.JournalType) {
	b.Journals = append(b.Journals, ledger.Journal{
		JournalID: uuid.New(),
		BatchID:   b.BatchID,
		EventRef:  b.EventRef,
		Sequence:  b.Sequence,
		Debit:     debit,
		Credit:    credit,
		Asset:     asset,
		Amount:    amount,
		Type:      jt,
		Timestamp: b.Timestamp,
	})
}

func (v *Vault) commit(b *ledger.Batch) (*ledger.Batch, error) {
	if err := v.book.ApplyBatch(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Deposit credits a trader's collateral from the external boundary.
func (v *Vault) Deposit(tx Tx, trader, asset string, amount fixed.Decimal) (*ledger.Batch, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %s", amount)
	}
	b := v.newBatch(tx)
	v.addJournal(b, ledger.TraderAccount(trader, asset), ledger.ExternalAccount(ledger.SubTypeDeposits, asset),
		asset, amount, ledger.JournalTypeDeposit)
	return v.commit(b)
}

// Withdraw debits a trader's collateral to the external boundary.
func (v *Vault) Withdraw(tx Tx, trader, asset string, amount fixed.Decimal) (*ledger.Batch, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("withdraw amount must be positive, got %s", amount)
	}
	b := v.newBatch(tx)
	v.addJournal(b, ledger.ExternalAccount(ledger.SubTypeWithdrawals, asset), ledger.TraderAccount(trader, asset),
		asset, amount, ledger.JournalTypeWithdrawal)
	return v.commit(b)
}

// TransferToPool moves margin from a trader into an exchange's pool.
func (v *Vault) TransferToPool(tx Tx, exchange, trader, asset string, amount fixed.Decimal) (*ledger.Batch, error) {
	b := v.newBatch(tx)
	v.addJournal(b, ledger.VaultAccount(exchange, asset), ledger.TraderAccount(trader, asset),
		asset, amount, ledger.JournalTypeMarginTransfer)
	return v.commit(b)
}

// TransferFromPool pays a trader out of an exchange's pool. If the pool is
// short (realized profits exceed what losers have paid in so far), the
// shortfall is drawn from the insurance fund first so the trader is always
// paid in full.
func (v *Vault) TransferFromPool(tx Tx, exchange, fund, trader, asset string, amount fixed.Decimal) (*ledger.Batch, error) {
	b := v.newBatch(tx)
	pool := v.PoolBalance(exchange, asset)
	if pool.LT(amount) {
		shortfall := amount.Sub(pool)
		v.addJournal(b, ledger.VaultAccount(exchange, asset), ledger.InsuranceAccount(fund, asset),
			asset, shortfall, ledger.JournalTypeInsuranceTransfer)
	}
	v.addJournal(b, ledger.TraderAccount(trader, asset), ledger.VaultAccount(exchange, asset),
		asset, amount, ledger.JournalTypeMarginTransfer)
	return v.commit(b)
}

// CollectFee routes a trader's spread fee: one share to the insurance fund,
// the remainder to the exchange's LP pool. Either share may be zero.
func (v *Vault) CollectFee(tx Tx, exchange, fund, trader, asset string, toInsurance, toLp fixed.Decimal) (*ledger.Batch, error) {
	if toInsurance.Sign() <= 0 && toLp.Sign() <= 0 {
		return nil, nil
	}
	b := v.newBatch(tx)
	if toInsurance.Sign() > 0 {
		v.addJournal(b, ledger.InsuranceAccount(fund, asset), ledger.TraderAccount(trader, asset),
			asset, toInsurance, ledger.JournalTypeTradeFee)
	}
	if toLp.Sign() > 0 {
		v.addJournal(b, ledger.LpPoolAccount(exchange, asset), ledger.TraderAccount(trader, asset),
			asset, toLp, ledger.JournalTypeTradeFee)
	}
	return v.commit(b)
}

// DistributePoolFee pays an exchange-level accrual (funding surplus,
// overnight fee) out of the pool, split between the LP pool and the
// insurance fund.
func (v *Vault) DistributePoolFee(tx Tx, exchange, fund, asset string, toLp, toInsurance fixed.Decimal, jt ledger.JournalType) (*ledger.Batch, error) {
	if toLp.Sign() <= 0 && toInsurance.Sign() <= 0 {
		return nil, nil
	}
	b := v.newBatch(tx)
	if toLp.Sign() > 0 {
		v.addJournal(b, ledger.LpPoolAccount(exchange, asset), ledger.VaultAccount(exchange, asset),
			asset, toLp, jt)
	}
	if toInsurance.Sign() > 0 {
		v.addJournal(b, ledger.InsuranceAccount(fund, asset), ledger.VaultAccount(exchange, asset),
			asset, toInsurance, jt)
	}
	return v.commit(b)
}

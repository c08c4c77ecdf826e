// Package insurance implements the per-exchange insurance fund. The fund
// holds the exchange's quote asset plus a reserve token, converts between
// them through an external swap router, and backstops the margin pool: a
// withdrawal that exceeds everything the fund can raise does not fail, it
// reports the residual as bad debt.
package insurance

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"PerpVamm/internal/fixed"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/vault"
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrExceedTotalBalance = errors.New("exceed total balance")
	ErrNotBeneficiary     = errors.New("caller is not beneficiary")
)

// SwapRouter swaps between the reserve token and the quote asset through an
// external venue.
type SwapRouter interface {
	Swap(fromAsset, toAsset string, amountIn, minAmountOut fixed.Decimal) (fixed.Decimal, error)
}

// Withdrawn reports the outcome of a withdrawal: how much was actually paid,
// how much could not be covered, and the ledger batches that moved the money.
type Withdrawn struct {
	Amount  fixed.Decimal
	BadDebt fixed.Decimal
	Batches []*ledger.Batch
}

// Fund is one insurance fund backing one exchange's margin pool.
type Fund struct {
	id           string
	beneficiary  string // exchange whose pool withdrawals credit
	quoteAsset   string
	reserveAsset string
	router       SwapRouter
	book         *ledger.BalanceTracker
}

func NewFund(id, beneficiary, quoteAsset, reserveAsset string, router SwapRouter, book *ledger.BalanceTracker) *Fund {
	return &Fund{
		id:           id,
		beneficiary:  beneficiary,
		quoteAsset:   quoteAsset,
		reserveAsset: reserveAsset,
		router:       router,
		book:         book,
	}
}

func (f *Fund) ID() string          { return f.id }
func (f *Fund) Beneficiary() string { return f.beneficiary }

// QuoteBalance is the fund's immediately payable holding.
func (f *Fund) QuoteBalance() fixed.Decimal {
	return f.book.Get(ledger.InsuranceAccount(f.id, f.quoteAsset))
}

// ReserveBalance is the fund's reserve-token holding.
func (f *Fund) ReserveBalance() fixed.Decimal {
	return f.book.Get(ledger.InsuranceAccount(f.id, f.reserveAsset))
}

// Convert swaps part of the quote holding into the reserve token.
func (f *Fund) Convert(tx vault.Tx, amount, minOutput fixed.Decimal) (fixed.Decimal, error) {
	if amount.Sign() <= 0 {
		return fixed.Decimal{}, ErrInvalidAmount
	}
	if amount.GT(f.QuoteBalance()) {
		return fixed.Decimal{}, ErrExceedTotalBalance
	}

	out, err := f.router.Swap(f.quoteAsset, f.reserveAsset, amount, minOutput)
	if err != nil {
		return fixed.Decimal{}, fmt.Errorf("router swap: %w", err)
	}

	batch := f.newBatch(tx)
	f.addJournal(batch, ledger.ExternalAccount(ledger.SubTypeWithdrawals, f.quoteAsset),
		ledger.InsuranceAccount(f.id, f.quoteAsset), f.quoteAsset, amount)
	f.addJournal(batch, ledger.InsuranceAccount(f.id, f.reserveAsset),
		ledger.ExternalAccount(ledger.SubTypeDeposits, f.reserveAsset), f.reserveAsset, out)
	if err := f.book.ApplyBatch(batch); err != nil {
		return fixed.Decimal{}, err
	}
	return out, nil
}

// Withdraw pays up to amount into the beneficiary exchange's margin pool.
// Quote holdings go first; if they fall short the entire reserve holding is
// converted back through the router; whatever still cannot be covered is
// reported as BadDebt rather than failing the call.
func (f *Fund) Withdraw(tx vault.Tx, caller string, amount fixed.Decimal) (Withdrawn, error) {
	if caller != f.beneficiary {
		return Withdrawn{}, ErrNotBeneficiary
	}
	if amount.Sign() <= 0 {
		return Withdrawn{}, ErrInvalidAmount
	}

	var batches []*ledger.Batch

	quote := f.QuoteBalance()
	if quote.LT(amount) {
		if reserve := f.ReserveBalance(); reserve.Sign() > 0 {
			out, err := f.router.Swap(f.reserveAsset, f.quoteAsset, reserve, fixed.Zero())
			if err != nil {
				return Withdrawn{}, fmt.Errorf("router swap: %w", err)
			}
			batch := f.newBatch(tx)
			f.addJournal(batch, ledger.ExternalAccount(ledger.SubTypeWithdrawals, f.reserveAsset),
				ledger.InsuranceAccount(f.id, f.reserveAsset), f.reserveAsset, reserve)
			f.addJournal(batch, ledger.InsuranceAccount(f.id, f.quoteAsset),
				ledger.ExternalAccount(ledger.SubTypeDeposits, f.quoteAsset), f.quoteAsset, out)
			if err := f.book.ApplyBatch(batch); err != nil {
				return Withdrawn{}, err
			}
			batches = append(batches, batch)
			quote = f.QuoteBalance()
		}
	}

	paid := fixed.Min(amount, quote)
	badDebt := amount.Sub(paid)

	if paid.Sign() > 0 {
		batch := f.newBatch(tx)
		f.addJournal(batch, ledger.VaultAccount(f.beneficiary, f.quoteAsset),
			ledger.InsuranceAccount(f.id, f.quoteAsset), f.quoteAsset, paid)
		if err := f.book.ApplyBatch(batch); err != nil {
			return Withdrawn{}, err
		}
		batches = append(batches, batch)
	}

	return Withdrawn{Amount: paid, BadDebt: badDebt, Batches: batches}, nil
}

func (f *Fund) newBatch(tx vault.Tx) *ledger.Batch {
	return &ledger.Batch{
		BatchID:   uuid.New(),
		EventRef:  tx.EventRef,
		Sequence:  tx.Sequence,
		Timestamp: tx.Timestamp,
	}
}

func (f *Fund) addJournal(b *ledger.Batch, debit, credit ledger.AccountKey, asset string, amount fixed.Decimal) {
	b.Journals = append(b.Journals, ledger.Journal{
		JournalID: uuid.New(),
		BatchID:   b.BatchID,
		EventRef:  b.EventRef,
		Sequence:  b.Sequence,
		Debit:     debit,
		Credit:    credit,
		Asset:     asset,
		Amount:    amount,
		Type:      ledger.JournalTypeInsuranceTransfer,
		Timestamp: b.Timestamp,
	})
}

/*
Package safe implements the per-station cash safe ledger.

PURPOSE:
  Every movement of physical cash in or out of a station safe is a
  Transaction. Each row stores the running balance before and after it,
  so the ledger can be printed like a passbook, but the stored balances
  are a projection: replaying every transaction in order from the safe's
  opening balance is the authority.

KEY CONCEPTS IN THIS FILE (types.go):
  - TransactionType: OPENING_BALANCE plus explicit credit and debit sets
  - Transaction: one immutable cash movement with its stored projection
  - Safe: the station safe and its cached current balance

ORDERING:
  Transactions are ordered by (Timestamp, Seq). Seq is the creation order
  and breaks timestamp ties, so backdated entries slot in deterministically.

SEE ALSO:
  - replay.go: Pure replay over an ordered slice
  - ledger.go: Posting, repair, reconciliation, summaries
*/
package safe

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/station-ledger/generic"
)

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

// TransactionType classifies a safe movement.
type TransactionType string

const (
	// TxOpeningBalance replaces the running balance with its amount.
	TxOpeningBalance TransactionType = "OPENING_BALANCE"

	// Credits (cash in)
	TxCashFuelSales  TransactionType = "CASH_FUEL_SALES"
	TxPOSCardPayment TransactionType = "POS_CARD_PAYMENT"
	TxCreditPayment  TransactionType = "CREDIT_PAYMENT"
	TxChequeReceived TransactionType = "CHEQUE_RECEIVED"
	TxLoanRepaid     TransactionType = "LOAN_REPAID"

	// Debits (cash out)
	TxExpense         TransactionType = "EXPENSE"
	TxBankDeposit     TransactionType = "BANK_DEPOSIT"
	TxLoanGiven       TransactionType = "LOAN_GIVEN"
	TxSalaryPayment   TransactionType = "SALARY_PAYMENT"
	TxSupplierPayment TransactionType = "SUPPLIER_PAYMENT"
	TxWithdrawal      TransactionType = "WITHDRAWAL"
)

var credits = map[TransactionType]bool{
	TxCashFuelSales:  true,
	TxPOSCardPayment: true,
	TxCreditPayment:  true,
	TxChequeReceived: true,
	TxLoanRepaid:     true,
}

var debits = map[TransactionType]bool{
	TxExpense:         true,
	TxBankDeposit:     true,
	TxLoanGiven:       true,
	TxSalaryPayment:   true,
	TxSupplierPayment: true,
	TxWithdrawal:      true,
}

// IsCredit reports whether t adds to the balance.
func (t TransactionType) IsCredit() bool { return credits[t] }

// IsDebit reports whether t subtracts from the balance.
func (t TransactionType) IsDebit() bool { return debits[t] }

// IsOpening reports whether t resets the balance.
func (t TransactionType) IsOpening() bool { return t == TxOpeningBalance }

// Valid reports whether t is a known type.
func (t TransactionType) Valid() bool { return t.IsOpening() || t.IsCredit() || t.IsDebit() }

// ParseTransactionType validates a wire value.
func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", generic.ErrUnknownTransactionType, s)
	}
	return t, nil
}

// Types lists every known type, sorted.
func Types() []TransactionType {
	out := []TransactionType{TxOpeningBalance}
	for t := range credits {
		out = append(out, t)
	}
	for t := range debits {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// RECORDS
// =============================================================================

// Refs links a safe movement to the record that caused it.
type Refs struct {
	ShiftID      generic.ShiftID `json:"shift_id,omitempty"`
	BatchID      string          `json:"batch_id,omitempty"`
	ChequeID     string          `json:"cheque_id,omitempty"`
	ExpenseID    string          `json:"expense_id,omitempty"`
	LoanID       generic.LoanID  `json:"loan_id,omitempty"`
	DepositID    string          `json:"deposit_id,omitempty"`
	CreditSaleID string          `json:"credit_sale_id,omitempty"`
}

// Transaction is one cash movement.
type Transaction struct {
	ID                generic.TransactionID
	SafeID            generic.SafeID
	Type              TransactionType
	Amount            decimal.Decimal
	Timestamp         time.Time
	BalanceBefore     decimal.Decimal
	BalanceAfter      decimal.Decimal
	Refs              Refs
	Description       string
	PerformedBy       string
	PossibleDuplicate bool
	Seq               int64
	CreatedAt         time.Time
}

// Safe is the per-station cash safe.
type Safe struct {
	ID             generic.SafeID
	StationID      generic.StationID
	OpeningBalance decimal.Decimal // immutable after creation
	CurrentBalance decimal.Decimal // cached projection of the last balanceAfter
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PostRequest is the input to Ledger.Post.
type PostRequest struct {
	SafeID      generic.SafeID
	Type        TransactionType
	Amount      decimal.Decimal
	Timestamp   time.Time // zero means now
	Refs        Refs
	Description string
	PerformedBy generic.Actor
}

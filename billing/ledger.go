/*
ledger.go - Period ledger entries and payment transactions

PURPOSE:
  A LedgerEntry is one billed month of one contract: the itemized concepts
  owed, what has been paid against them and the derived status. Payments are
  recorded as PaymentTransaction rows; AmountPaid is always their sum.

CRITICAL INVARIANTS:
  1. UNIQUE: At most one entry per (ContractID, MonthNumber)
  2. DERIVED: TotalDue == Σ Concepts, AmountPaid == Σ transaction amounts
  3. STATUS: COMPLETE iff AmountPaid >= TotalDue; PARTIAL iff
     0 < AmountPaid < TotalDue; PENDING otherwise
  4. COMPLETE entries only accept corrective concepts, unless nothing has
     been paid yet (an entry with nothing due opens as COMPLETE)

CARRY-FORWARD:
  When AmountPaid exceeds TotalDue the surplus is not stored anywhere. It is
  computed from the entry when the next period is built and appears there as a
  negative A_FAVOR concept; CreditCarried then records how much was consumed.

SEE ALSO:
  - rental/payment.go: Payment reconciliation
  - rental/builder.go: Concept construction
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type LedgerStatus string

const (
	LedgerPending  LedgerStatus = "PENDING"
	LedgerPartial  LedgerStatus = "PARTIAL"
	LedgerComplete LedgerStatus = "COMPLETE"
)

// DeriveStatus maps paid/due amounts to a status.
func DeriveStatus(paid, due decimal.Decimal) LedgerStatus {
	switch {
	case paid.GreaterThanOrEqual(due):
		return LedgerComplete
	case paid.IsPositive():
		return LedgerPartial
	default:
		return LedgerPending
	}
}

type LedgerEntry struct {
	ID            LedgerID
	ContractID    ContractID
	GroupID       GroupID
	Period        Period
	MonthNumber   int
	Concepts      Concepts
	TotalDue      decimal.Decimal
	AmountPaid    decimal.Decimal
	Status        LedgerStatus
	CreditCarried decimal.Decimal

	// Version is incremented by the store on every update.
	Version   int
	CreatedAt time.Time
}

// Recalculate refreshes TotalDue and Status from the concepts and the given
// sum of payments.
func (l *LedgerEntry) Recalculate(amountPaid decimal.Decimal) {
	l.AmountPaid = amountPaid
	l.TotalDue = l.Concepts.Total()
	l.Status = DeriveStatus(l.AmountPaid, l.TotalDue)
}

// Surplus returns the overpaid amount, or zero.
func (l *LedgerEntry) Surplus() decimal.Decimal {
	if s := l.AmountPaid.Sub(l.TotalDue); s.IsPositive() {
		return s
	}
	return decimal.Zero
}

// Outstanding returns what remains to be paid, or zero.
func (l *LedgerEntry) Outstanding() decimal.Decimal {
	if o := l.TotalDue.Sub(l.AmountPaid); o.IsPositive() {
		return o
	}
	return decimal.Zero
}

// AddConcept appends a manual concept, refusing non-corrective concepts on a
// completed entry that already received payments.
func (l *LedgerEntry) AddConcept(c Concept) error {
	if l.Status == LedgerComplete && l.AmountPaid.IsPositive() && !c.Type.Corrective() {
		return &ImmutableCompletedPeriodError{LedgerID: l.ID, MonthNumber: l.MonthNumber, Reason: "period is complete"}
	}
	l.Concepts = append(l.Concepts, c)
	l.Recalculate(l.AmountPaid)
	return nil
}

// Clone returns a copy that shares no slices with the receiver.
func (l LedgerEntry) Clone() LedgerEntry {
	l.Concepts = l.Concepts.Clone()
	return l
}

// =============================================================================
// PAYMENT TRANSACTION
// =============================================================================

// PaymentTransaction is one physical payment event against a ledger entry.
type PaymentTransaction struct {
	ID               PaymentID
	LedgerID         LedgerID
	ContractID       ContractID
	PaymentDate      TimePoint
	PaymentMethod    string
	Amount           decimal.Decimal
	PunitoryAmount   decimal.Decimal
	PunitoryForgiven bool
	IVAAmount        decimal.Decimal
	ReceiptNumber    string
	Concepts         Concepts // Snapshot of the ledger at payment time
	CreatedAt        time.Time
}

// SumPayments returns the total amount of the given transactions.
func SumPayments(txs []PaymentTransaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.Amount)
	}
	return total
}

// =============================================================================
// PROPERTY GROUP - Saved distribution template
// =============================================================================

type TemplateItem struct {
	ContractID ContractID
	Percentage decimal.Decimal
}

// PropertyGroup is a reusable percentage split across contracts.
type PropertyGroup struct {
	ID        TemplateID
	GroupID   GroupID
	Name      string
	Items     []TemplateItem
	CreatedAt time.Time
}

/*
payment.go - Payment reconciliation

PURPOSE:
  Records physical payments against a ledger entry and keeps the entry's
  derived fields in line with them.

RECORD:
  1. PUNITORIOS set for the payment date (0 when forgiven)
  2. IVA set from the operator's amount (PaysIVA contracts only)
  3. Transaction stored with the next receipt number of the group and a
     snapshot of the concepts it paid
  4. AmountPaid = Σ transactions, status re-derived

DELETE:
  Reverses the transaction. PUNITORIOS and IVA fall back to what the latest
  remaining transaction recorded. Refused once the next month consumed this
  entry's surplus as A_FAVOR.
*/
package rental

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/rent-engine/billing"
)

// PaymentInput is what the operator enters for one payment.
type PaymentInput struct {
	PaymentDate      billing.TimePoint
	PaymentMethod    string
	Amount           decimal.Decimal
	PunitoryForgiven bool
	IVAAmount        decimal.Decimal
}

func (in PaymentInput) validate(c *billing.Contract) error {
	fields := map[string]string{}
	if !in.Amount.IsPositive() {
		fields["amount"] = "must be > 0"
	}
	if in.PaymentDate.IsZero() {
		fields["payment_date"] = "required"
	}
	if in.IVAAmount.IsNegative() {
		fields["iva_amount"] = "must be >= 0"
	}
	if !in.IVAAmount.IsZero() && !c.PaysIVA {
		fields["iva_amount"] = "contract does not pay IVA"
	}
	if len(fields) > 0 {
		return &billing.ValidationError{Fields: fields}
	}
	return nil
}

// PaymentResult is the stored transaction and the entry after it.
type PaymentResult struct {
	Transaction billing.PaymentTransaction
	Ledger      billing.LedgerEntry
}

// RecordPayment appends a payment to the ledger entry of monthNumber.
func (e *Engine) RecordPayment(ctx context.Context, contractID billing.ContractID, monthNumber int, in PaymentInput) (*PaymentResult, error) {
	var result PaymentResult
	err := e.store.WithTx(ctx, func(s billing.Store) error {
		c, err := s.GetContract(ctx, contractID)
		if err != nil {
			return err
		}
		if err := in.validate(c); err != nil {
			return err
		}
		l, err := s.GetLedger(ctx, c.ID, monthNumber)
		if err != nil {
			return err
		}
		if l.Status == billing.LedgerComplete {
			return &billing.ImmutableCompletedPeriodError{LedgerID: l.ID, MonthNumber: l.MonthNumber, Reason: "period is already paid"}
		}

		punitory := decimal.Zero
		if c.Type == billing.ContractTenant {
			late := DaysLate(l.Period, c.PunitoryStartDay, in.PaymentDate)
			if !in.PunitoryForgiven {
				punitory = Punitory(l.Concepts.Amount(billing.ConceptRent), c.PunitoryPercent, late)
			}
			desc := fmt.Sprintf("late interest, %d days", late)
			if in.PunitoryForgiven {
				desc = "late interest forgiven"
			}
			l.Concepts = l.Concepts.Set(billing.ConceptPunitory, punitory, desc)
		}
		if c.PaysIVA && (!in.IVAAmount.IsZero() || l.Concepts.Find(billing.ConceptIVA, false) < 0) {
			l.Concepts = setIVA(l.Concepts, in.IVAAmount)
		}
		l.Concepts = Order(l.Concepts)

		receipt, err := s.NextReceiptNumber(ctx, c.GroupID)
		if err != nil {
			return err
		}
		tx := billing.PaymentTransaction{
			ID:               billing.PaymentID(e.newID()),
			LedgerID:         l.ID,
			ContractID:       c.ID,
			PaymentDate:      in.PaymentDate,
			PaymentMethod:    in.PaymentMethod,
			Amount:           in.Amount,
			PunitoryAmount:   punitory,
			PunitoryForgiven: in.PunitoryForgiven,
			IVAAmount:        in.IVAAmount,
			ReceiptNumber:    receipt,
			Concepts:         l.Concepts.Clone(),
			CreatedAt:        e.now(),
		}
		if err := s.InsertPayment(ctx, tx); err != nil {
			return err
		}
		if err := reconcile(ctx, s, l); err != nil {
			return err
		}
		result = PaymentResult{Transaction: tx, Ledger: l.Clone()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"contract_id": contractID,
		"month":       monthNumber,
		"receipt":     result.Transaction.ReceiptNumber,
		"amount":      result.Transaction.Amount.String(),
		"status":      result.Ledger.Status,
	}).Info("payment recorded")
	return &result, nil
}

// DeletePayment removes a transaction and returns the entry after it.
func (e *Engine) DeletePayment(ctx context.Context, id billing.PaymentID) (*billing.LedgerEntry, error) {
	var ledger billing.LedgerEntry
	err := e.store.WithTx(ctx, func(s billing.Store) error {
		p, err := s.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		l, err := s.GetLedgerByID(ctx, p.LedgerID)
		if err != nil {
			return err
		}
		if l.CreditCarried.IsPositive() {
			return &billing.ImmutableCompletedPeriodError{
				LedgerID:    l.ID,
				MonthNumber: l.MonthNumber,
				Reason:      fmt.Sprintf("credit already carried to month %d", l.MonthNumber+1),
			}
		}
		c, err := s.GetContract(ctx, l.ContractID)
		if err != nil {
			return err
		}
		if err := s.DeletePayment(ctx, id); err != nil {
			return err
		}
		remaining, err := s.ListPayments(ctx, l.ID)
		if err != nil {
			return err
		}

		punitory, iva := decimal.Zero, decimal.Zero
		if n := len(remaining); n > 0 {
			punitory = remaining[n-1].PunitoryAmount
		}
		for _, tx := range remaining {
			if !tx.IVAAmount.IsZero() {
				iva = tx.IVAAmount
			}
		}
		if c.Type == billing.ContractTenant {
			l.Concepts = l.Concepts.Set(billing.ConceptPunitory, punitory, "")
		}
		if c.PaysIVA {
			l.Concepts = setIVA(l.Concepts, iva)
		}
		l.Recalculate(billing.SumPayments(remaining))
		if err := s.UpdateLedger(ctx, l); err != nil {
			return err
		}
		ledger = l.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"payment_id":  id,
		"contract_id": ledger.ContractID,
		"month":       ledger.MonthNumber,
		"status":      ledger.Status,
	}).Info("payment deleted")
	return &ledger, nil
}

// Payments returns the transactions of a ledger entry in payment order.
func (e *Engine) Payments(ctx context.Context, ledgerID billing.LedgerID) ([]billing.PaymentTransaction, error) {
	if _, err := e.store.GetLedgerByID(ctx, ledgerID); err != nil {
		return nil, err
	}
	return e.store.ListPayments(ctx, ledgerID)
}

// reconcile refreshes AmountPaid and status from the stored transactions.
func reconcile(ctx context.Context, s billing.Store, l *billing.LedgerEntry) error {
	txs, err := s.ListPayments(ctx, l.ID)
	if err != nil {
		return err
	}
	l.Recalculate(billing.SumPayments(txs))
	return s.UpdateLedger(ctx, l)
}

// setIVA writes the manual IVA concept, adding the slot when missing.
func setIVA(cs billing.Concepts, amount decimal.Decimal) billing.Concepts {
	if i := cs.Find(billing.ConceptIVA, false); i >= 0 {
		cs[i].Amount = amount
		return cs
	}
	return append(cs, billing.Concept{Type: billing.ConceptIVA, Amount: amount, Description: "IVA"})
}

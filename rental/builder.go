/*
builder.go - Period ledger builder

PURPOSE:
  Produces the ordered, itemized concepts a contract owes for one period.
  Opening a period stores the concepts that do not depend on when the tenant
  pays; the late-payment surcharge is recomputed for every payment date.

CONCEPT ORDER:
  1. ALQUILER    effective rent of the period (TENANT only)
  2. PUNITORIOS  late interest for the payment date, 0 when on time (TENANT only)
  3. A_FAVOR     negative credit carried from the previous period's surplus
  4. pass-through concepts of the property (EXPENSAS, MUNICIPAL, ...)
  5. manual concepts already on the ledger (batch distributions, corrections)
  6. IVA         manual slot, amount entered at payment time (PaysIVA only)

SEE ALSO:
  - punitory.go: Surcharge formula
  - payment.go: Uses Build at payment time
*/
package rental

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/rent-engine/billing"
)

// BuildInput describes one period to build.
type BuildInput struct {
	Contract    *billing.Contract
	MonthNumber int

	// Ledger is the stored entry, nil when the period is not opened yet.
	Ledger *billing.LedgerEntry

	// Rent and Credit are used only when Ledger is nil.
	Rent   decimal.Decimal
	Credit decimal.Decimal

	PaymentDate billing.TimePoint
}

// OpeningConcepts returns the concepts stored when a period is opened.
func OpeningConcepts(c *billing.Contract, period billing.Period, rent, credit decimal.Decimal) billing.Concepts {
	var cs billing.Concepts
	if c.Type == billing.ContractTenant {
		cs = append(cs, billing.Concept{
			Type: billing.ConceptRent, Amount: rent, IsAutomatic: true,
			Description: fmt.Sprintf("rent %s", period),
		})
	}
	if credit.IsPositive() {
		cs = append(cs, billing.Concept{
			Type: billing.ConceptCredit, Amount: credit.Neg(), IsAutomatic: true,
			Description: fmt.Sprintf("credit carried from %s", period.Add(-1)),
		})
	}
	for _, pt := range c.PassThrough {
		cs = append(cs, billing.Concept{
			Type: pt.Type, Amount: pt.Amount, IsAutomatic: true, Description: pt.Description,
		})
	}
	return cs
}

// Build returns the full ordered concept list for a payment on PaymentDate.
func Build(in BuildInput) billing.Concepts {
	c := in.Contract
	period := c.PeriodFor(in.MonthNumber)

	var cs billing.Concepts
	if in.Ledger != nil {
		cs = in.Ledger.Concepts.Clone()
	} else {
		cs = OpeningConcepts(c, period, in.Rent, in.Credit)
	}

	if c.Type == billing.ContractTenant {
		rent := cs.Amount(billing.ConceptRent)
		late := DaysLate(period, c.PunitoryStartDay, in.PaymentDate)
		cs = cs.Set(billing.ConceptPunitory, Punitory(rent, c.PunitoryPercent, late),
			fmt.Sprintf("late interest, %d days", late))
	}
	if c.PaysIVA && cs.Find(billing.ConceptIVA, false) < 0 {
		cs = append(cs, billing.Concept{Type: billing.ConceptIVA, Amount: decimal.Zero, Description: "IVA"})
	}
	return Order(cs)
}

// Order sorts concepts into their canonical order, keeping the relative
// order of concepts of the same rank.
func Order(cs billing.Concepts) billing.Concepts {
	out := cs.Clone()
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}

func rank(c billing.Concept) int {
	switch {
	case c.Type == billing.ConceptRent && c.IsAutomatic:
		return 0
	case c.Type == billing.ConceptPunitory && c.IsAutomatic:
		return 1
	case c.Type == billing.ConceptCredit && c.IsAutomatic:
		return 2
	case c.Type == billing.ConceptIVA:
		return 5
	case c.IsAutomatic:
		return 3
	default:
		return 4
	}
}

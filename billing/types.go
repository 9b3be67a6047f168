/*
Package billing provides the core data model of the rental billing engine.

PURPOSE:
  This package contains the records and invariants shared by every part of
  the engine: contracts and their period cursor, adjustment indexes and their
  reversible history, per-period ledger entries with their itemized concepts,
  payment transactions, and saved distribution templates. Algorithms that
  combine these records live in the rental and distribution packages.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal rounding helpers (Round2, Round0, Floor)
  - Concept: one itemized line of a ledger entry (rent, punitory, credit, ...)
  - Identifiers: type-safe IDs for groups, contracts, ledgers, indexes

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal, never float64, for every amount
  2. Auditability: Rounding happens in exactly one place per formula
  3. Type Safety: Strong typing for IDs prevents mixing contract/ledger IDs

USAGE:
  rent := billing.MustParseDecimal("100000")
  increased := billing.Round2(rent.Mul(billing.MustParseDecimal("1.10")))

SEE ALSO:
  - contract.go: Contract state model
  - ledger.go: Ledger entries and status derivation
  - store.go: Persistence interfaces
*/
package billing

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Rounding rules
// =============================================================================

var (
	// Hundred is used for every percentage conversion.
	Hundred = decimal.NewFromInt(100)
)

// Round2 rounds half away from zero to two decimal places.
func Round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// Round0 rounds half away from zero to a whole unit.
func Round0(d decimal.Decimal) decimal.Decimal { return d.Round(0) }

// Floor rounds towards negative infinity at the given number of places.
func Floor(d decimal.Decimal, places int32) decimal.Decimal { return d.RoundFloor(places) }

// Percent returns d * pct / 100 without rounding.
func Percent(d, pct decimal.Decimal) decimal.Decimal { return d.Mul(pct).Div(Hundred) }

// MustParseDecimal is for literals and pre-validated input; it panics when s
// is not a decimal number.
func MustParseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Sum adds every value.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type GroupID string
type ContractID string
type LedgerID string
type IndexID string
type PaymentID string
type AdjustmentID string
type TemplateID string

// =============================================================================
// CONCEPT - One itemized amount of a ledger entry
// =============================================================================

type ConceptType string

const (
	ConceptRent       ConceptType = "ALQUILER"   // Contracted rent for the period
	ConceptPunitory   ConceptType = "PUNITORIOS" // Late-payment daily interest
	ConceptCredit     ConceptType = "A_FAVOR"    // Credit carried from the previous period (negative)
	ConceptIVA        ConceptType = "IVA"        // Entered manually at payment time
	ConceptExpenses   ConceptType = "EXPENSAS"   // Building expenses pass-through
	ConceptMunicipal  ConceptType = "MUNICIPAL"  // Municipal tax pass-through
	ConceptCorrection ConceptType = "CORRECCION" // Allowed on completed periods
)

// Corrective reports whether a concept of this type may be added to a
// COMPLETE ledger entry.
func (t ConceptType) Corrective() bool { return t == ConceptCorrection }

type Concept struct {
	Type        ConceptType
	Amount      decimal.Decimal
	IsAutomatic bool
	Description string
}

// Concepts is an ordered list of concepts.
type Concepts []Concept

// Total returns the signed sum of every concept amount.
func (cs Concepts) Total() decimal.Decimal {
	total := decimal.Zero
	for _, c := range cs {
		total = total.Add(c.Amount)
	}
	return total
}

// Find returns the index of the first concept of the given type and
// automatic flag, or -1.
func (cs Concepts) Find(t ConceptType, automatic bool) int {
	for i, c := range cs {
		if c.Type == t && c.IsAutomatic == automatic {
			return i
		}
	}
	return -1
}

// Amount returns the summed amount of every concept of the given type.
func (cs Concepts) Amount(t ConceptType) decimal.Decimal {
	total := decimal.Zero
	for _, c := range cs {
		if c.Type == t {
			total = total.Add(c.Amount)
		}
	}
	return total
}

// Set replaces the automatic concept of type t, appending it when absent.
func (cs Concepts) Set(t ConceptType, amount decimal.Decimal, description string) Concepts {
	if i := cs.Find(t, true); i >= 0 {
		cs[i].Amount = amount
		if description != "" {
			cs[i].Description = description
		}
		return cs
	}
	return append(cs, Concept{Type: t, Amount: amount, IsAutomatic: true, Description: description})
}

// Clone returns an independent copy.
func (cs Concepts) Clone() Concepts {
	if cs == nil {
		return nil
	}
	out := make(Concepts, len(cs))
	copy(out, cs)
	return out
}

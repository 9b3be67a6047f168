package billing_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rent-engine/billing"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// STATUS DERIVATION
// =============================================================================

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name string
		paid string
		due  string
		want billing.LedgerStatus
	}{
		{"nothing paid", "0", "1000", billing.LedgerPending},
		{"partial", "1", "1000", billing.LedgerPartial},
		{"exact", "1000", "1000", billing.LedgerComplete},
		{"overpaid", "1500", "1000", billing.LedgerComplete},
		{"nothing due", "0", "0", billing.LedgerComplete},
		{"credit exceeds charges", "0", "-200", billing.LedgerComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, billing.DeriveStatus(dec(tt.paid), dec(tt.due)))
		})
	}
}

func TestLedgerEntry_Recalculate_SurplusAndOutstanding(t *testing.T) {
	l := billing.LedgerEntry{Concepts: billing.Concepts{
		{Type: billing.ConceptRent, Amount: dec("100000"), IsAutomatic: true},
		{Type: billing.ConceptCredit, Amount: dec("-5000"), IsAutomatic: true},
	}}

	l.Recalculate(dec("90000"))
	assert.True(t, l.TotalDue.Equal(dec("95000")))
	assert.Equal(t, billing.LedgerPartial, l.Status)
	assert.True(t, l.Outstanding().Equal(dec("5000")))
	assert.True(t, l.Surplus().IsZero())

	l.Recalculate(dec("96000"))
	assert.Equal(t, billing.LedgerComplete, l.Status)
	assert.True(t, l.Surplus().Equal(dec("1000")))
	assert.True(t, l.Outstanding().IsZero())
}

func TestLedgerEntry_AddConcept_CompleteOnlyAcceptsCorrections(t *testing.T) {
	// GIVEN: A completed entry
	l := billing.LedgerEntry{ID: "l-1", MonthNumber: 3, Concepts: billing.Concepts{
		{Type: billing.ConceptRent, Amount: dec("1000"), IsAutomatic: true},
	}}
	l.Recalculate(dec("1000"))
	require.Equal(t, billing.LedgerComplete, l.Status)

	// WHEN: Adding an expense
	err := l.AddConcept(billing.Concept{Type: billing.ConceptExpenses, Amount: dec("10")})

	// THEN: Refused
	var immErr *billing.ImmutableCompletedPeriodError
	require.ErrorAs(t, err, &immErr)
	assert.Equal(t, 3, immErr.MonthNumber)
	assert.Len(t, l.Concepts, 1)

	// WHEN: Adding a correction
	require.NoError(t, l.AddConcept(billing.Concept{Type: billing.ConceptCorrection, Amount: dec("-100")}))

	// THEN: Accepted and the status re-derived
	assert.True(t, l.TotalDue.Equal(dec("900")))
	assert.Equal(t, billing.LedgerComplete, l.Status)
}

func TestLedgerEntry_AddConcept_NothingDueNothingPaid_Accepts(t *testing.T) {
	// GIVEN: An opened entry with no concepts, COMPLETE because nothing is owed
	l := billing.LedgerEntry{ID: "l-1", MonthNumber: 1}
	l.Recalculate(decimal.Zero)
	require.Equal(t, billing.LedgerComplete, l.Status)

	// WHEN: A distributed expense is added
	require.NoError(t, l.AddConcept(billing.Concept{Type: billing.ConceptExpenses, Amount: dec("500")}))

	// THEN: The entry now owes it
	assert.True(t, l.TotalDue.Equal(dec("500")))
	assert.Equal(t, billing.LedgerPending, l.Status)
}

func TestConcepts_Set_ReplacesAutomaticOnly(t *testing.T) {
	cs := billing.Concepts{
		{Type: billing.ConceptPunitory, Amount: dec("50"), Description: "manual"},
	}

	cs = cs.Set(billing.ConceptPunitory, dec("10"), "auto")
	cs = cs.Set(billing.ConceptPunitory, dec("20"), "")

	require.Len(t, cs, 2)
	assert.True(t, cs[0].Amount.Equal(dec("50")))
	assert.True(t, cs[1].Amount.Equal(dec("20")))
	assert.Equal(t, "auto", cs[1].Description)
	assert.True(t, cs.Amount(billing.ConceptPunitory).Equal(dec("70")))
}

func TestSumPayments(t *testing.T) {
	txs := []billing.PaymentTransaction{{Amount: dec("10.50")}, {Amount: dec("4.50")}}

	assert.True(t, billing.SumPayments(txs).Equal(dec("15")))
	assert.True(t, billing.SumPayments(nil).IsZero())
}

// =============================================================================
// PERIODS
// =============================================================================

func TestParsePeriod(t *testing.T) {
	p, err := billing.ParsePeriod("2025-03")
	require.NoError(t, err)
	assert.Equal(t, billing.Period{Year: 2025, Month: time.March}, p)
	assert.Equal(t, "2025-03-31", p.End().String())
	assert.Equal(t, "2026-01", p.Add(10).Key())

	_, err = billing.ParsePeriod("03/2025")
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
}

func TestDaysBetween_Signed(t *testing.T) {
	a := billing.NewTimePoint(2025, time.February, 25)
	b := billing.NewTimePoint(2025, time.March, 2)

	assert.Equal(t, 5, billing.DaysBetween(a, b))
	assert.Equal(t, -5, billing.DaysBetween(b, a))
}

func TestMustParseDecimal_PanicsOnGarbage(t *testing.T) {
	assert.True(t, billing.MustParseDecimal("15000.25").Equal(dec("15000.25")))
	assert.Panics(t, func() { billing.MustParseDecimal("15.000,25") })
}

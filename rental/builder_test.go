package rental_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/rental"
)

func conceptTypes(cs billing.Concepts) []billing.ConceptType {
	out := make([]billing.ConceptType, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Type)
	}
	return out
}

func TestBuild_UnopenedTenant_CanonicalOrder(t *testing.T) {
	// GIVEN: A tenant paying IVA with municipal tax, and 5000 of carried credit
	c := tenantContract("c-1")
	c.PaysIVA = true
	c.PassThrough = []billing.PassThrough{{Type: billing.ConceptMunicipal, Amount: dec("2500")}}

	// WHEN: Building month 1 for a payment two days late
	cs := rental.Build(rental.BuildInput{
		Contract:    &c,
		MonthNumber: 1,
		Rent:        dec("100000"),
		Credit:      dec("5000"),
		PaymentDate: date(2025, time.January, 12),
	})

	// THEN: Rent, punitory, credit, pass-through, IVA slot
	assert.Equal(t, []billing.ConceptType{
		billing.ConceptRent, billing.ConceptPunitory, billing.ConceptCredit, billing.ConceptMunicipal, billing.ConceptIVA,
	}, conceptTypes(cs))
	assert.True(t, cs[1].Amount.Equal(dec("1200")))
	assert.True(t, cs[2].Amount.Equal(dec("-5000")))
	assert.True(t, cs.Total().Equal(dec("98700")))
}

func TestBuild_OpenedLedger_ManualConceptsKeptBeforeIVA(t *testing.T) {
	c := tenantContract("c-1")
	c.PaysIVA = true
	ledger := &billing.LedgerEntry{
		Period:      billing.Period{Year: 2025, Month: time.January},
		MonthNumber: 1,
		Concepts: billing.Concepts{
			{Type: billing.ConceptRent, Amount: dec("100000"), IsAutomatic: true},
			{Type: billing.ConceptExpenses, Amount: dec("3000"), Description: "roof"},
		},
	}

	cs := rental.Build(rental.BuildInput{Contract: &c, MonthNumber: 1, Ledger: ledger, PaymentDate: date(2025, time.January, 3)})

	assert.Equal(t, []billing.ConceptType{
		billing.ConceptRent, billing.ConceptPunitory, billing.ConceptExpenses, billing.ConceptIVA,
	}, conceptTypes(cs))
	assert.True(t, cs[1].Amount.IsZero(), "paid before due date")
	require.Len(t, ledger.Concepts, 2, "source ledger is not modified")
}

func TestBuild_OwnerObligation_PassThroughOnly(t *testing.T) {
	c := tenantContract("owner-1")
	c.Type = billing.ContractOwnerObligation
	c.BaseRent = dec("0")
	c.PassThrough = []billing.PassThrough{{Type: billing.ConceptMunicipal, Amount: dec("9000")}}

	cs := rental.Build(rental.BuildInput{Contract: &c, MonthNumber: 1, PaymentDate: date(2025, time.January, 28)})

	// No rent and no punitory, even paid late
	require.Len(t, cs, 1)
	assert.Equal(t, billing.ConceptMunicipal, cs[0].Type)
	assert.True(t, cs[0].Amount.Equal(dec("9000")))
}

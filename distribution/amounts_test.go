package distribution_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/distribution"
)

func TestAllocate_ScenarioSplit_AmountsRoundedToUnits(t *testing.T) {
	// GIVEN: 34 / 33 / 33 confirmed
	s := selected(t, 0, 3)
	s, err := s.SetPercentage("rec-3", dec("34"))
	require.NoError(t, err)
	s, err = s.Confirm()
	require.NoError(t, err)

	// WHEN: Allocating 100000
	alloc, err := s.Allocate(dec("100000"))

	// THEN: Exact whole amounts, no residual
	require.NoError(t, err)
	assert.Equal(t, "33000", alloc.Items[0].Amount.String())
	assert.Equal(t, "33000", alloc.Items[1].Amount.String())
	assert.Equal(t, "34000", alloc.Items[2].Amount.String())
	assert.True(t, alloc.Residual.IsZero())
}

func TestAllocate_RoundingResidual_Surfaced(t *testing.T) {
	s := selected(t, 2, 3)
	s, err := s.Confirm()
	require.NoError(t, err)

	alloc, err := s.Allocate(dec("100"))

	require.NoError(t, err)
	assert.True(t, alloc.Allocated.Equal(dec("99")))
	assert.True(t, alloc.Residual.Equal(dec("1")))
}

func TestAllocate_HalvesRoundUp_NegativeResidual(t *testing.T) {
	shares := []distribution.Share{share(1), share(2)}
	shares[0].Percentage = dec("50")
	shares[1].Percentage = dec("50")

	alloc, err := distribution.Allocate(dec("3"), shares)

	// 1.5 + 1.5 round to 2 + 2
	require.NoError(t, err)
	assert.True(t, alloc.Allocated.Equal(dec("4")))
	assert.True(t, alloc.Residual.Equal(dec("-1")))
}

// Each amount is off by at most half a unit, so |residual| <= n/2 either way.
func TestAllocate_ResidualWithinHalfUnitPerEntry(t *testing.T) {
	totals := []string{"1", "3", "7", "99", "100", "1001", "99999", "123457"}
	for n := 2; n <= 9; n++ {
		s := selected(t, 2, n)
		s, err := s.Confirm()
		require.NoError(t, err)
		for _, total := range totals {
			alloc, err := s.Allocate(dec(total))
			require.NoError(t, err)
			bound := decimal.NewFromInt(int64(n)).Div(decimal.NewFromInt(2))
			assert.True(t, alloc.Residual.Abs().LessThanOrEqual(bound),
				"n=%d total=%s residual=%s", n, total, alloc.Residual)
			assert.True(t, alloc.Total.Equal(alloc.Allocated.Add(alloc.Residual)))
		}
	}
}

func TestAllocate_BeforeConfirmation_WrongPhase(t *testing.T) {
	s := selected(t, 2, 2)

	_, err := s.Allocate(dec("100"))

	assert.ErrorIs(t, err, distribution.ErrWrongPhase)
}

func TestAllocate_NegativeTotal_Rejected(t *testing.T) {
	shares := []distribution.Share{share(1), share(2)}
	shares[0].Percentage = dec("50")
	shares[1].Percentage = dec("50")

	_, err := distribution.Allocate(dec("-1"), shares)

	assert.ErrorIs(t, err, distribution.ErrNegativeTotal)
}

func TestAmount_HalfRoundsAwayFromZero(t *testing.T) {
	assert.Equal(t, "3", distribution.Amount(dec("5"), dec("50")).String())
	assert.Equal(t, "0", distribution.Amount(dec("1"), dec("33.33")).String())
	assert.True(t, distribution.Amount(billing.Hundred, dec("12.5")).Equal(dec("13")))
}

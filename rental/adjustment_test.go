package rental_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/rental"
)

func intPtr(v int) *int { return &v }

func indexedContract(id string, currentMonth int) billing.Contract {
	c := tenantContract(id)
	c.AdjustmentIndexID = "ipc"
	c.CurrentMonth = currentMonth
	return c
}

// =============================================================================
// TRIGGER RULE
// =============================================================================

func TestDueRule_QuarterlyIndex_TriggersOnMonths4_7_10(t *testing.T) {
	// GIVEN: A quarterly index on a twelve-month contract
	idx := &billing.AdjustmentIndex{ID: "ipc", FrequencyMonths: 3}

	// WHEN/THEN: Each month is checked for this-month and next-month alerts
	for month := 1; month <= 12; month++ {
		c := indexedContract("c-1", month)
		wantThis := month == 4 || month == 7 || month == 10
		wantNext := month == 3 || month == 6 || month == 9
		assert.Equal(t, wantThis, rental.DueThisMonth(&c, idx), "dueThisMonth at month %d", month)
		assert.Equal(t, wantNext, rental.DueNextMonth(&c, idx), "dueNextMonth at month %d", month)
	}
}

func TestDueRule_NextMonthBeyondDuration_NotDue(t *testing.T) {
	idx := &billing.AdjustmentIndex{ID: "ipc", FrequencyMonths: 3}
	c := indexedContract("c-1", 9)
	c.DurationMonths = 9

	assert.False(t, rental.DueNextMonth(&c, idx))
}

func TestDueRule_UnindexedOrInactive_NeverDue(t *testing.T) {
	idx := &billing.AdjustmentIndex{ID: "ipc", FrequencyMonths: 3}
	plain := tenantContract("c-1")
	plain.CurrentMonth = 4
	inactive := indexedContract("c-2", 4)
	inactive.Active = false

	assert.False(t, rental.DueThisMonth(&plain, idx))
	assert.False(t, rental.DueThisMonth(&inactive, idx))
}

func TestAdjustedRent_RoundsToCents(t *testing.T) {
	assert.True(t, rental.AdjustedRent(dec("100000"), dec("10")).Equal(dec("110000")))
	assert.True(t, rental.AdjustedRent(dec("333.33"), dec("7.5")).Equal(dec("358.33")))
}

// =============================================================================
// APPLY / UNDO
// =============================================================================

func TestApplyAdjustment_Immediate_UndoRestoresExactly(t *testing.T) {
	// GIVEN: A contract at rent 100000
	engine, _ := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))
	ctx := context.Background()

	// WHEN: Applying 10% now
	h, err := engine.ApplyAdjustment(ctx, "c-1", dec("10"), nil)

	// THEN: Rent becomes 110000 and the row targets the current month
	require.NoError(t, err)
	assert.Equal(t, 1, h.TargetMonth)
	assert.True(t, h.PreviousBaseRent.Equal(dec("100000")))
	assert.True(t, h.NewBaseRent.Equal(dec("110000")))
	c, err := engine.Contract(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.BaseRent.Equal(dec("110000")))

	// WHEN: Undoing it
	undone, err := engine.UndoAdjustment(ctx, "c-1", 1)

	// THEN: Rent is exactly the original and the row is kept as undone
	require.NoError(t, err)
	assert.NotNil(t, undone.UndoneAt)
	c, err = engine.Contract(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.BaseRent.Equal(dec("100000")))

	history, err := engine.Adjustments(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Active())
}

func TestApplyAdjustment_OpenLedger_Repriced(t *testing.T) {
	engine, _ := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))
	openMonths(t, engine, "c-1", 1)
	ctx := context.Background()

	_, err := engine.ApplyAdjustment(ctx, "c-1", dec("10"), nil)
	require.NoError(t, err)

	ledgers, err := engine.Ledgers(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, ledgers[0].Concepts.Amount(billing.ConceptRent).Equal(dec("110000")))
	assert.True(t, ledgers[0].TotalDue.Equal(dec("110000")))

	_, err = engine.UndoAdjustment(ctx, "c-1", 1)
	require.NoError(t, err)
	ledgers, err = engine.Ledgers(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, ledgers[0].TotalDue.Equal(dec("100000")))
}

func TestApplyAdjustment_SameTargetTwice_DuplicateAdjustmentError(t *testing.T) {
	engine, _ := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))
	ctx := context.Background()
	_, err := engine.ApplyAdjustment(ctx, "c-1", dec("10"), intPtr(4))
	require.NoError(t, err)

	_, err = engine.ApplyAdjustment(ctx, "c-1", dec("5"), intPtr(4))

	var dup *billing.DuplicateAdjustmentError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, 4, dup.TargetMonth)
}

func TestApplyAdjustment_AfterUndo_CanReapply(t *testing.T) {
	engine, _ := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))
	ctx := context.Background()
	_, err := engine.ApplyAdjustment(ctx, "c-1", dec("10"), intPtr(4))
	require.NoError(t, err)
	_, err = engine.UndoAdjustment(ctx, "c-1", 4)
	require.NoError(t, err)

	h, err := engine.ApplyAdjustment(ctx, "c-1", dec("5"), intPtr(4))

	require.NoError(t, err)
	assert.True(t, h.NewBaseRent.Equal(dec("105000")))
}

func TestUndoAdjustment_NoActiveRow_NoAdjustmentToUndoError(t *testing.T) {
	engine, _ := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))

	_, err := engine.UndoAdjustment(context.Background(), "c-1", 4)

	var none *billing.NoAdjustmentToUndoError
	require.ErrorAs(t, err, &none)
	assert.Equal(t, 4, none.TargetMonth)
}

func TestApplyAdjustment_TargetOutsideContract_InvalidTargetMonth(t *testing.T) {
	engine, _ := newTestEngine(t)
	c := tenantContract("c-1")
	c.CurrentMonth = 3
	register(t, engine, c)

	for _, target := range []int{2, 13} {
		_, err := engine.ApplyAdjustment(context.Background(), "c-1", dec("10"), intPtr(target))
		assert.ErrorIs(t, err, billing.ErrInvalidTargetMonth, "target %d", target)
	}
}

func TestApplyAdjustment_Scheduled_EffectiveWhenMonthOpens(t *testing.T) {
	// GIVEN: A 10% adjustment scheduled for month 4
	engine, _ := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))
	ctx := context.Background()
	_, err := engine.ApplyAdjustment(ctx, "c-1", dec("10"), intPtr(4))
	require.NoError(t, err)

	// WHEN: Months 1 to 4 are opened
	ledgers := openMonths(t, engine, "c-1", 1, 2, 3, 4)

	// THEN: Months before 4 keep the old rent, month 4 bills the new one
	for _, l := range ledgers[:3] {
		assert.True(t, l.TotalDue.Equal(dec("100000")), "month %d", l.MonthNumber)
	}
	assert.True(t, ledgers[3].TotalDue.Equal(dec("110000")))
	c, err := engine.Contract(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.BaseRent.Equal(dec("110000")))
}

func TestApplyAdjustment_ScheduledChain_UndoIsLastInFirstOut(t *testing.T) {
	// GIVEN: Adjustments scheduled for months 4 and 7
	engine, _ := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))
	ctx := context.Background()
	_, err := engine.ApplyAdjustment(ctx, "c-1", dec("10"), intPtr(4))
	require.NoError(t, err)
	second, err := engine.ApplyAdjustment(ctx, "c-1", dec("10"), intPtr(7))
	require.NoError(t, err)

	// THEN: The second builds on the projected rent of the first
	assert.True(t, second.PreviousBaseRent.Equal(dec("110000")))
	assert.True(t, second.NewBaseRent.Equal(dec("121000")))

	// WHEN/THEN: Month 4 cannot be undone or re-targeted while month 7 is active
	_, err = engine.UndoAdjustment(ctx, "c-1", 4)
	assert.ErrorIs(t, err, billing.ErrAdjustmentSuperseded)
	_, err = engine.ApplyAdjustment(ctx, "c-1", dec("3"), intPtr(5))
	assert.ErrorIs(t, err, billing.ErrAdjustmentSuperseded)

	_, err = engine.UndoAdjustment(ctx, "c-1", 7)
	require.NoError(t, err)
	_, err = engine.UndoAdjustment(ctx, "c-1", 4)
	require.NoError(t, err)

	c, err := engine.Contract(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.BaseRent.Equal(dec("100000")))
}

func TestApplyAdjustment_EffectiveScheduledRow_UndoRestoresRent(t *testing.T) {
	engine, _ := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))
	ctx := context.Background()
	_, err := engine.ApplyAdjustment(ctx, "c-1", dec("10"), intPtr(2))
	require.NoError(t, err)
	openMonths(t, engine, "c-1", 1, 2)

	_, err = engine.UndoAdjustment(ctx, "c-1", 2)
	require.NoError(t, err)

	c, err := engine.Contract(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.BaseRent.Equal(dec("100000")))
	ledgers, err := engine.Ledgers(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, ledgers[1].TotalDue.Equal(dec("100000")), "open month 2 is re-priced")
}

func TestApplyAdjustment_OwnerObligation_Rejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	c := tenantContract("owner-1")
	c.Type = billing.ContractOwnerObligation
	c.BaseRent = dec("0")
	register(t, engine, c)

	_, err := engine.ApplyAdjustment(context.Background(), "owner-1", dec("10"), nil)

	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestApplyAdjustment_ConcurrentSameTarget_OneWins(t *testing.T) {
	// GIVEN: One contract
	engine, _ := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))

	// WHEN: Two requests race on month 4
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.ApplyAdjustment(context.Background(), "c-1", dec("10"), intPtr(4))
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one row is written
	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			assert.ErrorIs(t, err, billing.ErrDuplicateAdjustment)
		}
	}
	assert.Equal(t, 1, failures)
	history, err := engine.Adjustments(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// =============================================================================
// GROUP OPERATIONS
// =============================================================================

func TestApplyAllDueNextMonth_ReportsPerContract(t *testing.T) {
	// GIVEN: Two indexed contracts due next month (one already adjusted) and
	// one contract without index
	engine, _ := newTestEngine(t)
	saveIndex(t, engine, "ipc", 3, "10")
	register(t, engine, indexedContract("a", 3))
	register(t, engine, indexedContract("b", 3))
	register(t, engine, tenantContract("plain"))
	ctx := context.Background()
	_, err := engine.ApplyAdjustment(ctx, "b", dec("8"), intPtr(4))
	require.NoError(t, err)

	// WHEN: Applying every due adjustment
	report, err := engine.ApplyAllDueNextMonth(ctx, testGroup)

	// THEN: a is scheduled, b is reported as duplicate, plain is skipped
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, 1, report.Applied())
	assert.Equal(t, 1, report.Failed())

	byContract := map[billing.ContractID]rental.Outcome{}
	for _, o := range report.Outcomes {
		byContract[o.ContractID] = o
	}
	require.True(t, byContract["a"].Applied())
	assert.Equal(t, 4, byContract["a"].TargetMonth)
	assert.True(t, byContract["a"].Adjustment.NewBaseRent.Equal(dec("110000")))
	var dup *billing.DuplicateAdjustmentError
	assert.True(t, errors.As(byContract["b"].Err, &dup))
}

func TestAdjustmentAlerts_ThisAndNextMonth(t *testing.T) {
	engine, _ := newTestEngine(t)
	saveIndex(t, engine, "ipc", 3, "10")
	register(t, engine, indexedContract("now", 4))
	register(t, engine, indexedContract("soon", 6))
	register(t, engine, indexedContract("later", 5))
	ctx := context.Background()
	_, err := engine.ApplyAdjustment(ctx, "now", dec("10"), nil)
	require.NoError(t, err)

	alerts, err := engine.AdjustmentAlerts(ctx, testGroup)

	require.NoError(t, err)
	require.Len(t, alerts.ThisMonth, 1)
	assert.Equal(t, billing.ContractID("now"), alerts.ThisMonth[0].ContractID)
	assert.True(t, alerts.ThisMonth[0].Applied)
	require.Len(t, alerts.NextMonth, 1)
	assert.Equal(t, billing.ContractID("soon"), alerts.NextMonth[0].ContractID)
	assert.Equal(t, 7, alerts.NextMonth[0].MonthNumber)
	assert.False(t, alerts.NextMonth[0].Applied)
	assert.True(t, alerts.NextMonth[0].SuggestedPct.Equal(dec("10")))
}

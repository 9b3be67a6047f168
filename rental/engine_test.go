package rental_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/billing/store"
	"github.com/warp/rent-engine/rental"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testGroup billing.GroupID = "group-1"

func newTestEngine(t *testing.T) (*rental.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	engine := rental.NewEngine(mem,
		rental.WithLogger(logger),
		rental.WithClock(func() time.Time { return time.Date(2025, time.January, 2, 9, 0, 0, 0, time.UTC) }),
	)
	return engine, mem
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(year int, month time.Month, day int) billing.TimePoint {
	return billing.NewTimePoint(year, month, day)
}

// tenantContract starts 2025-01-15: month 1 bills 2025-01 and is due on the 10th.
func tenantContract(id string) billing.Contract {
	return billing.Contract{
		ID:               billing.ContractID(id),
		GroupID:          testGroup,
		Type:             billing.ContractTenant,
		StartDate:        date(2025, time.January, 15),
		DurationMonths:   12,
		CurrentMonth:     1,
		BaseRent:         dec("100000"),
		PunitoryStartDay: 10,
		PunitoryPercent:  dec("0.6"),
		Active:           true,
	}
}

func register(t *testing.T, engine *rental.Engine, c billing.Contract) *billing.Contract {
	t.Helper()
	registered, err := engine.RegisterContract(context.Background(), c)
	require.NoError(t, err)
	return registered
}

func saveIndex(t *testing.T, engine *rental.Engine, id string, freq int, value string) *billing.AdjustmentIndex {
	t.Helper()
	idx, err := engine.SaveIndex(context.Background(), billing.AdjustmentIndex{
		ID:              billing.IndexID(id),
		GroupID:         testGroup,
		Name:            "IPC " + id,
		FrequencyMonths: freq,
		CurrentValue:    dec(value),
	})
	require.NoError(t, err)
	return idx
}

func openMonths(t *testing.T, engine *rental.Engine, id billing.ContractID, months ...int) []*billing.LedgerEntry {
	t.Helper()
	var out []*billing.LedgerEntry
	for _, m := range months {
		l, err := engine.OpenPeriod(context.Background(), id, m)
		require.NoError(t, err, "open month %d", m)
		out = append(out, l)
	}
	return out
}

// =============================================================================
// CONTRACT REGISTRATION
// =============================================================================

func TestRegisterContract_InvalidFields_Rejected(t *testing.T) {
	// GIVEN: An owner obligation with rent
	engine, _ := newTestEngine(t)
	c := tenantContract("c-1")
	c.Type = billing.ContractOwnerObligation
	c.PunitoryStartDay = 30

	// WHEN: Registering it
	_, err := engine.RegisterContract(context.Background(), c)

	// THEN: Both offending fields are reported
	var vErr *billing.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Fields, "base_rent")
	assert.Contains(t, vErr.Fields, "punitory_start_day")
}

func TestRegisterContract_UnknownIndex_Rejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	c := tenantContract("c-1")
	c.AdjustmentIndexID = "missing"

	_, err := engine.RegisterContract(context.Background(), c)

	assert.ErrorIs(t, err, billing.ErrIndexNotFound)
}

func TestRegisterContract_GeneratesID(t *testing.T) {
	engine, _ := newTestEngine(t)
	c := tenantContract("")

	registered := register(t, engine, c)

	assert.NotEmpty(t, registered.ID)
	assert.Equal(t, 1, registered.Version)
}

// =============================================================================
// PERIOD OPENING
// =============================================================================

func TestOpenPeriod_FirstMonth_BillsRent(t *testing.T) {
	// GIVEN: A new tenant contract with a building expense pass-through
	engine, _ := newTestEngine(t)
	c := tenantContract("c-1")
	c.PassThrough = []billing.PassThrough{{Type: billing.ConceptExpenses, Amount: dec("15000"), Description: "expensas"}}
	register(t, engine, c)

	// WHEN: Opening month 1
	l, err := engine.OpenPeriod(context.Background(), "c-1", 1)

	// THEN: Rent and expenses are billed for 2025-01
	require.NoError(t, err)
	assert.Equal(t, "2025-01", l.Period.Key())
	require.Len(t, l.Concepts, 2)
	assert.Equal(t, billing.ConceptRent, l.Concepts[0].Type)
	assert.Equal(t, billing.ConceptExpenses, l.Concepts[1].Type)
	assert.True(t, l.TotalDue.Equal(dec("115000")))
	assert.Equal(t, billing.LedgerPending, l.Status)
	assert.Equal(t, 1, l.Version)
}

func TestOpenPeriod_NextMonth_AdvancesContract(t *testing.T) {
	engine, _ := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))

	ledgers := openMonths(t, engine, "c-1", 1, 2)

	c, err := engine.Contract(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.CurrentMonth)
	assert.Equal(t, "2025-02", ledgers[1].Period.Key())
	assert.Equal(t, 2, ledgers[1].MonthNumber)
}

func TestOpenPeriod_SameMonthTwice_DuplicatePeriodError(t *testing.T) {
	engine, _ := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))
	first := openMonths(t, engine, "c-1", 1)[0]

	_, err := engine.OpenPeriod(context.Background(), "c-1", 1)

	var dup *billing.DuplicatePeriodError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, 1, dup.MonthNumber)
	assert.Equal(t, first.ID, dup.ExistingID)
}

func TestOpenPeriod_SkippedMonth_InvalidPeriod(t *testing.T) {
	engine, _ := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))
	openMonths(t, engine, "c-1", 1)

	_, err := engine.OpenPeriod(context.Background(), "c-1", 3)

	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
}

func TestOpenPeriod_PastDuration_ExpiresContract(t *testing.T) {
	// GIVEN: A two-month contract with both months billed
	engine, _ := newTestEngine(t)
	c := tenantContract("c-1")
	c.DurationMonths = 2
	register(t, engine, c)
	openMonths(t, engine, "c-1", 1, 2)

	// WHEN: Opening a third month
	_, err := engine.OpenPeriod(context.Background(), "c-1", 3)

	// THEN: The contract is expired, and stays so
	var expErr *billing.ContractExpiredError
	require.ErrorAs(t, err, &expErr)
	assert.Equal(t, 2, expErr.DurationMonths)

	stored, err := engine.Contract(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, stored.Expired)
	assert.Equal(t, billing.StatusExpired, stored.Status())
	assert.Equal(t, 2, stored.CurrentMonth)

	_, err = engine.OpenPeriod(context.Background(), "c-1", 3)
	assert.ErrorIs(t, err, billing.ErrContractExpired)
}

func TestOpenPeriod_ConcurrentSameMonth_ExactlyOneSucceeds(t *testing.T) {
	// GIVEN: A contract with month 1 open
	engine, _ := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))
	openMonths(t, engine, "c-1", 1)

	// WHEN: Several requests race to open month 2
	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.OpenPeriod(context.Background(), "c-1", 2)
		}(i)
	}
	wg.Wait()

	// THEN: One wins, every other observes the duplicate
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var dup *billing.DuplicatePeriodError
		assert.True(t, errors.As(err, &dup), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	c, err := engine.Contract(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.CurrentMonth, "contract advances once")
}

// =============================================================================
// PREVIEW
// =============================================================================

func TestComputePreview_UnopenedMonth_LateWithIVASlot(t *testing.T) {
	// GIVEN: A contract paying IVA, month 1 not opened yet
	engine, _ := newTestEngine(t)
	c := tenantContract("c-1")
	c.PaysIVA = true
	register(t, engine, c)

	// WHEN: Previewing a payment 5 days after the due date
	p, err := engine.ComputePreview(context.Background(), "c-1", date(2025, time.January, 15))

	// THEN: Rent, punitory and an empty IVA slot
	require.NoError(t, err)
	assert.False(t, p.Opened)
	assert.Equal(t, 5, p.DaysLate)
	assert.Equal(t, "2025-01-10", p.DueDate.String())
	require.Len(t, p.Concepts, 3)
	assert.Equal(t, billing.ConceptRent, p.Concepts[0].Type)
	assert.Equal(t, billing.ConceptPunitory, p.Concepts[1].Type)
	assert.True(t, p.Concepts[1].Amount.Equal(dec("3000")))
	assert.Equal(t, billing.ConceptIVA, p.Concepts[2].Type)
	assert.True(t, p.Concepts[2].Amount.IsZero())
	assert.True(t, p.TotalDue.Equal(dec("103000")))
}

func TestComputePreview_OpenedMonth_DoesNotWrite(t *testing.T) {
	engine, _ := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))
	opened := openMonths(t, engine, "c-1", 1)[0]

	p, err := engine.ComputePreview(context.Background(), "c-1", date(2025, time.January, 20))
	require.NoError(t, err)
	assert.True(t, p.Opened)
	assert.True(t, p.Outstanding.Equal(dec("106000")))

	ledgers, err := engine.Ledgers(context.Background(), "c-1")
	require.NoError(t, err)
	require.Len(t, ledgers, 1)
	assert.Equal(t, opened.Version, ledgers[0].Version)
	assert.True(t, ledgers[0].TotalDue.Equal(dec("100000")))
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestExpiringSoon_ListsContractsWithinHorizon(t *testing.T) {
	engine, _ := newTestEngine(t)
	near := tenantContract("near")
	near.CurrentMonth = 11
	register(t, engine, near)
	register(t, engine, tenantContract("far"))
	inactive := tenantContract("inactive")
	inactive.CurrentMonth = 12
	inactive.Active = false
	register(t, engine, inactive)

	result, err := engine.ExpiringSoon(context.Background(), testGroup, 0)

	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, billing.ContractID("near"), result[0].ID)
}

func TestDeleteContract_CascadesToLedgers(t *testing.T) {
	engine, mem := newTestEngine(t)
	register(t, engine, tenantContract("c-1"))
	l := openMonths(t, engine, "c-1", 1)[0]
	_, err := engine.RecordPayment(context.Background(), "c-1", 1, rental.PaymentInput{
		PaymentDate: date(2025, time.January, 5), Amount: dec("1000"),
	})
	require.NoError(t, err)

	require.NoError(t, engine.DeleteContract(context.Background(), "c-1"))

	_, err = mem.GetLedgerByID(context.Background(), l.ID)
	assert.ErrorIs(t, err, billing.ErrLedgerNotFound)
	payments, err := mem.ListPayments(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestDeleteIndex_Referenced_InUse(t *testing.T) {
	engine, _ := newTestEngine(t)
	saveIndex(t, engine, "ipc", 3, "10")
	c := tenantContract("c-1")
	c.AdjustmentIndexID = "ipc"
	register(t, engine, c)

	err := engine.DeleteIndex(context.Background(), "ipc")
	assert.ErrorIs(t, err, billing.ErrIndexInUse)

	require.NoError(t, engine.DeleteContract(context.Background(), "c-1"))
	assert.NoError(t, engine.DeleteIndex(context.Background(), "ipc"))
}

/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Contract registration, period opening, payments and contract detail
- Error status mapping (404, 409, 422, 400)
- Adjustment apply and undo
- Batch distribution and stale versions
- Stateless distribution editing
- Metrics and health endpoints
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rent-engine/rental"
	"github.com/warp/rent-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func setupTestRouter(t *testing.T) (*chi.Mux, *Handler) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := func() time.Time { return time.Date(2025, time.January, 2, 9, 0, 0, 0, time.UTC) }

	engine := rental.NewEngine(store, rental.WithLogger(logger), rental.WithClock(clock))
	h := NewHandler(engine, logger)
	h.now = clock
	return NewRouter(h, nil), h
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const testIndex = `{"id": "ipc", "group_id": "building-1", "name": "IPC", "frequency_months": 3, "current_value": "10"}`

func tenant(id string) string {
	return `{
		"id": "` + id + `",
		"group_id": "building-1",
		"type": "TENANT",
		"start_date": "2025-01-01",
		"duration_months": 12,
		"base_rent": "100000",
		"adjustment_index_id": "ipc",
		"punitory_start_day": 10,
		"punitory_percent": "0.5"
	}`
}

func seedTenant(t *testing.T, router http.Handler, id string) {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/contracts", tenant(id))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// CONTRACT AND PAYMENT TESTS
// =============================================================================

func TestContractLifecycle_OpenPayAndInspect(t *testing.T) {
	// GIVEN: An index and a tenant contract
	router, _ := setupTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, router, http.MethodPost, "/api/indexes", testIndex).Code)
	seedTenant(t, router, "unit-1a")

	// WHEN: Opening month 1 and paying it in full before the due date
	rec := do(t, router, http.MethodPost, "/api/contracts/unit-1a/periods", OpenPeriodRequest{MonthNumber: 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	opened := decodeBody[LedgerDTO](t, rec)
	assert.Equal(t, "2025-01", opened.Period)
	assert.Equal(t, "PENDING", opened.Status)
	assert.Equal(t, "100000", opened.TotalDue)

	rec = do(t, router, http.MethodPost, "/api/contracts/unit-1a/periods/1/payments", RecordPaymentRequest{
		PaymentDate: "2025-01-05",
		Amount:      "100000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	paid := decodeBody[PaymentResultDTO](t, rec)

	// THEN: The entry is complete and the receipt numbered
	assert.Equal(t, "COMPLETE", paid.Ledger.Status)
	assert.Equal(t, "0", paid.Ledger.Outstanding)
	assert.Equal(t, "RCP-000001", paid.Transaction.ReceiptNumber)

	rec = do(t, router, http.MethodGet, "/api/contracts/unit-1a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[ContractDetailDTO](t, rec)
	assert.Equal(t, "unit-1a", detail.Contract.ID)
	require.Len(t, detail.Ledgers, 1)
	assert.Equal(t, "COMPLETE", detail.Ledgers[0].Status)

	rec = do(t, router, http.MethodGet, "/api/ledgers/"+opened.ID+"/payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]PaymentDTO](t, rec), 1)
}

func TestDeletePayment_ReopensEntry(t *testing.T) {
	router, _ := setupTestRouter(t)
	do(t, router, http.MethodPost, "/api/indexes", testIndex)
	seedTenant(t, router, "unit-1a")
	do(t, router, http.MethodPost, "/api/contracts/unit-1a/periods", OpenPeriodRequest{MonthNumber: 1})
	rec := do(t, router, http.MethodPost, "/api/contracts/unit-1a/periods/1/payments", RecordPaymentRequest{
		PaymentDate: "2025-01-05",
		Amount:      "40000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	paid := decodeBody[PaymentResultDTO](t, rec)
	assert.Equal(t, "PARTIAL", paid.Ledger.Status)

	rec = do(t, router, http.MethodDelete, "/api/payments/"+paid.Transaction.ID, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ledger := decodeBody[LedgerDTO](t, rec)
	assert.Equal(t, "PENDING", ledger.Status)
	assert.Equal(t, "0", ledger.AmountPaid)
}

func TestPreview_LateDateShowsPunitory(t *testing.T) {
	// GIVEN: An open month due on the 10th at 0.5% a day
	router, _ := setupTestRouter(t)
	do(t, router, http.MethodPost, "/api/indexes", testIndex)
	seedTenant(t, router, "unit-1a")
	do(t, router, http.MethodPost, "/api/contracts/unit-1a/periods", OpenPeriodRequest{MonthNumber: 1})

	// WHEN: Previewing a payment four days late
	rec := do(t, router, http.MethodGet, "/api/contracts/unit-1a/preview?payment_date=2025-01-14", nil)

	// THEN: 100000 * 0.5% * 4 = 2000 is added
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decodeBody[PreviewDTO](t, rec)
	assert.Equal(t, 4, p.DaysLate)
	assert.Equal(t, "2025-01-10", p.DueDate)
	assert.Equal(t, "102000", p.TotalDue)
}

func TestPreview_InvalidDate(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := do(t, router, http.MethodGet, "/api/contracts/unit-1a/preview?payment_date=14/01/2025", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ERROR MAPPING TESTS
// =============================================================================

func TestCreateContract_ValidationErrorsAreKeyedByField(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/contracts", `{"group_id": "g", "type": "LEASE", "duration_months": 0}`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}](t, rec)
	assert.Equal(t, "VALIDATION", resp.Code)
	assert.Contains(t, resp.Details, "type")
	assert.Contains(t, resp.Details, "start_date")
	assert.Contains(t, resp.Details, "duration_months")
}

func TestMalformedBody_BadRequest(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/contracts", `{"id":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetContract_NotFound(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := do(t, router, http.MethodGet, "/api/contracts/ghost", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody[ErrorResponse](t, rec).Code)
}

func TestOpenPeriod_DuplicateIsConflict(t *testing.T) {
	router, _ := setupTestRouter(t)
	do(t, router, http.MethodPost, "/api/indexes", testIndex)
	seedTenant(t, router, "unit-1a")
	require.Equal(t, http.StatusCreated, do(t, router, http.MethodPost, "/api/contracts/unit-1a/periods", OpenPeriodRequest{MonthNumber: 1}).Code)

	rec := do(t, router, http.MethodPost, "/api/contracts/unit-1a/periods", OpenPeriodRequest{MonthNumber: 1})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOpenPeriod_SkippingAMonthIsBadRequest(t *testing.T) {
	router, _ := setupTestRouter(t)
	do(t, router, http.MethodPost, "/api/indexes", testIndex)
	seedTenant(t, router, "unit-1a")

	rec := do(t, router, http.MethodPost, "/api/contracts/unit-1a/periods", OpenPeriodRequest{MonthNumber: 5})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteIndex_InUseIsConflict(t *testing.T) {
	router, _ := setupTestRouter(t)
	do(t, router, http.MethodPost, "/api/indexes", testIndex)
	seedTenant(t, router, "unit-1a")

	assert.Equal(t, http.StatusConflict, do(t, router, http.MethodDelete, "/api/indexes/ipc", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, router, http.MethodDelete, "/api/contracts/unit-1a", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, router, http.MethodDelete, "/api/indexes/ipc", nil).Code)
}

// =============================================================================
// ADJUSTMENT TESTS
// =============================================================================

func TestAdjustment_ApplyThenUndo(t *testing.T) {
	// GIVEN: A contract with month 1 open
	router, _ := setupTestRouter(t)
	do(t, router, http.MethodPost, "/api/indexes", testIndex)
	seedTenant(t, router, "unit-1a")
	do(t, router, http.MethodPost, "/api/contracts/unit-1a/periods", OpenPeriodRequest{MonthNumber: 1})

	// WHEN: Applying 10% to the current month
	rec := do(t, router, http.MethodPost, "/api/contracts/unit-1a/adjustments", ApplyAdjustmentRequest{Percentage: "10"})

	// THEN: The rent is re-based, and undo restores it
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	adj := decodeBody[AdjustmentDTO](t, rec)
	assert.Equal(t, "100000", adj.PreviousBaseRent)
	assert.Equal(t, "110000", adj.NewBaseRent)
	assert.Equal(t, 1, adj.TargetMonth)

	rec = do(t, router, http.MethodPost, "/api/contracts/unit-1a/adjustments", ApplyAdjustmentRequest{Percentage: "10"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodDelete, "/api/contracts/unit-1a/adjustments/1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, decodeBody[AdjustmentDTO](t, rec).UndoneAt)

	rec = do(t, router, http.MethodDelete, "/api/contracts/unit-1a/adjustments/1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdjustment_InvalidPercentage(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/contracts/unit-1a/adjustments", ApplyAdjustmentRequest{Percentage: "ten"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestParseDecimal_RejectsInsteadOfZero(t *testing.T) {
	_, h := setupTestRouter(t)

	// GIVEN: A value the decimal parser cannot read
	_, err := parseDecimal("total", "1,000")
	require.Error(t, err)

	// WHEN: Reported through the handler
	rec := httptest.NewRecorder()
	h.handleError(rec, "EditDistribution", err)

	// THEN: 400 naming the field
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "BAD_REQUEST", resp.Code)
	assert.Equal(t, map[string]any{"total": "must be a decimal number"}, resp.Details)

	d, err := parseDecimal("total", "1000.50")
	require.NoError(t, err)
	assert.Equal(t, "1000.5", d.String())
}

func TestUndoAdjustment_InvalidMonth(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := do(t, router, http.MethodDelete, "/api/contracts/unit-1a/adjustments/zero", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// DISTRIBUTION TESTS
// =============================================================================

func openTwoUnits(t *testing.T, router http.Handler) []LedgerDTO {
	t.Helper()
	do(t, router, http.MethodPost, "/api/indexes", testIndex)
	for _, id := range []string{"unit-1a", "unit-1b"} {
		seedTenant(t, router, id)
		require.Equal(t, http.StatusCreated, do(t, router, http.MethodPost, "/api/contracts/"+id+"/periods", OpenPeriodRequest{MonthNumber: 1}).Code)
	}
	rec := do(t, router, http.MethodGet, "/api/groups/building-1/periods/2025-01/ledgers", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ledgers := decodeBody[[]LedgerDTO](t, rec)
	require.Len(t, ledgers, 2)
	return ledgers
}

func sharesOf(ledgers []LedgerDTO, percentages ...string) []ShareDTO {
	shares := make([]ShareDTO, len(ledgers))
	for i, l := range ledgers {
		shares[i] = ShareDTO{RecordID: l.ID, ContractID: l.ContractID, Version: l.Version, Percentage: percentages[i], Locked: true}
	}
	return shares
}

func TestSubmitBatch_AppliesAndSavesTemplate(t *testing.T) {
	// GIVEN: Two open entries for 2025-01
	router, _ := setupTestRouter(t)
	ledgers := openTwoUnits(t, router)

	// WHEN: Splitting 1001 in halves and saving the split
	rec := do(t, router, http.MethodPost, "/api/groups/building-1/batches", BatchRequestDTO{
		PeriodKey:    "2025-01",
		ConceptType:  "REPARACION",
		TotalAmount:  "1001",
		Shares:       sharesOf(ledgers, "50", "50"),
		TemplateName: "halves",
	})

	// THEN: Each share rounds to 501 and the residual is reported
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[BatchResultDTO](t, rec)
	require.Len(t, res.Allocation.Items, 2)
	assert.Equal(t, "501", res.Allocation.Items[0].Amount)
	assert.Equal(t, "501", res.Allocation.Items[1].Amount)
	assert.Equal(t, "-1", res.Allocation.Residual)
	assert.Equal(t, "100501", res.Ledgers[0].TotalDue)
	require.NotNil(t, res.Template)

	rec = do(t, router, http.MethodGet, "/api/groups/building-1/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]TemplateDTO](t, rec), 1)

	// AND: Resubmitting with the versions seen before is a conflict
	rec = do(t, router, http.MethodPost, "/api/groups/building-1/batches", BatchRequestDTO{
		PeriodKey:   "2025-01",
		ConceptType: "REPARACION",
		TotalAmount: "1000",
		Shares:      sharesOf(ledgers, "50", "50"),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitBatch_PercentagesMustSumToHundred(t *testing.T) {
	router, _ := setupTestRouter(t)
	ledgers := openTwoUnits(t, router)

	rec := do(t, router, http.MethodPost, "/api/groups/building-1/batches", BatchRequestDTO{
		PeriodKey:   "2025-01",
		ConceptType: "REPARACION",
		TotalAmount: "1000",
		Shares:      sharesOf(ledgers, "50", "49"),
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveTemplate_Validation(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/groups/building-1/templates", SaveTemplateRequest{Name: ""})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func edit(t *testing.T, router http.Handler, req DistributionEditRequest) (*httptest.ResponseRecorder, DistributionEditResponse) {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/distribution/edit", req)
	if rec.Code != http.StatusOK {
		return rec, DistributionEditResponse{}
	}
	return rec, decodeBody[DistributionEditResponse](t, rec)
}

func TestEditDistribution_ClientHeldSession(t *testing.T) {
	// GIVEN: Two entries selected by the client
	router, _ := setupTestRouter(t)
	_, resp := edit(t, router, DistributionEditRequest{
		State:  DistributionStateDTO{Phase: "selection"},
		Action: "select",
		Share:  &ShareDTO{RecordID: "l1", ContractID: "c1", Version: 1},
	})
	_, resp = edit(t, router, DistributionEditRequest{
		State:  resp.State,
		Action: "select",
		Share:  &ShareDTO{RecordID: "l2", ContractID: "c2", Version: 1},
	})
	require.Len(t, resp.State.Shares, 2)

	// WHEN: Entering distribution
	_, resp = edit(t, router, DistributionEditRequest{State: resp.State, Action: "begin"})

	// THEN: 100 is split equally
	assert.Equal(t, "distribution", resp.State.Phase)
	assert.Equal(t, "50", resp.State.Shares[0].Percentage)
	assert.Equal(t, "50", resp.State.Shares[1].Percentage)

	// WHEN: Locking l1 at 70
	_, resp = edit(t, router, DistributionEditRequest{State: resp.State, Action: "set_percentage", RecordID: "l1", Value: "70"})
	assert.Equal(t, "30", resp.State.Shares[1].Percentage)
	assert.Equal(t, "70", resp.LockedSum)

	// THEN: Locking l2 at 40 overflows and is rejected
	rec, _ := edit(t, router, DistributionEditRequest{State: resp.State, Action: "set_percentage", RecordID: "l2", Value: "40"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// AND: Confirming then allocating derives the amounts
	_, resp = edit(t, router, DistributionEditRequest{State: resp.State, Action: "confirm"})
	assert.Equal(t, "confirmation", resp.State.Phase)
	_, resp = edit(t, router, DistributionEditRequest{State: resp.State, Action: "allocate", Total: "1000"})
	require.NotNil(t, resp.Allocation)
	assert.Equal(t, "700", resp.Allocation.Items[0].Amount)
	assert.Equal(t, "300", resp.Allocation.Items[1].Amount)
}

func TestEditDistribution_WrongPhaseAndUnknownAction(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec, _ := edit(t, router, DistributionEditRequest{State: DistributionStateDTO{Phase: "selection"}, Action: "confirm"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = edit(t, router, DistributionEditRequest{State: DistributionStateDTO{Phase: "selection"}, Action: "shuffle"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = edit(t, router, DistributionEditRequest{State: DistributionStateDTO{Phase: "selection"}, Action: "select"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// =============================================================================
// GROUP AND INFRASTRUCTURE TESTS
// =============================================================================

func TestGetAlerts_ListsExpiringContracts(t *testing.T) {
	router, _ := setupTestRouter(t)
	do(t, router, http.MethodPost, "/api/indexes", testIndex)
	rec := do(t, router, http.MethodPost, "/api/contracts", `{
		"id": "short", "group_id": "building-1", "type": "TENANT", "start_date": "2025-01-01",
		"duration_months": 2, "base_rent": "1000", "punitory_start_day": 10
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/groups/building-1/alerts", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	alerts := decodeBody[AlertsDTO](t, rec)
	require.Len(t, alerts.ExpiringSoon, 1)
	assert.Equal(t, "short", alerts.ExpiringSoon[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/groups/building-1/alerts?horizon=x", nil).Code)
}

func TestMetricsAndHealth(t *testing.T) {
	router, _ := setupTestRouter(t)
	do(t, router, http.MethodGet, "/api/contracts/ghost", nil)

	health := do(t, router, http.MethodGet, "/health", nil)
	metrics := do(t, router, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, health.Code)
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "rent_engine_http_requests_total")
	assert.Contains(t, metrics.Body.String(), `route="/api/contracts/{id}"`)
}

/*
handlers.go - HTTP API handlers for the rental billing engine

PURPOSE:
  Exposes rental.Engine via REST API. Handles HTTP request/response, JSON
  serialization, validation, and delegates to the engine.

ENDPOINTS:
  Indexes:
    POST   /api/indexes                              Create or replace an index
    DELETE /api/indexes/{id}                         Delete an unused index

  Contracts:
    POST   /api/contracts                            Register contract from JSON
    GET    /api/contracts/{id}                       Contract, ledgers, adjustments
    DELETE /api/contracts/{id}                       Delete with its history
    POST   /api/contracts/{id}/periods               Open the next month
    GET    /api/contracts/{id}/preview               Amounts for a payment date
    POST   /api/contracts/{id}/periods/{month}/payments  Record a payment
    POST   /api/contracts/{id}/adjustments           Apply an adjustment
    DELETE /api/contracts/{id}/adjustments/{month}   Undo the latest adjustment

  Ledgers and payments:
    GET    /api/ledgers/{id}/payments                Payments of one entry
    DELETE /api/payments/{id}                        Delete a payment

  Groups:
    GET    /api/groups/{id}/contracts                Contracts of a group
    GET    /api/groups/{id}/alerts                   Adjustment and expiry alerts
    POST   /api/groups/{id}/adjustments/apply-due    Schedule next month's adjustments
    GET    /api/groups/{id}/periods/{period}/ledgers Entries open for a period
    POST   /api/groups/{id}/batches                  Submit a distribution
    GET    /api/groups/{id}/templates                List templates
    POST   /api/groups/{id}/templates                Save a template

  Distribution:
    POST   /api/distribution/edit                    One step of a session

  Scenarios:
    GET    /api/scenarios                            List demo scenarios
    GET    /api/scenarios/current                    Last loaded scenario
    POST   /api/scenarios/load                       Load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Engine: Billing operations and storage
  - Factory: JSON validation and record conversion
  - Log: Structured logger for internal errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input, overflowing or unbalanced percentages
  - 404: Resource not found
  - 409: Conflict (expired contract, duplicate, stale version, held lock)
  - 422: Field validation, details keyed by JSON field
  - 500: Internal errors (logged)

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/config"
	"github.com/warp/rent-engine/distribution"
	"github.com/warp/rent-engine/factory"
	"github.com/warp/rent-engine/rental"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *rental.Engine
	Factory *factory.Factory
	Log     logrus.FieldLogger

	now func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over the given engine.
func NewHandler(engine *rental.Engine, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Engine:  engine,
		Factory: factory.New(),
		Log:     log,
		now:     time.Now,
	}
}

// =============================================================================
// INDEX HANDLERS
// =============================================================================

func (h *Handler) SaveIndex(w http.ResponseWriter, r *http.Request) {
	var req factory.IndexJSON
	if !h.decode(w, r, &req) {
		return
	}
	idx, err := h.Factory.IndexFromJSON(req)
	if err != nil {
		h.handleError(w, "SaveIndex", err)
		return
	}
	saved, err := h.Engine.SaveIndex(r.Context(), idx)
	if err != nil {
		h.handleError(w, "SaveIndex", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Factory.IndexToJSON(*saved))
}

func (h *Handler) DeleteIndex(w http.ResponseWriter, r *http.Request) {
	id := billing.IndexID(chi.URLParam(r, "id"))
	if err := h.Engine.DeleteIndex(r.Context(), id); err != nil {
		h.handleError(w, "DeleteIndex", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// CreateContract registers a contract from its JSON definition.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req factory.ContractJSON
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Factory.ContractFromJSON(req)
	if err != nil {
		h.handleError(w, "CreateContract", err)
		return
	}
	saved, err := h.Engine.RegisterContract(r.Context(), c)
	if err != nil {
		h.handleError(w, "CreateContract", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Factory.ContractToJSON(*saved))
}

// GetContract returns a contract with its ledgers and adjustment history.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.ContractID(chi.URLParam(r, "id"))

	c, err := h.Engine.Contract(ctx, id)
	if err != nil {
		h.handleError(w, "GetContract", err)
		return
	}
	ledgers, err := h.Engine.Ledgers(ctx, id)
	if err != nil {
		h.handleError(w, "GetContract", err)
		return
	}
	history, err := h.Engine.Adjustments(ctx, id)
	if err != nil {
		h.handleError(w, "GetContract", err)
		return
	}

	writeJSON(w, http.StatusOK, ContractDetailDTO{
		Contract:    h.Factory.ContractToJSON(*c),
		Ledgers:     toLedgerDTOs(ledgers),
		Adjustments: toAdjustmentDTOs(history),
	})
}

func (h *Handler) DeleteContract(w http.ResponseWriter, r *http.Request) {
	id := billing.ContractID(chi.URLParam(r, "id"))
	if err := h.Engine.DeleteContract(r.Context(), id); err != nil {
		h.handleError(w, "DeleteContract", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	groupID := billing.GroupID(chi.URLParam(r, "id"))
	contracts, err := h.Engine.Contracts(r.Context(), groupID)
	if err != nil {
		h.handleError(w, "ListContracts", err)
		return
	}
	dtos := make([]factory.ContractJSON, len(contracts))
	for i, c := range contracts {
		dtos[i] = h.Factory.ContractToJSON(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

// OpenPeriod opens the ledger entry of the requested month.
func (h *Handler) OpenPeriod(w http.ResponseWriter, r *http.Request) {
	var req OpenPeriodRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Factory.Validate(req); err != nil {
		h.handleError(w, "OpenPeriod", err)
		return
	}
	id := billing.ContractID(chi.URLParam(r, "id"))
	l, err := h.Engine.OpenPeriod(r.Context(), id, req.MonthNumber)
	if err != nil {
		h.handleError(w, "OpenPeriod", err)
		return
	}
	periodsOpened.Inc()
	writeJSON(w, http.StatusCreated, toLedgerDTO(*l))
}

// GetPreview computes what is due on payment_date, today when omitted.
func (h *Handler) GetPreview(w http.ResponseWriter, r *http.Request) {
	paymentDate := billing.FromTime(h.now())
	if s := r.URL.Query().Get("payment_date"); s != "" {
		d, err := billing.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid payment_date, expected YYYY-MM-DD", err)
			return
		}
		paymentDate = d
	}
	id := billing.ContractID(chi.URLParam(r, "id"))
	p, err := h.Engine.ComputePreview(r.Context(), id, paymentDate)
	if err != nil {
		h.handleError(w, "GetPreview", err)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewDTO(p))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	month, ok := monthParam(w, r)
	if !ok {
		return
	}
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Factory.Validate(req); err != nil {
		h.handleError(w, "RecordPayment", err)
		return
	}
	date, err := billing.ParseDate(req.PaymentDate)
	if err != nil {
		h.handleError(w, "RecordPayment", &billing.ValidationError{Fields: map[string]string{"payment_date": err.Error()}})
		return
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		h.handleError(w, "RecordPayment", err)
		return
	}
	in := rental.PaymentInput{
		PaymentDate:      date,
		PaymentMethod:    req.PaymentMethod,
		Amount:           amount,
		PunitoryForgiven: req.PunitoryForgiven,
	}
	if req.IVAAmount != "" {
		if in.IVAAmount, err = parseDecimal("iva_amount", req.IVAAmount); err != nil {
			h.handleError(w, "RecordPayment", err)
			return
		}
	}

	id := billing.ContractID(chi.URLParam(r, "id"))
	res, err := h.Engine.RecordPayment(r.Context(), id, month, in)
	if err != nil {
		h.handleError(w, "RecordPayment", err)
		return
	}
	paymentsRecorded.Inc()
	writeJSON(w, http.StatusCreated, PaymentResultDTO{
		Transaction: toPaymentDTO(res.Transaction),
		Ledger:      toLedgerDTO(res.Ledger),
	})
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	id := billing.LedgerID(chi.URLParam(r, "id"))
	txs, err := h.Engine.Payments(r.Context(), id)
	if err != nil {
		h.handleError(w, "ListPayments", err)
		return
	}
	dtos := make([]PaymentDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toPaymentDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DeletePayment removes a payment and returns the reconciled entry.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id := billing.PaymentID(chi.URLParam(r, "id"))
	l, err := h.Engine.DeletePayment(r.Context(), id)
	if err != nil {
		h.handleError(w, "DeletePayment", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(*l))
}

// =============================================================================
// ADJUSTMENT HANDLERS
// =============================================================================

func (h *Handler) ApplyAdjustment(w http.ResponseWriter, r *http.Request) {
	var req ApplyAdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Factory.Validate(req); err != nil {
		h.handleError(w, "ApplyAdjustment", err)
		return
	}
	pct, err := parseDecimal("percentage", req.Percentage)
	if err != nil {
		h.handleError(w, "ApplyAdjustment", err)
		return
	}
	id := billing.ContractID(chi.URLParam(r, "id"))
	adj, err := h.Engine.ApplyAdjustment(r.Context(), id, pct, req.TargetMonth)
	if err != nil {
		h.handleError(w, "ApplyAdjustment", err)
		return
	}
	adjustmentsApplied.Inc()
	writeJSON(w, http.StatusCreated, toAdjustmentDTO(*adj))
}

func (h *Handler) UndoAdjustment(w http.ResponseWriter, r *http.Request) {
	month, ok := monthParam(w, r)
	if !ok {
		return
	}
	id := billing.ContractID(chi.URLParam(r, "id"))
	adj, err := h.Engine.UndoAdjustment(r.Context(), id, month)
	if err != nil {
		h.handleError(w, "UndoAdjustment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdjustmentDTO(*adj))
}

// ApplyDue schedules the index value for every contract adjusting next month.
func (h *Handler) ApplyDue(w http.ResponseWriter, r *http.Request) {
	groupID := billing.GroupID(chi.URLParam(r, "id"))
	report, err := h.Engine.ApplyAllDueNextMonth(r.Context(), groupID)
	if err != nil {
		h.handleError(w, "ApplyDue", err)
		return
	}
	adjustmentsApplied.Add(float64(report.Applied()))
	writeJSON(w, http.StatusOK, toApplyReportDTO(report))
}

// GetAlerts returns due adjustments and contracts close to expiry. The
// optional horizon query overrides the configured expiry horizon.
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groupID := billing.GroupID(chi.URLParam(r, "id"))

	horizon := 0
	if s := r.URL.Query().Get("horizon"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid horizon", err)
			return
		}
		horizon = n
	}

	alerts, err := h.Engine.AdjustmentAlerts(ctx, groupID)
	if err != nil {
		h.handleError(w, "GetAlerts", err)
		return
	}
	expiring, err := h.Engine.ExpiringSoon(ctx, groupID, horizon)
	if err != nil {
		h.handleError(w, "GetAlerts", err)
		return
	}

	dto := AlertsDTO{
		ThisMonth:    toAlertDTOs(alerts.ThisMonth),
		NextMonth:    toAlertDTOs(alerts.NextMonth),
		ExpiringSoon: make([]factory.ContractJSON, len(expiring)),
	}
	for i, c := range expiring {
		dto.ExpiringSoon[i] = h.Factory.ContractToJSON(c)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// DISTRIBUTION HANDLERS
// =============================================================================

// PeriodLedgers lists the entries a distribution can be made across.
func (h *Handler) PeriodLedgers(w http.ResponseWriter, r *http.Request) {
	groupID := billing.GroupID(chi.URLParam(r, "id"))
	ledgers, err := h.Engine.PeriodLedgers(r.Context(), groupID, chi.URLParam(r, "period"))
	if err != nil {
		h.handleError(w, "PeriodLedgers", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTOs(ledgers))
}

// SubmitBatch applies a confirmed distribution to every selected entry.
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Factory.Validate(req); err != nil {
		h.handleError(w, "SubmitBatch", err)
		return
	}
	total, err := parseDecimal("total_amount", req.TotalAmount)
	if err != nil {
		h.handleError(w, "SubmitBatch", err)
		return
	}
	shares, err := fromShareDTOs(req.Shares)
	if err != nil {
		h.handleError(w, "SubmitBatch", err)
		return
	}
	res, err := h.Engine.SubmitBatch(r.Context(), rental.BatchRequest{
		GroupID:      billing.GroupID(chi.URLParam(r, "id")),
		PeriodKey:    req.PeriodKey,
		ConceptType:  billing.ConceptType(req.ConceptType),
		Description:  req.Description,
		TotalAmount:  total,
		Shares:       shares,
		TemplateName: req.TemplateName,
	})
	if err != nil {
		h.handleError(w, "SubmitBatch", err)
		return
	}
	batchesSubmitted.Inc()

	dto := BatchResultDTO{
		Allocation: toAllocationDTO(res.Allocation),
		Ledgers:    toLedgerDTOs(res.Ledgers),
	}
	if res.Template != nil {
		t := toTemplateDTO(*res.Template)
		dto.Template = &t
	}
	writeJSON(w, http.StatusCreated, dto)
}

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	groupID := billing.GroupID(chi.URLParam(r, "id"))
	templates, err := h.Engine.Templates(r.Context(), groupID)
	if err != nil {
		h.handleError(w, "ListTemplates", err)
		return
	}
	dtos := make([]TemplateDTO, len(templates))
	for i, t := range templates {
		dtos[i] = toTemplateDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	var req SaveTemplateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Factory.Validate(req); err != nil {
		h.handleError(w, "SaveTemplate", err)
		return
	}
	items, err := fromTemplateItemDTOs(req.Items)
	if err != nil {
		h.handleError(w, "SaveTemplate", err)
		return
	}
	groupID := billing.GroupID(chi.URLParam(r, "id"))
	t, err := h.Engine.SaveDistributionTemplate(r.Context(), groupID, req.Name, items)
	if err != nil {
		h.handleError(w, "SaveTemplate", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTemplateDTO(*t))
}

// EditDistribution runs one step of a distribution session. The session is
// held by the client: it sends the current state and receives the next one.
// A rejected step returns an error and the client keeps its state.
func (h *Handler) EditDistribution(w http.ResponseWriter, r *http.Request) {
	var req DistributionEditRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Factory.Validate(req); err != nil {
		h.handleError(w, "EditDistribution", err)
		return
	}

	precision := h.Engine.Precision()
	if req.State.Precision != nil {
		precision = *req.State.Precision
	}
	restored, err := fromShareDTOs(req.State.Shares)
	if err != nil {
		h.handleError(w, "EditDistribution", err)
		return
	}
	state := distribution.Restore(distribution.Phase(req.State.Phase), precision, restored)

	var alloc *distribution.Allocation
	switch req.Action {
	case "select":
		if req.Share == nil {
			err = missingField("share")
			break
		}
		var sh distribution.Share
		if sh, err = fromShareDTO(*req.Share); err == nil {
			state = state.Select(sh)
		}
	case "deselect":
		state = state.Deselect(billing.LedgerID(req.RecordID))
	case "load_template":
		var (
			t          *billing.PropertyGroup
			candidates []distribution.Share
		)
		if candidates, err = fromShareDTOs(req.Candidates); err != nil {
			break
		}
		if t, err = h.Engine.Template(r.Context(), billing.TemplateID(req.TemplateID)); err == nil {
			state = state.LoadTemplate(*t, candidates)
		}
	case "begin":
		state, err = state.BeginDistribution()
	case "set_percentage":
		if req.Value == "" {
			err = missingField("value")
			break
		}
		var v decimal.Decimal
		if v, err = parseDecimal("value", req.Value); err == nil {
			state, err = state.SetPercentage(billing.LedgerID(req.RecordID), v)
		}
	case "unlock":
		state, err = state.Unlock(billing.LedgerID(req.RecordID))
	case "back":
		state = state.Back()
	case "confirm":
		state, err = state.Confirm()
	case "allocate":
		if req.Total == "" {
			err = missingField("total")
			break
		}
		var total decimal.Decimal
		if total, err = parseDecimal("total", req.Total); err != nil {
			break
		}
		var a distribution.Allocation
		if a, err = state.Allocate(total); err == nil {
			alloc = &a
		}
	}
	if err != nil {
		h.handleError(w, "EditDistribution", err)
		return
	}

	resp := DistributionEditResponse{
		State:     toStateDTO(state),
		Sum:       state.Sum().String(),
		LockedSum: state.LockedSum().String(),
	}
	if alloc != nil {
		a := toAllocationDTO(*alloc)
		resp.Allocation = &a
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads the JSON body into dst, answering 400 on malformed input.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func monthParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	month, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil || month < 1 {
		writeError(w, http.StatusBadRequest, "Invalid month number", err)
		return 0, false
	}
	return month, true
}

func missingField(name string) error {
	return &billing.ValidationError{Fields: map[string]string{name: "required"}}
}

// InvalidDecimalError reports a request field that is not a decimal number.
type InvalidDecimalError struct {
	Field string
	Value string
}

func (e *InvalidDecimalError) Error() string {
	return fmt.Sprintf("%s: %q is not a decimal number", e.Field, e.Value)
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &InvalidDecimalError{Field: field, Value: s}
	}
	return d, nil
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrValidation):
		return http.StatusUnprocessableEntity
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case billing.IsConflict(err):
		return http.StatusConflict
	case billing.IsClientError(err),
		errors.As(err, new(*InvalidDecimalError)),
		errors.Is(err, distribution.ErrWrongPhase),
		errors.Is(err, distribution.ErrTooFewEntries),
		errors.Is(err, distribution.ErrUnknownRecord),
		errors.Is(err, distribution.ErrNegativeTotal):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleError(w http.ResponseWriter, funcName string, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		config.LogError(h.Log, "api", funcName, "request failed", nil, err)
		writeError(w, status, "Internal error", err)
	case http.StatusUnprocessableEntity:
		resp := ErrorResponse{Error: "Validation failed", Code: "VALIDATION"}
		var vErr *billing.ValidationError
		if errors.As(err, &vErr) {
			resp.Details = vErr.Fields
		} else {
			resp.Details = err.Error()
		}
		writeJSON(w, status, resp)
	case http.StatusNotFound:
		writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case http.StatusConflict:
		writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: "CONFLICT"})
	default:
		resp := ErrorResponse{Error: err.Error(), Code: "BAD_REQUEST"}
		var decErr *InvalidDecimalError
		if errors.As(err, &decErr) {
			resp.Details = map[string]string{decErr.Field: "must be a decimal number"}
		}
		writeJSON(w, status, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func (h *Handler) setScenario(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

func (h *Handler) scenario() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentScenario
}

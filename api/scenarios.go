/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	billing data for demos. Each scenario lives in its own group, so loading
	one never touches records created through the rest of the API.

AVAILABLE SCENARIOS:

	late-payment:         One tenant, a partial payment then a late one
	quarterly-adjustment: Two indexed contracts due for an adjustment next month
	shared-expenses:      Three units sharing a building repair, saved as template

HOW SCENARIOS WORK:
 1. Clear the scenario group (contracts cascade to ledgers and payments)
 2. Create indexes and contracts via factory JSON
 3. Open periods
 4. Record payments or submit distributions

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "shared-expenses"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description, group
 2. Create loader function: loadXxxScenario(ctx, groupID)
 3. Add case to loadScenario

SEE ALSO:
  - handlers.go: Handler and error mapping
  - factory/records.go: Contract and index JSON definitions
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/distribution"
	"github.com/warp/rent-engine/rental"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "late-payment",
		Name:        "Late Payment",
		Description: "Tenant with building expenses pays part on time and the rest after the punitory start day",
		GroupID:     "demo-late-payment",
	},
	{
		ID:          "quarterly-adjustment",
		Name:        "Quarterly Adjustment",
		Description: "Two contracts on a quarterly index, both due for an adjustment next month",
		GroupID:     "demo-quarterly-adjustment",
	},
	{
		ID:          "shared-expenses",
		Name:        "Shared Expenses",
		Description: "A building repair split 40/30/30 across three units and saved as a template",
		GroupID:     "demo-shared-expenses",
	},
}

// scenarioIndexes lists the index IDs each scenario creates, for cleanup.
var scenarioIndexes = map[string][]billing.IndexID{
	"late-payment":         {"demo-late-icl"},
	"quarterly-adjustment": {"demo-quarterly-ipc"},
}

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{}, false
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	s, ok := findScenario(h.scenario())
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Factory.Validate(req); err != nil {
		h.handleError(w, "LoadScenario", err)
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if err := h.LoadScenarioByID(r.Context(), s.ID); err != nil {
		h.handleError(w, "LoadScenario", fmt.Errorf("failed to load scenario %s: %w", s.ID, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"scenario": s.ID,
		"group_id": s.GroupID,
	})
}

// LoadScenarioByID clears and reloads one scenario. Used by the handler and by
// the server at startup when demo data is enabled.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	s, ok := findScenario(id)
	if !ok {
		return fmt.Errorf("unknown scenario %q", id)
	}
	groupID := billing.GroupID(s.GroupID)
	if err := h.clearScenario(ctx, id, groupID); err != nil {
		return err
	}

	var err error
	switch id {
	case "late-payment":
		err = h.loadLatePaymentScenario(ctx, groupID)
	case "quarterly-adjustment":
		err = h.loadQuarterlyAdjustmentScenario(ctx, groupID)
	case "shared-expenses":
		err = h.loadSharedExpensesScenario(ctx, groupID)
	}
	if err != nil {
		return err
	}
	h.setScenario(id)
	h.Log.WithField("scenario", id).Info("scenario loaded")
	return nil
}

func (h *Handler) clearScenario(ctx context.Context, id string, groupID billing.GroupID) error {
	contracts, err := h.Engine.Contracts(ctx, groupID)
	if err != nil {
		return err
	}
	for _, c := range contracts {
		if err := h.Engine.DeleteContract(ctx, c.ID); err != nil && !errors.Is(err, billing.ErrContractNotFound) {
			return err
		}
	}
	for _, idx := range scenarioIndexes[id] {
		if err := h.Engine.DeleteIndex(ctx, idx); err != nil && !errors.Is(err, billing.ErrIndexNotFound) {
			return err
		}
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) createIndex(ctx context.Context, jsonStr string) error {
	idx, err := h.Factory.ParseIndex(jsonStr)
	if err != nil {
		return err
	}
	_, err = h.Engine.SaveIndex(ctx, idx)
	return err
}

func (h *Handler) createContract(ctx context.Context, jsonStr string) (*billing.Contract, error) {
	c, err := h.Factory.ParseContract(jsonStr)
	if err != nil {
		return nil, err
	}
	return h.Engine.RegisterContract(ctx, c)
}

func (h *Handler) pay(ctx context.Context, id billing.ContractID, month int, date, amount string) error {
	d, err := billing.ParseDate(date)
	if err != nil {
		return err
	}
	_, err = h.Engine.RecordPayment(ctx, id, month, rental.PaymentInput{
		PaymentDate:   d,
		PaymentMethod: "transfer",
		Amount:        billing.MustParseDecimal(amount),
	})
	return err
}

func (h *Handler) loadLatePaymentScenario(ctx context.Context, groupID billing.GroupID) error {
	if err := h.createIndex(ctx, fmt.Sprintf(`{
		"id": "demo-late-icl", "group_id": %q, "name": "ICL",
		"frequency_months": 12, "current_value": "98.2"
	}`, groupID)); err != nil {
		return err
	}
	c, err := h.createContract(ctx, fmt.Sprintf(`{
		"id": "demo-late-2b",
		"group_id": %q,
		"type": "TENANT",
		"start_date": "2025-01-01",
		"duration_months": 24,
		"base_rent": "100000",
		"adjustment_index_id": "demo-late-icl",
		"punitory_start_day": 10,
		"punitory_percent": "0.5",
		"pass_through": [{"type": "EXPENSAS", "amount": "15000", "description": "building expenses"}]
	}`, groupID))
	if err != nil {
		return err
	}
	if _, err := h.Engine.OpenPeriod(ctx, c.ID, 1); err != nil {
		return err
	}
	// On time, partial
	if err := h.pay(ctx, c.ID, 1, "2025-01-05", "60000"); err != nil {
		return err
	}
	// Ten days past the due date
	return h.pay(ctx, c.ID, 1, "2025-01-20", "40000")
}

func (h *Handler) loadQuarterlyAdjustmentScenario(ctx context.Context, groupID billing.GroupID) error {
	if err := h.createIndex(ctx, fmt.Sprintf(`{
		"id": "demo-quarterly-ipc", "group_id": %q, "name": "IPC",
		"frequency_months": 3, "current_value": "12.5"
	}`, groupID)); err != nil {
		return err
	}
	units := []struct {
		id, rent string
	}{
		{"demo-quarterly-1a", "250000"},
		{"demo-quarterly-3c", "180000"},
	}
	for _, u := range units {
		c, err := h.createContract(ctx, fmt.Sprintf(`{
			"id": %q,
			"group_id": %q,
			"type": "TENANT",
			"start_date": "2025-01-01",
			"duration_months": 12,
			"current_month": 3,
			"base_rent": %q,
			"adjustment_index_id": "demo-quarterly-ipc",
			"punitory_start_day": 10,
			"punitory_percent": "0.2"
		}`, u.id, groupID, u.rent))
		if err != nil {
			return err
		}
		if _, err := h.Engine.OpenPeriod(ctx, c.ID, 3); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadSharedExpensesScenario(ctx context.Context, groupID billing.GroupID) error {
	units := []struct {
		id, kind, rent, passThrough string
	}{
		{"demo-shared-pb", "TENANT", "120000", `[]`},
		{"demo-shared-1a", "TENANT", "95000", `[]`},
		{"demo-shared-owner", "OWNER_OBLIGATION", "0", `[{"type": "MUNICIPAL", "amount": "8000"}]`},
	}
	for _, u := range units {
		c, err := h.createContract(ctx, fmt.Sprintf(`{
			"id": %q, "group_id": %q, "type": %q,
			"start_date": "2025-03-01", "duration_months": 24,
			"base_rent": %q, "punitory_start_day": 10,
			"pass_through": %s
		}`, u.id, groupID, u.kind, u.rent, u.passThrough))
		if err != nil {
			return err
		}
		if _, err := h.Engine.OpenPeriod(ctx, c.ID, 1); err != nil {
			return err
		}
	}

	ledgers, err := h.Engine.PeriodLedgers(ctx, groupID, "2025-03")
	if err != nil {
		return err
	}
	state := h.Engine.NewDistribution()
	var lead billing.LedgerID
	for _, sh := range distribution.SharesFromLedgers(ledgers) {
		state = state.Select(sh)
		if sh.ContractID == "demo-shared-pb" {
			lead = sh.RecordID
		}
	}
	if state, err = state.BeginDistribution(); err != nil {
		return err
	}
	if state, err = state.SetPercentage(lead, decimal.NewFromInt(40)); err != nil {
		return err
	}
	if state, err = state.Confirm(); err != nil {
		return err
	}

	_, err = h.Engine.SubmitBatch(ctx, rental.BatchRequest{
		GroupID:      groupID,
		PeriodKey:    "2025-03",
		ConceptType:  "REPARACION",
		Description:  "Roof repair",
		TotalAmount:  decimal.NewFromInt(90001),
		Shares:       state.Shares,
		TemplateName: "Roof split",
	})
	return err
}

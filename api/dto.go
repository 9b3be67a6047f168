/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Every amount and percentage is a decimal string ("100000", "33.33").
  Dates are "YYYY-MM-DD" and periods "YYYY-MM".

VALIDATION:
  Request types carry validator tags; handlers run them through
  factory.Factory.Validate so failures come back keyed by JSON field.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/records.go: ContractJSON and IndexJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/distribution"
	"github.com/warp/rent-engine/factory"
	"github.com/warp/rent-engine/rental"
)

// =============================================================================
// LEDGERS AND PAYMENTS
// =============================================================================

type ConceptDTO struct {
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	IsAutomatic bool   `json:"is_automatic"`
	Description string `json:"description,omitempty"`
}

type LedgerDTO struct {
	ID            string       `json:"id"`
	ContractID    string       `json:"contract_id"`
	GroupID       string       `json:"group_id"`
	Period        string       `json:"period"`
	MonthNumber   int          `json:"month_number"`
	Concepts      []ConceptDTO `json:"concepts"`
	TotalDue      string       `json:"total_due"`
	AmountPaid    string       `json:"amount_paid"`
	Outstanding   string       `json:"outstanding"`
	Status        string       `json:"status"`
	CreditCarried string       `json:"credit_carried,omitempty"`
	Version       int          `json:"version"`
}

type PaymentDTO struct {
	ID               string       `json:"id"`
	LedgerID         string       `json:"ledger_id"`
	ContractID       string       `json:"contract_id"`
	PaymentDate      string       `json:"payment_date"`
	PaymentMethod    string       `json:"payment_method,omitempty"`
	Amount           string       `json:"amount"`
	PunitoryAmount   string       `json:"punitory_amount"`
	PunitoryForgiven bool         `json:"punitory_forgiven"`
	IVAAmount        string       `json:"iva_amount"`
	ReceiptNumber    string       `json:"receipt_number"`
	Concepts         []ConceptDTO `json:"concepts"`
}

type OpenPeriodRequest struct {
	MonthNumber int `json:"month_number" validate:"required,min=1"`
}

type RecordPaymentRequest struct {
	PaymentDate      string `json:"payment_date" validate:"required,datetime=2006-01-02"`
	PaymentMethod    string `json:"payment_method"`
	Amount           string `json:"amount" validate:"required,numeric"`
	PunitoryForgiven bool   `json:"punitory_forgiven"`
	IVAAmount        string `json:"iva_amount,omitempty" validate:"omitempty,numeric"`
}

type PaymentResultDTO struct {
	Transaction PaymentDTO `json:"transaction"`
	Ledger      LedgerDTO  `json:"ledger"`
}

type PreviewDTO struct {
	ContractID  string       `json:"contract_id"`
	MonthNumber int          `json:"month_number"`
	Period      string       `json:"period"`
	Opened      bool         `json:"opened"`
	PaymentDate string       `json:"payment_date"`
	DueDate     string       `json:"due_date"`
	DaysLate    int          `json:"days_late"`
	Concepts    []ConceptDTO `json:"concepts"`
	TotalDue    string       `json:"total_due"`
	AmountPaid  string       `json:"amount_paid"`
	Outstanding string       `json:"outstanding"`
}

// ContractDetailDTO is a contract with its billing history.
type ContractDetailDTO struct {
	Contract    factory.ContractJSON `json:"contract"`
	Ledgers     []LedgerDTO          `json:"ledgers"`
	Adjustments []AdjustmentDTO      `json:"adjustments"`
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

type ApplyAdjustmentRequest struct {
	Percentage  string `json:"percentage" validate:"required,numeric"`
	TargetMonth *int   `json:"target_month,omitempty" validate:"omitempty,min=1"`
}

type AdjustmentDTO struct {
	ID                string  `json:"id"`
	ContractID        string  `json:"contract_id"`
	TargetMonth       int     `json:"target_month"`
	TargetPeriod      string  `json:"target_period"`
	PreviousBaseRent  string  `json:"previous_base_rent"`
	NewBaseRent       string  `json:"new_base_rent"`
	PercentageApplied string  `json:"percentage_applied"`
	AppliedAt         string  `json:"applied_at"`
	UndoneAt          *string `json:"undone_at,omitempty"`
}

type OutcomeDTO struct {
	ContractID  string         `json:"contract_id"`
	TargetMonth int            `json:"target_month"`
	Applied     bool           `json:"applied"`
	Adjustment  *AdjustmentDTO `json:"adjustment,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type ApplyReportDTO struct {
	GroupID  string       `json:"group_id"`
	Applied  int          `json:"applied"`
	Failed   int          `json:"failed"`
	Outcomes []OutcomeDTO `json:"outcomes"`
}

type AlertDTO struct {
	ContractID   string `json:"contract_id"`
	IndexID      string `json:"index_id"`
	IndexName    string `json:"index_name"`
	MonthNumber  int    `json:"month_number"`
	Period       string `json:"period"`
	CurrentRent  string `json:"current_rent"`
	SuggestedPct string `json:"suggested_percentage"`
	Applied      bool   `json:"applied"`
}

type AlertsDTO struct {
	ThisMonth    []AlertDTO             `json:"this_month"`
	NextMonth    []AlertDTO             `json:"next_month"`
	ExpiringSoon []factory.ContractJSON `json:"expiring_soon"`
}

// =============================================================================
// DISTRIBUTION
// =============================================================================

type ShareDTO struct {
	RecordID   string `json:"record_id" validate:"required"`
	ContractID string `json:"contract_id"`
	Version    int    `json:"version"`
	Percentage string `json:"percentage,omitempty" validate:"omitempty,numeric"`
	Locked     bool   `json:"locked"`
}

type BatchRequestDTO struct {
	PeriodKey    string     `json:"period" validate:"required"`
	ConceptType  string     `json:"concept_type" validate:"required"`
	Description  string     `json:"description"`
	TotalAmount  string     `json:"total_amount" validate:"required,numeric"`
	Shares       []ShareDTO `json:"shares" validate:"min=2,dive"`
	TemplateName string     `json:"template_name,omitempty"`
}

type AllocatedDTO struct {
	ShareDTO
	Amount string `json:"amount"`
}

type AllocationDTO struct {
	Items     []AllocatedDTO `json:"items"`
	Total     string         `json:"total"`
	Allocated string         `json:"allocated"`
	Residual  string         `json:"residual"`
}

type BatchResultDTO struct {
	Allocation AllocationDTO `json:"allocation"`
	Ledgers    []LedgerDTO   `json:"ledgers"`
	Template   *TemplateDTO  `json:"template,omitempty"`
}

type TemplateItemDTO struct {
	ContractID string `json:"contract_id" validate:"required"`
	Percentage string `json:"percentage" validate:"required,numeric"`
}

type TemplateDTO struct {
	ID        string            `json:"id"`
	GroupID   string            `json:"group_id"`
	Name      string            `json:"name"`
	Items     []TemplateItemDTO `json:"items"`
	CreatedAt string            `json:"created_at"`
}

type SaveTemplateRequest struct {
	Name  string            `json:"name" validate:"required"`
	Items []TemplateItemDTO `json:"items" validate:"min=1,dive"`
}

type DistributionStateDTO struct {
	Phase     string     `json:"phase"`
	Precision *int32     `json:"precision,omitempty"`
	Shares    []ShareDTO `json:"shares" validate:"dive"`
}

// DistributionEditRequest is one step of a distribution session. The client
// holds the state and sends it back with each action.
type DistributionEditRequest struct {
	State      DistributionStateDTO `json:"state"`
	Action     string               `json:"action" validate:"required,oneof=select deselect load_template begin set_percentage unlock back confirm allocate"`
	Share      *ShareDTO            `json:"share,omitempty"`
	RecordID   string               `json:"record_id,omitempty"`
	Value      string               `json:"value,omitempty" validate:"omitempty,numeric"`
	TemplateID string               `json:"template_id,omitempty"`
	Candidates []ShareDTO           `json:"candidates,omitempty" validate:"dive"`
	Total      string               `json:"total,omitempty" validate:"omitempty,numeric"`
}

type DistributionEditResponse struct {
	State      DistributionStateDTO `json:"state"`
	Sum        string               `json:"sum"`
	LockedSum  string               `json:"locked_sum"`
	Allocation *AllocationDTO       `json:"allocation,omitempty"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	GroupID     string `json:"group_id"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toConceptDTOs(cs billing.Concepts) []ConceptDTO {
	dtos := make([]ConceptDTO, len(cs))
	for i, c := range cs {
		dtos[i] = ConceptDTO{
			Type:        string(c.Type),
			Amount:      c.Amount.String(),
			IsAutomatic: c.IsAutomatic,
			Description: c.Description,
		}
	}
	return dtos
}

func toLedgerDTO(l billing.LedgerEntry) LedgerDTO {
	dto := LedgerDTO{
		ID:          string(l.ID),
		ContractID:  string(l.ContractID),
		GroupID:     string(l.GroupID),
		Period:      l.Period.Key(),
		MonthNumber: l.MonthNumber,
		Concepts:    toConceptDTOs(l.Concepts),
		TotalDue:    l.TotalDue.String(),
		AmountPaid:  l.AmountPaid.String(),
		Outstanding: l.Outstanding().String(),
		Status:      string(l.Status),
		Version:     l.Version,
	}
	if !l.CreditCarried.IsZero() {
		dto.CreditCarried = l.CreditCarried.String()
	}
	return dto
}

func toLedgerDTOs(ls []billing.LedgerEntry) []LedgerDTO {
	dtos := make([]LedgerDTO, len(ls))
	for i, l := range ls {
		dtos[i] = toLedgerDTO(l)
	}
	return dtos
}

func toPaymentDTO(p billing.PaymentTransaction) PaymentDTO {
	return PaymentDTO{
		ID:               string(p.ID),
		LedgerID:         string(p.LedgerID),
		ContractID:       string(p.ContractID),
		PaymentDate:      p.PaymentDate.String(),
		PaymentMethod:    p.PaymentMethod,
		Amount:           p.Amount.String(),
		PunitoryAmount:   p.PunitoryAmount.String(),
		PunitoryForgiven: p.PunitoryForgiven,
		IVAAmount:        p.IVAAmount.String(),
		ReceiptNumber:    p.ReceiptNumber,
		Concepts:         toConceptDTOs(p.Concepts),
	}
}

func toPreviewDTO(p *rental.Preview) PreviewDTO {
	return PreviewDTO{
		ContractID:  string(p.ContractID),
		MonthNumber: p.MonthNumber,
		Period:      p.Period.Key(),
		Opened:      p.Opened,
		PaymentDate: p.PaymentDate.String(),
		DueDate:     p.DueDate.String(),
		DaysLate:    p.DaysLate,
		Concepts:    toConceptDTOs(p.Concepts),
		TotalDue:    p.TotalDue.String(),
		AmountPaid:  p.AmountPaid.String(),
		Outstanding: p.Outstanding.String(),
	}
}

func toAdjustmentDTO(h billing.AdjustmentHistory) AdjustmentDTO {
	dto := AdjustmentDTO{
		ID:                string(h.ID),
		ContractID:        string(h.ContractID),
		TargetMonth:       h.TargetMonth,
		TargetPeriod:      h.TargetPeriod.Key(),
		PreviousBaseRent:  h.PreviousBaseRent.String(),
		NewBaseRent:       h.NewBaseRent.String(),
		PercentageApplied: h.PercentageApplied.String(),
		AppliedAt:         h.AppliedAt.UTC().Format(time.RFC3339),
	}
	if h.UndoneAt != nil {
		s := h.UndoneAt.UTC().Format(time.RFC3339)
		dto.UndoneAt = &s
	}
	return dto
}

func toAdjustmentDTOs(hs []billing.AdjustmentHistory) []AdjustmentDTO {
	dtos := make([]AdjustmentDTO, len(hs))
	for i, h := range hs {
		dtos[i] = toAdjustmentDTO(h)
	}
	return dtos
}

func toApplyReportDTO(r rental.ApplyReport) ApplyReportDTO {
	dto := ApplyReportDTO{
		GroupID:  string(r.GroupID),
		Applied:  r.Applied(),
		Failed:   r.Failed(),
		Outcomes: make([]OutcomeDTO, len(r.Outcomes)),
	}
	for i, o := range r.Outcomes {
		out := OutcomeDTO{ContractID: string(o.ContractID), TargetMonth: o.TargetMonth, Applied: o.Applied()}
		if o.Adjustment != nil {
			adj := toAdjustmentDTO(*o.Adjustment)
			out.Adjustment = &adj
		}
		if o.Err != nil {
			out.Error = o.Err.Error()
		}
		dto.Outcomes[i] = out
	}
	return dto
}

func toAlertDTOs(alerts []rental.Alert) []AlertDTO {
	dtos := make([]AlertDTO, len(alerts))
	for i, a := range alerts {
		dtos[i] = AlertDTO{
			ContractID:   string(a.ContractID),
			IndexID:      string(a.IndexID),
			IndexName:    a.IndexName,
			MonthNumber:  a.MonthNumber,
			Period:       a.Period.Key(),
			CurrentRent:  a.CurrentRent.String(),
			SuggestedPct: a.SuggestedPct.String(),
			Applied:      a.Applied,
		}
	}
	return dtos
}

func toShareDTO(sh distribution.Share) ShareDTO {
	return ShareDTO{
		RecordID:   string(sh.RecordID),
		ContractID: string(sh.ContractID),
		Version:    sh.Version,
		Percentage: sh.Percentage.String(),
		Locked:     sh.Locked,
	}
}

func fromShareDTO(dto ShareDTO) (distribution.Share, error) {
	pct := decimal.Zero
	if dto.Percentage != "" {
		var err error
		if pct, err = parseDecimal("percentage", dto.Percentage); err != nil {
			return distribution.Share{}, err
		}
	}
	return distribution.Share{
		RecordID:   billing.LedgerID(dto.RecordID),
		ContractID: billing.ContractID(dto.ContractID),
		Version:    dto.Version,
		Percentage: pct,
		Locked:     dto.Locked,
	}, nil
}

func fromShareDTOs(dtos []ShareDTO) ([]distribution.Share, error) {
	shares := make([]distribution.Share, len(dtos))
	for i, dto := range dtos {
		sh, err := fromShareDTO(dto)
		if err != nil {
			return nil, err
		}
		shares[i] = sh
	}
	return shares, nil
}

func toAllocationDTO(a distribution.Allocation) AllocationDTO {
	dto := AllocationDTO{
		Items:     make([]AllocatedDTO, len(a.Items)),
		Total:     a.Total.String(),
		Allocated: a.Allocated.String(),
		Residual:  a.Residual.String(),
	}
	for i, item := range a.Items {
		dto.Items[i] = AllocatedDTO{ShareDTO: toShareDTO(item.Share), Amount: item.Amount.String()}
	}
	return dto
}

func toStateDTO(s distribution.State) DistributionStateDTO {
	precision := s.Precision
	dto := DistributionStateDTO{Phase: string(s.Phase), Precision: &precision, Shares: make([]ShareDTO, len(s.Shares))}
	for i, sh := range s.Shares {
		dto.Shares[i] = toShareDTO(sh)
	}
	return dto
}

func toTemplateDTO(t billing.PropertyGroup) TemplateDTO {
	dto := TemplateDTO{
		ID:        string(t.ID),
		GroupID:   string(t.GroupID),
		Name:      t.Name,
		Items:     make([]TemplateItemDTO, len(t.Items)),
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	}
	for i, item := range t.Items {
		dto.Items[i] = TemplateItemDTO{ContractID: string(item.ContractID), Percentage: item.Percentage.String()}
	}
	return dto
}

func fromTemplateItemDTOs(dtos []TemplateItemDTO) ([]billing.TemplateItem, error) {
	items := make([]billing.TemplateItem, len(dtos))
	for i, dto := range dtos {
		pct, err := parseDecimal("percentage", dto.Percentage)
		if err != nil {
			return nil, err
		}
		items[i] = billing.TemplateItem{ContractID: billing.ContractID(dto.ContractID), Percentage: pct}
	}
	return items, nil
}

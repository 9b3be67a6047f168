/*
Package factory converts JSON contract and index definitions into billing
records.

PURPOSE:
  Operators register contracts and adjustment indexes as JSON documents
  (admin UI, seed files, the HTTP API). The factory validates the document
  shape, parses dates and decimal amounts exactly, applies defaults, and
  produces the billing structs the engine works with. Business rules that
  depend on other records (index in the same group, no duplicate ID) stay
  in the engine.

JSON SCHEMA (contract):
  {
    "id": "unit-1a",
    "group_id": "building-1",
    "type": "TENANT",
    "start_date": "2025-01-15",
    "duration_months": 24,
    "base_rent": "100000",
    "adjustment_index_id": "ipc-quarterly",
    "punitory_start_day": 10,
    "punitory_percent": "0.6",
    "pays_iva": false,
    "pass_through": [
      {"type": "EXPENSAS", "amount": "15000", "description": "building expenses"}
    ]
  }

JSON SCHEMA (index):
  {"id": "ipc-quarterly", "group_id": "building-1", "name": "IPC",
   "frequency_months": 3, "current_value": "7.5"}

AMOUNTS:
  Decimals travel as strings so that no amount ever passes through float64.

SEE ALSO:
  - billing/contract.go: Contract and AdjustmentIndex
  - api/handlers.go: Uses the factory for request bodies and responses
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/rent-engine/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ContractJSON is the JSON representation of a contract. Status, Version and
// Expired are output only.
type ContractJSON struct {
	ID                string            `json:"id,omitempty"`
	GroupID           string            `json:"group_id" validate:"required"`
	Type              string            `json:"type" validate:"required,oneof=TENANT OWNER_OBLIGATION"`
	StartDate         string            `json:"start_date" validate:"required,datetime=2006-01-02"`
	DurationMonths    int               `json:"duration_months" validate:"required,min=1"`
	CurrentMonth      int               `json:"current_month,omitempty" validate:"omitempty,min=1"`
	BaseRent          string            `json:"base_rent,omitempty" validate:"omitempty,numeric"`
	AdjustmentIndexID string            `json:"adjustment_index_id,omitempty"`
	PunitoryStartDay  int               `json:"punitory_start_day" validate:"required,min=1,max=28"`
	PunitoryPercent   string            `json:"punitory_percent,omitempty" validate:"omitempty,numeric"`
	PaysIVA           bool              `json:"pays_iva"`
	Active            *bool             `json:"active,omitempty"`
	PassThrough       []PassThroughJSON `json:"pass_through,omitempty" validate:"omitempty,dive"`

	Status  string `json:"status,omitempty"`
	Expired bool   `json:"expired,omitempty"`
	Version int    `json:"version,omitempty"`
}

type PassThroughJSON struct {
	Type        string `json:"type" validate:"required,oneof=EXPENSAS MUNICIPAL"`
	Amount      string `json:"amount" validate:"required,numeric"`
	Description string `json:"description,omitempty"`
}

// IndexJSON is the JSON representation of an adjustment index.
type IndexJSON struct {
	ID              string `json:"id,omitempty"`
	GroupID         string `json:"group_id" validate:"required"`
	Name            string `json:"name" validate:"required"`
	FrequencyMonths int    `json:"frequency_months" validate:"required,min=1"`
	CurrentValue    string `json:"current_value" validate:"required,numeric"`
	LastUpdated     string `json:"last_updated,omitempty"`
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory converts JSON documents to billing records.
type Factory struct {
	validate *validator.Validate
}

func New() *Factory {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Factory{validate: v}
}

// Validate checks the struct tags of a document and reports failures as a
// billing.ValidationError keyed by JSON field name.
func (f *Factory) Validate(doc any) error {
	err := f.validate.Struct(doc)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", billing.ErrValidation, err)
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fieldPath(fe)] = describe(fe)
	}
	return &billing.ValidationError{Fields: fields}
}

// fieldPath drops the root struct name: "ContractJSON.pass_through[0].amount"
// becomes "pass_through[0].amount".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "min":
		return "must be >= " + fe.Param()
	case "max":
		return "must be <= " + fe.Param()
	case "numeric":
		return "must be a decimal number"
	case "datetime":
		return "must be a date formatted " + fe.Param()
	default:
		return fe.Tag()
	}
}

// ParseContract parses a JSON string into a Contract.
func (f *Factory) ParseContract(jsonStr string) (billing.Contract, error) {
	var cj ContractJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return billing.Contract{}, fmt.Errorf("failed to parse contract JSON: %w", err)
	}
	return f.ContractFromJSON(cj)
}

// ContractFromJSON converts ContractJSON to a billing.Contract. Active
// defaults to true and a missing rate or rent to zero.
func (f *Factory) ContractFromJSON(cj ContractJSON) (billing.Contract, error) {
	if err := f.Validate(cj); err != nil {
		return billing.Contract{}, err
	}

	start, err := billing.ParseDate(cj.StartDate)
	if err != nil {
		return billing.Contract{}, &billing.ValidationError{Fields: map[string]string{"start_date": err.Error()}}
	}

	c := billing.Contract{
		ID:                billing.ContractID(cj.ID),
		GroupID:           billing.GroupID(cj.GroupID),
		Type:              billing.ContractType(cj.Type),
		StartDate:         start,
		DurationMonths:    cj.DurationMonths,
		CurrentMonth:      cj.CurrentMonth,
		BaseRent:          parseDecimal(cj.BaseRent),
		AdjustmentIndexID: billing.IndexID(cj.AdjustmentIndexID),
		PunitoryStartDay:  cj.PunitoryStartDay,
		PunitoryPercent:   parseDecimal(cj.PunitoryPercent),
		PaysIVA:           cj.PaysIVA,
		Active:            cj.Active == nil || *cj.Active,
	}
	for _, pj := range cj.PassThrough {
		c.PassThrough = append(c.PassThrough, billing.PassThrough{
			Type:        billing.ConceptType(pj.Type),
			Amount:      parseDecimal(pj.Amount),
			Description: pj.Description,
		})
	}
	return c, nil
}

// ContractToJSON converts a contract back to its JSON form.
func (f *Factory) ContractToJSON(c billing.Contract) ContractJSON {
	active := c.Active
	cj := ContractJSON{
		ID:                string(c.ID),
		GroupID:           string(c.GroupID),
		Type:              string(c.Type),
		StartDate:         c.StartDate.String(),
		DurationMonths:    c.DurationMonths,
		CurrentMonth:      c.CurrentMonth,
		BaseRent:          c.BaseRent.String(),
		AdjustmentIndexID: string(c.AdjustmentIndexID),
		PunitoryStartDay:  c.PunitoryStartDay,
		PunitoryPercent:   c.PunitoryPercent.String(),
		PaysIVA:           c.PaysIVA,
		Active:            &active,
		Status:            string(c.Status()),
		Expired:           c.Expired,
		Version:           c.Version,
	}
	for _, p := range c.PassThrough {
		cj.PassThrough = append(cj.PassThrough, PassThroughJSON{
			Type:        string(p.Type),
			Amount:      p.Amount.String(),
			Description: p.Description,
		})
	}
	return cj
}

// ParseIndex parses a JSON string into an AdjustmentIndex.
func (f *Factory) ParseIndex(jsonStr string) (billing.AdjustmentIndex, error) {
	var ij IndexJSON
	if err := json.Unmarshal([]byte(jsonStr), &ij); err != nil {
		return billing.AdjustmentIndex{}, fmt.Errorf("failed to parse index JSON: %w", err)
	}
	return f.IndexFromJSON(ij)
}

func (f *Factory) IndexFromJSON(ij IndexJSON) (billing.AdjustmentIndex, error) {
	if err := f.Validate(ij); err != nil {
		return billing.AdjustmentIndex{}, err
	}
	return billing.AdjustmentIndex{
		ID:              billing.IndexID(ij.ID),
		GroupID:         billing.GroupID(ij.GroupID),
		Name:            ij.Name,
		FrequencyMonths: ij.FrequencyMonths,
		CurrentValue:    parseDecimal(ij.CurrentValue),
	}, nil
}

func (f *Factory) IndexToJSON(idx billing.AdjustmentIndex) IndexJSON {
	ij := IndexJSON{
		ID:              string(idx.ID),
		GroupID:         string(idx.GroupID),
		Name:            idx.Name,
		FrequencyMonths: idx.FrequencyMonths,
		CurrentValue:    idx.CurrentValue.String(),
	}
	if !idx.LastUpdated.IsZero() {
		ij.LastUpdated = idx.LastUpdated.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return ij
}

// =============================================================================
// HELPERS
// =============================================================================

// parseDecimal returns zero for an empty string. Inputs are validated as
// numeric before reaching here.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	return billing.MustParseDecimal(s)
}

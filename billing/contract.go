/*
contract.go - Contract state model

PURPOSE:
  A Contract is one tenancy (or owner obligation) billed over a finite
  sequence of monthly periods. It carries the period cursor (CurrentMonth),
  the rent in force, the adjustment index it follows and the parameters of
  the late-payment surcharge.

CRITICAL INVARIANTS:
  1. 1 <= CurrentMonth <= DurationMonths
  2. CurrentMonth never decreases
  3. Advancing past the last month marks the contract EXPIRED instead
  4. OWNER_OBLIGATION contracts have no rent and no adjustment index

MONTH NUMBERS:
  Month 1 is the calendar month of StartDate. Month n is n-1 calendar months
  later. A contract starting 2025-01-15 bills month 1 = 2025-01, month 4 = 2025-04.

SEE ALSO:
  - rental/adjustment.go: Mutates BaseRent
  - ledger.go: Ledger entries keyed by (ContractID, MonthNumber)
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONTRACT
// =============================================================================

type ContractType string

const (
	ContractTenant          ContractType = "TENANT"
	ContractOwnerObligation ContractType = "OWNER_OBLIGATION"
)

type ContractStatus string

const (
	StatusActive   ContractStatus = "ACTIVE"
	StatusExpired  ContractStatus = "EXPIRED"
	StatusInactive ContractStatus = "INACTIVE"
)

// PassThrough is a fixed concept billed every period on behalf of the
// property (building expenses, municipal tax).
type PassThrough struct {
	Type        ConceptType
	Amount      decimal.Decimal
	Description string
}

type Contract struct {
	ID                ContractID
	GroupID           GroupID
	Type              ContractType
	StartDate         TimePoint
	DurationMonths    int
	CurrentMonth      int
	BaseRent          decimal.Decimal
	AdjustmentIndexID IndexID // Empty when the contract is not indexed
	PunitoryStartDay  int
	PunitoryPercent   decimal.Decimal // Daily rate, in percent
	PaysIVA           bool
	Active            bool
	Expired           bool
	PassThrough       []PassThrough

	// Version is incremented by the store on every save.
	Version   int
	CreatedAt time.Time
}

// Status derives the lifecycle state.
func (c *Contract) Status() ContractStatus {
	switch {
	case !c.Active:
		return StatusInactive
	case c.Expired:
		return StatusExpired
	default:
		return StatusActive
	}
}

// AdvancePeriod moves the cursor to the next month. At the last month it
// marks the contract expired and returns a ContractExpiredError; the cursor
// itself never exceeds DurationMonths.
func (c *Contract) AdvancePeriod() error {
	if c.CurrentMonth >= c.DurationMonths {
		c.Expired = true
		return &ContractExpiredError{ContractID: c.ID, DurationMonths: c.DurationMonths}
	}
	c.CurrentMonth++
	return nil
}

// IsExpiringSoon reports whether an active contract has at most horizon
// months left.
func (c *Contract) IsExpiringSoon(horizonMonths int) bool {
	return c.Status() == StatusActive && c.DurationMonths-c.CurrentMonth <= horizonMonths
}

// PeriodFor returns the calendar month billed as the given month number.
func (c *Contract) PeriodFor(monthNumber int) Period {
	return PeriodOf(c.StartDate).Add(monthNumber - 1)
}

// Indexed reports whether the contract follows an adjustment index.
func (c *Contract) Indexed() bool {
	return c.Type == ContractTenant && c.AdjustmentIndexID != ""
}

// Validate checks the field constraints of a contract.
func (c *Contract) Validate() error {
	fields := map[string]string{}
	if c.ID == "" {
		fields["id"] = "required"
	}
	if c.Type != ContractTenant && c.Type != ContractOwnerObligation {
		fields["type"] = "must be TENANT or OWNER_OBLIGATION"
	}
	if c.DurationMonths < 1 {
		fields["duration_months"] = "must be >= 1"
	}
	if c.CurrentMonth < 1 || c.CurrentMonth > c.DurationMonths {
		fields["current_month"] = "must be within 1..duration_months"
	}
	if c.PunitoryStartDay < 1 || c.PunitoryStartDay > 28 {
		fields["punitory_start_day"] = "must be within 1..28"
	}
	if c.PunitoryPercent.IsNegative() {
		fields["punitory_percent"] = "must be >= 0"
	}
	if c.BaseRent.IsNegative() {
		fields["base_rent"] = "must be >= 0"
	}
	if c.Type == ContractOwnerObligation {
		if !c.BaseRent.IsZero() {
			fields["base_rent"] = "must be 0 for OWNER_OBLIGATION"
		}
		if c.AdjustmentIndexID != "" {
			fields["adjustment_index_id"] = "only TENANT contracts can be indexed"
		}
	}
	if c.StartDate.IsZero() {
		fields["start_date"] = "required"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// =============================================================================
// ADJUSTMENT INDEX
// =============================================================================

// AdjustmentIndex is a named periodic rent-increase rule shared by contracts.
type AdjustmentIndex struct {
	ID              IndexID
	GroupID         GroupID
	Name            string
	FrequencyMonths int
	CurrentValue    decimal.Decimal // Default increase, in percent
	LastUpdated     time.Time
}

// =============================================================================
// ADJUSTMENT HISTORY
// =============================================================================

// AdjustmentHistory records one applied adjustment so it can be undone
// exactly. A row is active while UndoneAt is nil; at most one active row
// exists per (ContractID, TargetMonth).
type AdjustmentHistory struct {
	ID                AdjustmentID
	ContractID        ContractID
	TargetMonth       int
	TargetPeriod      Period
	PreviousBaseRent  decimal.Decimal
	NewBaseRent       decimal.Decimal
	PercentageApplied decimal.Decimal
	AppliedAt         time.Time
	UndoneAt          *time.Time
}

func (h *AdjustmentHistory) Active() bool { return h.UndoneAt == nil }

/*
adjustment.go - Adjustment index service

PURPOSE:
  Re-bases a contract's rent by a percentage and keeps an explicit history
  row per adjustment so it can be undone exactly.

TRIGGER RULE:
  Counted from the contract's own first month, never from the calendar:
    due(m) = m > 1 && (m-1) % frequencyMonths == 0
  frequencyMonths = 3 -> months 4, 7, 10, ...

APPLY:
  newBaseRent = round2(base * (1 + pct/100))
  - no target, or target == CurrentMonth: effective now; the current month's
    open ledger (if not COMPLETE) has ALQUILER re-priced
  - CurrentMonth < target <= DurationMonths: scheduled; base is the rent
    projected for that month, applied when the contract advances into it
  - anything else: ErrInvalidTargetMonth

ORDERING:
  Adjustments stack in target order. A new one may not target a month before
  an active one (ErrAdjustmentSuperseded) and only the latest active one can
  be undone. With that rule PreviousBaseRent is always the rent the undo must
  restore, so undo(apply(x)) == x holds for any chain.

SEE ALSO:
  - engine.go: OpenPeriod activates scheduled rows
*/
package rental

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/rent-engine/billing"
)

// =============================================================================
// TRIGGER RULE
// =============================================================================

// DueInMonth reports whether month m of the contract is an adjustment month
// of idx.
func DueInMonth(c *billing.Contract, idx *billing.AdjustmentIndex, m int) bool {
	if idx == nil || !c.Indexed() || idx.FrequencyMonths < 1 {
		return false
	}
	if m <= 1 || m > c.DurationMonths {
		return false
	}
	return (m-1)%idx.FrequencyMonths == 0
}

func DueThisMonth(c *billing.Contract, idx *billing.AdjustmentIndex) bool {
	return c.Status() == billing.StatusActive && DueInMonth(c, idx, c.CurrentMonth)
}

// DueNextMonth checks CurrentMonth+1, which only exists while it is within
// the contract duration.
func DueNextMonth(c *billing.Contract, idx *billing.AdjustmentIndex) bool {
	return c.Status() == billing.StatusActive && DueInMonth(c, idx, c.CurrentMonth+1)
}

// AdjustedRent returns round2(base * (1 + pct/100)).
func AdjustedRent(base, pct decimal.Decimal) decimal.Decimal {
	return billing.Round2(base.Add(billing.Percent(base, pct)))
}

// =============================================================================
// APPLY / UNDO
// =============================================================================

// ApplyAdjustment raises the contract's rent by pct percent. targetMonth nil
// means the current month.
func (e *Engine) ApplyAdjustment(ctx context.Context, contractID billing.ContractID, pct decimal.Decimal, targetMonth *int) (*billing.AdjustmentHistory, error) {
	var applied *billing.AdjustmentHistory
	err := e.withLock(ctx, adjustmentKey(contractID), func() error {
		return e.store.WithTx(ctx, func(s billing.Store) error {
			h, err := e.apply(ctx, s, contractID, pct, targetMonth)
			applied = h
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"contract_id":  contractID,
		"target_month": applied.TargetMonth,
		"previous":     applied.PreviousBaseRent.String(),
		"new":          applied.NewBaseRent.String(),
	}).Info("adjustment applied")
	return applied, nil
}

func (e *Engine) apply(ctx context.Context, s billing.Store, contractID billing.ContractID, pct decimal.Decimal, targetMonth *int) (*billing.AdjustmentHistory, error) {
	c, err := s.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.Type != billing.ContractTenant {
		return nil, &billing.ValidationError{Fields: map[string]string{"contract": "only TENANT contracts carry rent"}}
	}
	if pct.LessThanOrEqual(billing.Hundred.Neg()) {
		return nil, &billing.ValidationError{Fields: map[string]string{"percentage": "must be > -100"}}
	}
	target := c.CurrentMonth
	if targetMonth != nil {
		target = *targetMonth
	}
	if target < c.CurrentMonth || target > c.DurationMonths {
		return nil, fmt.Errorf("%w: month %d is outside %d..%d",
			billing.ErrInvalidTargetMonth, target, c.CurrentMonth, c.DurationMonths)
	}

	existing, err := s.ActiveAdjustment(ctx, c.ID, target)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &billing.DuplicateAdjustmentError{ContractID: c.ID, TargetMonth: target}
	}

	history, err := s.ListAdjustments(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	base := c.BaseRent
	for _, h := range history {
		if !h.Active() {
			continue
		}
		if h.TargetMonth > target {
			return nil, fmt.Errorf("%w: month %d is already adjusted", billing.ErrAdjustmentSuperseded, h.TargetMonth)
		}
		if h.TargetMonth > c.CurrentMonth {
			base = h.NewBaseRent
		}
	}

	h := billing.AdjustmentHistory{
		ID:                billing.AdjustmentID(e.newID()),
		ContractID:        c.ID,
		TargetMonth:       target,
		TargetPeriod:      c.PeriodFor(target),
		PreviousBaseRent:  base,
		NewBaseRent:       AdjustedRent(base, pct),
		PercentageApplied: pct,
		AppliedAt:         e.now(),
	}
	if err := s.InsertAdjustment(ctx, h); err != nil {
		if errors.Is(err, billing.ErrDuplicateAdjustment) {
			return nil, &billing.DuplicateAdjustmentError{ContractID: c.ID, TargetMonth: target}
		}
		return nil, err
	}

	if target == c.CurrentMonth {
		c.BaseRent = h.NewBaseRent
		if err := s.SaveContract(ctx, c); err != nil {
			return nil, err
		}
		if err := repriceOpenLedger(ctx, s, c); err != nil {
			return nil, err
		}
	}
	return &h, nil
}

// UndoAdjustment reverts the active adjustment of targetMonth, restoring the
// previous rent when it was already effective.
func (e *Engine) UndoAdjustment(ctx context.Context, contractID billing.ContractID, targetMonth int) (*billing.AdjustmentHistory, error) {
	var undone *billing.AdjustmentHistory
	err := e.withLock(ctx, adjustmentKey(contractID), func() error {
		return e.store.WithTx(ctx, func(s billing.Store) error {
			c, err := s.GetContract(ctx, contractID)
			if err != nil {
				return err
			}
			h, err := s.ActiveAdjustment(ctx, c.ID, targetMonth)
			if err != nil {
				return err
			}
			if h == nil {
				return &billing.NoAdjustmentToUndoError{ContractID: c.ID, TargetMonth: targetMonth}
			}
			history, err := s.ListAdjustments(ctx, c.ID)
			if err != nil {
				return err
			}
			for _, other := range history {
				if other.Active() && other.TargetMonth > targetMonth {
					return fmt.Errorf("%w: undo month %d first", billing.ErrAdjustmentSuperseded, other.TargetMonth)
				}
			}

			at := e.now()
			if err := s.MarkAdjustmentUndone(ctx, h.ID, at); err != nil {
				if errors.Is(err, billing.ErrNoAdjustmentToUndo) {
					return &billing.NoAdjustmentToUndoError{ContractID: c.ID, TargetMonth: targetMonth}
				}
				return err
			}
			h.UndoneAt = &at

			if h.TargetMonth <= c.CurrentMonth {
				c.BaseRent = h.PreviousBaseRent
				if err := s.SaveContract(ctx, c); err != nil {
					return err
				}
				if err := repriceOpenLedger(ctx, s, c); err != nil {
					return err
				}
			}
			undone = h
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"contract_id":  contractID,
		"target_month": targetMonth,
		"restored":     undone.PreviousBaseRent.String(),
	}).Info("adjustment undone")
	return undone, nil
}

// Adjustments returns the full history of a contract, undone rows included.
func (e *Engine) Adjustments(ctx context.Context, contractID billing.ContractID) ([]billing.AdjustmentHistory, error) {
	return e.store.ListAdjustments(ctx, contractID)
}

func adjustmentKey(id billing.ContractID) string { return "adjustment:" + string(id) }

// activateScheduled makes the active row targeting the contract's new
// current month effective.
func activateScheduled(ctx context.Context, s billing.Store, c *billing.Contract) error {
	h, err := s.ActiveAdjustment(ctx, c.ID, c.CurrentMonth)
	if err != nil || h == nil {
		return err
	}
	c.BaseRent = h.NewBaseRent
	return nil
}

// repriceOpenLedger aligns the automatic ALQUILER of the current month with
// the contract's rent. COMPLETE entries are left as billed.
func repriceOpenLedger(ctx context.Context, s billing.Store, c *billing.Contract) error {
	l, err := s.GetLedger(ctx, c.ID, c.CurrentMonth)
	if errors.Is(err, billing.ErrLedgerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if l.Status == billing.LedgerComplete || l.Concepts.Find(billing.ConceptRent, true) < 0 {
		return nil
	}
	l.Concepts = l.Concepts.Set(billing.ConceptRent, c.BaseRent, "")
	l.Recalculate(l.AmountPaid)
	return s.UpdateLedger(ctx, l)
}

// =============================================================================
// GROUP OPERATIONS
// =============================================================================

// Outcome is the result of one contract in a best-effort group operation.
type Outcome struct {
	ContractID  billing.ContractID
	TargetMonth int
	Adjustment  *billing.AdjustmentHistory
	Err         error
}

func (o Outcome) Applied() bool { return o.Err == nil }

// ApplyReport lists one outcome per contract that was due.
type ApplyReport struct {
	GroupID  billing.GroupID
	Outcomes []Outcome
}

func (r ApplyReport) Applied() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Applied() {
			n++
		}
	}
	return n
}

func (r ApplyReport) Failed() int { return len(r.Outcomes) - r.Applied() }

// ApplyAllDueNextMonth schedules the index's current value for every contract
// of the group whose index triggers next month. Each contract is applied in
// its own transaction; failures are reported, not returned.
func (e *Engine) ApplyAllDueNextMonth(ctx context.Context, groupID billing.GroupID) (ApplyReport, error) {
	report := ApplyReport{GroupID: groupID}
	contracts, err := e.store.ListContracts(ctx, groupID)
	if err != nil {
		return report, err
	}
	indexes := map[billing.IndexID]*billing.AdjustmentIndex{}
	for i := range contracts {
		c := &contracts[i]
		if !c.Indexed() {
			continue
		}
		idx, err := e.index(ctx, indexes, c.AdjustmentIndexID)
		if err != nil {
			return report, err
		}
		if !DueNextMonth(c, idx) {
			continue
		}
		target := c.CurrentMonth + 1
		h, err := e.ApplyAdjustment(ctx, c.ID, idx.CurrentValue, &target)
		report.Outcomes = append(report.Outcomes, Outcome{ContractID: c.ID, TargetMonth: target, Adjustment: h, Err: err})
		if err != nil {
			e.log.WithFields(logrus.Fields{"contract_id": c.ID, "target_month": target}).
				WithError(err).Warn("adjustment skipped")
		}
	}
	e.log.WithFields(logrus.Fields{
		"group_id": groupID,
		"applied":  report.Applied(),
		"failed":   report.Failed(),
	}).Info("due adjustments applied")
	return report, nil
}

func (e *Engine) index(ctx context.Context, cache map[billing.IndexID]*billing.AdjustmentIndex, id billing.IndexID) (*billing.AdjustmentIndex, error) {
	if idx, ok := cache[id]; ok {
		return idx, nil
	}
	idx, err := e.store.GetIndex(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = idx
	return idx, nil
}

// Alert is one contract due for an adjustment.
type Alert struct {
	ContractID   billing.ContractID
	IndexID      billing.IndexID
	IndexName    string
	MonthNumber  int
	Period       billing.Period
	CurrentRent  decimal.Decimal
	SuggestedPct decimal.Decimal
	Applied      bool // An active history row already exists for MonthNumber
}

type Alerts struct {
	ThisMonth []Alert
	NextMonth []Alert
}

// AdjustmentAlerts builds the "this month" and "next month" lists of a group.
func (e *Engine) AdjustmentAlerts(ctx context.Context, groupID billing.GroupID) (Alerts, error) {
	var alerts Alerts
	contracts, err := e.store.ListContracts(ctx, groupID)
	if err != nil {
		return alerts, err
	}
	indexes := map[billing.IndexID]*billing.AdjustmentIndex{}
	for i := range contracts {
		c := &contracts[i]
		if !c.Indexed() {
			continue
		}
		idx, err := e.index(ctx, indexes, c.AdjustmentIndexID)
		if err != nil {
			return alerts, err
		}
		for _, due := range []struct {
			ok    bool
			month int
			list  *[]Alert
		}{
			{DueThisMonth(c, idx), c.CurrentMonth, &alerts.ThisMonth},
			{DueNextMonth(c, idx), c.CurrentMonth + 1, &alerts.NextMonth},
		} {
			if !due.ok {
				continue
			}
			h, err := e.store.ActiveAdjustment(ctx, c.ID, due.month)
			if err != nil {
				return alerts, err
			}
			*due.list = append(*due.list, Alert{
				ContractID:   c.ID,
				IndexID:      idx.ID,
				IndexName:    idx.Name,
				MonthNumber:  due.month,
				Period:       c.PeriodFor(due.month),
				CurrentRent:  c.BaseRent,
				SuggestedPct: idx.CurrentValue,
				Applied:      h != nil,
			})
		}
	}
	return alerts, nil
}

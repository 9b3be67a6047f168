package rental

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/distribution"
)

// =============================================================================
// BATCH DISTRIBUTION - Atomic submission of a confirmed split
// =============================================================================

// BatchRequest applies one concept of ConceptType to every share's ledger
// entry. Shares carry the ledger Version seen at selection time.
type BatchRequest struct {
	GroupID     billing.GroupID
	PeriodKey   string
	ConceptType billing.ConceptType
	Description string
	TotalAmount decimal.Decimal
	Shares      []distribution.Share

	// TemplateName, when set, saves the split as a reusable template in the
	// same transaction.
	TemplateName string
}

type BatchResult struct {
	Allocation distribution.Allocation
	Ledgers    []billing.LedgerEntry
	Template   *billing.PropertyGroup
}

// SubmitBatch is all-or-nothing: a ledger that changed since selection fails
// the whole batch with a BatchConflictError.
func (e *Engine) SubmitBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	period, err := billing.ParsePeriod(req.PeriodKey)
	if err != nil {
		return nil, err
	}
	if req.ConceptType == "" {
		return nil, &billing.ValidationError{Fields: map[string]string{"concept_type": "required"}}
	}
	if len(req.Shares) < 2 {
		return nil, &billing.ValidationError{Fields: map[string]string{"distributions": "at least two entries are required"}}
	}
	alloc, err := distribution.Allocate(req.TotalAmount, req.Shares)
	if err != nil {
		if errors.Is(err, distribution.ErrNegativeTotal) {
			return nil, &billing.ValidationError{Fields: map[string]string{"total_amount": err.Error()}}
		}
		return nil, err
	}
	description := req.Description
	if description == "" {
		description = string(req.ConceptType) + " " + period.Key()
	}

	result := &BatchResult{Allocation: alloc}
	err = e.store.WithTx(ctx, func(s billing.Store) error {
		result.Ledgers = result.Ledgers[:0]
		seen := map[billing.LedgerID]bool{}
		for _, item := range alloc.Items {
			if seen[item.RecordID] {
				return &billing.ValidationError{Fields: map[string]string{"distributions": "duplicate ledger " + string(item.RecordID)}}
			}
			seen[item.RecordID] = true

			l, err := s.GetLedgerByID(ctx, item.RecordID)
			if err != nil {
				return err
			}
			if l.GroupID != req.GroupID || l.Period != period {
				return &billing.ValidationError{Fields: map[string]string{
					"distributions": "ledger " + string(l.ID) + " is not part of " + period.Key(),
				}}
			}
			if l.Version != item.Version {
				return &billing.BatchConflictError{LedgerID: l.ID, Expected: item.Version, Actual: l.Version}
			}
			if err := l.AddConcept(billing.Concept{
				Type:        req.ConceptType,
				Amount:      item.Amount,
				Description: description,
			}); err != nil {
				return err
			}
			if err := s.UpdateLedger(ctx, l); err != nil {
				if errors.Is(err, billing.ErrConcurrentModification) {
					conflict := &billing.BatchConflictError{LedgerID: l.ID, Expected: item.Version, Actual: item.Version}
					if cur, gerr := s.GetLedgerByID(ctx, l.ID); gerr == nil {
						conflict.Actual = cur.Version
					}
					return conflict
				}
				return err
			}
			result.Ledgers = append(result.Ledgers, l.Clone())
		}

		if req.TemplateName != "" {
			t, err := e.buildTemplate(req.GroupID, req.TemplateName, templateItems(alloc.Items))
			if err != nil {
				return err
			}
			if err := s.SaveTemplate(ctx, *t); err != nil {
				return err
			}
			result.Template = t
		}
		return nil
	})
	if err != nil {
		e.log.WithFields(logrus.Fields{"group_id": req.GroupID, "period": req.PeriodKey}).
			WithError(err).Warn("batch rejected")
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"group_id": req.GroupID,
		"period":   period.Key(),
		"entries":  len(result.Ledgers),
		"total":    alloc.Total.String(),
		"residual": alloc.Residual.String(),
	}).Info("batch applied")
	return result, nil
}

func templateItems(items []distribution.Allocated) []billing.TemplateItem {
	out := make([]billing.TemplateItem, 0, len(items))
	for _, it := range items {
		out = append(out, billing.TemplateItem{ContractID: it.ContractID, Percentage: it.Percentage})
	}
	return out
}

// =============================================================================
// TEMPLATES
// =============================================================================

// SaveDistributionTemplate stores a named split. Percentages must sum to 100.
func (e *Engine) SaveDistributionTemplate(ctx context.Context, groupID billing.GroupID, name string, items []billing.TemplateItem) (*billing.PropertyGroup, error) {
	t, err := e.buildTemplate(groupID, name, items)
	if err != nil {
		return nil, err
	}
	if err := e.store.WithTx(ctx, func(s billing.Store) error {
		for _, it := range t.Items {
			c, err := s.GetContract(ctx, it.ContractID)
			if err != nil {
				return err
			}
			if c.GroupID != groupID {
				return &billing.ValidationError{Fields: map[string]string{"items": "contract " + string(c.ID) + " belongs to another group"}}
			}
		}
		return s.SaveTemplate(ctx, *t)
	}); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"group_id": groupID, "template": t.Name}).Info("distribution template saved")
	return t, nil
}

func (e *Engine) buildTemplate(groupID billing.GroupID, name string, items []billing.TemplateItem) (*billing.PropertyGroup, error) {
	fields := map[string]string{}
	if strings.TrimSpace(name) == "" {
		fields["name"] = "required"
	}
	if len(items) == 0 {
		fields["items"] = "required"
	}
	total := decimal.Zero
	seen := map[billing.ContractID]bool{}
	for _, it := range items {
		if seen[it.ContractID] {
			fields["items"] = "duplicate contract " + string(it.ContractID)
		}
		seen[it.ContractID] = true
		if it.Percentage.IsNegative() {
			fields["items"] = "percentages must be >= 0"
		}
		total = total.Add(it.Percentage)
	}
	if len(fields) > 0 {
		return nil, &billing.ValidationError{Fields: fields}
	}
	if !total.Equal(billing.Hundred) {
		return nil, billing.ErrPercentageSum
	}
	return &billing.PropertyGroup{
		ID:        billing.TemplateID(e.newID()),
		GroupID:   groupID,
		Name:      strings.TrimSpace(name),
		Items:     append([]billing.TemplateItem(nil), items...),
		CreatedAt: e.now(),
	}, nil
}

func (e *Engine) Templates(ctx context.Context, groupID billing.GroupID) ([]billing.PropertyGroup, error) {
	return e.store.ListTemplates(ctx, groupID)
}

func (e *Engine) Template(ctx context.Context, id billing.TemplateID) (*billing.PropertyGroup, error) {
	return e.store.GetTemplate(ctx, id)
}

// PeriodLedgers returns the entries of one billing period of a group, the
// candidates of a distribution.
func (e *Engine) PeriodLedgers(ctx context.Context, groupID billing.GroupID, periodKey string) ([]billing.LedgerEntry, error) {
	period, err := billing.ParsePeriod(periodKey)
	if err != nil {
		return nil, err
	}
	return e.store.ListLedgersByPeriod(ctx, groupID, period)
}

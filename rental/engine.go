/*
Package rental implements the billing engine operations on top of billing.TxStore.

PURPOSE:
  Engine is the caller-facing surface of the billing core. Every operation
  reads the records it needs, applies one of the pure rules of this package
  (punitory, builder, adjustment trigger) or of the distribution package, and
  writes the result back inside a single TxStore.WithTx call.

OPERATIONS:
  Contracts:    RegisterContract, Contract, Contracts, DeleteContract, ExpiringSoon
  Indexes:      SaveIndex, DeleteIndex
  Periods:      OpenPeriod, ComputePreview, Ledgers
  Payments:     RecordPayment, DeletePayment, Payments
  Adjustments:  ApplyAdjustment, UndoAdjustment, ApplyAllDueNextMonth, AdjustmentAlerts
  Distribution: SubmitBatch, SaveDistributionTemplate, Templates, PeriodLedgers

CONCURRENCY:
  The store gives each operation an atomic transaction and enforces ledger and
  adjustment uniqueness. On top of that, period opening and adjustment
  apply/undo take a billing.Locker key so that racing requests on the same
  contract are serialized and the loser observes the winner's write.

SEE ALSO:
  - builder.go: Concept construction
  - adjustment.go: Rent re-basing and history
  - payment.go: Reconciliation
  - batch.go: Atomic distribution submission
*/
package rental

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/rent-engine/billing"
	billingstore "github.com/warp/rent-engine/billing/store"
	"github.com/warp/rent-engine/distribution"
)

// DefaultExpiringHorizon is the number of remaining months under which a
// contract is reported as expiring soon.
const DefaultExpiringHorizon = 2

// Engine runs billing operations against a transactional store.
type Engine struct {
	store     billing.TxStore
	locker    billing.Locker
	log       logrus.FieldLogger
	now       func() time.Time
	newID     func() string
	precision int32
	horizon   int
}

type Option func(*Engine)

// WithLocker replaces the in-process keyed mutex, e.g. with a Redis lock.
func WithLocker(l billing.Locker) Option { return func(e *Engine) { e.locker = l } }

func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithIDGenerator(gen func() string) Option { return func(e *Engine) { e.newID = gen } }

// WithPrecision sets the decimals kept on distribution percentages.
func WithPrecision(p int32) Option { return func(e *Engine) { e.precision = p } }

func WithExpiringHorizon(months int) Option { return func(e *Engine) { e.horizon = months } }

func NewEngine(store billing.TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		locker:    billingstore.NewKeyedMutex(),
		log:       logrus.StandardLogger(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		precision: distribution.DefaultPrecision,
		horizon:   DefaultExpiringHorizon,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Precision returns the percentage precision used for new distributions.
func (e *Engine) Precision() int32 { return e.precision }

// NewDistribution starts an allocator session at the engine's precision.
func (e *Engine) NewDistribution() distribution.State { return distribution.New(e.precision) }

func (e *Engine) withLock(ctx context.Context, key string, fn func() error) error {
	release, err := e.locker.Obtain(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer release()
	return fn()
}

// =============================================================================
// CONTRACTS
// =============================================================================

// RegisterContract validates and stores a new contract. A missing ID is
// generated and a zero CurrentMonth starts at month 1.
func (e *Engine) RegisterContract(ctx context.Context, c billing.Contract) (*billing.Contract, error) {
	if c.ID == "" {
		c.ID = billing.ContractID(e.newID())
	}
	if c.CurrentMonth == 0 {
		c.CurrentMonth = 1
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = e.now()
	}
	c.Version = 0
	if err := c.Validate(); err != nil {
		return nil, err
	}

	err := e.store.WithTx(ctx, func(s billing.Store) error {
		if _, err := s.GetContract(ctx, c.ID); err == nil {
			return &billing.ValidationError{Fields: map[string]string{"id": "already registered"}}
		} else if !errors.Is(err, billing.ErrContractNotFound) {
			return err
		}
		if c.AdjustmentIndexID != "" {
			idx, err := s.GetIndex(ctx, c.AdjustmentIndexID)
			if err != nil {
				return err
			}
			if idx.GroupID != c.GroupID {
				return &billing.ValidationError{Fields: map[string]string{"adjustment_index_id": "belongs to another group"}}
			}
		}
		return s.SaveContract(ctx, &c)
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"contract_id": c.ID, "group_id": c.GroupID}).Info("contract registered")
	return &c, nil
}

func (e *Engine) Contract(ctx context.Context, id billing.ContractID) (*billing.Contract, error) {
	return e.store.GetContract(ctx, id)
}

func (e *Engine) Contracts(ctx context.Context, groupID billing.GroupID) ([]billing.Contract, error) {
	return e.store.ListContracts(ctx, groupID)
}

// DeleteContract removes a contract with its ledgers, payments and history.
func (e *Engine) DeleteContract(ctx context.Context, id billing.ContractID) error {
	if err := e.store.WithTx(ctx, func(s billing.Store) error {
		return s.DeleteContract(ctx, id)
	}); err != nil {
		return err
	}
	e.log.WithField("contract_id", id).Info("contract deleted")
	return nil
}

// ExpiringSoon lists the active contracts of a group with at most horizon
// months left. A non-positive horizon uses the engine default.
func (e *Engine) ExpiringSoon(ctx context.Context, groupID billing.GroupID, horizon int) ([]billing.Contract, error) {
	if horizon <= 0 {
		horizon = e.horizon
	}
	contracts, err := e.store.ListContracts(ctx, groupID)
	if err != nil {
		return nil, err
	}
	var result []billing.Contract
	for i := range contracts {
		if contracts[i].IsExpiringSoon(horizon) {
			result = append(result, contracts[i])
		}
	}
	return result, nil
}

// =============================================================================
// ADJUSTMENT INDEXES
// =============================================================================

// SaveIndex creates or replaces an index.
func (e *Engine) SaveIndex(ctx context.Context, idx billing.AdjustmentIndex) (*billing.AdjustmentIndex, error) {
	if idx.ID == "" {
		idx.ID = billing.IndexID(e.newID())
	}
	fields := map[string]string{}
	if idx.Name == "" {
		fields["name"] = "required"
	}
	if idx.FrequencyMonths < 1 {
		fields["frequency_months"] = "must be >= 1"
	}
	if idx.CurrentValue.LessThanOrEqual(billing.Hundred.Neg()) {
		fields["current_value"] = "must be > -100"
	}
	if len(fields) > 0 {
		return nil, &billing.ValidationError{Fields: fields}
	}
	idx.LastUpdated = e.now()
	if err := e.store.WithTx(ctx, func(s billing.Store) error {
		return s.SaveIndex(ctx, idx)
	}); err != nil {
		return nil, err
	}
	return &idx, nil
}

// DeleteIndex fails with ErrIndexInUse while a contract references it.
func (e *Engine) DeleteIndex(ctx context.Context, id billing.IndexID) error {
	return e.store.WithTx(ctx, func(s billing.Store) error {
		return s.DeleteIndex(ctx, id)
	})
}

// =============================================================================
// PERIODS
// =============================================================================

// OpenPeriod creates the ledger entry of monthNumber. It must be the current
// month while that month has no entry, or the month after it, which advances
// the contract. Advancing past the last month persists the EXPIRED flag and
// returns a ContractExpiredError.
func (e *Engine) OpenPeriod(ctx context.Context, contractID billing.ContractID, monthNumber int) (*billing.LedgerEntry, error) {
	var (
		opened  *billing.LedgerEntry
		expired error
	)
	key := fmt.Sprintf("period:%s:%d", contractID, monthNumber)
	err := e.withLock(ctx, key, func() error {
		return e.store.WithTx(ctx, func(s billing.Store) error {
			c, err := s.GetContract(ctx, contractID)
			if err != nil {
				return err
			}
			if c.Expired {
				return &billing.ContractExpiredError{ContractID: c.ID, DurationMonths: c.DurationMonths}
			}
			if !c.Active {
				return &billing.ValidationError{Fields: map[string]string{"contract": "inactive"}}
			}

			existing, err := s.GetLedger(ctx, c.ID, monthNumber)
			if err == nil {
				return &billing.DuplicatePeriodError{ContractID: c.ID, MonthNumber: monthNumber, ExistingID: existing.ID}
			}
			if !errors.Is(err, billing.ErrLedgerNotFound) {
				return err
			}

			switch monthNumber {
			case c.CurrentMonth:
			case c.CurrentMonth + 1:
				if err := c.AdvancePeriod(); err != nil {
					expired = err
					return s.SaveContract(ctx, c)
				}
				if err := activateScheduled(ctx, s, c); err != nil {
					return err
				}
				if err := s.SaveContract(ctx, c); err != nil {
					return err
				}
			default:
				return fmt.Errorf("%w: month %d cannot be opened, contract is at month %d",
					billing.ErrInvalidPeriod, monthNumber, c.CurrentMonth)
			}

			credit, err := consumeCredit(ctx, s, c.ID, monthNumber)
			if err != nil {
				return err
			}
			period := c.PeriodFor(monthNumber)
			l := &billing.LedgerEntry{
				ID:          billing.LedgerID(e.newID()),
				ContractID:  c.ID,
				GroupID:     c.GroupID,
				Period:      period,
				MonthNumber: monthNumber,
				Concepts:    OpeningConcepts(c, period, c.BaseRent, credit),
				CreatedAt:   e.now(),
			}
			l.Recalculate(decimal.Zero)
			if err := s.InsertLedger(ctx, l); err != nil {
				if errors.Is(err, billing.ErrDuplicatePeriod) {
					return &billing.DuplicatePeriodError{ContractID: c.ID, MonthNumber: monthNumber}
				}
				return err
			}
			opened = l
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if expired != nil {
		e.log.WithField("contract_id", contractID).Warn("contract expired")
		return nil, expired
	}
	e.log.WithFields(logrus.Fields{
		"contract_id": contractID,
		"month":       monthNumber,
		"period":      opened.Period.Key(),
		"total_due":   opened.TotalDue.String(),
	}).Info("period opened")
	return opened, nil
}

// consumeCredit returns the unconsumed surplus of the previous month and
// records it on that entry as carried.
func consumeCredit(ctx context.Context, s billing.Store, contractID billing.ContractID, monthNumber int) (decimal.Decimal, error) {
	if monthNumber <= 1 {
		return decimal.Zero, nil
	}
	prev, err := s.GetLedger(ctx, contractID, monthNumber-1)
	if errors.Is(err, billing.ErrLedgerNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	credit := availableCredit(prev)
	if !credit.IsPositive() {
		return decimal.Zero, nil
	}
	prev.CreditCarried = prev.CreditCarried.Add(credit)
	if err := s.UpdateLedger(ctx, prev); err != nil {
		return decimal.Zero, err
	}
	return credit, nil
}

func availableCredit(l *billing.LedgerEntry) decimal.Decimal {
	if c := l.Surplus().Sub(l.CreditCarried); c.IsPositive() {
		return c
	}
	return decimal.Zero
}

// Ledgers returns a contract's entries ordered by month.
func (e *Engine) Ledgers(ctx context.Context, contractID billing.ContractID) ([]billing.LedgerEntry, error) {
	if _, err := e.store.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return e.store.ListLedgers(ctx, contractID)
}

// Preview is what a contract owes for its current month if paid on PaymentDate.
type Preview struct {
	ContractID  billing.ContractID
	MonthNumber int
	Period      billing.Period
	Opened      bool
	PaymentDate billing.TimePoint
	DueDate     billing.TimePoint
	DaysLate    int
	Concepts    billing.Concepts
	TotalDue    decimal.Decimal
	AmountPaid  decimal.Decimal
	Outstanding decimal.Decimal
}

// ComputePreview builds the concepts of the contract's current month for a
// payment on paymentDate without writing anything.
func (e *Engine) ComputePreview(ctx context.Context, contractID billing.ContractID, paymentDate billing.TimePoint) (*Preview, error) {
	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	in := BuildInput{Contract: c, MonthNumber: c.CurrentMonth, PaymentDate: paymentDate}
	l, err := e.store.GetLedger(ctx, c.ID, c.CurrentMonth)
	switch {
	case err == nil:
		in.Ledger = l
	case errors.Is(err, billing.ErrLedgerNotFound):
		in.Rent = c.BaseRent
		if c.CurrentMonth > 1 {
			prev, err := e.store.GetLedger(ctx, c.ID, c.CurrentMonth-1)
			if err == nil {
				in.Credit = availableCredit(prev)
			} else if !errors.Is(err, billing.ErrLedgerNotFound) {
				return nil, err
			}
		}
	default:
		return nil, err
	}

	period := c.PeriodFor(c.CurrentMonth)
	p := &Preview{
		ContractID:  c.ID,
		MonthNumber: c.CurrentMonth,
		Period:      period,
		Opened:      in.Ledger != nil,
		PaymentDate: paymentDate,
		DueDate:     DueDate(period, c.PunitoryStartDay),
		DaysLate:    DaysLate(period, c.PunitoryStartDay, paymentDate),
		Concepts:    Build(in),
		AmountPaid:  decimal.Zero,
	}
	if in.Ledger != nil {
		p.AmountPaid = in.Ledger.AmountPaid
	}
	p.TotalDue = p.Concepts.Total()
	p.Outstanding = decimal.Max(decimal.Zero, p.TotalDue.Sub(p.AmountPaid))
	return p, nil
}

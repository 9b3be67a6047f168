/*
Package distribution splits one shared amount across many ledger entries.

PURPOSE:
  An operator picks the ledger entries of one billing period that share an
  expense, adjusts what percentage each one carries and submits the split.
  This package is the pure state machine behind that workflow; it performs
  no I/O. rental.Engine.SubmitBatch applies the confirmed result.

PHASES:
  Selection    -> pick >= 2 entries, or load a saved template
  Distribution -> edit and lock percentages
  Confirmation -> percentages frozen, amounts derived

INVARIANTS:
  1. No accepted edit makes Σ locked percentages exceed 100
  2. Equal splits give the last entry the exact residual, so Σ stays 100
  3. A rejected edit leaves the state unchanged
  4. Confirmation requires Σ percentages == 100 exactly

EDIT ALGORITHM (SetPercentage on entry R with value V):
  V is clamped to [0, 100]
  lockedSum = V + Σ other locked entries
  lockedSum > 100 -> DistributionOverflowError, state unchanged
  otherwise R = V and R is locked; 100 - lockedSum is split equally across
  the unlocked entries, the last one taking the residual

EXAMPLE:
  s := distribution.New(0)
  s = s.Select(a).Select(b).Select(c)
  s, _ = s.BeginDistribution()     // 33, 33, 34
  s, _ = s.SetPercentage(a.RecordID, decimal.NewFromInt(50)) // 50 (locked), 25, 25

SEE ALSO:
  - rental/batch.go: Atomic submission of a confirmed split
*/
package distribution

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/warp/rent-engine/billing"
)

// DefaultPrecision is the number of decimals kept on computed percentages.
const DefaultPrecision int32 = 2

type Phase string

const (
	PhaseSelection    Phase = "selection"
	PhaseDistribution Phase = "distribution"
	PhaseConfirmation Phase = "confirmation"
)

var (
	ErrWrongPhase     = errors.New("operation not allowed in current phase")
	ErrTooFewEntries  = errors.New("at least two entries must be selected")
	ErrUnknownRecord  = errors.New("record is not part of the distribution")
	ErrAlreadyChosen  = errors.New("record already selected")
	ErrNegativeTotal  = errors.New("total amount must not be negative")
)

// Share is one ledger entry taking part in a distribution.
type Share struct {
	RecordID   billing.LedgerID
	ContractID billing.ContractID
	Version    int // Ledger version observed at selection
	Percentage decimal.Decimal
	Locked     bool
}

// SharesFromLedgers returns one unselected share per ledger entry, carrying
// the version the batch submission will check.
func SharesFromLedgers(ledgers []billing.LedgerEntry) []Share {
	shares := make([]Share, 0, len(ledgers))
	for _, l := range ledgers {
		shares = append(shares, Share{RecordID: l.ID, ContractID: l.ContractID, Version: l.Version, Percentage: decimal.Zero})
	}
	return shares
}

// State is an immutable snapshot of a distribution session. Every method
// returns a new State.
type State struct {
	Phase     Phase
	Precision int32
	Shares    []Share

	initialized bool
}

// New starts a session in the selection phase.
func New(precision int32) State {
	return State{Phase: PhaseSelection, Precision: precision}
}

// Restore rebuilds a session from its exported fields, as sent back by a
// client between steps. Shares of a selection carrying locked percentages
// count as a loaded template.
func Restore(phase Phase, precision int32, shares []Share) State {
	s := State{Phase: phase, Precision: precision, Shares: append([]Share(nil), shares...)}
	switch phase {
	case PhaseSelection:
		for _, sh := range shares {
			if sh.Locked {
				s.initialized = true
				break
			}
		}
	case PhaseDistribution, PhaseConfirmation:
		s.initialized = true
	default:
		s.Phase = PhaseSelection
	}
	return s
}

func (s State) clone() State {
	s.Shares = append([]Share(nil), s.Shares...)
	return s
}

func (s State) indexOf(id billing.LedgerID) int {
	for i, sh := range s.Shares {
		if sh.RecordID == id {
			return i
		}
	}
	return -1
}

// =============================================================================
// SELECTION
// =============================================================================

// Select adds an entry. Selecting an entry already chosen is a no-op.
func (s State) Select(sh Share) State {
	if s.Phase != PhaseSelection || s.indexOf(sh.RecordID) >= 0 {
		return s
	}
	s = s.clone()
	sh.Percentage = decimal.Zero
	sh.Locked = false
	s.Shares = append(s.Shares, sh)
	s.initialized = false
	return s
}

// Deselect removes an entry.
func (s State) Deselect(id billing.LedgerID) State {
	i := s.indexOf(id)
	if s.Phase != PhaseSelection || i < 0 {
		return s
	}
	s = s.clone()
	s.Shares = append(s.Shares[:i], s.Shares[i+1:]...)
	s.initialized = false
	return s
}

// LoadTemplate replaces the selection with the candidates whose contract
// appears in the template; their percentages are taken from it and locked.
func (s State) LoadTemplate(t billing.PropertyGroup, candidates []Share) State {
	if s.Phase != PhaseSelection {
		return s
	}
	byContract := make(map[billing.ContractID]decimal.Decimal, len(t.Items))
	for _, item := range t.Items {
		byContract[item.ContractID] = item.Percentage
	}
	next := State{Phase: PhaseSelection, Precision: s.Precision}
	for _, c := range candidates {
		pct, ok := byContract[c.ContractID]
		if !ok || next.indexOf(c.RecordID) >= 0 {
			continue
		}
		c.Percentage = pct
		c.Locked = true
		next.Shares = append(next.Shares, c)
	}
	next.initialized = len(next.Shares) > 0
	return next
}

// BeginDistribution moves to the distribution phase, splitting 100 equally
// when no percentages were set yet.
func (s State) BeginDistribution() (State, error) {
	if s.Phase != PhaseSelection {
		return s, ErrWrongPhase
	}
	if len(s.Shares) < 2 {
		return s, ErrTooFewEntries
	}
	s = s.clone()
	if !s.initialized {
		parts := Split(billing.Hundred, len(s.Shares), s.Precision)
		for i := range s.Shares {
			s.Shares[i].Percentage = parts[i]
			s.Shares[i].Locked = false
		}
		s.initialized = true
	}
	s.Phase = PhaseDistribution
	return s, nil
}

// =============================================================================
// DISTRIBUTION
// =============================================================================

// SetPercentage applies the edit algorithm. On DistributionOverflowError the
// returned state is the receiver, unchanged.
func (s State) SetPercentage(id billing.LedgerID, value decimal.Decimal) (State, error) {
	if s.Phase != PhaseDistribution {
		return s, ErrWrongPhase
	}
	r := s.indexOf(id)
	if r < 0 {
		return s, ErrUnknownRecord
	}
	value = clamp(value)

	lockedSum := value
	for i, sh := range s.Shares {
		if i != r && sh.Locked {
			lockedSum = lockedSum.Add(sh.Percentage)
		}
	}
	if lockedSum.GreaterThan(billing.Hundred) {
		return s, &billing.DistributionOverflowError{RecordID: id, Requested: value, LockedSum: lockedSum}
	}

	next := s.clone()
	next.Shares[r].Percentage = value
	next.Shares[r].Locked = true

	var pool []int
	for i, sh := range next.Shares {
		if !sh.Locked {
			pool = append(pool, i)
		}
	}
	if len(pool) > 0 {
		parts := Split(billing.Hundred.Sub(lockedSum), len(pool), next.Precision)
		for k, i := range pool {
			next.Shares[i].Percentage = parts[k]
		}
	}
	return next, nil
}

// Unlock returns an entry to the rebalancing pool. Its percentage is kept
// until the next edit.
func (s State) Unlock(id billing.LedgerID) (State, error) {
	if s.Phase != PhaseDistribution {
		return s, ErrWrongPhase
	}
	i := s.indexOf(id)
	if i < 0 {
		return s, ErrUnknownRecord
	}
	s = s.clone()
	s.Shares[i].Locked = false
	return s, nil
}

// Back returns to the previous phase. Going back to selection discards the
// percentages.
func (s State) Back() State {
	switch s.Phase {
	case PhaseConfirmation:
		s.Phase = PhaseDistribution
	case PhaseDistribution:
		s = s.clone()
		for i := range s.Shares {
			s.Shares[i].Percentage = decimal.Zero
			s.Shares[i].Locked = false
		}
		s.initialized = false
		s.Phase = PhaseSelection
	}
	return s
}

// Confirm freezes the percentages. They must sum to exactly 100.
func (s State) Confirm() (State, error) {
	if s.Phase != PhaseDistribution {
		return s, ErrWrongPhase
	}
	if err := CheckSum(s.Shares); err != nil {
		return s, err
	}
	s.Phase = PhaseConfirmation
	return s, nil
}

// Sum returns Σ percentages.
func (s State) Sum() decimal.Decimal { return sumShares(s.Shares) }

// LockedSum returns Σ percentages of locked entries.
func (s State) LockedSum() decimal.Decimal {
	total := decimal.Zero
	for _, sh := range s.Shares {
		if sh.Locked {
			total = total.Add(sh.Percentage)
		}
	}
	return total
}

// =============================================================================
// HELPERS
// =============================================================================

// Split divides total into n shares floored at the given precision; the last
// share receives the exact residual so the parts always sum to total.
func Split(total decimal.Decimal, n int, precision int32) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	share := billing.Floor(total.Div(decimal.NewFromInt(int64(n))), precision)
	parts := make([]decimal.Decimal, n)
	assigned := decimal.Zero
	for i := 0; i < n-1; i++ {
		parts[i] = share
		assigned = assigned.Add(share)
	}
	parts[n-1] = total.Sub(assigned)
	return parts
}

// CheckSum returns ErrPercentageSum unless the shares add up to exactly 100.
func CheckSum(shares []Share) error {
	if !sumShares(shares).Equal(billing.Hundred) {
		return billing.ErrPercentageSum
	}
	return nil
}

func sumShares(shares []Share) decimal.Decimal {
	total := decimal.Zero
	for _, sh := range shares {
		total = total.Add(sh.Percentage)
	}
	return total
}

func clamp(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(billing.Hundred) {
		return billing.Hundred
	}
	return v
}

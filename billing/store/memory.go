// Package store provides in-memory billing.TxStore and billing.Locker
// implementations for tests and development.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/rent-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one mutex. WithTx holds the
// write lock for the whole callback and restores a snapshot on error, so
// transactions are serialized and all-or-nothing.
type Memory struct {
	mu    sync.RWMutex
	state *state
}

type ledgerKey struct {
	ContractID  billing.ContractID
	MonthNumber int
}

type state struct {
	contracts   map[billing.ContractID]billing.Contract
	indexes     map[billing.IndexID]billing.AdjustmentIndex
	adjustments map[billing.AdjustmentID]billing.AdjustmentHistory
	ledgers     map[billing.LedgerID]billing.LedgerEntry
	ledgerKeys  map[ledgerKey]billing.LedgerID
	payments    map[billing.PaymentID]billing.PaymentTransaction
	receipts    map[billing.GroupID]int
	templates   map[billing.TemplateID]billing.PropertyGroup
}

func newState() *state {
	return &state{
		contracts:   make(map[billing.ContractID]billing.Contract),
		indexes:     make(map[billing.IndexID]billing.AdjustmentIndex),
		adjustments: make(map[billing.AdjustmentID]billing.AdjustmentHistory),
		ledgers:     make(map[billing.LedgerID]billing.LedgerEntry),
		ledgerKeys:  make(map[ledgerKey]billing.LedgerID),
		payments:    make(map[billing.PaymentID]billing.PaymentTransaction),
		receipts:    make(map[billing.GroupID]int),
		templates:   make(map[billing.TemplateID]billing.PropertyGroup),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

var _ billing.TxStore = (*Memory)(nil)

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&view{s: m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) view() *view {
	return &view{s: m.state}
}

func (m *Memory) GetContract(ctx context.Context, id billing.ContractID) (*billing.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetContract(ctx, id)
}

func (m *Memory) ListContracts(ctx context.Context, groupID billing.GroupID) ([]billing.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListContracts(ctx, groupID)
}

func (m *Memory) SaveContract(ctx context.Context, c *billing.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SaveContract(ctx, c)
}

func (m *Memory) DeleteContract(ctx context.Context, id billing.ContractID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().DeleteContract(ctx, id)
}

func (m *Memory) GetIndex(ctx context.Context, id billing.IndexID) (*billing.AdjustmentIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetIndex(ctx, id)
}

func (m *Memory) SaveIndex(ctx context.Context, idx billing.AdjustmentIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SaveIndex(ctx, idx)
}

func (m *Memory) DeleteIndex(ctx context.Context, id billing.IndexID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().DeleteIndex(ctx, id)
}

func (m *Memory) ActiveAdjustment(ctx context.Context, contractID billing.ContractID, targetMonth int) (*billing.AdjustmentHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ActiveAdjustment(ctx, contractID, targetMonth)
}

func (m *Memory) ListAdjustments(ctx context.Context, contractID billing.ContractID) ([]billing.AdjustmentHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListAdjustments(ctx, contractID)
}

func (m *Memory) InsertAdjustment(ctx context.Context, h billing.AdjustmentHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().InsertAdjustment(ctx, h)
}

func (m *Memory) MarkAdjustmentUndone(ctx context.Context, id billing.AdjustmentID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().MarkAdjustmentUndone(ctx, id, at)
}

func (m *Memory) GetLedger(ctx context.Context, contractID billing.ContractID, monthNumber int) (*billing.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetLedger(ctx, contractID, monthNumber)
}

func (m *Memory) GetLedgerByID(ctx context.Context, id billing.LedgerID) (*billing.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetLedgerByID(ctx, id)
}

func (m *Memory) ListLedgers(ctx context.Context, contractID billing.ContractID) ([]billing.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListLedgers(ctx, contractID)
}

func (m *Memory) ListLedgersByPeriod(ctx context.Context, groupID billing.GroupID, period billing.Period) ([]billing.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListLedgersByPeriod(ctx, groupID, period)
}

func (m *Memory) InsertLedger(ctx context.Context, l *billing.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().InsertLedger(ctx, l)
}

func (m *Memory) UpdateLedger(ctx context.Context, l *billing.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().UpdateLedger(ctx, l)
}

func (m *Memory) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetPayment(ctx, id)
}

func (m *Memory) ListPayments(ctx context.Context, ledgerID billing.LedgerID) ([]billing.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListPayments(ctx, ledgerID)
}

func (m *Memory) InsertPayment(ctx context.Context, tx billing.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().InsertPayment(ctx, tx)
}

func (m *Memory) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().DeletePayment(ctx, id)
}

func (m *Memory) NextReceiptNumber(ctx context.Context, groupID billing.GroupID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().NextReceiptNumber(ctx, groupID)
}

func (m *Memory) SaveTemplate(ctx context.Context, t billing.PropertyGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SaveTemplate(ctx, t)
}

func (m *Memory) GetTemplate(ctx context.Context, id billing.TemplateID) (*billing.PropertyGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetTemplate(ctx, id)
}

func (m *Memory) ListTemplates(ctx context.Context, groupID billing.GroupID) ([]billing.PropertyGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListTemplates(ctx, groupID)
}

// =============================================================================
// VIEW - Unlocked operations over one state
// =============================================================================

// view implements billing.Store on a state the caller already locked.
type view struct {
	s *state
}

func (v *view) GetContract(_ context.Context, id billing.ContractID) (*billing.Contract, error) {
	c, ok := v.s.contracts[id]
	if !ok {
		return nil, billing.ErrContractNotFound
	}
	c = cloneContract(c)
	return &c, nil
}

func (v *view) ListContracts(_ context.Context, groupID billing.GroupID) ([]billing.Contract, error) {
	var result []billing.Contract
	for _, c := range v.s.contracts {
		if c.GroupID == groupID {
			result = append(result, cloneContract(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (v *view) SaveContract(_ context.Context, c *billing.Contract) error {
	if existing, ok := v.s.contracts[c.ID]; ok {
		if existing.Version != c.Version {
			return billing.ErrConcurrentModification
		}
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.AdjustmentIndexID != "" {
		if _, ok := v.s.indexes[c.AdjustmentIndexID]; !ok {
			return billing.ErrIndexNotFound
		}
	}
	c.Version++
	v.s.contracts[c.ID] = cloneContract(*c)
	return nil
}

func (v *view) DeleteContract(_ context.Context, id billing.ContractID) error {
	if _, ok := v.s.contracts[id]; !ok {
		return billing.ErrContractNotFound
	}
	delete(v.s.contracts, id)
	for lid, l := range v.s.ledgers {
		if l.ContractID != id {
			continue
		}
		for pid, p := range v.s.payments {
			if p.LedgerID == lid {
				delete(v.s.payments, pid)
			}
		}
		delete(v.s.ledgerKeys, ledgerKey{ContractID: id, MonthNumber: l.MonthNumber})
		delete(v.s.ledgers, lid)
	}
	for aid, h := range v.s.adjustments {
		if h.ContractID == id {
			delete(v.s.adjustments, aid)
		}
	}
	return nil
}

func (v *view) GetIndex(_ context.Context, id billing.IndexID) (*billing.AdjustmentIndex, error) {
	idx, ok := v.s.indexes[id]
	if !ok {
		return nil, billing.ErrIndexNotFound
	}
	return &idx, nil
}

func (v *view) SaveIndex(_ context.Context, idx billing.AdjustmentIndex) error {
	v.s.indexes[idx.ID] = idx
	return nil
}

func (v *view) DeleteIndex(_ context.Context, id billing.IndexID) error {
	if _, ok := v.s.indexes[id]; !ok {
		return billing.ErrIndexNotFound
	}
	for _, c := range v.s.contracts {
		if c.AdjustmentIndexID == id {
			return billing.ErrIndexInUse
		}
	}
	delete(v.s.indexes, id)
	return nil
}

func (v *view) ActiveAdjustment(_ context.Context, contractID billing.ContractID, targetMonth int) (*billing.AdjustmentHistory, error) {
	for _, h := range v.s.adjustments {
		if h.ContractID == contractID && h.TargetMonth == targetMonth && h.Active() {
			return &h, nil
		}
	}
	return nil, nil
}

func (v *view) ListAdjustments(_ context.Context, contractID billing.ContractID) ([]billing.AdjustmentHistory, error) {
	var result []billing.AdjustmentHistory
	for _, h := range v.s.adjustments {
		if h.ContractID == contractID {
			result = append(result, h)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TargetMonth != result[j].TargetMonth {
			return result[i].TargetMonth < result[j].TargetMonth
		}
		return result[i].AppliedAt.Before(result[j].AppliedAt)
	})
	return result, nil
}

func (v *view) InsertAdjustment(ctx context.Context, h billing.AdjustmentHistory) error {
	if _, ok := v.s.contracts[h.ContractID]; !ok {
		return billing.ErrContractNotFound
	}
	if existing, _ := v.ActiveAdjustment(ctx, h.ContractID, h.TargetMonth); existing != nil {
		return billing.ErrDuplicateAdjustment
	}
	v.s.adjustments[h.ID] = h
	return nil
}

func (v *view) MarkAdjustmentUndone(_ context.Context, id billing.AdjustmentID, at time.Time) error {
	h, ok := v.s.adjustments[id]
	if !ok || !h.Active() {
		return billing.ErrNoAdjustmentToUndo
	}
	h.UndoneAt = &at
	v.s.adjustments[id] = h
	return nil
}

func (v *view) GetLedger(ctx context.Context, contractID billing.ContractID, monthNumber int) (*billing.LedgerEntry, error) {
	id, ok := v.s.ledgerKeys[ledgerKey{ContractID: contractID, MonthNumber: monthNumber}]
	if !ok {
		return nil, billing.ErrLedgerNotFound
	}
	return v.GetLedgerByID(ctx, id)
}

func (v *view) GetLedgerByID(_ context.Context, id billing.LedgerID) (*billing.LedgerEntry, error) {
	l, ok := v.s.ledgers[id]
	if !ok {
		return nil, billing.ErrLedgerNotFound
	}
	l = l.Clone()
	return &l, nil
}

func (v *view) ListLedgers(_ context.Context, contractID billing.ContractID) ([]billing.LedgerEntry, error) {
	var result []billing.LedgerEntry
	for _, l := range v.s.ledgers {
		if l.ContractID == contractID {
			result = append(result, l.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MonthNumber < result[j].MonthNumber })
	return result, nil
}

func (v *view) ListLedgersByPeriod(_ context.Context, groupID billing.GroupID, period billing.Period) ([]billing.LedgerEntry, error) {
	var result []billing.LedgerEntry
	for _, l := range v.s.ledgers {
		if l.GroupID == groupID && l.Period == period {
			result = append(result, l.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ContractID < result[j].ContractID })
	return result, nil
}

func (v *view) InsertLedger(_ context.Context, l *billing.LedgerEntry) error {
	if _, ok := v.s.contracts[l.ContractID]; !ok {
		return billing.ErrContractNotFound
	}
	k := ledgerKey{ContractID: l.ContractID, MonthNumber: l.MonthNumber}
	if _, exists := v.s.ledgerKeys[k]; exists {
		return billing.ErrDuplicatePeriod
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	l.Version = 1
	v.s.ledgerKeys[k] = l.ID
	v.s.ledgers[l.ID] = l.Clone()
	return nil
}

func (v *view) UpdateLedger(_ context.Context, l *billing.LedgerEntry) error {
	existing, ok := v.s.ledgers[l.ID]
	if !ok {
		return billing.ErrLedgerNotFound
	}
	if existing.Version != l.Version {
		return billing.ErrConcurrentModification
	}
	l.Version++
	v.s.ledgers[l.ID] = l.Clone()
	return nil
}

func (v *view) GetPayment(_ context.Context, id billing.PaymentID) (*billing.PaymentTransaction, error) {
	p, ok := v.s.payments[id]
	if !ok {
		return nil, billing.ErrPaymentNotFound
	}
	p.Concepts = p.Concepts.Clone()
	return &p, nil
}

func (v *view) ListPayments(_ context.Context, ledgerID billing.LedgerID) ([]billing.PaymentTransaction, error) {
	var result []billing.PaymentTransaction
	for _, p := range v.s.payments {
		if p.LedgerID == ledgerID {
			p.Concepts = p.Concepts.Clone()
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].PaymentDate.Equal(result[j].PaymentDate) {
			return result[i].PaymentDate.Before(result[j].PaymentDate)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (v *view) InsertPayment(_ context.Context, tx billing.PaymentTransaction) error {
	if _, ok := v.s.ledgers[tx.LedgerID]; !ok {
		return billing.ErrLedgerNotFound
	}
	if _, exists := v.s.payments[tx.ID]; exists {
		return fmt.Errorf("payment %s already exists", tx.ID)
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.Concepts = tx.Concepts.Clone()
	v.s.payments[tx.ID] = tx
	return nil
}

func (v *view) DeletePayment(_ context.Context, id billing.PaymentID) error {
	if _, ok := v.s.payments[id]; !ok {
		return billing.ErrPaymentNotFound
	}
	delete(v.s.payments, id)
	return nil
}

func (v *view) NextReceiptNumber(_ context.Context, groupID billing.GroupID) (string, error) {
	v.s.receipts[groupID]++
	return fmt.Sprintf("RCP-%06d", v.s.receipts[groupID]), nil
}

func (v *view) SaveTemplate(_ context.Context, t billing.PropertyGroup) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.Items = append([]billing.TemplateItem(nil), t.Items...)
	v.s.templates[t.ID] = t
	return nil
}

func (v *view) GetTemplate(_ context.Context, id billing.TemplateID) (*billing.PropertyGroup, error) {
	t, ok := v.s.templates[id]
	if !ok {
		return nil, billing.ErrTemplateNotFound
	}
	t.Items = append([]billing.TemplateItem(nil), t.Items...)
	return &t, nil
}

func (v *view) ListTemplates(_ context.Context, groupID billing.GroupID) ([]billing.PropertyGroup, error) {
	var result []billing.PropertyGroup
	for _, t := range v.s.templates {
		if t.GroupID == groupID {
			t.Items = append([]billing.TemplateItem(nil), t.Items...)
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// =============================================================================
// SNAPSHOT
// =============================================================================

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.contracts {
		c.contracts[k] = cloneContract(v)
	}
	for k, v := range s.indexes {
		c.indexes[k] = v
	}
	for k, v := range s.adjustments {
		c.adjustments[k] = v
	}
	for k, v := range s.ledgers {
		c.ledgers[k] = v.Clone()
	}
	for k, v := range s.ledgerKeys {
		c.ledgerKeys[k] = v
	}
	for k, v := range s.payments {
		v.Concepts = v.Concepts.Clone()
		c.payments[k] = v
	}
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	for k, v := range s.templates {
		v.Items = append([]billing.TemplateItem(nil), v.Items...)
		c.templates[k] = v
	}
	return c
}

func cloneContract(c billing.Contract) billing.Contract {
	c.PassThrough = append([]billing.PassThrough(nil), c.PassThrough...)
	return c
}

/*
store.go - Persistence interfaces for billing records

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never talks to SQL directly; every read-modify-write happens through a
  Store obtained from TxStore.WithTx so that one engine operation is one
  atomic transaction.

KEY INTERFACES:
  ContractStore:   Contracts and adjustment indexes
  AdjustmentStore: Adjustment history rows
  LedgerStore:     Ledger entries (one per contract month)
  PaymentStore:    Payment transactions and receipt numbering
  TemplateStore:   Saved distribution templates
  TxStore:         Transactional wrapper over all of the above
  Locker:          Keyed mutual exclusion across requests

UNIQUENESS CONTRACT:
  Implementations MUST enforce, independently of the engine:
  - InsertLedger: one entry per (ContractID, MonthNumber) -> ErrDuplicatePeriod
  - InsertAdjustment: one active row per (ContractID, TargetMonth) -> ErrDuplicateAdjustment
  - UpdateLedger: optimistic check on Version -> ErrConcurrentModification
  - DeleteIndex: refused while referenced -> ErrIndexInUse
  - DeleteContract: cascades to ledgers, payments and history

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - billing/store/memory.go: In-memory for tests and development
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Record persistence
// =============================================================================

type ContractStore interface {
	// GetContract returns ErrContractNotFound when absent.
	GetContract(ctx context.Context, id ContractID) (*Contract, error)
	ListContracts(ctx context.Context, groupID GroupID) ([]Contract, error)

	// SaveContract inserts or updates and increments Version.
	SaveContract(ctx context.Context, c *Contract) error

	// DeleteContract cascades to ledgers, payments and adjustment history.
	DeleteContract(ctx context.Context, id ContractID) error

	// GetIndex returns ErrIndexNotFound when absent.
	GetIndex(ctx context.Context, id IndexID) (*AdjustmentIndex, error)
	SaveIndex(ctx context.Context, idx AdjustmentIndex) error
	DeleteIndex(ctx context.Context, id IndexID) error
}

type AdjustmentStore interface {
	// ActiveAdjustment returns nil, nil when no active row exists.
	ActiveAdjustment(ctx context.Context, contractID ContractID, targetMonth int) (*AdjustmentHistory, error)

	// ListAdjustments returns every row of a contract ordered by TargetMonth.
	ListAdjustments(ctx context.Context, contractID ContractID) ([]AdjustmentHistory, error)

	InsertAdjustment(ctx context.Context, h AdjustmentHistory) error
	MarkAdjustmentUndone(ctx context.Context, id AdjustmentID, at time.Time) error
}

type LedgerStore interface {
	// GetLedger returns ErrLedgerNotFound when absent.
	GetLedger(ctx context.Context, contractID ContractID, monthNumber int) (*LedgerEntry, error)
	GetLedgerByID(ctx context.Context, id LedgerID) (*LedgerEntry, error)

	// ListLedgers returns a contract's entries ordered by MonthNumber.
	ListLedgers(ctx context.Context, contractID ContractID) ([]LedgerEntry, error)
	ListLedgersByPeriod(ctx context.Context, groupID GroupID, period Period) ([]LedgerEntry, error)

	// InsertLedger returns ErrDuplicatePeriod on (ContractID, MonthNumber) collision.
	InsertLedger(ctx context.Context, l *LedgerEntry) error

	// UpdateLedger succeeds only when l.Version matches the stored version,
	// then increments it.
	UpdateLedger(ctx context.Context, l *LedgerEntry) error
}

type PaymentStore interface {
	GetPayment(ctx context.Context, id PaymentID) (*PaymentTransaction, error)
	ListPayments(ctx context.Context, ledgerID LedgerID) ([]PaymentTransaction, error)
	InsertPayment(ctx context.Context, tx PaymentTransaction) error
	DeletePayment(ctx context.Context, id PaymentID) error

	// NextReceiptNumber returns the next receipt number of a group.
	NextReceiptNumber(ctx context.Context, groupID GroupID) (string, error)
}

type TemplateStore interface {
	SaveTemplate(ctx context.Context, t PropertyGroup) error
	GetTemplate(ctx context.Context, id TemplateID) (*PropertyGroup, error)
	ListTemplates(ctx context.Context, groupID GroupID) ([]PropertyGroup, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	ContractStore
	AdjustmentStore
	LedgerStore
	PaymentStore
	TemplateStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// LOCKER - Serializes operations on one key
// =============================================================================

// Locker acquires exclusive ownership of a key. Obtain returns
// ErrLockNotObtained when the key stays held past the implementation's wait.
type Locker interface {
	Obtain(ctx context.Context, key string) (release func(), err error)
}

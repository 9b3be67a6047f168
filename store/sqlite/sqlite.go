/*
Package sqlite provides a SQLite-backed implementation of billing.TxStore.

PURPOSE:
  Persists contracts, adjustment indexes, adjustment history, ledger entries,
  payments, receipt sequences and distribution templates. Every engine
  operation runs inside WithTx, so one operation commits or rolls back as a
  whole.

KEY TABLES:
  contracts:              Contract records and their period cursor
  adjustment_indexes:     Named periodic increase rules
  adjustment_history:     Reversible adjustment rows
  ledgers:                One entry per (contract, month number)
  payments:               Payment transactions with concept snapshots
  receipt_sequences:      Per-group receipt counters
  distribution_templates: Saved percentage splits

CONSTRAINTS:
  The schema enforces the store uniqueness contract on its own:
  - UNIQUE(contract_id, month_number) on ledgers
  - idx_adjustment_active: one active row per (contract_id, target_month)
  - contracts.adjustment_index_id REFERENCES adjustment_indexes (RESTRICT)
  - ledgers, payments and history cascade on contract delete
  Constraint failures are mapped to billing sentinels.

CONCURRENCY:
  The pool is capped at one connection. A transaction holds that connection
  until it commits, so writers are serialized and ":memory:" databases are
  shared by every caller.

AMOUNTS AND DATES:
  Decimals are stored as TEXT in their exact string form. Calendar dates are
  "YYYY-MM-DD", periods "YYYY-MM", timestamps RFC3339 with nanoseconds.
  Concepts, pass-through items and template items are JSON columns.

USAGE:
  store, err := sqlite.New("./data/rent.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := rental.NewEngine(store)

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/rent-engine/billing"
)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = time.RFC3339Nano
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements billing.TxStore using SQLite.
type Store struct {
	*conn
	db *sql.DB
}

var _ billing.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{conn: &conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS adjustment_indexes (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		name TEXT NOT NULL,
		frequency_months INTEGER NOT NULL,
		current_value TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		type TEXT NOT NULL,
		start_date TEXT NOT NULL,
		duration_months INTEGER NOT NULL,
		current_month INTEGER NOT NULL,
		base_rent TEXT NOT NULL,
		adjustment_index_id TEXT REFERENCES adjustment_indexes(id) ON DELETE RESTRICT,
		punitory_start_day INTEGER NOT NULL,
		punitory_percent TEXT NOT NULL,
		pays_iva INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		expired INTEGER NOT NULL DEFAULT 0,
		pass_through_json TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_group ON contracts(group_id);

	CREATE TABLE IF NOT EXISTS adjustment_history (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
		target_month INTEGER NOT NULL,
		target_period TEXT NOT NULL,
		previous_base_rent TEXT NOT NULL,
		new_base_rent TEXT NOT NULL,
		percentage_applied TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		undone_at TEXT
	);

	-- At most one active adjustment per contract month
	CREATE UNIQUE INDEX IF NOT EXISTS idx_adjustment_active
		ON adjustment_history(contract_id, target_month)
		WHERE undone_at IS NULL;

	CREATE TABLE IF NOT EXISTS ledgers (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
		group_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		month_number INTEGER NOT NULL,
		concepts_json TEXT NOT NULL,
		total_due TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		status TEXT NOT NULL,
		credit_carried TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(contract_id, month_number)
	);

	CREATE INDEX IF NOT EXISTS idx_ledgers_group_period ON ledgers(group_id, period_key);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		ledger_id TEXT NOT NULL REFERENCES ledgers(id) ON DELETE CASCADE,
		contract_id TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		payment_method TEXT,
		amount TEXT NOT NULL,
		punitory_amount TEXT NOT NULL,
		punitory_forgiven INTEGER NOT NULL DEFAULT 0,
		iva_amount TEXT NOT NULL,
		receipt_number TEXT NOT NULL,
		concepts_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_ledger ON payments(ledger_id, payment_date);

	CREATE TABLE IF NOT EXISTS receipt_sequences (
		group_id TEXT PRIMARY KEY,
		last_value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS distribution_templates (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		name TEXT NOT NULL,
		items_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_templates_group ON distribution_templates(group_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// conn implements billing.Store over a querier. The Store embeds one bound
// to the pool; WithTx hands out one bound to the transaction.
type conn struct {
	q querier
}

// =============================================================================
// CONTRACT STORE
// =============================================================================

const contractColumns = `id, group_id, type, start_date, duration_months, current_month, base_rent,
	adjustment_index_id, punitory_start_day, punitory_percent, pays_iva, active, expired,
	pass_through_json, version, created_at`

type passThroughRow struct {
	Type        billing.ConceptType `json:"type"`
	Amount      decimal.Decimal     `json:"amount"`
	Description string              `json:"description,omitempty"`
}

func (c *conn) GetContract(ctx context.Context, id billing.ContractID) (*billing.Contract, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
	contract, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}
	return &contract, nil
}

func (c *conn) ListContracts(ctx context.Context, groupID billing.GroupID) ([]billing.Contract, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE group_id = ? ORDER BY id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	var contracts []billing.Contract
	for rows.Next() {
		contract, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, contract)
	}
	return contracts, rows.Err()
}

// SaveContract inserts a new contract (Version 0) or updates an existing one
// whose stored version matches.
func (c *conn) SaveContract(ctx context.Context, contract *billing.Contract) error {
	items := make([]passThroughRow, len(contract.PassThrough))
	for i, p := range contract.PassThrough {
		items[i] = passThroughRow{Type: p.Type, Amount: p.Amount, Description: p.Description}
	}
	passThroughJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode pass-through concepts: %w", err)
	}

	if contract.Version == 0 {
		createdAt := contract.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err = c.q.ExecContext(ctx, `
			INSERT INTO contracts (`+contractColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			contract.ID, contract.GroupID, contract.Type, contract.StartDate.Time.Format(dateLayout),
			contract.DurationMonths, contract.CurrentMonth, contract.BaseRent.String(),
			nullString(string(contract.AdjustmentIndexID)), contract.PunitoryStartDay,
			contract.PunitoryPercent.String(), contract.PaysIVA, contract.Active, contract.Expired,
			string(passThroughJSON), createdAt.Format(timestampLayout),
		)
		if err != nil {
			return contractWriteError(err)
		}
		contract.CreatedAt = createdAt
		contract.Version = 1
		return nil
	}

	res, err := c.q.ExecContext(ctx, `
		UPDATE contracts SET
			group_id = ?, type = ?, start_date = ?, duration_months = ?, current_month = ?,
			base_rent = ?, adjustment_index_id = ?, punitory_start_day = ?, punitory_percent = ?,
			pays_iva = ?, active = ?, expired = ?, pass_through_json = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		contract.GroupID, contract.Type, contract.StartDate.Time.Format(dateLayout),
		contract.DurationMonths, contract.CurrentMonth, contract.BaseRent.String(),
		nullString(string(contract.AdjustmentIndexID)), contract.PunitoryStartDay,
		contract.PunitoryPercent.String(), contract.PaysIVA, contract.Active, contract.Expired,
		string(passThroughJSON), contract.ID, contract.Version,
	)
	if err != nil {
		return contractWriteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrConcurrentModification
	}
	contract.Version++
	return nil
}

func contractWriteError(err error) error {
	switch {
	case isForeignKeyError(err):
		return billing.ErrIndexNotFound
	case isUniqueConstraintError(err):
		return billing.ErrConcurrentModification
	default:
		return fmt.Errorf("failed to save contract: %w", err)
	}
}

// DeleteContract relies on ON DELETE CASCADE for ledgers, payments and history.
func (c *conn) DeleteContract(ctx context.Context, id billing.ContractID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM contracts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete contract: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrContractNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContract(row rowScanner) (billing.Contract, error) {
	var (
		contract        billing.Contract
		startDate       string
		indexID         sql.NullString
		passThroughJSON sql.NullString
		createdAt       string
	)

	err := row.Scan(
		&contract.ID, &contract.GroupID, &contract.Type, &startDate,
		&contract.DurationMonths, &contract.CurrentMonth, &contract.BaseRent,
		&indexID, &contract.PunitoryStartDay, &contract.PunitoryPercent,
		&contract.PaysIVA, &contract.Active, &contract.Expired,
		&passThroughJSON, &contract.Version, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contract, err
		}
		return contract, fmt.Errorf("failed to scan contract: %w", err)
	}

	contract.StartDate = parseDate(startDate)
	contract.AdjustmentIndexID = billing.IndexID(indexID.String)
	contract.CreatedAt = parseTimestamp(createdAt)

	if passThroughJSON.Valid && passThroughJSON.String != "" {
		var items []passThroughRow
		if err := json.Unmarshal([]byte(passThroughJSON.String), &items); err != nil {
			return contract, fmt.Errorf("failed to decode pass-through concepts: %w", err)
		}
		for _, item := range items {
			contract.PassThrough = append(contract.PassThrough, billing.PassThrough{
				Type:        item.Type,
				Amount:      item.Amount,
				Description: item.Description,
			})
		}
	}

	return contract, nil
}

// =============================================================================
// INDEX STORE
// =============================================================================

func (c *conn) GetIndex(ctx context.Context, id billing.IndexID) (*billing.AdjustmentIndex, error) {
	var (
		idx         billing.AdjustmentIndex
		lastUpdated string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, group_id, name, frequency_months, current_value, last_updated
		FROM adjustment_indexes WHERE id = ?`, id,
	).Scan(&idx.ID, &idx.GroupID, &idx.Name, &idx.FrequencyMonths, &idx.CurrentValue, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrIndexNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get index: %w", err)
	}
	idx.LastUpdated = parseTimestamp(lastUpdated)
	return &idx, nil
}

func (c *conn) SaveIndex(ctx context.Context, idx billing.AdjustmentIndex) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO adjustment_indexes (id, group_id, name, frequency_months, current_value, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			group_id = excluded.group_id,
			name = excluded.name,
			frequency_months = excluded.frequency_months,
			current_value = excluded.current_value,
			last_updated = excluded.last_updated`,
		idx.ID, idx.GroupID, idx.Name, idx.FrequencyMonths, idx.CurrentValue.String(),
		idx.LastUpdated.UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}
	return nil
}

func (c *conn) DeleteIndex(ctx context.Context, id billing.IndexID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM adjustment_indexes WHERE id = ?`, id)
	if err != nil {
		if isForeignKeyError(err) {
			return billing.ErrIndexInUse
		}
		return fmt.Errorf("failed to delete index: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrIndexNotFound
	}
	return nil
}

// =============================================================================
// ADJUSTMENT STORE
// =============================================================================

const adjustmentColumns = `id, contract_id, target_month, target_period, previous_base_rent,
	new_base_rent, percentage_applied, applied_at, undone_at`

func (c *conn) ActiveAdjustment(ctx context.Context, contractID billing.ContractID, targetMonth int) (*billing.AdjustmentHistory, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT `+adjustmentColumns+` FROM adjustment_history
		WHERE contract_id = ? AND target_month = ? AND undone_at IS NULL`,
		contractID, targetMonth,
	)
	h, err := scanAdjustment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *conn) ListAdjustments(ctx context.Context, contractID billing.ContractID) ([]billing.AdjustmentHistory, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+adjustmentColumns+` FROM adjustment_history
		WHERE contract_id = ? ORDER BY target_month, applied_at`, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()

	var history []billing.AdjustmentHistory
	for rows.Next() {
		h, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

func (c *conn) InsertAdjustment(ctx context.Context, h billing.AdjustmentHistory) error {
	var undoneAt sql.NullString
	if h.UndoneAt != nil {
		undoneAt = nullString(h.UndoneAt.UTC().Format(timestampLayout))
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO adjustment_history (`+adjustmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.ContractID, h.TargetMonth, h.TargetPeriod.Key(), h.PreviousBaseRent.String(),
		h.NewBaseRent.String(), h.PercentageApplied.String(),
		h.AppliedAt.UTC().Format(timestampLayout), undoneAt,
	)
	switch {
	case err == nil:
		return nil
	case isForeignKeyError(err):
		return billing.ErrContractNotFound
	case isUniqueConstraintError(err):
		return billing.ErrDuplicateAdjustment
	default:
		return fmt.Errorf("failed to insert adjustment: %w", err)
	}
}

func (c *conn) MarkAdjustmentUndone(ctx context.Context, id billing.AdjustmentID, at time.Time) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE adjustment_history SET undone_at = ?
		WHERE id = ? AND undone_at IS NULL`,
		at.UTC().Format(timestampLayout), id,
	)
	if err != nil {
		return fmt.Errorf("failed to undo adjustment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrNoAdjustmentToUndo
	}
	return nil
}

func scanAdjustment(row rowScanner) (billing.AdjustmentHistory, error) {
	var (
		h            billing.AdjustmentHistory
		targetPeriod string
		appliedAt    string
		undoneAt     sql.NullString
	)

	err := row.Scan(
		&h.ID, &h.ContractID, &h.TargetMonth, &targetPeriod, &h.PreviousBaseRent,
		&h.NewBaseRent, &h.PercentageApplied, &appliedAt, &undoneAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return h, err
		}
		return h, fmt.Errorf("failed to scan adjustment: %w", err)
	}

	h.TargetPeriod, _ = billing.ParsePeriod(targetPeriod)
	h.AppliedAt = parseTimestamp(appliedAt)
	if undoneAt.Valid {
		t := parseTimestamp(undoneAt.String)
		h.UndoneAt = &t
	}
	return h, nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

const ledgerColumns = `id, contract_id, group_id, period_key, month_number, concepts_json,
	total_due, amount_paid, status, credit_carried, version, created_at`

type conceptRow struct {
	Type        billing.ConceptType `json:"type"`
	Amount      decimal.Decimal     `json:"amount"`
	IsAutomatic bool                `json:"is_automatic"`
	Description string              `json:"description,omitempty"`
}

func encodeConcepts(cs billing.Concepts) (string, error) {
	rows := make([]conceptRow, len(cs))
	for i, c := range cs {
		rows[i] = conceptRow{Type: c.Type, Amount: c.Amount, IsAutomatic: c.IsAutomatic, Description: c.Description}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("failed to encode concepts: %w", err)
	}
	return string(b), nil
}

func decodeConcepts(s string) (billing.Concepts, error) {
	var rows []conceptRow
	if err := json.Unmarshal([]byte(s), &rows); err != nil {
		return nil, fmt.Errorf("failed to decode concepts: %w", err)
	}
	cs := make(billing.Concepts, len(rows))
	for i, r := range rows {
		cs[i] = billing.Concept{Type: r.Type, Amount: r.Amount, IsAutomatic: r.IsAutomatic, Description: r.Description}
	}
	return cs, nil
}

func (c *conn) GetLedger(ctx context.Context, contractID billing.ContractID, monthNumber int) (*billing.LedgerEntry, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledgers WHERE contract_id = ? AND month_number = ?`,
		contractID, monthNumber,
	)
	return ledgerOrNotFound(scanLedger(row))
}

func (c *conn) GetLedgerByID(ctx context.Context, id billing.LedgerID) (*billing.LedgerEntry, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledgers WHERE id = ?`, id)
	return ledgerOrNotFound(scanLedger(row))
}

func ledgerOrNotFound(l billing.LedgerEntry, err error) (*billing.LedgerEntry, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrLedgerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (c *conn) ListLedgers(ctx context.Context, contractID billing.ContractID) ([]billing.LedgerEntry, error) {
	return c.queryLedgers(ctx, `
		SELECT `+ledgerColumns+` FROM ledgers WHERE contract_id = ? ORDER BY month_number`,
		contractID,
	)
}

func (c *conn) ListLedgersByPeriod(ctx context.Context, groupID billing.GroupID, period billing.Period) ([]billing.LedgerEntry, error) {
	return c.queryLedgers(ctx, `
		SELECT `+ledgerColumns+` FROM ledgers WHERE group_id = ? AND period_key = ? ORDER BY contract_id`,
		groupID, period.Key(),
	)
}

func (c *conn) queryLedgers(ctx context.Context, query string, args ...any) ([]billing.LedgerEntry, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledgers: %w", err)
	}
	defer rows.Close()

	var ledgers []billing.LedgerEntry
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, l)
	}
	return ledgers, rows.Err()
}

func (c *conn) InsertLedger(ctx context.Context, l *billing.LedgerEntry) error {
	concepts, err := encodeConcepts(l.Concepts)
	if err != nil {
		return err
	}
	createdAt := l.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = c.q.ExecContext(ctx, `
		INSERT INTO ledgers (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		l.ID, l.ContractID, l.GroupID, l.Period.Key(), l.MonthNumber, concepts,
		l.TotalDue.String(), l.AmountPaid.String(), l.Status, l.CreditCarried.String(),
		createdAt.Format(timestampLayout),
	)
	switch {
	case err == nil:
	case isForeignKeyError(err):
		return billing.ErrContractNotFound
	case isUniqueConstraintError(err):
		return billing.ErrDuplicatePeriod
	default:
		return fmt.Errorf("failed to insert ledger: %w", err)
	}

	l.CreatedAt = createdAt
	l.Version = 1
	return nil
}

func (c *conn) UpdateLedger(ctx context.Context, l *billing.LedgerEntry) error {
	concepts, err := encodeConcepts(l.Concepts)
	if err != nil {
		return err
	}

	res, err := c.q.ExecContext(ctx, `
		UPDATE ledgers SET
			concepts_json = ?, total_due = ?, amount_paid = ?, status = ?,
			credit_carried = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		concepts, l.TotalDue.String(), l.AmountPaid.String(), l.Status,
		l.CreditCarried.String(), l.ID, l.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update ledger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := c.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledgers WHERE id = ?`, l.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check ledger: %w", err)
		}
		if exists == 0 {
			return billing.ErrLedgerNotFound
		}
		return billing.ErrConcurrentModification
	}
	l.Version++
	return nil
}

func scanLedger(row rowScanner) (billing.LedgerEntry, error) {
	var (
		l            billing.LedgerEntry
		periodKey    string
		conceptsJSON string
		createdAt    string
	)

	err := row.Scan(
		&l.ID, &l.ContractID, &l.GroupID, &periodKey, &l.MonthNumber, &conceptsJSON,
		&l.TotalDue, &l.AmountPaid, &l.Status, &l.CreditCarried, &l.Version, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return l, err
		}
		return l, fmt.Errorf("failed to scan ledger: %w", err)
	}

	if l.Period, err = billing.ParsePeriod(periodKey); err != nil {
		return l, err
	}
	if l.Concepts, err = decodeConcepts(conceptsJSON); err != nil {
		return l, err
	}
	l.CreatedAt = parseTimestamp(createdAt)
	return l, nil
}

// =============================================================================
// PAYMENT STORE
// =============================================================================

const paymentColumns = `id, ledger_id, contract_id, payment_date, payment_method, amount,
	punitory_amount, punitory_forgiven, iva_amount, receipt_number, concepts_json, created_at`

func (c *conn) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.PaymentTransaction, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *conn) ListPayments(ctx context.Context, ledgerID billing.LedgerID) ([]billing.PaymentTransaction, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE ledger_id = ? ORDER BY payment_date, created_at`, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []billing.PaymentTransaction
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (c *conn) InsertPayment(ctx context.Context, tx billing.PaymentTransaction) error {
	concepts, err := encodeConcepts(tx.Concepts)
	if err != nil {
		return err
	}
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = c.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.LedgerID, tx.ContractID, tx.PaymentDate.Time.Format(dateLayout),
		nullString(tx.PaymentMethod), tx.Amount.String(), tx.PunitoryAmount.String(),
		tx.PunitoryForgiven, tx.IVAAmount.String(), tx.ReceiptNumber, concepts,
		createdAt.Format(timestampLayout),
	)
	switch {
	case err == nil:
		return nil
	case isForeignKeyError(err):
		return billing.ErrLedgerNotFound
	case isUniqueConstraintError(err):
		return fmt.Errorf("payment %s already exists", tx.ID)
	default:
		return fmt.Errorf("failed to insert payment: %w", err)
	}
}

func (c *conn) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrPaymentNotFound
	}
	return nil
}

// NextReceiptNumber increments the group's sequence in a single statement.
func (c *conn) NextReceiptNumber(ctx context.Context, groupID billing.GroupID) (string, error) {
	var next int64
	err := c.q.QueryRowContext(ctx, `
		INSERT INTO receipt_sequences (group_id, last_value) VALUES (?, 1)
		ON CONFLICT(group_id) DO UPDATE SET last_value = last_value + 1
		RETURNING last_value`, groupID,
	).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("failed to allocate receipt number: %w", err)
	}
	return fmt.Sprintf("RCP-%06d", next), nil
}

func scanPayment(row rowScanner) (billing.PaymentTransaction, error) {
	var (
		p            billing.PaymentTransaction
		paymentDate  string
		method       sql.NullString
		conceptsJSON string
		createdAt    string
	)

	err := row.Scan(
		&p.ID, &p.LedgerID, &p.ContractID, &paymentDate, &method, &p.Amount,
		&p.PunitoryAmount, &p.PunitoryForgiven, &p.IVAAmount, &p.ReceiptNumber,
		&conceptsJSON, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}

	p.PaymentDate = parseDate(paymentDate)
	p.PaymentMethod = method.String
	p.CreatedAt = parseTimestamp(createdAt)
	if p.Concepts, err = decodeConcepts(conceptsJSON); err != nil {
		return p, err
	}
	return p, nil
}

// =============================================================================
// TEMPLATE STORE
// =============================================================================

type templateItemRow struct {
	ContractID billing.ContractID `json:"contract_id"`
	Percentage decimal.Decimal    `json:"percentage"`
}

func (c *conn) SaveTemplate(ctx context.Context, t billing.PropertyGroup) error {
	items := make([]templateItemRow, len(t.Items))
	for i, item := range t.Items {
		items[i] = templateItemRow{ContractID: item.ContractID, Percentage: item.Percentage}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode template items: %w", err)
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = c.q.ExecContext(ctx, `
		INSERT INTO distribution_templates (id, group_id, name, items_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			group_id = excluded.group_id,
			name = excluded.name,
			items_json = excluded.items_json`,
		t.ID, t.GroupID, t.Name, string(itemsJSON), createdAt.Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

func (c *conn) GetTemplate(ctx context.Context, id billing.TemplateID) (*billing.PropertyGroup, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT id, group_id, name, items_json, created_at
		FROM distribution_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *conn) ListTemplates(ctx context.Context, groupID billing.GroupID) ([]billing.PropertyGroup, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, group_id, name, items_json, created_at
		FROM distribution_templates WHERE group_id = ? ORDER BY name`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []billing.PropertyGroup
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func scanTemplate(row rowScanner) (billing.PropertyGroup, error) {
	var (
		t         billing.PropertyGroup
		itemsJSON string
		createdAt string
	)

	if err := row.Scan(&t.ID, &t.GroupID, &t.Name, &itemsJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("failed to scan template: %w", err)
	}

	var items []templateItemRow
	if err := json.Unmarshal([]byte(itemsJSON), &items); err != nil {
		return t, fmt.Errorf("failed to decode template items: %w", err)
	}
	for _, item := range items {
		t.Items = append(t.Items, billing.TemplateItem{ContractID: item.ContractID, Percentage: item.Percentage})
	}
	t.CreatedAt = parseTimestamp(createdAt)
	return t, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDate(s string) billing.TimePoint {
	tp, _ := billing.ParseDate(s)
	return tp
}

func parseTimestamp(s string) time.Time {
	t, _ := time.Parse(timestampLayout, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		// RESTRICT violations on delete report a generic constraint code.
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.Store, subsidy.Store, and ledger.Locker on SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

APPEND-ONLY ENFORCEMENT:
  Transactions are never deleted and their value columns are never updated.
  The only UPDATE statements touch lifecycle state, the fulfillment
  reference attached on commit, and modified_at. Corrections happen via
  reversal rows.

IDEMPOTENCY AT THE SCHEMA LEVEL:
  The orchestrator's get-or-create contract rests on unique indexes:
  - ledgers.idempotency_key:                   one ledger per derived key
  - transactions(ledger_id, idempotency_key):  one transaction per key
  - reversals.transaction_id:                  at most one reversal
  - deposits(ledger_id, reference_id, desired_quantity)
  Every get-or-create runs its check and insert inside one database
  transaction, so two racing writers cannot both insert.

KEY TABLES:
  ledgers:             One per subsidy, holds the unit
  transactions:        Immutable value movements with lifecycle state
  external_references: Provider-side allocation links
  reversals:           Compensating records
  deposits:            Top-up provenance
  subsidies:           The domain records pointing at their ledgers
  ledger_locks:        Storage-backed mutual exclusion (see lock.go)

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block and there is a single writer at a time.

USAGE:
  store, err := sqlite.New("./data/subsidy.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - lock.go: The storage-backed ledger lock
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/subsidy-engine/ledger"
	"github.com/warp/subsidy-engine/subsidy"
)

// Store implements ledger.Store and subsidy.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time and every ":memory:" connection is
	// a separate database, so the pool is pinned to a single connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
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

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledgers (one per subsidy)
	CREATE TABLE IF NOT EXISTS ledgers (
		id TEXT PRIMARY KEY,
		unit TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL
	);

	-- Transactions (append-only)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		ledger_id TEXT NOT NULL REFERENCES ledgers(id),
		quantity INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL,
		state TEXT NOT NULL,
		learner_id TEXT NOT NULL DEFAULT '',
		content_key TEXT NOT NULL DEFAULT '',
		access_policy_id TEXT NOT NULL DEFAULT '',
		fulfillment_id TEXT NOT NULL DEFAULT '',
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL,
		UNIQUE(ledger_id, idempotency_key)
	);

	-- Balance computation (hot path): committed transactions per ledger
	CREATE INDEX IF NOT EXISTS idx_transactions_ledger_state
		ON transactions(ledger_id, state);

	-- Redemption lookups
	CREATE INDEX IF NOT EXISTS idx_transactions_ledger_learner_content
		ON transactions(ledger_id, learner_id, content_key);

	-- External provider allocations attached to transactions
	CREATE TABLE IF NOT EXISTS external_references (
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		provider_slug TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		UNIQUE(transaction_id, provider_slug, reference_id)
	);

	-- Reversals: at most one per transaction, enforced here
	CREATE TABLE IF NOT EXISTS reversals (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL UNIQUE REFERENCES transactions(id),
		quantity INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL
	);

	-- Deposits: top-up provenance, idempotent per contract reference
	CREATE TABLE IF NOT EXISTS deposits (
		id TEXT PRIMARY KEY,
		ledger_id TEXT NOT NULL REFERENCES ledgers(id),
		desired_quantity INTEGER NOT NULL,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		reference_id TEXT NOT NULL,
		reference_provider TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(ledger_id, reference_id, desired_quantity)
	);

	-- Subsidies
	CREATE TABLE IF NOT EXISTS subsidies (
		uuid TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		starting_balance INTEGER NOT NULL DEFAULT 0,
		unit TEXT NOT NULL,
		reference_id TEXT NOT NULL DEFAULT '',
		reference_type TEXT NOT NULL DEFAULT '',
		customer_uuid TEXT NOT NULL DEFAULT '',
		internal_only BOOLEAN NOT NULL DEFAULT FALSE,
		active_at TEXT,
		expires_at TEXT,
		ledger_id TEXT NOT NULL REFERENCES ledgers(id),
		subscription_plan_uuid TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_subsidies_reference
		ON subsidies(reference_id);
	CREATE INDEX IF NOT EXISTS idx_subsidies_ledger
		ON subsidies(ledger_id);
	CREATE INDEX IF NOT EXISTS idx_subsidies_customer
		ON subsidies(customer_uuid);

	-- Ledger locks (see lock.go)
	CREATE TABLE IF NOT EXISTS ledger_locks (
		ledger_id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) CreateLedger(ctx context.Context, l ledger.Ledger) (*ledger.Ledger, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer sqlTx.Rollback()

	var existing ledger.Ledger
	var createdAt, modifiedAt string
	err = sqlTx.QueryRowContext(ctx,
		"SELECT id, unit, idempotency_key, created_at, modified_at FROM ledgers WHERE idempotency_key = ?",
		l.IdempotencyKey,
	).Scan(&existing.ID, &existing.Unit, &existing.IdempotencyKey, &createdAt, &modifiedAt)
	if err == nil {
		existing.CreatedAt = parseTime(createdAt)
		existing.ModifiedAt = parseTime(modifiedAt)
		return &existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	_, err = sqlTx.ExecContext(ctx,
		"INSERT INTO ledgers (id, unit, idempotency_key, created_at, modified_at) VALUES (?, ?, ?, ?, ?)",
		l.ID, l.Unit, l.IdempotencyKey, formatTime(l.CreatedAt), formatTime(l.ModifiedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create ledger: %w", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, false, err
	}
	created := l
	return &created, true, nil
}

func (s *Store) GetLedger(ctx context.Context, id ledger.LedgerID) (*ledger.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var l ledger.Ledger
	var createdAt, modifiedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, unit, idempotency_key, created_at, modified_at FROM ledgers WHERE id = ?",
		id,
	).Scan(&l.ID, &l.Unit, &l.IdempotencyKey, &createdAt, &modifiedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrLedgerNotFound
	}
	if err != nil {
		return nil, err
	}
	l.CreatedAt = parseTime(createdAt)
	l.ModifiedAt = parseTime(modifiedAt)
	return &l, nil
}

const txColumns = `id, ledger_id, quantity, idempotency_key, state, learner_id,
	content_key, access_policy_id, fulfillment_id, metadata_json, created_at, modified_at`

func (s *Store) GetOrCreateTransaction(ctx context.Context, tx ledger.Transaction) (*ledger.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer sqlTx.Rollback()

	row := sqlTx.QueryRowContext(ctx,
		"SELECT "+txColumns+" FROM transactions WHERE ledger_id = ? AND idempotency_key = ?",
		tx.LedgerID, tx.IdempotencyKey,
	)
	existing, err := scanTransaction(row)
	if err == nil {
		refs, rerr := s.loadExternalReferences(ctx, sqlTx, existing.ID)
		if rerr != nil {
			return nil, false, rerr
		}
		existing.ExternalReferences = refs
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	metadataJSON, _ := json.Marshal(tx.Metadata)
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, ledger_id, quantity, idempotency_key, state, learner_id,
		 content_key, access_policy_id, fulfillment_id, metadata_json, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.LedgerID, tx.Quantity, tx.IdempotencyKey, tx.State,
		tx.LearnerID, tx.ContentKey, tx.AccessPolicyID, tx.FulfillmentID,
		string(metadataJSON), formatTime(tx.CreatedAt), formatTime(tx.ModifiedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, false, ledger.ErrDuplicateIdempotencyKey
		}
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, false, err
	}
	created := tx
	return &created, true, nil
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+txColumns+" FROM transactions WHERE id = ?", id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	refs, err := s.loadExternalReferences(ctx, s.db, tx.ID)
	if err != nil {
		return nil, err
	}
	tx.ExternalReferences = refs
	return tx, nil
}

func (s *Store) FindTransactionByIdempotencyKey(ctx context.Context, ledgerID ledger.LedgerID, key string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+txColumns+" FROM transactions WHERE ledger_id = ? AND idempotency_key = ?",
		ledgerID, key)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	refs, err := s.loadExternalReferences(ctx, s.db, tx.ID)
	if err != nil {
		return nil, err
	}
	tx.ExternalReferences = refs
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + txColumns + " FROM transactions WHERE 1=1"
	var args []any
	if f.LedgerID != "" {
		query += " AND ledger_id = ?"
		args = append(args, f.LedgerID)
	}
	if f.LearnerID != "" {
		query += " AND learner_id = ?"
		args = append(args, f.LearnerID)
	}
	if f.ContentKey != "" {
		query += " AND content_key = ?"
		args = append(args, f.ContentKey)
	}
	if len(f.States) > 0 {
		placeholders := make([]string, len(f.States))
		for i, state := range f.States {
			placeholders[i] = "?"
			args = append(args, state)
		}
		query += " AND state IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		refs, err := s.loadExternalReferences(ctx, s.db, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].ExternalReferences = refs
	}
	return out, nil
}

func (s *Store) SetTransactionState(ctx context.Context, id ledger.TransactionID, to ledger.TransactionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	var from ledger.TransactionState
	err = sqlTx.QueryRowContext(ctx, "SELECT state FROM transactions WHERE id = ?", id).Scan(&from)
	if err == sql.ErrNoRows {
		return ledger.ErrTransactionNotFound
	}
	if err != nil {
		return err
	}
	if !ledger.CanTransition(from, to) {
		return &ledger.StateTransitionError{TransactionID: id, From: from, To: to}
	}

	_, err = sqlTx.ExecContext(ctx,
		"UPDATE transactions SET state = ?, modified_at = ? WHERE id = ?",
		to, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) CommitTransaction(ctx context.Context, id ledger.TransactionID, fulfillmentID string, refs []ledger.ExternalReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	var from ledger.TransactionState
	err = sqlTx.QueryRowContext(ctx, "SELECT state FROM transactions WHERE id = ?", id).Scan(&from)
	if err == sql.ErrNoRows {
		return ledger.ErrTransactionNotFound
	}
	if err != nil {
		return err
	}
	if !ledger.CanTransition(from, ledger.TxCommitted) {
		return &ledger.StateTransitionError{TransactionID: id, From: from, To: ledger.TxCommitted}
	}

	_, err = sqlTx.ExecContext(ctx,
		"UPDATE transactions SET state = ?, fulfillment_id = ?, modified_at = ? WHERE id = ?",
		ledger.TxCommitted, fulfillmentID, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if _, err := sqlTx.ExecContext(ctx,
			"INSERT OR IGNORE INTO external_references (transaction_id, provider_slug, reference_id) VALUES (?, ?, ?)",
			id, ref.ProviderSlug, ref.ReferenceID,
		); err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

func (s *Store) AddExternalReference(ctx context.Context, id ledger.TransactionID, ref ledger.ExternalReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ledger.ErrTransactionNotFound
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO external_references (transaction_id, provider_slug, reference_id) VALUES (?, ?, ?)",
		id, ref.ProviderSlug, ref.ReferenceID,
	)
	return err
}

func (s *Store) GetOrCreateReversal(ctx context.Context, rev ledger.Reversal) (*ledger.Reversal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer sqlTx.Rollback()

	existing, err := scanReversal(sqlTx.QueryRowContext(ctx,
		"SELECT "+revColumns+" FROM reversals WHERE transaction_id = ?", rev.TransactionID))
	if err == nil {
		if existing.IdempotencyKey == rev.IdempotencyKey {
			return existing, false, nil
		}
		// A second, distinct reversal for the same transaction.
		return nil, false, &ledger.NotReversibleError{TransactionID: rev.TransactionID, HasReversal: true}
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	metadataJSON, _ := json.Marshal(rev.Metadata)
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO reversals (id, transaction_id, quantity, idempotency_key, state, metadata_json, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rev.ID, rev.TransactionID, rev.Quantity, rev.IdempotencyKey, rev.State,
		string(metadataJSON), formatTime(rev.CreatedAt), formatTime(rev.ModifiedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, false, ledger.ErrDuplicateIdempotencyKey
		}
		return nil, false, fmt.Errorf("failed to insert reversal: %w", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, false, err
	}
	created := rev
	return &created, true, nil
}

const revColumns = `id, transaction_id, quantity, idempotency_key, state, metadata_json, created_at, modified_at`

func (s *Store) GetReversalForTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Reversal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rev, err := scanReversal(s.db.QueryRowContext(ctx,
		"SELECT "+revColumns+" FROM reversals WHERE transaction_id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rev, nil
}

func (s *Store) ListReversals(ctx context.Context, ledgerID ledger.LedgerID) ([]ledger.Reversal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.transaction_id, r.quantity, r.idempotency_key, r.state, r.metadata_json, r.created_at, r.modified_at
		FROM reversals r
		JOIN transactions t ON t.id = r.transaction_id
		WHERE t.ledger_id = ?
		ORDER BY r.created_at ASC`, ledgerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Reversal
	for rows.Next() {
		rev, err := scanReversal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rev)
	}
	return out, rows.Err()
}

func (s *Store) GetOrCreateDeposit(ctx context.Context, d ledger.Deposit) (*ledger.Deposit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer sqlTx.Rollback()

	var existing ledger.Deposit
	var createdAt string
	err = sqlTx.QueryRowContext(ctx, `
		SELECT id, ledger_id, desired_quantity, transaction_id, reference_id, reference_provider, created_at
		FROM deposits WHERE ledger_id = ? AND reference_id = ? AND desired_quantity = ?`,
		d.LedgerID, d.ReferenceID, d.DesiredQuantity,
	).Scan(&existing.ID, &existing.LedgerID, &existing.DesiredQuantity, &existing.TransactionID,
		&existing.ReferenceID, &existing.ReferenceProvider, &createdAt)
	if err == nil {
		existing.CreatedAt = parseTime(createdAt)
		return &existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO deposits (id, ledger_id, desired_quantity, transaction_id, reference_id, reference_provider, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.LedgerID, d.DesiredQuantity, d.TransactionID, d.ReferenceID, d.ReferenceProvider, formatTime(d.CreatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert deposit: %w", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, false, err
	}
	created := d
	return &created, true, nil
}

// =============================================================================
// SUBSIDY STORE (subsidy.Store interface)
// =============================================================================

const subsidyColumns = `uuid, title, kind, starting_balance, unit, reference_id, reference_type,
	customer_uuid, internal_only, active_at, expires_at, ledger_id, subscription_plan_uuid, created_at, modified_at`

func (s *Store) CreateSubsidy(ctx context.Context, sub subsidy.Subsidy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subsidies
		(uuid, title, kind, starting_balance, unit, reference_id, reference_type,
		 customer_uuid, internal_only, active_at, expires_at, ledger_id, subscription_plan_uuid, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.UUID, sub.Title, sub.Kind, sub.StartingBalance, sub.Unit,
		sub.ReferenceID, sub.ReferenceType, sub.EnterpriseCustomerUUID, sub.InternalOnly,
		nullTime(sub.ActiveDatetime), nullTime(sub.ExpirationDatetime),
		sub.LedgerID, sub.SubscriptionPlanUUID,
		formatTime(sub.CreatedAt), formatTime(sub.ModifiedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert subsidy: %w", err)
	}
	return nil
}

func (s *Store) GetSubsidy(ctx context.Context, uuid string) (*subsidy.Subsidy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, err := scanSubsidy(s.db.QueryRowContext(ctx,
		"SELECT "+subsidyColumns+" FROM subsidies WHERE uuid = ?", uuid))
	if err == sql.ErrNoRows {
		return nil, subsidy.ErrSubsidyNotFound
	}
	return sub, err
}

func (s *Store) GetSubsidyByReference(ctx context.Context, referenceID string) (*subsidy.Subsidy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, err := scanSubsidy(s.db.QueryRowContext(ctx,
		"SELECT "+subsidyColumns+" FROM subsidies WHERE reference_id = ? AND internal_only = FALSE ORDER BY created_at ASC LIMIT 1",
		referenceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

func (s *Store) GetSubsidyByLedger(ctx context.Context, id ledger.LedgerID) (*subsidy.Subsidy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, err := scanSubsidy(s.db.QueryRowContext(ctx,
		"SELECT "+subsidyColumns+" FROM subsidies WHERE ledger_id = ?", id))
	if err == sql.ErrNoRows {
		return nil, subsidy.ErrSubsidyNotFound
	}
	return sub, err
}

func (s *Store) ListSubsidies(ctx context.Context, customerUUID string) ([]subsidy.Subsidy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + subsidyColumns + " FROM subsidies"
	var args []any
	if customerUUID != "" {
		query += " WHERE customer_uuid = ?"
		args = append(args, customerUUID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []subsidy.Subsidy
	for rows.Next() {
		sub, err := scanSubsidy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var tx ledger.Transaction
	var metadataJSON sql.NullString
	var createdAt, modifiedAt string

	err := row.Scan(
		&tx.ID, &tx.LedgerID, &tx.Quantity, &tx.IdempotencyKey, &tx.State,
		&tx.LearnerID, &tx.ContentKey, &tx.AccessPolicyID, &tx.FulfillmentID,
		&metadataJSON, &createdAt, &modifiedAt,
	)
	if err != nil {
		return nil, err
	}

	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata)
	}
	tx.CreatedAt = parseTime(createdAt)
	tx.ModifiedAt = parseTime(modifiedAt)
	return &tx, nil
}

func scanReversal(row rowScanner) (*ledger.Reversal, error) {
	var rev ledger.Reversal
	var metadataJSON sql.NullString
	var createdAt, modifiedAt string

	err := row.Scan(
		&rev.ID, &rev.TransactionID, &rev.Quantity, &rev.IdempotencyKey, &rev.State,
		&metadataJSON, &createdAt, &modifiedAt,
	)
	if err != nil {
		return nil, err
	}

	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		json.Unmarshal([]byte(metadataJSON.String), &rev.Metadata)
	}
	rev.CreatedAt = parseTime(createdAt)
	rev.ModifiedAt = parseTime(modifiedAt)
	return &rev, nil
}

func scanSubsidy(row rowScanner) (*subsidy.Subsidy, error) {
	var sub subsidy.Subsidy
	var activeAt, expiresAt sql.NullString
	var createdAt, modifiedAt string

	err := row.Scan(
		&sub.UUID, &sub.Title, &sub.Kind, &sub.StartingBalance, &sub.Unit,
		&sub.ReferenceID, &sub.ReferenceType, &sub.EnterpriseCustomerUUID, &sub.InternalOnly,
		&activeAt, &expiresAt, &sub.LedgerID, &sub.SubscriptionPlanUUID,
		&createdAt, &modifiedAt,
	)
	if err != nil {
		return nil, err
	}

	if activeAt.Valid {
		sub.ActiveDatetime = parseTime(activeAt.String)
	}
	if expiresAt.Valid {
		sub.ExpirationDatetime = parseTime(expiresAt.String)
	}
	sub.CreatedAt = parseTime(createdAt)
	sub.ModifiedAt = parseTime(modifiedAt)
	return &sub, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) loadExternalReferences(ctx context.Context, db queryer, id ledger.TransactionID) ([]ledger.ExternalReference, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT provider_slug, reference_id FROM external_references WHERE transaction_id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []ledger.ExternalReference
	for rows.Next() {
		var ref ledger.ExternalReference
		if err := rows.Scan(&ref.ProviderSlug, &ref.ReferenceID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

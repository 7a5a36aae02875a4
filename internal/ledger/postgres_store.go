package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. The CHECK constraints are a backstop;
// balance legality is enforced in the service.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_accounts (
			id          VARCHAR(40) PRIMARY KEY,
			owner_id    VARCHAR(80)   NOT NULL,
			owner_type  VARCHAR(20)   NOT NULL,
			currency    VARCHAR(3)    NOT NULL,
			available   NUMERIC(20,6) NOT NULL DEFAULT 0,
			pending     NUMERIC(20,6) NOT NULL DEFAULT 0,
			status      VARCHAR(20)   NOT NULL DEFAULT 'active',
			version     BIGINT        NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_account_owner_currency UNIQUE (owner_id, currency),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0),
			CONSTRAINT chk_pending_nonneg   CHECK (pending >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id              VARCHAR(40) PRIMARY KEY,
			account_id      VARCHAR(40)   NOT NULL REFERENCES escrow_accounts(id),
			kind            VARCHAR(20)   NOT NULL,
			amount          NUMERIC(20,6) NOT NULL,
			prior_balance   NUMERIC(20,6) NOT NULL,
			new_balance     NUMERIC(20,6) NOT NULL,
			idempotency_key VARCHAR(120)  NOT NULL DEFAULT '',
			status          VARCHAR(20)   NOT NULL DEFAULT 'completed',
			description     TEXT,
			authorized_by   VARCHAR(80),
			created_at      TIMESTAMPTZ   NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_idempotency
			ON ledger_entries(account_id, idempotency_key)
			WHERE idempotency_key <> '';
		CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_accounts (id, owner_id, owner_type, currency, available, pending, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, acct.ID, acct.OwnerID, acct.OwnerType, acct.Currency, acct.Available, acct.Pending, acct.Status, acct.Version, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	return p.scanAccount(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, owner_type, currency, available, pending, status, version, created_at, updated_at
		FROM escrow_accounts WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetAccountByOwner(ctx context.Context, ownerID, currency string) (*Account, error) {
	return p.scanAccount(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, owner_type, currency, available, pending, status, version, created_at, updated_at
		FROM escrow_accounts WHERE owner_id = $1 AND currency = $2
	`, ownerID, currency))
}

func (p *PostgresStore) scanAccount(row *sql.Row) (*Account, error) {
	acct := &Account{}
	err := row.Scan(&acct.ID, &acct.OwnerID, &acct.OwnerType, &acct.Currency,
		&acct.Available, &acct.Pending, &acct.Status, &acct.Version, &acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) SetAccountStatus(ctx context.Context, id, status string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_accounts SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) ListAccounts(ctx context.Context, status string, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, owner_id, owner_type, currency, available, pending, status, version, created_at, updated_at
		FROM escrow_accounts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at LIMIT $2`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY created_at LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct := &Account{}
		if err := rows.Scan(&acct.ID, &acct.OwnerID, &acct.OwnerType, &acct.Currency,
			&acct.Available, &acct.Pending, &acct.Status, &acct.Version, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (p *PostgresStore) CountAccountsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM escrow_accounts GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) SumBalances(ctx context.Context) (map[string]BalanceTotals, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT currency, COALESCE(SUM(available), 0), COALESCE(SUM(pending), 0)
		FROM escrow_accounts GROUP BY currency
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]BalanceTotals)
	for rows.Next() {
		var currency string
		var t BalanceTotals
		if err := rows.Scan(&currency, &t.Available, &t.Pending); err != nil {
			return nil, err
		}
		totals[currency] = t
	}
	return totals, rows.Err()
}

// Append writes the snapshot and the entry in one serializable transaction.
// The version guard turns a lost cross-instance race into ErrVersionConflict
// instead of a silently clobbered balance.
func (p *PostgresStore) Append(ctx context.Context, acct *Account, entry *Entry) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			available  = $2,
			pending    = $3,
			version    = $4,
			updated_at = $5
		WHERE id = $1 AND version = $6
	`, acct.ID, acct.Available, acct.Pending, acct.Version, acct.UpdatedAt, acct.Version-1)
	if err != nil {
		return fmt.Errorf("failed to update account snapshot: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT TRUE FROM escrow_accounts WHERE id = $1`, acct.ID).Scan(&exists); err == sql.ErrNoRows {
			return ErrAccountNotFound
		}
		return ErrVersionConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, kind, amount, prior_balance, new_balance, idempotency_key, status, description, authorized_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.ID, entry.AccountID, entry.Kind, entry.Amount, entry.PriorBalance, entry.NewBalance,
		entry.IdempotencyKey, entry.Status, entry.Description, entry.AuthorizedBy, entry.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Another instance already applied this idempotency key.
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) GetEntryByKey(ctx context.Context, accountID, key string) (*Entry, error) {
	return p.scanEntry(p.db.QueryRowContext(ctx, `
		SELECT id, account_id, kind, amount, prior_balance, new_balance, idempotency_key, status, description, authorized_by, created_at
		FROM ledger_entries WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, key))
}

func (p *PostgresStore) scanEntry(row *sql.Row) (*Entry, error) {
	e := &Entry{}
	var description, authorizedBy sql.NullString
	err := row.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.PriorBalance, &e.NewBalance,
		&e.IdempotencyKey, &e.Status, &description, &authorizedBy, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Description = description.String
	e.AuthorizedBy = authorizedBy.String
	return e, nil
}

func (p *PostgresStore) ListEntries(ctx context.Context, accountID string, limit int, before time.Time) ([]*Entry, error) {
	query := `
		SELECT id, account_id, kind, amount, prior_balance, new_balance, idempotency_key, status, description, authorized_by, created_at
		FROM ledger_entries
		WHERE account_id = $1`
	args := []any{accountID}
	if !before.IsZero() {
		query += ` AND created_at < $2 ORDER BY created_at DESC, id DESC LIMIT $3`
		args = append(args, before, limit)
	} else {
		query += ` ORDER BY created_at DESC, id DESC LIMIT $2`
		args = append(args, limit)
	}
	return p.queryEntries(ctx, query, args...)
}

func (p *PostgresStore) ListAllEntries(ctx context.Context, accountID string) ([]*Entry, error) {
	return p.queryEntries(ctx, `
		SELECT id, account_id, kind, amount, prior_balance, new_balance, idempotency_key, status, description, authorized_by, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at ASC, id ASC
	`, accountID)
}

func (p *PostgresStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var description, authorizedBy sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.PriorBalance, &e.NewBalance,
			&e.IdempotencyKey, &e.Status, &description, &authorizedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Description = description.String
		e.AuthorizedBy = authorizedBy.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
